package shell

import (
	"strings"
	"testing"
	"time"
)

func newConnectedMock() *Mock {
	m := NewMock()
	m.Connect()
	return m
}

// lastOutput collects everything the mock emits for one command.
func runMock(m *Mock, line string) string {
	var out strings.Builder
	tok := m.Outputs().Subscribe(func(s string) { out.WriteString(s) })
	defer m.Outputs().Unsubscribe(tok)
	m.Send(line)
	return out.String()
}

func TestMockConnectHandshake(t *testing.T) {
	m := NewMock()

	var sessions []Session
	m.Sessions().Subscribe(func(s Session) { sessions = append(sessions, s) })
	m.Connect()

	if len(sessions) != 1 || sessions[0].ID != "mock-session" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].Cwd != "/workspace" {
		t.Errorf("unexpected cwd: %s", sessions[0].Cwd)
	}
	if !strings.Contains(m.Rendered(), "mock shell") {
		t.Errorf("greeting missing: %q", m.Rendered())
	}
}

func TestMockEcho(t *testing.T) {
	m := newConnectedMock()
	out := runMock(m, "echo hello world")
	if !strings.Contains(out, "hello world\r\n") {
		t.Errorf("unexpected echo output: %q", out)
	}
}

func TestMockEchoExpandsEnv(t *testing.T) {
	m := newConnectedMock()
	runMock(m, "export GREETING=hi")
	out := runMock(m, "echo $GREETING $USER")
	if !strings.Contains(out, "hi agent\r\n") {
		t.Errorf("unexpected expansion: %q", out)
	}

	// Unset names expand to nothing.
	out = runMock(m, "echo [$MISSING]")
	if !strings.Contains(out, "[]\r\n") {
		t.Errorf("unset variable not empty: %q", out)
	}
}

func TestMockPwdAndCd(t *testing.T) {
	m := newConnectedMock()

	if out := runMock(m, "pwd"); !strings.Contains(out, "/workspace\r\n") {
		t.Errorf("unexpected pwd: %q", out)
	}

	runMock(m, "cd src")
	if out := runMock(m, "pwd"); !strings.Contains(out, "/workspace/src\r\n") {
		t.Errorf("cd src did not move: %q", out)
	}

	runMock(m, "cd ..")
	if out := runMock(m, "pwd"); !strings.Contains(out, "/workspace\r\n") {
		t.Errorf("cd .. did not move back: %q", out)
	}

	// cd with no argument goes home.
	runMock(m, "cd src")
	runMock(m, "cd")
	if out := runMock(m, "pwd"); !strings.Contains(out, "/workspace\r\n") {
		t.Errorf("bare cd did not go home: %q", out)
	}

	out := runMock(m, "cd /no/such/dir")
	if !strings.Contains(out, "no such directory") {
		t.Errorf("missing error for bad cd: %q", out)
	}
}

func TestMockLs(t *testing.T) {
	m := newConnectedMock()
	out := runMock(m, "ls")
	for _, want := range []string{"README.md", "notes.txt", "src"} {
		if !strings.Contains(out, want) {
			t.Errorf("ls output missing %q: %q", want, out)
		}
	}
	// Directories are colored.
	if !strings.Contains(out, ansiBlue+"src"+ansiReset) {
		t.Errorf("directory not colored: %q", out)
	}

	out = runMock(m, "ls /nope")
	if !strings.Contains(out, "cannot access") {
		t.Errorf("missing error for bad ls: %q", out)
	}
}

func TestMockWhoamiDateEnv(t *testing.T) {
	m := newConnectedMock()
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	if out := runMock(m, "whoami"); !strings.Contains(out, "agent\r\n") {
		t.Errorf("unexpected whoami: %q", out)
	}
	if out := runMock(m, "date"); !strings.Contains(out, fixed.Format(time.UnixDate)) {
		t.Errorf("unexpected date: %q", out)
	}

	out := runMock(m, "env")
	for _, want := range []string{"HOME=/workspace", "USER=agent", "TERM=xterm-256color"} {
		if !strings.Contains(out, want) {
			t.Errorf("env output missing %q: %q", want, out)
		}
	}
}

func TestMockClear(t *testing.T) {
	m := newConnectedMock()
	out := runMock(m, "clear")
	if !strings.Contains(out, ansiClear) {
		t.Errorf("clear did not emit the clear sequence: %q", out)
	}
}

func TestMockUnknownCommand(t *testing.T) {
	m := newConnectedMock()
	out := runMock(m, "frobnicate")
	if !strings.Contains(out, "frobnicate: command not found") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestMockExportValidation(t *testing.T) {
	m := newConnectedMock()
	out := runMock(m, "export NOEQUALS")
	if !strings.Contains(out, "invalid assignment") {
		t.Errorf("missing export error: %q", out)
	}
}

func TestMockRestartResetsState(t *testing.T) {
	m := newConnectedMock()
	runMock(m, "cd src")
	runMock(m, "export X=1")

	m.Restart()

	if out := runMock(m, "pwd"); !strings.Contains(out, "/workspace\r\n") {
		t.Errorf("cwd not reset: %q", out)
	}
	if out := runMock(m, "echo [$X]"); !strings.Contains(out, "[]\r\n") {
		t.Errorf("env not reset: %q", out)
	}
}

func TestMockCloseExitsCleanly(t *testing.T) {
	m := newConnectedMock()
	var exits []Exit
	m.Exits().Subscribe(func(e Exit) { exits = append(exits, e) })

	m.Close()
	if len(exits) != 1 || exits[0].Code != 0 {
		t.Errorf("unexpected exits: %+v", exits)
	}
}
