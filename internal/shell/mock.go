package shell

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/remote-agent-terminal/client/internal/history"
	"github.com/remote-agent-terminal/client/internal/pubsub"
)

// ANSI fragments used by the mock's colored output.
const (
	ansiReset = "\x1b[0m"
	ansiBold  = "\x1b[1m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiBlue  = "\x1b[34m"
	ansiClear = "\x1b[2J\x1b[H"
)

// mockRoot is the directory the in-memory filesystem is rooted at.
const mockRoot = "/workspace"

// Mock is a backend-free shell used for development and UI testing. It
// interprets a small fixed command set against an in-memory filesystem and
// emits ANSI-colored output through the same event surface as the live
// channel.
type Mock struct {
	mu   sync.Mutex
	cwd  string
	env  map[string]string
	dirs map[string][]string
	cols uint16
	rows uint16

	stream   *history.Buffer
	outputs  *pubsub.Topic[string]
	exits    *pubsub.Topic[Exit]
	sessions *pubsub.Topic[Session]

	now func() time.Time
}

var _ Terminal = (*Mock)(nil)

// NewMock builds a mock shell with a small seeded filesystem.
func NewMock() *Mock {
	m := &Mock{
		cwd: mockRoot,
		env: map[string]string{
			"HOME": mockRoot,
			"USER": "agent",
			"TERM": "xterm-256color",
		},
		dirs: map[string][]string{
			mockRoot:             {"README.md", "src/", "notes.txt"},
			mockRoot + "/src":    {"main.go", "client.go"},
			mockRoot + "/.cache": {},
		},
		stream:   history.NewBuffer(history.DefaultCapacity),
		outputs:  pubsub.NewTopic[string](),
		exits:    pubsub.NewTopic[Exit](),
		sessions: pubsub.NewTopic[Session](),
		now:      time.Now,
	}
	return m
}

// Connect emits the handshake and greeting the live channel would see.
func (m *Mock) Connect() {
	m.sessions.Publish(Session{ID: "mock-session", Cwd: mockRoot})
	m.emit(ansiBold + "mock shell" + ansiReset + " - type 'help' for commands\r\n")
	m.prompt()
}

// Disconnect is a no-op; the mock has no socket.
func (m *Mock) Disconnect() {}

// Reconnect is a no-op; the mock has no socket.
func (m *Mock) Reconnect() {}

// Send interprets one line of input. Always live, so always true.
func (m *Mock) Send(text string) bool {
	line := strings.TrimRight(text, "\r\n")
	m.emit(line + "\r\n")
	m.run(line)
	m.prompt()
	return true
}

// Resize records the viewport; the mock has nothing to resize.
func (m *Mock) Resize(cols, rows uint16) {
	m.mu.Lock()
	m.cols, m.rows = cols, rows
	m.mu.Unlock()
}

// Restart resets the working directory and environment, like a respawned
// process would.
func (m *Mock) Restart() {
	m.mu.Lock()
	m.cwd = mockRoot
	m.env = map[string]string{"HOME": mockRoot, "USER": "agent", "TERM": "xterm-256color"}
	m.mu.Unlock()
	m.emit("\r\n[restarted]\r\n")
	m.prompt()
}

// Outputs publishes every emitted chunk.
func (m *Mock) Outputs() *pubsub.Topic[string] { return m.outputs }

// Exits publishes when the mock is closed.
func (m *Mock) Exits() *pubsub.Topic[Exit] { return m.exits }

// Sessions publishes the fabricated handshake.
func (m *Mock) Sessions() *pubsub.Topic[Session] { return m.sessions }

// Rendered returns everything emitted so far.
func (m *Mock) Rendered() string { return m.stream.String() }

// Close surfaces a clean exit.
func (m *Mock) Close() {
	m.exits.Publish(Exit{Code: 0})
}

func (m *Mock) emit(data string) {
	m.stream.AppendString(data)
	m.outputs.Publish(data)
}

func (m *Mock) prompt() {
	m.mu.Lock()
	cwd := m.cwd
	m.mu.Unlock()
	display := strings.Replace(cwd, mockRoot, "~", 1)
	m.emit(ansiGreen + "agent@mock" + ansiReset + ":" + ansiBlue + display + ansiReset + "$ ")
}

func (m *Mock) run(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		m.emit("available commands: help echo pwd cd ls clear whoami date env export\r\n")
	case "echo":
		m.emit(m.expand(strings.Join(args, " ")) + "\r\n")
	case "pwd":
		m.mu.Lock()
		cwd := m.cwd
		m.mu.Unlock()
		m.emit(cwd + "\r\n")
	case "cd":
		m.cd(args)
	case "ls":
		m.ls(args)
	case "clear":
		m.emit(ansiClear)
	case "whoami":
		m.mu.Lock()
		user := m.env["USER"]
		m.mu.Unlock()
		m.emit(user + "\r\n")
	case "date":
		m.emit(m.now().Format(time.UnixDate) + "\r\n")
	case "env":
		m.printEnv()
	case "export":
		m.export(args)
	default:
		m.emit(ansiRed + cmd + ": command not found" + ansiReset + "\r\n")
	}
}

func (m *Mock) expand(s string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return expandVars(s, m.env)
}

// expandVars substitutes $NAME references; unset names expand to nothing.
func expandVars(s string, env map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' {
			b.WriteByte(s[i])
			continue
		}
		j := i + 1
		for j < len(s) && (isAlnum(s[j]) || s[j] == '_') {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		b.WriteString(env[s[i+1:j]])
		i = j - 1
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func (m *Mock) resolve(target string) string {
	m.mu.Lock()
	cwd := m.cwd
	home := m.env["HOME"]
	m.mu.Unlock()

	switch {
	case target == "" || target == "~":
		return home
	case strings.HasPrefix(target, "~/"):
		return path.Clean(home + target[1:])
	case strings.HasPrefix(target, "/"):
		return path.Clean(target)
	default:
		return path.Clean(cwd + "/" + target)
	}
}

func (m *Mock) cd(args []string) {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	dest := m.resolve(target)

	m.mu.Lock()
	_, ok := m.dirs[dest]
	if ok {
		m.cwd = dest
	}
	m.mu.Unlock()

	if !ok {
		m.emit(ansiRed + "cd: no such directory: " + dest + ansiReset + "\r\n")
	}
}

func (m *Mock) ls(args []string) {
	target := ""
	if len(args) > 0 {
		target = args[0]
	}
	dir := m.resolve(target)
	if target == "" {
		m.mu.Lock()
		dir = m.cwd
		m.mu.Unlock()
	}

	m.mu.Lock()
	entries, ok := m.dirs[dir]
	m.mu.Unlock()
	if !ok {
		m.emit(ansiRed + "ls: cannot access " + dir + ansiReset + "\r\n")
		return
	}

	sorted := append([]string(nil), entries...)
	sort.Strings(sorted)
	var parts []string
	for _, e := range sorted {
		if strings.HasSuffix(e, "/") {
			parts = append(parts, ansiBlue+strings.TrimSuffix(e, "/")+ansiReset)
		} else {
			parts = append(parts, e)
		}
	}
	m.emit(strings.Join(parts, "  ") + "\r\n")
}

func (m *Mock) printEnv() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.env))
	for k := range m.env {
		keys = append(keys, k)
	}
	env := make(map[string]string, len(m.env))
	for k, v := range m.env {
		env[k] = v
	}
	m.mu.Unlock()

	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\r\n", k, env[k])
	}
	m.emit(b.String())
}

func (m *Mock) export(args []string) {
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			m.emit(ansiRed + "export: invalid assignment: " + arg + ansiReset + "\r\n")
			continue
		}
		m.mu.Lock()
		m.env[k] = v
		m.mu.Unlock()
	}
}
