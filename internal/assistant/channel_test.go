package assistant

import (
	"sync"
	"testing"
	"time"

	"github.com/remote-agent-terminal/client/internal/protocol"
	"github.com/remote-agent-terminal/client/internal/pubsub"
	"github.com/remote-agent-terminal/client/internal/wsconn"
)

// fakeTransport drives a channel without a socket.
type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte

	messages *pubsub.Topic[[]byte]
	opens    *pubsub.Topic[struct{}]
	closes   *pubsub.Topic[wsconn.CloseInfo]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages: pubsub.NewTopic[[]byte](),
		opens:    pubsub.NewTopic[struct{}](),
		closes:   pubsub.NewTopic[wsconn.CloseInfo](),
	}
}

func (f *fakeTransport) Connect()    {}
func (f *fakeTransport) Disconnect() {}
func (f *fakeTransport) Reconnect()  {}

func (f *fakeTransport) Send(data []byte) bool {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return true
}

func (f *fakeTransport) Messages() *pubsub.Topic[[]byte]         { return f.messages }
func (f *fakeTransport) Opens() *pubsub.Topic[struct{}]          { return f.opens }
func (f *fakeTransport) Closes() *pubsub.Topic[wsconn.CloseInfo] { return f.closes }

func (f *fakeTransport) sentTypes(t *testing.T) []protocol.FrameType {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []protocol.FrameType
	for _, raw := range f.sent {
		fr, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("failed to decode sent frame: %v", err)
		}
		types = append(types, fr.Type)
	}
	return types
}

func (f *fakeTransport) deliver(t *testing.T, frame *protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(frame)
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}
	f.messages.Publish(data)
}

func newStreaming(t *testing.T) (*fakeTransport, *Channel) {
	t.Helper()
	tr := newFakeTransport()
	ch := New(tr)
	t.Cleanup(ch.Close)
	ch.SendMessage("prompt")
	return tr, ch
}

func TestSendMessageStartsTurn(t *testing.T) {
	tr := newFakeTransport()
	ch := New(tr)
	defer ch.Close()

	if !ch.SendMessage("hello") {
		t.Error("expected live send to report true")
	}
	if !ch.Streaming() {
		t.Error("expected a streaming turn")
	}
	types := tr.sentTypes(t)
	if len(types) != 1 || types[0] != protocol.TypeInput {
		t.Errorf("unexpected frames sent: %v", types)
	}
}

func TestTextAccumulatesInOneBlock(t *testing.T) {
	tr, ch := newStreaming(t)

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeText, Content: "Hello"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeText, Content: ", world"})

	blocks := ch.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Kind != BlockText || blocks[0].Text != "Hello, world" {
		t.Errorf("unexpected block: %+v", blocks[0])
	}
}

func TestThinkingBracketExactlyOnce(t *testing.T) {
	tr, ch := newStreaming(t)

	starts, ends := 0, 0
	ch.ThinkingStarts().Subscribe(func(struct{}) { starts++ })
	ch.ThinkingEnds().Subscribe(func(struct{}) { ends++ })

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeThinking, Content: "hmm"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeThinking, Content: " more"})
	if starts != 1 {
		t.Errorf("expected 1 thinking-start, got %d", starts)
	}
	if ends != 0 {
		t.Errorf("bracket closed early: %d ends", ends)
	}

	// The first tool use closes the bracket; done must not close it again.
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseStart, ID: "t1", Tool: "bash"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeDone})

	if starts != 1 || ends != 1 {
		t.Errorf("expected 1 start / 1 end, got %d / %d", starts, ends)
	}

	blocks := ch.Blocks()
	if len(blocks) != 2 || blocks[0].Kind != BlockThinking || blocks[0].Text != "hmm more" {
		t.Errorf("unexpected blocks: %+v", blocks)
	}
}

func TestThinkingBracketClosedByDone(t *testing.T) {
	tr, ch := newStreaming(t)

	ends := 0
	ch.ThinkingEnds().Subscribe(func(struct{}) { ends++ })

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeThinking, Content: "hmm"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeDone})

	if ends != 1 {
		t.Errorf("expected done to close the bracket, got %d ends", ends)
	}
	if ch.Streaming() {
		t.Error("turn still streaming after done")
	}
}

func TestToolLifecycle(t *testing.T) {
	tr, ch := newStreaming(t)

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseStart, ID: "t1", Tool: "bash"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseOutput, ID: "t1", Output: "x"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseOutput, ID: "t1", Output: "y"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseEnd, ID: "t1", Status: "success"})

	blocks := ch.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	b := blocks[0]
	if b.Kind != BlockToolUse || b.ToolID != "t1" || b.Tool != "bash" {
		t.Errorf("unexpected block: %+v", b)
	}
	if b.Output != "xy" {
		t.Errorf("tool output not appended in order: %q", b.Output)
	}
	if b.Status != ToolSuccess {
		t.Errorf("unexpected status: %s", b.Status)
	}

	// The transition already happened; a duplicate end and late output are
	// ignored.
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseEnd, ID: "t1", Status: "error", Error: "late"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseOutput, ID: "t1", Output: "z"})

	b = ch.Blocks()[0]
	if b.Status != ToolSuccess || b.Err != "" || b.Output != "xy" {
		t.Errorf("frozen tool block mutated: %+v", b)
	}
}

func TestToolFailure(t *testing.T) {
	tr, ch := newStreaming(t)

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseStart, ID: "t1", Tool: "bash"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseEnd, ID: "t1", Status: "error", Error: "exit 1"})

	b := ch.Blocks()[0]
	if b.Status != ToolError || b.Err != "exit 1" {
		t.Errorf("unexpected failed block: %+v", b)
	}
}

func TestParallelToolBlocksKeyedByID(t *testing.T) {
	tr, ch := newStreaming(t)

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseStart, ID: "a", Tool: "read"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseStart, ID: "b", Tool: "bash"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseOutput, ID: "b", Output: "B"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseOutput, ID: "a", Output: "A"})

	blocks := ch.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].ToolID != "a" || blocks[0].Output != "A" {
		t.Errorf("unexpected first block: %+v", blocks[0])
	}
	if blocks[1].ToolID != "b" || blocks[1].Output != "B" {
		t.Errorf("unexpected second block: %+v", blocks[1])
	}
}

func TestDoneFreezesTurn(t *testing.T) {
	tr, ch := newStreaming(t)

	done := 0
	ch.TurnsDone().Subscribe(func(struct{}) { done++ })

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeText, Content: "answer"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeDone})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeText, Content: " late"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeDone})

	if done != 1 {
		t.Errorf("expected 1 done event, got %d", done)
	}
	blocks := ch.Blocks()
	if len(blocks) != 1 || blocks[0].Text != "answer" {
		t.Errorf("frozen turn mutated: %+v", blocks)
	}
}

func TestAbortDiscardsLateFrames(t *testing.T) {
	tr, ch := newStreaming(t)

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeText, Content: "partial"})
	ch.Abort()

	types := tr.sentTypes(t)
	if types[len(types)-1] != protocol.TypeAbort {
		t.Errorf("abort frame not sent: %v", types)
	}
	if ch.Streaming() {
		t.Error("turn still streaming after abort")
	}

	// Frames racing in for the aborted turn change nothing.
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeText, Content: " late"})
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeToolUseStart, ID: "t1", Tool: "bash"})

	blocks := ch.Blocks()
	if len(blocks) != 1 || blocks[0].Text != "partial" {
		t.Errorf("aborted turn mutated: %+v", blocks)
	}

	// A fresh turn starts clean.
	ch.SendMessage("again")
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeText, Content: "fresh"})
	blocks = ch.Blocks()
	if len(blocks) != 1 || blocks[0].Text != "fresh" {
		t.Errorf("new turn polluted: %+v", blocks)
	}
}

func TestStatusFrames(t *testing.T) {
	tr := newFakeTransport()
	ch := New(tr)
	defer ch.Close()

	var statuses []Status
	ch.Statuses().Subscribe(func(s Status) { statuses = append(statuses, s) })

	tr.deliver(t, &protocol.Frame{
		Type:          protocol.TypeStatus,
		ClaudeState:   "tool_running",
		CurrentTool:   "bash",
		IsStuck:       true,
		StuckDuration: 4500,
	})

	got := ch.Status()
	if got.State != StateToolRunning || got.CurrentTool != "bash" {
		t.Errorf("unexpected status: %+v", got)
	}
	if !got.IsStuck || got.StuckDuration != 4500*time.Millisecond {
		t.Errorf("stuck signal not carried: %+v", got)
	}

	// state-change frames feed the same snapshot.
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeStateChange, ClaudeState: "idle"})
	if got := ch.Status(); got.State != StateIdle || got.IsStuck {
		t.Errorf("state-change not applied: %+v", got)
	}

	// Unknown labels degrade to unknown, never an error.
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeStatus, ClaudeState: "daydreaming"})
	if got := ch.Status(); got.State != StateUnknown {
		t.Errorf("unexpected state for unknown label: %+v", got)
	}

	if len(statuses) != 3 {
		t.Errorf("expected 3 status events, got %d", len(statuses))
	}
}

func TestSendEnterOptimisticallyClearsStuck(t *testing.T) {
	tr := newFakeTransport()
	ch := New(tr)
	defer ch.Close()

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeStatus, ClaudeState: "responding", IsStuck: true, StuckDuration: 3000})

	ch.SendEnter()
	if got := ch.Status(); got.IsStuck {
		t.Errorf("stuck not cleared optimistically: %+v", got)
	}
	types := tr.sentTypes(t)
	if types[len(types)-1] != protocol.TypeSendEnter {
		t.Errorf("send-enter frame not sent: %v", types)
	}

	// The next authoritative frame wins either way.
	tr.deliver(t, &protocol.Frame{Type: protocol.TypeStatus, ClaudeState: "responding", IsStuck: true, StuckDuration: 6000})
	if got := ch.Status(); !got.IsStuck {
		t.Errorf("authoritative status not applied: %+v", got)
	}
}

func TestKillSessionResetsOptimistically(t *testing.T) {
	tr, ch := newStreaming(t)

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeStatus, ClaudeState: "tool_running", CurrentTool: "bash"})

	ch.KillSession()
	if got := ch.Status(); got.State != StateIdle || got.CurrentTool != "" {
		t.Errorf("status not reset: %+v", got)
	}
	if ch.Streaming() {
		t.Error("turn still streaming after kill")
	}
	types := tr.sentTypes(t)
	if types[len(types)-1] != protocol.TypeKillSession {
		t.Errorf("kill-session frame not sent: %v", types)
	}
}

func TestErrorFrame(t *testing.T) {
	tr, ch := newStreaming(t)

	var errs []string
	ch.Errors().Subscribe(func(msg string) { errs = append(errs, msg) })

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeError, Error: "backend unavailable"})

	if len(errs) != 1 || errs[0] != "backend unavailable" {
		t.Errorf("unexpected errors: %v", errs)
	}
	blocks := ch.Blocks()
	if len(blocks) != 1 || blocks[0].Kind != BlockError || blocks[0].Text != "backend unavailable" {
		t.Errorf("error block missing: %+v", blocks)
	}
}

func TestConnectedHandshake(t *testing.T) {
	tr := newFakeTransport()
	ch := New(tr)
	defer ch.Close()

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeConnected, SessionID: "sess-9"})
	if got := ch.Session(); got.ID != "sess-9" {
		t.Errorf("unexpected session: %+v", got)
	}

	tr.deliver(t, &protocol.Frame{Type: protocol.TypeConnected, Reconnected: true})
	got := ch.Session()
	if got.ID != "sess-9" || !got.Reconnected {
		t.Errorf("reconnect handshake mishandled: %+v", got)
	}
}

func TestStatusRefreshedOnReconnect(t *testing.T) {
	tr := newFakeTransport()
	ch := New(tr)
	defer ch.Close()

	tr.opens.Publish(struct{}{})

	types := tr.sentTypes(t)
	if len(types) != 1 || types[0] != protocol.TypeGetStatus {
		t.Errorf("expected a get-status after open, got %v", types)
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	tr, ch := newStreaming(t)

	tr.messages.Publish([]byte("garbage"))
	if blocks := ch.Blocks(); len(blocks) != 0 {
		t.Errorf("malformed frame produced blocks: %+v", blocks)
	}
}
