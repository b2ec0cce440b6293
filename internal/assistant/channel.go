// Package assistant specializes the connection state machine for the
// structured AI-assistant protocol: one long-lived conversation session
// streaming multi-block turns (text, thinking, tool use) with advisory
// liveness signals and recovery commands.
package assistant

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/remote-agent-terminal/client/internal/protocol"
	"github.com/remote-agent-terminal/client/internal/pubsub"
	"github.com/remote-agent-terminal/client/internal/wsconn"
)

// BlockKind tags a content block.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockThinking BlockKind = "thinking"
	BlockToolUse  BlockKind = "tool_use"
	BlockError    BlockKind = "error"
)

// ToolStatus is the lifecycle of one tool_use block. It moves from running
// to success or error exactly once.
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ContentBlock is one appendable unit of assistant-turn output. Blocks are
// mutated in place while the turn streams and frozen once it is done.
type ContentBlock struct {
	Kind BlockKind

	// Text carries the content of text, thinking and error blocks.
	Text string

	// Tool-use fields, keyed by the server-issued id.
	ToolID string
	Tool   string
	Input  json.RawMessage
	Status ToolStatus
	Output string
	Err    string
}

// ClaudeState is the server-computed liveness classification.
type ClaudeState string

const (
	StateIdle           ClaudeState = "idle"
	StateThinking       ClaudeState = "thinking"
	StateResponding     ClaudeState = "responding"
	StateToolRunning    ClaudeState = "tool_running"
	StateWaitingConfirm ClaudeState = "waiting_confirm"
	StateUnknown        ClaudeState = "unknown"
)

// Status is the advisory liveness snapshot carried by status and
// state-change frames. It is decoupled from block streaming: a stuck
// signal never ends a turn.
type Status struct {
	State         ClaudeState
	CurrentTool   string
	IsStuck       bool
	StuckDuration time.Duration
}

// Session is the server-issued identity of the conversation session.
type Session struct {
	ID          string
	Reconnected bool
}

// pendingKind is an optimistic local mutation awaiting confirmation by the
// next authoritative status frame.
type pendingKind int

const (
	pendingSendEnter pendingKind = iota
	pendingKillSession
)

// turn is the streaming state of one request/response cycle.
type turn struct {
	blocks       []*ContentBlock
	textIdx      int
	thinkingIdx  int
	toolIdx      map[string]int
	thinkingOpen bool
	done         bool
}

func newTurn() *turn {
	return &turn{textIdx: -1, thinkingIdx: -1, toolIdx: make(map[string]int)}
}

// transport is the slice of wsconn.Conn the channel needs; tests inject a
// fake.
type transport interface {
	Connect()
	Disconnect()
	Reconnect()
	Send(data []byte) bool
	Messages() *pubsub.Topic[[]byte]
	Opens() *pubsub.Topic[struct{}]
	Closes() *pubsub.Topic[wsconn.CloseInfo]
}

// Channel is the assistant session channel.
type Channel struct {
	conn transport

	mu        sync.Mutex
	session   Session
	turn      *turn
	streaming bool
	status    Status
	pending   []pendingKind

	updates        *pubsub.Topic[struct{}]
	thinkingStarts *pubsub.Topic[struct{}]
	thinkingEnds   *pubsub.Topic[struct{}]
	turnsDone      *pubsub.Topic[struct{}]
	statuses       *pubsub.Topic[Status]
	errs           *pubsub.Topic[string]
	sessions       *pubsub.Topic[Session]

	msgTok  pubsub.Token
	openTok pubsub.Token
}

// New wires an assistant channel onto conn.
func New(conn transport) *Channel {
	c := &Channel{
		conn:           conn,
		status:         Status{State: StateUnknown},
		updates:        pubsub.NewTopic[struct{}](),
		thinkingStarts: pubsub.NewTopic[struct{}](),
		thinkingEnds:   pubsub.NewTopic[struct{}](),
		turnsDone:      pubsub.NewTopic[struct{}](),
		statuses:       pubsub.NewTopic[Status](),
		errs:           pubsub.NewTopic[string](),
		sessions:       pubsub.NewTopic[Session](),
	}
	c.msgTok = conn.Messages().Subscribe(c.handleMessage)
	// After any (re)connect the liveness snapshot is stale; ask for an
	// authoritative one.
	c.openTok = conn.Opens().Subscribe(func(struct{}) {
		c.conn.Send(protocol.GetStatus())
	})
	return c
}

// Connect opens the underlying connection.
func (c *Channel) Connect() { c.conn.Connect() }

// Disconnect closes it intentionally.
func (c *Channel) Disconnect() { c.conn.Disconnect() }

// Reconnect forces an immediate fresh attempt.
func (c *Channel) Reconnect() { c.conn.Reconnect() }

// SendMessage starts a new turn with the user's content. It reports
// whether the frame went out live; buffered input is delivered once
// reconnected.
func (c *Channel) SendMessage(content string) bool {
	c.mu.Lock()
	c.turn = newTurn()
	c.streaming = true
	c.mu.Unlock()

	c.updates.Publish(struct{}{})
	return c.conn.Send(protocol.Input(content))
}

// Abort cancels the in-flight turn: the abort command goes to the server
// and the turn is frozen locally at once, so frames racing in for the
// superseded turn are discarded.
func (c *Channel) Abort() {
	c.mu.Lock()
	if c.turn != nil {
		c.turn.done = true
		c.closeThinkingLocked(c.turn)
	}
	c.streaming = false
	c.mu.Unlock()

	c.conn.Send(protocol.Abort())
	c.updates.Publish(struct{}{})
}

// SendEnter passes a bare Enter through to the backend CLI, unblocking a
// paste-confirmation prompt. The stuck flag is cleared speculatively; the
// next authoritative status frame confirms or reinstates it.
func (c *Channel) SendEnter() {
	c.mu.Lock()
	c.pending = append(c.pending, pendingSendEnter)
	c.status.IsStuck = false
	c.status.StuckDuration = 0
	st := c.status
	c.mu.Unlock()

	c.conn.Send(protocol.SendEnter())
	c.statuses.Publish(st)
}

// KillSession requests a hard respawn of the backend process. State is
// optimistically reset to idle; the next authoritative status frame
// overrides if it disagrees.
func (c *Channel) KillSession() {
	c.mu.Lock()
	c.pending = append(c.pending, pendingKillSession)
	c.status = Status{State: StateIdle}
	c.streaming = false
	if c.turn != nil {
		c.turn.done = true
		c.closeThinkingLocked(c.turn)
	}
	st := c.status
	c.mu.Unlock()

	c.conn.Send(protocol.KillSession())
	c.statuses.Publish(st)
	c.updates.Publish(struct{}{})
}

// RequestStatus asks for an authoritative liveness snapshot.
func (c *Channel) RequestStatus() {
	c.conn.Send(protocol.GetStatus())
}

// RequestHistory asks the server to replay the conversation so far.
func (c *Channel) RequestHistory() {
	c.conn.Send(protocol.GetHistory())
}

// RestartClaude asks the server to respawn the assistant process.
func (c *Channel) RestartClaude() {
	c.conn.Send(protocol.RestartClaude())
}

// Reset clears the accumulated turn, e.g. when the conversation view is
// reset externally.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.turn = nil
	c.streaming = false
	c.mu.Unlock()
	c.updates.Publish(struct{}{})
}

// Updates publishes after every block mutation, so consumers re-render
// without polling.
func (c *Channel) Updates() *pubsub.Topic[struct{}] { return c.updates }

// ThinkingStarts publishes once when a turn's thinking bracket opens.
func (c *Channel) ThinkingStarts() *pubsub.Topic[struct{}] { return c.thinkingStarts }

// ThinkingEnds publishes once when that bracket closes.
func (c *Channel) ThinkingEnds() *pubsub.Topic[struct{}] { return c.thinkingEnds }

// TurnsDone publishes when a turn's blocks freeze.
func (c *Channel) TurnsDone() *pubsub.Topic[struct{}] { return c.turnsDone }

// Statuses publishes liveness snapshots, both authoritative and
// speculative.
func (c *Channel) Statuses() *pubsub.Topic[Status] { return c.statuses }

// Errors publishes server-reported error frames.
func (c *Channel) Errors() *pubsub.Topic[string] { return c.errs }

// Sessions publishes the server-issued session identity.
func (c *Channel) Sessions() *pubsub.Topic[Session] { return c.sessions }

// Blocks returns a snapshot of the current turn's blocks.
func (c *Channel) Blocks() []ContentBlock {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.turn == nil {
		return nil
	}
	out := make([]ContentBlock, len(c.turn.blocks))
	for i, b := range c.turn.blocks {
		out[i] = *b
	}
	return out
}

// Streaming reports whether a turn is currently in flight.
func (c *Channel) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Status returns the last liveness snapshot.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Session returns the last handshake received.
func (c *Channel) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close detaches the channel from the connection.
func (c *Channel) Close() {
	c.conn.Messages().Unsubscribe(c.msgTok)
	c.conn.Opens().Unsubscribe(c.openTok)
}

func (c *Channel) handleMessage(raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		// Structured channel: malformed frames are logged and dropped,
		// never fatal.
		log.Printf("assistant: dropping malformed frame: %v", err)
		return
	}

	switch f.Type {
	case protocol.TypeConnected:
		c.mu.Lock()
		if f.SessionID != "" {
			c.session.ID = f.SessionID
		}
		c.session.Reconnected = f.Reconnected
		sess := c.session
		c.mu.Unlock()
		c.sessions.Publish(sess)

	case protocol.TypeText:
		c.appendText(BlockText, f.Content)

	case protocol.TypeThinking:
		c.appendText(BlockThinking, f.Content)

	case protocol.TypeToolUseStart:
		c.toolStart(f)

	case protocol.TypeToolUseOutput:
		c.toolOutput(f)

	case protocol.TypeToolUseEnd:
		c.toolEnd(f)

	case protocol.TypeDone:
		c.finishTurn()

	case protocol.TypeError:
		c.serverError(f.Error)

	case protocol.TypeStatus, protocol.TypeStateChange:
		c.applyStatus(f)

	case protocol.TypePong:
		// Heartbeat response, consumed and never surfaced.

	default:
		log.Printf("assistant: ignoring unexpected %s frame", f.Type)
	}
}

// appendText appends to the turn's single open text or thinking block,
// creating it on first occurrence. The first thinking frame opens the
// thinking bracket.
func (c *Channel) appendText(kind BlockKind, content string) {
	var startedThinking bool

	c.mu.Lock()
	t := c.liveTurnLocked()
	if t == nil {
		c.mu.Unlock()
		return
	}
	switch kind {
	case BlockText:
		if t.textIdx < 0 {
			t.blocks = append(t.blocks, &ContentBlock{Kind: BlockText})
			t.textIdx = len(t.blocks) - 1
		}
		t.blocks[t.textIdx].Text += content
	case BlockThinking:
		if t.thinkingIdx < 0 {
			t.blocks = append(t.blocks, &ContentBlock{Kind: BlockThinking})
			t.thinkingIdx = len(t.blocks) - 1
		}
		if !t.thinkingOpen {
			t.thinkingOpen = true
			startedThinking = true
		}
		t.blocks[t.thinkingIdx].Text += content
	}
	c.mu.Unlock()

	if startedThinking {
		c.thinkingStarts.Publish(struct{}{})
	}
	c.updates.Publish(struct{}{})
}

func (c *Channel) toolStart(f *protocol.Frame) {
	var endedThinking bool

	c.mu.Lock()
	t := c.liveTurnLocked()
	if t == nil {
		c.mu.Unlock()
		return
	}
	endedThinking = c.closeThinkingLocked(t)
	if _, exists := t.toolIdx[f.ID]; !exists {
		t.blocks = append(t.blocks, &ContentBlock{
			Kind:   BlockToolUse,
			ToolID: f.ID,
			Tool:   f.Tool,
			Input:  f.Input,
			Status: ToolRunning,
		})
		t.toolIdx[f.ID] = len(t.blocks) - 1
	}
	c.mu.Unlock()

	if endedThinking {
		c.thinkingEnds.Publish(struct{}{})
	}
	c.updates.Publish(struct{}{})
}

func (c *Channel) toolOutput(f *protocol.Frame) {
	c.mu.Lock()
	t := c.liveTurnLocked()
	if t == nil {
		c.mu.Unlock()
		return
	}
	idx, ok := t.toolIdx[f.ID]
	if !ok {
		c.mu.Unlock()
		log.Printf("assistant: output for unknown tool id %q", f.ID)
		return
	}
	b := t.blocks[idx]
	// Output is append-only until the end event freezes the block.
	if b.Status == ToolRunning {
		b.Output += f.Output
	}
	c.mu.Unlock()
	c.updates.Publish(struct{}{})
}

func (c *Channel) toolEnd(f *protocol.Frame) {
	c.mu.Lock()
	t := c.liveTurnLocked()
	if t == nil {
		c.mu.Unlock()
		return
	}
	idx, ok := t.toolIdx[f.ID]
	if !ok {
		c.mu.Unlock()
		log.Printf("assistant: end for unknown tool id %q", f.ID)
		return
	}
	b := t.blocks[idx]
	// running -> {success,error} happens exactly once; late duplicates are
	// ignored.
	if b.Status == ToolRunning {
		if f.Status == string(ToolError) || f.Error != "" {
			b.Status = ToolError
			b.Err = f.Error
		} else {
			b.Status = ToolSuccess
		}
	}
	c.mu.Unlock()
	c.updates.Publish(struct{}{})
}

func (c *Channel) finishTurn() {
	var endedThinking bool

	c.mu.Lock()
	t := c.turn
	if t == nil || t.done {
		c.mu.Unlock()
		return
	}
	endedThinking = c.closeThinkingLocked(t)
	t.done = true
	c.streaming = false
	c.mu.Unlock()

	if endedThinking {
		c.thinkingEnds.Publish(struct{}{})
	}
	c.turnsDone.Publish(struct{}{})
	c.updates.Publish(struct{}{})
}

func (c *Channel) serverError(msg string) {
	c.mu.Lock()
	if c.turn == nil {
		c.turn = newTurn()
	}
	c.turn.blocks = append(c.turn.blocks, &ContentBlock{Kind: BlockError, Text: msg})
	c.mu.Unlock()

	c.errs.Publish(msg)
	c.updates.Publish(struct{}{})
}

func (c *Channel) applyStatus(f *protocol.Frame) {
	c.mu.Lock()
	// An authoritative frame settles whatever optimistic mutations were
	// pending.
	c.pending = nil
	st := Status{
		State:         parseClaudeState(f.ClaudeState),
		CurrentTool:   f.CurrentTool,
		IsStuck:       f.IsStuck,
		StuckDuration: time.Duration(f.StuckDuration * float64(time.Millisecond)),
	}
	c.status = st
	c.mu.Unlock()

	c.statuses.Publish(st)
}

// liveTurnLocked returns the current turn when it is still accepting
// frames; frames for a sealed (done or aborted) turn are discarded.
func (c *Channel) liveTurnLocked() *turn {
	if c.turn == nil || c.turn.done || !c.streaming {
		return nil
	}
	return c.turn
}

// closeThinkingLocked closes the turn's thinking bracket if open, and
// reports whether it did.
func (c *Channel) closeThinkingLocked(t *turn) bool {
	if !t.thinkingOpen {
		return false
	}
	t.thinkingOpen = false
	return true
}

func parseClaudeState(s string) ClaudeState {
	switch ClaudeState(s) {
	case StateIdle, StateThinking, StateResponding, StateToolRunning, StateWaitingConfirm:
		return ClaudeState(s)
	default:
		return StateUnknown
	}
}
