// Package shell specializes the connection state machine for the
// interactive pty protocol: byte-stream output, input, resize, exit,
// restart, and hot restore of buffered output after a reconnect.
package shell

import (
	"fmt"
	"sync"

	"github.com/remote-agent-terminal/client/internal/history"
	"github.com/remote-agent-terminal/client/internal/protocol"
	"github.com/remote-agent-terminal/client/internal/pubsub"
	"github.com/remote-agent-terminal/client/internal/transcript"
	"github.com/remote-agent-terminal/client/internal/wsconn"
)

// Session is the server-issued identity of the backend pty session.
type Session struct {
	ID          string
	Reconnected bool
	Cwd         string
}

// Exit summarizes the inner process terminating.
type Exit struct {
	Code int
}

// transport is the slice of wsconn.Conn the channel needs. Tests inject a
// fake; production code passes a *wsconn.Conn.
type transport interface {
	Connect()
	Disconnect()
	Reconnect()
	Send(data []byte) bool
	Messages() *pubsub.Topic[[]byte]
	Opens() *pubsub.Topic[struct{}]
	Closes() *pubsub.Topic[wsconn.CloseInfo]
}

// Terminal is the event surface shared by the live channel and the mock
// shell, so UI code is exercised identically by both.
type Terminal interface {
	Connect()
	Send(text string) bool
	Resize(cols, rows uint16)
	Restart()
	Outputs() *pubsub.Topic[string]
	Exits() *pubsub.Topic[Exit]
	Sessions() *pubsub.Topic[Session]
	Rendered() string
	Close()
}

// Channel is the live shell channel over a resilient connection.
type Channel struct {
	conn transport
	rec  transcript.Recorder

	mu      sync.Mutex
	cols    uint16
	rows    uint16
	session Session
	exited  bool

	stream   *history.Buffer
	outputs  *pubsub.Topic[string]
	exits    *pubsub.Topic[Exit]
	sessions *pubsub.Topic[Session]

	msgTok  pubsub.Token
	openTok pubsub.Token
}

var _ Terminal = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

// WithRecorder attaches a transcript recorder. Without it the channel
// records nothing (transcript.Nop).
func WithRecorder(rec transcript.Recorder) Option {
	return func(c *Channel) { c.rec = rec }
}

// New wires a shell channel onto conn. The caller still drives the
// connection lifecycle through Connect/Disconnect/Reconnect.
func New(conn transport, opts ...Option) *Channel {
	c := &Channel{
		conn:     conn,
		rec:      transcript.Nop{},
		stream:   history.NewBuffer(history.DefaultCapacity),
		outputs:  pubsub.NewTopic[string](),
		exits:    pubsub.NewTopic[Exit](),
		sessions: pubsub.NewTopic[Session](),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.msgTok = conn.Messages().Subscribe(c.handleMessage)
	// The remote pty forgets the viewport across attaches, so the last
	// known size is replayed on every successful (re)connect.
	c.openTok = conn.Opens().Subscribe(func(struct{}) {
		c.mu.Lock()
		cols, rows := c.cols, c.rows
		c.mu.Unlock()
		if cols > 0 && rows > 0 {
			c.conn.Send(protocol.Resize(cols, rows))
		}
	})
	return c
}

// Connect opens the underlying connection.
func (c *Channel) Connect() { c.conn.Connect() }

// Disconnect closes it intentionally.
func (c *Channel) Disconnect() { c.conn.Disconnect() }

// Reconnect forces an immediate fresh attempt.
func (c *Channel) Reconnect() { c.conn.Reconnect() }

// Send frames text as pty input. It reports whether the frame went out
// live; buffered input is delivered on reconnect.
func (c *Channel) Send(text string) bool {
	_ = c.rec.RecordInput([]byte(text))
	return c.conn.Send(protocol.Input(text))
}

// Resize informs the remote pty of the viewport and remembers it for
// replay after reconnects.
func (c *Channel) Resize(cols, rows uint16) {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
	c.conn.Send(protocol.Resize(cols, rows))
}

// Restart asks the server to respawn the inner process, keeping the
// socket.
func (c *Channel) Restart() {
	c.conn.Send(protocol.Restart())
}

// Outputs publishes every appended chunk of the rendered stream.
func (c *Channel) Outputs() *pubsub.Topic[string] { return c.outputs }

// Exits publishes the inner process exit summary.
func (c *Channel) Exits() *pubsub.Topic[Exit] { return c.exits }

// Sessions publishes the server-issued session identity from each
// connected handshake; consumers persist the id for later resumption.
func (c *Channel) Sessions() *pubsub.Topic[Session] { return c.sessions }

// Rendered returns the rendered stream accumulated so far, replayed
// history included.
func (c *Channel) Rendered() string { return c.stream.String() }

// Exited reports whether the inner process already terminated.
func (c *Channel) Exited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exited
}

// Session returns the last handshake received.
func (c *Channel) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close detaches the channel from the connection and closes the recorder.
// The connection itself stays usable.
func (c *Channel) Close() {
	c.conn.Messages().Unsubscribe(c.msgTok)
	c.conn.Opens().Unsubscribe(c.openTok)
	_ = c.rec.Close()
}

func (c *Channel) handleMessage(raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		// The shell channel treats anything unstructured as raw pty
		// payload rather than dropping bytes on the floor.
		c.append(string(raw))
		return
	}

	switch f.Type {
	case protocol.TypeOutput, protocol.TypeOutputBuffer:
		// Replay and live output share one stream; replay appends, it
		// never replaces what was already rendered.
		c.append(f.Data)

	case protocol.TypeConnected:
		c.mu.Lock()
		// The server never clears an id implicitly; only an explicit new
		// one replaces what we have.
		if f.SessionID != "" {
			c.session.ID = f.SessionID
		}
		c.session.Reconnected = f.Reconnected
		if f.Cwd != "" {
			c.session.Cwd = f.Cwd
		}
		sess := c.session
		c.mu.Unlock()
		c.sessions.Publish(sess)

	case protocol.TypeExit:
		code := 0
		if f.ExitCode != nil {
			code = *f.ExitCode
		}
		c.mu.Lock()
		c.exited = true
		c.mu.Unlock()
		c.append(fmt.Sprintf("\r\n[process exited with code %d]\r\n", code))
		c.exits.Publish(Exit{Code: code})
		c.conn.Disconnect()

	case protocol.TypeError:
		c.append("\r\n" + f.Error + "\r\n")

	case protocol.TypePong:
		// Heartbeat response, consumed and never surfaced.

	default:
		// Unknown structured frames are swallowed; they must never take
		// the connection down.
	}
}

func (c *Channel) append(data string) {
	if data == "" {
		return
	}
	c.stream.AppendString(data)
	_ = c.rec.RecordOutput([]byte(data))
	c.outputs.Publish(data)
}
