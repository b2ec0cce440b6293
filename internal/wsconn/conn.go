// Package wsconn implements the resilient WebSocket connection shared by
// the shell and assistant channels: a lifecycle state machine with
// exponential-backoff reconnect, an application-level heartbeat, and an
// ordered outbound buffer that survives disconnects.
package wsconn

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/client/internal/protocol"
	"github.com/remote-agent-terminal/client/internal/pubsub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Handshake budget for a single dial.
	dialTimeout = 10 * time.Second

	// Budget for the advisory health probe; a hang must never stall connect.
	probeTimeout = 2500 * time.Millisecond
)

// Defaults for Options fields left zero.
const (
	DefaultMaxAttempts       = 10
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSettleDelay       = 250 * time.Millisecond
)

// ErrAttemptsExhausted is published on the error topic when the reconnect
// ceiling is reached. No further automatic retry happens until Reconnect.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// Options configures a Conn.
type Options struct {
	// URL is re-evaluated on every dial, so the resumption query parameter
	// can reflect a session id learned after the first connect.
	URL func() string

	// HealthURL, when non-empty, is probed before each dial. The probe is
	// advisory: its failure is logged and the dial proceeds regardless.
	HealthURL string

	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HeartbeatInterval time.Duration
	SettleDelay       time.Duration

	// HTTPClient is used for the health probe. Defaults to a plain client.
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	return o
}

// Conn owns one logical connection: at most one live socket at a time,
// plus the timers and buffers around it. All socket teardown invalidates a
// generation counter, so callbacks from a replaced socket are inert.
type Conn struct {
	opts Options

	mu             sync.Mutex
	state          State
	sock           *websocket.Conn
	gen            int
	attempt        int
	intentional    bool
	disposed       bool
	reconnectTimer *time.Timer
	settleTimer    *time.Timer
	heartbeatStop  chan struct{}
	outbound       [][]byte

	// writeMu serializes socket writes; gorilla does not allow concurrent
	// writers.
	writeMu sync.Mutex

	stateChanges *pubsub.Topic[StateChange]
	opens        *pubsub.Topic[struct{}]
	closes       *pubsub.Topic[CloseInfo]
	errs         *pubsub.Topic[error]
	messages     *pubsub.Topic[[]byte]
	attempts     *pubsub.Topic[Attempt]
}

// New creates a Conn in the disconnected state. Nothing happens until
// Connect is called.
func New(opts Options) *Conn {
	return &Conn{
		opts:         opts.withDefaults(),
		state:        StateDisconnected,
		stateChanges: pubsub.NewTopic[StateChange](),
		opens:        pubsub.NewTopic[struct{}](),
		closes:       pubsub.NewTopic[CloseInfo](),
		errs:         pubsub.NewTopic[error](),
		messages:     pubsub.NewTopic[[]byte](),
		attempts:     pubsub.NewTopic[Attempt](),
	}
}

// StateChanges publishes every lifecycle transition.
func (c *Conn) StateChanges() *pubsub.Topic[StateChange] { return c.stateChanges }

// Opens publishes once per successful socket open, after the outbound
// backlog has been flushed.
func (c *Conn) Opens() *pubsub.Topic[struct{}] { return c.opens }

// Closes publishes whenever the socket goes away, intentionally or not.
func (c *Conn) Closes() *pubsub.Topic[CloseInfo] { return c.closes }

// Errors publishes persistent failures, not transient retry noise.
func (c *Conn) Errors() *pubsub.Topic[error] { return c.errs }

// Messages publishes raw inbound frames in arrival order.
func (c *Conn) Messages() *pubsub.Topic[[]byte] { return c.messages }

// ReconnectAttempts publishes each scheduled retry.
func (c *Conn) ReconnectAttempts() *pubsub.Topic[Attempt] { return c.attempts }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AttemptCount returns the current reconnect attempt counter.
func (c *Conn) AttemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Buffered returns how many outbound messages are waiting for a socket.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// Connect opens the socket. It is idempotent: a Conn that is already
// connecting or connected is left alone.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.disposed || c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.intentional = false
	gen := c.gen
	from := c.state
	c.state = StateConnecting
	c.mu.Unlock()

	c.stateChanges.Publish(StateChange{From: from, To: StateConnecting})
	go c.dial(gen)
}

// Disconnect closes the socket with a normal close code and suppresses
// automatic reconnection. Buffered outbound messages are kept for the next
// successful connect.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.gen++
	c.stopTimersLocked()
	sock := c.sock
	c.sock = nil
	from := c.state
	changed := from != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if sock != nil {
		c.writeMu.Lock()
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = sock.Close()
	}

	if changed {
		c.stateChanges.Publish(StateChange{From: from, To: StateDisconnected})
		c.closes.Publish(CloseInfo{Intentional: true})
	}
}

// Reconnect forces an immediate, non-backed-off retry: disconnect, settle
// briefly, then connect with the attempt counter reset to zero.
func (c *Conn) Reconnect() {
	c.Disconnect()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	gen := c.gen
	c.settleTimer = time.AfterFunc(c.opts.SettleDelay, func() {
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if !stale {
			c.Connect()
		}
	})
	c.mu.Unlock()
}

// Dispose tears the connection down for good. A disposed Conn ignores
// further Connect calls.
func (c *Conn) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
	c.Disconnect()
}

// Send transmits data immediately when connected, otherwise enqueues it.
// The return value reports whether the message went out live.
func (c *Conn) Send(data []byte) bool {
	c.mu.Lock()
	if c.state != StateConnected || c.sock == nil {
		c.outbound = append(c.outbound, data)
		c.mu.Unlock()
		return false
	}
	sock := c.sock
	c.mu.Unlock()

	if err := c.write(sock, data); err != nil {
		// The socket is going down; the read loop will notice. Keep the
		// message so the next connect delivers it.
		c.mu.Lock()
		c.outbound = append(c.outbound, data)
		c.mu.Unlock()
		return false
	}
	return true
}

// write serializes one socket write.
func (c *Conn) write(sock *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
	return sock.WriteMessage(websocket.TextMessage, data)
}

// dial runs one connection attempt for the given generation.
func (c *Conn) dial(gen int) {
	c.probeHealth()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	sock, resp, err := dialer.Dial(c.opts.URL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.socketDown(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.intentional || c.disposed {
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.attempt = 0
	hbStop := make(chan struct{})
	c.heartbeatStop = hbStop
	c.mu.Unlock()

	// Drain the backlog before declaring the connection open. State stays
	// "connecting" while flushing, so concurrent sends keep landing in the
	// buffer and cannot jump ahead of it.
	for {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		queued := c.outbound
		c.outbound = nil
		if len(queued) == 0 {
			c.state = StateConnected
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		for i, msg := range queued {
			if err := c.write(sock, msg); err != nil {
				log.Printf("wsconn: flush failed: %v", err)
				// Put the undelivered tail back so the next connect
				// retries it in the original order.
				c.mu.Lock()
				c.outbound = append(append([][]byte{}, queued[i:]...), c.outbound...)
				c.mu.Unlock()
				c.socketDown(gen, err)
				return
			}
		}
	}

	c.stateChanges.Publish(StateChange{From: StateConnecting, To: StateConnected})
	c.opens.Publish(struct{}{})

	go c.readLoop(sock, gen)
	go c.heartbeatLoop(sock, hbStop)
}

// probeHealth issues the advisory pre-flight HTTP check. Failures are
// logged and otherwise ignored: the socket's own open/close is
// authoritative.
func (c *Conn) probeHealth() {
	if c.opts.HealthURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.HealthURL, nil)
	if err != nil {
		return
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		log.Printf("wsconn: health probe failed (continuing anyway): %v", err)
		return
	}
	_ = resp.Body.Close()
}

// readLoop pumps inbound frames until the socket dies.
func (c *Conn) readLoop(sock *websocket.Conn, gen int) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.socketDown(gen, err)
			return
		}
		c.messages.Publish(data)
	}
}

// heartbeatLoop sends the application-level ping on a fixed interval.
// Liveness is deliberately not inferred from missing pongs; only the
// socket's own close drives state.
func (c *Conn) heartbeatLoop(sock *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(sock, protocol.Ping()); err != nil {
				return
			}
		}
	}
}

// socketDown handles a dial failure or a dead socket for generation gen.
// Stale generations are ignored, which is what keeps exactly one live
// socket per Conn.
func (c *Conn) socketDown(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.disposed {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopTimersLocked()
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}

	from := c.state
	if c.intentional {
		c.state = StateDisconnected
		c.mu.Unlock()
		if from != StateDisconnected {
			c.stateChanges.Publish(StateChange{From: from, To: StateDisconnected})
		}
		c.closes.Publish(CloseInfo{Err: cause, Intentional: true})
		return
	}

	if c.attempt >= c.opts.MaxAttempts {
		c.state = StateError
		c.mu.Unlock()
		log.Printf("wsconn: giving up after %d attempts: %v", c.opts.MaxAttempts, cause)
		c.stateChanges.Publish(StateChange{From: from, To: StateError})
		c.closes.Publish(CloseInfo{Err: cause})
		c.errs.Publish(ErrAttemptsExhausted)
		return
	}

	c.attempt++
	n := c.attempt
	delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffCap, n)
	c.state = StateReconnecting
	nextGen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.redial(nextGen)
	})
	c.mu.Unlock()

	c.stateChanges.Publish(StateChange{From: from, To: StateReconnecting})
	c.closes.Publish(CloseInfo{Err: cause})
	c.attempts.Publish(Attempt{N: n, Max: c.opts.MaxAttempts, Delay: delay})
}

// redial runs a scheduled reconnect attempt.
func (c *Conn) redial(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.intentional || c.disposed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateConnecting
	c.mu.Unlock()

	c.stateChanges.Publish(StateChange{From: from, To: StateConnecting})
	c.dial(gen)
}

// stopTimersLocked clears every timer that could fire against a socket
// that is going away. Callers hold c.mu.
func (c *Conn) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// backoffDelay computes min(base * 2^(attempt-1), cap).
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shifting past 62 bits overflows; anything that far out is capped anyway.
	if attempt > 32 {
		return cap
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
