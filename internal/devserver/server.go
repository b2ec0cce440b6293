// Package devserver is a self-contained local stand-in for the real
// backend: an echo shell and a scripted assistant speaking the production
// frame vocabulary. It exists so the client stack can be exercised end to
// end, resumption included, without a pty or an agent process.
package devserver

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/client/internal/history"
	"github.com/remote-agent-terminal/client/internal/protocol"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local development server, any origin is fine.
		return true
	},
}

// session is one resumable shell session's server-side state.
type session struct {
	mu      sync.Mutex
	history *history.Buffer
	cols    uint16
	rows    uint16
}

// Server hosts the /health, /ws/shell and /ws/assistant endpoints.
type Server struct {
	engine *gin.Engine

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a dev server with its routes registered.
func New() *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		sessions: make(map[string]*session),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/ws/shell", s.handleShell)
	s.engine.GET("/ws/assistant", s.handleAssistant)
	return s
}

// Handler exposes the router, for tests mounting it on httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	log.Printf("devserver listening on %s", addr)
	return s.engine.Run(addr)
}

// conn wraps a websocket with serialized writes; gorilla forbids
// concurrent writers.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// resolveSession looks up the session named in the query, or mints a new
// one. The reconnected flag in the handshake tells the client whether its
// id survived.
func (s *Server) resolveSession(requested string) (id string, sess *session, reconnected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requested != "" {
		if existing, ok := s.sessions[requested]; ok {
			return requested, existing, true
		}
	}
	id = uuid.New().String()
	sess = &session{history: history.NewBuffer(history.DefaultCapacity)}
	s.sessions[id] = sess
	return id, sess, false
}

func (s *Server) handleShell(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("devserver: shell upgrade failed: %v", err)
		return
	}
	defer ws.Close()
	wc := &conn{ws: ws}

	id, sess, reconnected := s.resolveSession(c.Query("session"))
	wc.send(&protocol.Frame{
		Type:        protocol.TypeConnected,
		SessionID:   id,
		Reconnected: reconnected,
		Cwd:         "/workspace",
	})

	// On resumption the missed output is replayed in one buffer frame,
	// ahead of any live output.
	if reconnected {
		sess.mu.Lock()
		buffered := sess.history.String()
		sess.mu.Unlock()
		if buffered != "" {
			wc.send(&protocol.Frame{Type: protocol.TypeOutputBuffer, Data: buffered})
		}
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("devserver: shell dropping malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case protocol.TypeInput:
			s.shellOutput(wc, sess, f.Data)

		case protocol.TypeResize:
			sess.mu.Lock()
			sess.cols, sess.rows = f.Cols, f.Rows
			sess.mu.Unlock()

		case protocol.TypePing:
			wc.send(&protocol.Frame{Type: protocol.TypePong})

		case protocol.TypeRestart:
			s.shellOutput(wc, sess, "\r\n[restarted]\r\n")

		default:
			// Unknown frames never take a session down.
		}
	}
}

// shellOutput echoes data back as output and records it for replay.
func (s *Server) shellOutput(wc *conn, sess *session, data string) {
	sess.mu.Lock()
	sess.history.AppendString(data)
	sess.mu.Unlock()
	wc.send(&protocol.Frame{Type: protocol.TypeOutput, Data: data})
}

func (s *Server) handleAssistant(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("devserver: assistant upgrade failed: %v", err)
		return
	}
	defer ws.Close()
	wc := &conn{ws: ws}

	id, _, reconnected := s.resolveSession(c.Query("session"))
	wc.send(&protocol.Frame{
		Type:        protocol.TypeConnected,
		SessionID:   id,
		Reconnected: reconnected,
	})

	var turnMu sync.Mutex
	var abort chan struct{}

	cancelTurn := func() {
		turnMu.Lock()
		if abort != nil {
			close(abort)
			abort = nil
		}
		turnMu.Unlock()
	}
	defer cancelTurn()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("devserver: assistant dropping malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case protocol.TypeInput:
			cancelTurn()
			turnMu.Lock()
			abort = make(chan struct{})
			go s.scriptedTurn(wc, f.Data, abort)
			turnMu.Unlock()

		case protocol.TypeAbort:
			cancelTurn()

		case protocol.TypePing:
			wc.send(&protocol.Frame{Type: protocol.TypePong})

		case protocol.TypeGetStatus:
			wc.send(&protocol.Frame{Type: protocol.TypeStatus, ClaudeState: "idle"})

		case protocol.TypeSendEnter:
			wc.send(&protocol.Frame{Type: protocol.TypeStatus, ClaudeState: "responding"})

		case protocol.TypeKillSession, protocol.TypeRestartClaude:
			cancelTurn()
			wc.send(&protocol.Frame{Type: protocol.TypeStatus, ClaudeState: "idle"})

		default:
		}
	}
}

// scriptedTurn streams a fixed turn shape: thinking, a tool round trip,
// text, done. It checks the abort channel between frames so a cancelled
// turn stops mid-stream like the real backend.
func (s *Server) scriptedTurn(wc *conn, prompt string, abort <-chan struct{}) {
	step := func(f *protocol.Frame) bool {
		select {
		case <-abort:
			return false
		default:
		}
		return wc.send(f) == nil
	}

	toolID := uuid.New().String()
	script := []*protocol.Frame{
		{Type: protocol.TypeStateChange, ClaudeState: "thinking"},
		{Type: protocol.TypeThinking, Content: "Considering: " + prompt},
		{Type: protocol.TypeToolUseStart, ID: toolID, Tool: "bash"},
		{Type: protocol.TypeToolUseOutput, ID: toolID, Output: "$ echo ok\n"},
		{Type: protocol.TypeToolUseOutput, ID: toolID, Output: "ok\n"},
		{Type: protocol.TypeToolUseEnd, ID: toolID, Status: "success"},
		{Type: protocol.TypeStateChange, ClaudeState: "responding"},
		{Type: protocol.TypeText, Content: "Echo of your prompt: "},
		{Type: protocol.TypeText, Content: prompt},
		{Type: protocol.TypeDone},
		{Type: protocol.TypeStateChange, ClaudeState: "idle"},
	}
	for _, f := range script {
		if !step(f) {
			return
		}
	}
}
