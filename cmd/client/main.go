package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/remote-agent-terminal/client/internal/assistant"
	"github.com/remote-agent-terminal/client/internal/endpoint"
	"github.com/remote-agent-terminal/client/internal/shell"
	"github.com/remote-agent-terminal/client/internal/store"
	"github.com/remote-agent-terminal/client/internal/transcript"
	"github.com/remote-agent-terminal/client/internal/wsconn"
)

func main() {
	// Get configuration from environment
	mode := getEnv("MODE", "shell")
	host := getEnv("HOST", "localhost")
	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		log.Fatalf("Invalid PORT: %v", err)
	}
	defaultPath := "/ws/shell"
	if mode == "assistant" {
		defaultPath = "/ws/assistant"
	}
	wsPath := getEnv("WS_PATH", defaultPath)
	override := os.Getenv("WS_URL")
	dbPath := getEnv("DB_PATH", "data/client.db")
	castPath := os.Getenv("TRANSCRIPT")
	useMock := os.Getenv("MOCK") == "1"

	if useMock {
		runTerminal(shell.NewMock(), nil)
		return
	}

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	sessions, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer sessions.Close()

	// The session id feeding the dial URL is re-read on every attempt, so
	// a handshake received mid-run changes what the next reconnect resumes.
	var mu sync.Mutex
	sessionID := ""
	if rec, err := sessions.Get(context.Background(), wsPath, port); err == nil {
		sessionID = rec.SessionID
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Printf("Failed to load saved session: %v", err)
	}

	saveSession := func(id, cwd string) {
		mu.Lock()
		sessionID = id
		mu.Unlock()
		if err := sessions.Save(context.Background(), wsPath, port, id, cwd); err != nil {
			log.Printf("Failed to save session: %v", err)
		}
	}

	dialURL := func() string {
		mu.Lock()
		defer mu.Unlock()
		return endpoint.Resolve(endpoint.Config{
			Host:      host,
			Port:      port,
			Path:      wsPath,
			Override:  override,
			SessionID: sessionID,
		})
	}

	pool := wsconn.NewPool()
	defer pool.Close()

	conn := pool.GetOrCreate(wsconn.Key{Path: wsPath, Port: port}, func() *wsconn.Conn {
		return wsconn.New(wsconn.Options{
			URL:       dialURL,
			HealthURL: endpoint.HealthURL(dialURL()),
		})
	})
	conn.ReconnectAttempts().Subscribe(func(a wsconn.Attempt) {
		log.Printf("Reconnecting (%d/%d) in %s", a.N, a.Max, a.Delay)
	})

	if mode == "assistant" {
		runAssistant(conn, saveSession)
		return
	}

	var opts []shell.Option
	if castPath != "" {
		rec, err := transcript.NewCast(castPath, 80, 24)
		if err != nil {
			log.Fatalf("Failed to open transcript: %v", err)
		}
		opts = append(opts, shell.WithRecorder(rec))
	}
	term := shell.New(conn, opts...)

	term.Sessions().Subscribe(func(s shell.Session) {
		saveSession(s.ID, s.Cwd)
	})

	runTerminal(term, func() {
		conn.Dispose()
	})
}

// runTerminal bridges a terminal's event surface to stdin/stdout until the
// inner process exits or the user interrupts.
func runTerminal(term shell.Terminal, teardown func()) {
	done := make(chan int, 1)

	term.Outputs().Subscribe(func(chunk string) {
		os.Stdout.WriteString(chunk)
	})
	term.Exits().Subscribe(func(e shell.Exit) {
		select {
		case done <- e.Code:
		default:
		}
	})

	term.Connect()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			term.Send(scanner.Text() + "\n")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	select {
	case code = <-done:
	case <-sigCh:
		log.Println("Shutting down client...")
	}

	term.Close()
	if teardown != nil {
		teardown()
	}
	os.Exit(code)
}

// runAssistant is a line-oriented REPL over the assistant channel: each
// stdin line becomes a turn, streamed events render as they arrive.
func runAssistant(conn *wsconn.Conn, saveSession func(id, cwd string)) {
	ch := assistant.New(conn)
	defer ch.Close()

	ch.Sessions().Subscribe(func(s assistant.Session) {
		saveSession(s.ID, "")
	})
	ch.ThinkingStarts().Subscribe(func(struct{}) {
		fmt.Println("[thinking]")
	})
	ch.ThinkingEnds().Subscribe(func(struct{}) {
		fmt.Println("[/thinking]")
	})
	ch.Errors().Subscribe(func(msg string) {
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	})
	ch.Statuses().Subscribe(func(st assistant.Status) {
		if st.IsStuck {
			fmt.Printf("[stuck for %s; press Enter to send a bare Enter through]\n", st.StuckDuration)
		}
	})

	turnDone := make(chan struct{}, 1)
	ch.TurnsDone().Subscribe(func(struct{}) {
		for _, b := range ch.Blocks() {
			switch b.Kind {
			case assistant.BlockText:
				fmt.Println(b.Text)
			case assistant.BlockToolUse:
				fmt.Printf("[%s %s: %s]\n", b.Tool, b.Status, b.Output)
			}
		}
		select {
		case turnDone <- struct{}{}:
		default:
		}
	})

	ch.Connect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case line, ok := <-lines:
			if !ok {
				conn.Dispose()
				return
			}
			if line == "" {
				// A bare Enter while stuck unblocks the backend prompt.
				if ch.Status().IsStuck {
					ch.SendEnter()
				}
				continue
			}
			ch.SendMessage(line)
			select {
			case <-turnDone:
			case <-sigCh:
				ch.Abort()
				log.Println("Turn aborted")
			}
		case <-sigCh:
			log.Println("Shutting down client...")
			conn.Dispose()
			return
		}
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
