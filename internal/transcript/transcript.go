// Package transcript records shell channel traffic in asciinema v2 format.
package transcript

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Recorder receives the bytes flowing through a shell channel. Callers pick
// an implementation at construction; when recording is off they get Nop, so
// the call sites never branch.
type Recorder interface {
	RecordOutput(data []byte) error
	RecordInput(data []byte) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordOutput([]byte) error { return nil }
func (Nop) RecordInput([]byte) error  { return nil }
func (Nop) Close() error              { return nil }

// header is the asciinema v2 file header.
type header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env,omitempty"`
}

// Cast writes an asciinema v2 JSON-lines recording.
type Cast struct {
	mu      sync.Mutex
	w       io.Writer
	file    *os.File // set when we own the file
	start   time.Time
	started bool
	cols    int
	rows    int
}

// NewCast creates a recorder writing to path. The header is emitted lazily
// on the first event, once the viewport size is known.
func NewCast(path string, cols, rows int) (*Cast, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}
	return &Cast{w: f, file: f, start: time.Now(), cols: cols, rows: rows}, nil
}

// NewCastWriter creates a recorder writing to w, used by tests.
func NewCastWriter(w io.Writer, cols, rows int) *Cast {
	return &Cast{w: w, start: time.Now(), cols: cols, rows: rows}
}

// SetSize updates the viewport recorded in the header. It only has an
// effect before the first event.
func (c *Cast) SetSize(cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		c.cols, c.rows = cols, rows
	}
}

// RecordOutput appends an "o" event.
func (c *Cast) RecordOutput(data []byte) error {
	return c.event("o", data)
}

// RecordInput appends an "i" event.
func (c *Cast) RecordInput(data []byte) error {
	return c.event("i", data)
}

func (c *Cast) event(kind string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		h := header{Version: 2, Width: c.cols, Height: c.rows, Timestamp: c.start.Unix()}
		line, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("failed to marshal transcript header: %w", err)
		}
		if _, err := c.w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write transcript header: %w", err)
		}
		c.started = true
	}

	// Event lines are [offset, kind, data] triples.
	line, err := json.Marshal([]interface{}{time.Since(c.start).Seconds(), kind, string(data)})
	if err != nil {
		return fmt.Errorf("failed to marshal transcript event: %w", err)
	}
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript event: %w", err)
	}
	return nil
}

// Close closes the underlying file when Cast owns one.
func (c *Cast) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}
