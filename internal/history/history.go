// Package history provides a bounded byte buffer backing the rendered
// terminal stream. Replayed and live output are appended in arrival order;
// when the bound is exceeded the oldest bytes are dropped.
package history

import "sync"

// DefaultCapacity matches the server-side replay buffer, so a freshly
// reconnected client can hold everything the server is able to resend.
const DefaultCapacity = 64 * 1024

// Buffer is a thread-safe append-only byte stream with a capacity bound.
type Buffer struct {
	mu  sync.RWMutex
	buf []byte
	cap int
}

// NewBuffer creates a Buffer bounded at capacity bytes. Non-positive
// capacities fall back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{cap: capacity}
}

// Append adds data to the end of the stream, discarding the oldest bytes
// if the bound would be exceeded.
func (b *Buffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) >= b.cap {
		b.buf = append(b.buf[:0], data[len(data)-b.cap:]...)
		return
	}

	b.buf = append(b.buf, data...)
	if overflow := len(b.buf) - b.cap; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
	}
}

// AppendString is Append for string payloads.
func (b *Buffer) AppendString(data string) {
	b.Append([]byte(data))
}

// Bytes returns a copy of the current stream contents.
func (b *Buffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.buf) == 0 {
		return nil
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// String returns the current stream contents.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return string(b.buf)
}

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buf)
}

// Cap returns the configured bound.
func (b *Buffer) Cap() int {
	return b.cap
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}
