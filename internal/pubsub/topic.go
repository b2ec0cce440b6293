// Package pubsub provides a small typed publish/subscribe registry used to
// fan out connection and channel events to UI consumers.
package pubsub

import "sync"

// Token identifies a subscription so it can be removed later.
type Token int

// Topic is a thread-safe list of handlers for one event type. Handlers are
// invoked synchronously, in subscription order, against a snapshot of the
// subscriber list taken before iteration, so a handler may subscribe or
// unsubscribe during delivery without corrupting the walk.
type Topic[T any] struct {
	mu       sync.Mutex
	next     Token
	handlers map[Token]func(T)
	order    []Token
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{handlers: make(map[Token]func(T))}
}

// Subscribe registers a handler and returns its unsubscribe token.
func (t *Topic[T]) Subscribe(fn func(T)) Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	tok := t.next
	t.handlers[tok] = fn
	t.order = append(t.order, tok)
	return tok
}

// Unsubscribe removes the handler registered under tok. Unknown tokens are
// ignored.
func (t *Topic[T]) Unsubscribe(tok Token) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handlers[tok]; !ok {
		return
	}
	delete(t.handlers, tok)
	for i, o := range t.order {
		if o == tok {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	snapshot := make([]func(T), 0, len(t.order))
	for _, tok := range t.order {
		if fn, ok := t.handlers[tok]; ok {
			snapshot = append(snapshot, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of active subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}
