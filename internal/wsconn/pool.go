package wsconn

import "sync"

// Key identifies one logical connection: the endpoint path plus the port it
// is served on.
type Key struct {
	Path string
	Port int
}

// Pool holds at most one live Conn per key. It is passed by reference to
// whatever owns UI lifecycle; there is no package-level registry.
type Pool struct {
	mu    sync.Mutex
	conns map[Key]*Conn
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[Key]*Conn)}
}

// GetOrCreate returns the existing Conn for key, or builds one with build
// and registers it. The Conn survives UI remounts; it is only removed by
// Remove, Replace, or Close.
func (p *Pool) GetOrCreate(key Key, build func() *Conn) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[key]; ok {
		return c
	}
	c := build()
	p.conns[key] = c
	return c
}

// Get returns the Conn for key, or nil.
func (p *Pool) Get(key Key) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[key]
}

// Replace force-builds a fresh Conn for key. The old one, if any, is fully
// disposed (socket closed, timers cleared) before the new one is
// constructed, so two sockets never race to notify the same subscribers.
func (p *Pool) Replace(key Key, build func() *Conn) *Conn {
	p.mu.Lock()
	old := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()

	if old != nil {
		old.Dispose()
	}

	c := build()
	p.mu.Lock()
	p.conns[key] = c
	p.mu.Unlock()
	return c
}

// Remove disposes and forgets the Conn for key.
func (p *Pool) Remove(key Key) {
	p.mu.Lock()
	c := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()

	if c != nil {
		c.Dispose()
	}
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close disposes every connection in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[Key]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.Dispose()
	}
}
