package cadence

import "sync"

// ConnectionGuard allows at most one live client at a time. The proxy binds
// process-wide resources, so a second concurrent connection fails instead of
// sharing them.
type ConnectionGuard struct {
	mu    sync.Mutex
	owner *Client
}

// DefaultGuard is the guard used when no WithGuard option is given.
var DefaultGuard = NewConnectionGuard()

func NewConnectionGuard() *ConnectionGuard {
	return &ConnectionGuard{}
}

func (g *ConnectionGuard) acquire(c *Client) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner != nil {
		return ErrAlreadyConnected
	}
	g.owner = c
	return nil
}

func (g *ConnectionGuard) release(c *Client) {
	g.mu.Lock()
	if g.owner == c {
		g.owner = nil
	}
	g.mu.Unlock()
}

// Held reports whether a client currently holds the guard.
func (g *ConnectionGuard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owner != nil
}
