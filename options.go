package cadence

import (
	"log/slog"
	"net/http"
	"time"
)

// ClosedHandler is called at most once per client, when the connection
// closes. err is nil for a requested Close and the fatal error otherwise.
type ClosedHandler func(err error)

// MismatchPolicy decides what happens to a pending operation when a reply
// arrives with its correlation id but the wrong reply type.
type MismatchPolicy int

const (
	// MismatchIgnore rejects the reply and leaves the operation pending. It
	// can still be resolved by a correct reply or expire.
	MismatchIgnore MismatchPolicy = iota
	// MismatchFail rejects the reply and fails the operation immediately.
	MismatchFail
)

type Option func(*clientConfig)

type clientConfig struct {
	guard          *ConnectionGuard
	logger         *slog.Logger
	closedHandler  ClosedHandler
	mismatchPolicy MismatchPolicy
	workflows      map[string]WorkflowFunc
	activities     map[string]ActivityFunc

	// Admin server address (e.g. "127.0.0.1:9090"). Empty = disabled.
	adminAddr string

	httpClient    *http.Client
	cancelFanout  int           // max concurrent cancels per timeout sweep
	cancelTimeout time.Duration // bound on a single cancel exchange

	// Emulator used by LaunchEmulate. Nil = create one.
	emulator *Emulator
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		guard:          DefaultGuard,
		logger:         slog.Default(),
		mismatchPolicy: MismatchIgnore,
		workflows:      make(map[string]WorkflowFunc),
		activities:     make(map[string]ActivityFunc),
		cancelFanout:   16,
		cancelTimeout:  time.Second,
	}
}

// WithGuard makes the client hold g instead of DefaultGuard. Tests use a
// private guard per client so they can run in parallel.
func WithGuard(g *ConnectionGuard) Option {
	return func(c *clientConfig) {
		c.guard = g
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}

func WithClosedHandler(h ClosedHandler) Option {
	return func(c *clientConfig) {
		c.closedHandler = h
	}
}

func WithMismatchPolicy(p MismatchPolicy) Option {
	return func(c *clientConfig) {
		c.mismatchPolicy = p
	}
}

// WithWorkflow registers a workflow handler before the connection starts
// accepting invocations.
func WithWorkflow(name string, fn WorkflowFunc) Option {
	return func(c *clientConfig) {
		c.workflows[name] = fn
	}
}

func WithActivity(name string, fn ActivityFunc) Option {
	return func(c *clientConfig) {
		c.activities[name] = fn
	}
}

func WithAdminAddr(addr string) Option {
	return func(c *clientConfig) {
		c.adminAddr = addr
	}
}

// WithHTTPClient replaces the client used to send envelopes to the proxy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// WithCancelFanout bounds how many cancel requests a single timeout sweep
// sends concurrently. Default: 16.
func WithCancelFanout(n int) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.cancelFanout = n
		}
	}
}

func WithCancelTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.cancelTimeout = d
	}
}

// WithEmulator supplies the emulator started in LaunchEmulate mode, so the
// caller can install hooks on it.
func WithEmulator(e *Emulator) Option {
	return func(c *clientConfig) {
		c.emulator = e
	}
}
