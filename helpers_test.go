package cadence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// emulatedSettings returns settings for a client backed by the in-process
// emulator. Heartbeats are off unless a test turns them on.
func emulatedSettings() Settings {
	s := DefaultSettings()
	s.LaunchMode = LaunchEmulate
	s.ClientTimeout = 5 * time.Second
	s.TerminateTimeout = time.Second
	s.TimeoutInterval = 50 * time.Millisecond
	s.WorkflowCacheSize = 0
	s.DisableHeartbeats = true
	return s
}

// connectEmulated connects a client with a private guard and a fresh
// emulator, and closes it when the test ends.
func connectEmulated(t *testing.T, s Settings, opts ...Option) (*Client, *Emulator) {
	t.Helper()

	emu := NewEmulator(quietLogger())
	base := []Option{
		WithGuard(NewConnectionGuard()),
		WithLogger(quietLogger()),
		WithEmulator(emu),
	}
	c, err := Connect(context.Background(), s, append(base, opts...)...)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, emu
}

// holdTypes returns a hook that never answers requests of the given types
// and reports each held request on the returned channel.
func holdTypes(types ...MessageType) (EmulatorHook, <-chan *Envelope) {
	held := make(chan *Envelope, 64)
	hook := func(req *Envelope) (*Envelope, bool) {
		for _, t := range types {
			if req.Type == t {
				select {
				case held <- req:
				default:
				}
				return nil, true
			}
		}
		return nil, false
	}
	return hook, held
}

// closedRecorder counts closed notifications.
type closedRecorder struct {
	mu    sync.Mutex
	errs  []error
	fired chan struct{}
	once  sync.Once
}

func newClosedRecorder() *closedRecorder {
	return &closedRecorder{fired: make(chan struct{})}
}

func (r *closedRecorder) handler(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.once.Do(func() { close(r.fired) })
}

func (r *closedRecorder) calls() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *closedRecorder) wait(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-r.fired:
	case <-time.After(d):
		t.Fatal("closed handler was not called")
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
