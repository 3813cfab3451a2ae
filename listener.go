package cadence

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// httpListener serves a handler on a loopback TCP listener. The client uses
// one for envelopes arriving from the proxy; the emulator uses one for
// envelopes arriving from the client.
type httpListener struct {
	name     string
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	stopped  chan struct{}
}

// startListener binds addr and serves handler in the background. Port 0
// picks an ephemeral port; see Addr.
func startListener(name, addr string, handler http.Handler, logger *slog.Logger) (*httpListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &httpListener{
		name:     name,
		listener: ln,
		logger:   logger,
		stopped:  make(chan struct{}),
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	go func() {
		defer close(l.stopped)
		if err := l.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("listener error", "listener", name, "error", err)
		}
	}()
	logger.Debug("listener started", "listener", name, "addr", l.Addr().String())
	return l, nil
}

func (l *httpListener) Addr() *net.TCPAddr {
	return l.listener.Addr().(*net.TCPAddr)
}

// stop shuts the server down, waiting up to timeout for in-flight requests.
func (l *httpListener) stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Warn("listener shutdown", "listener", l.name, "error", err)
		_ = l.server.Close()
	}
	<-l.stopped
}
