package cadence

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Client is a connection to a cadence proxy. It owns the proxy process, the
// listener the proxy calls back on, and the table of outstanding requests.
type Client struct {
	settings Settings
	config   clientConfig
	logger   *slog.Logger

	operations *OperationTable
	metrics    *Metrics
	workers    *workerRegistry

	handlersMu sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc

	activityMu        sync.Mutex
	runningActivities map[int64]context.CancelFunc

	listener    *httpListener
	proxy       *proxyClient
	proxyAddr   string
	process     *proxyProcess
	emulator    *Emulator
	adminServer *AdminServer

	// ctx is cancelled during shutdown; handlers and supervisors derive
	// from it.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	supervisors sync.WaitGroup
	background  sync.WaitGroup
	invocations sync.WaitGroup

	runningInvocations atomic.Int64

	running  atomic.Bool // set once the handshake has completed
	closing  atomic.Bool
	fatalMu  sync.Mutex
	fatalErr error

	notifyOnce sync.Once
	closeOnce  sync.Once
	closed     chan struct{}
}

// callOpts tunes a single exchange with the proxy.
type callOpts struct {
	// remoteCancel sends a CancelRequest when ctx is done before the reply.
	remoteCancel bool
	// tolerateSendErr reports a failed send to the caller only instead of
	// failing the connection.
	tolerateSendErr bool
}

func newClient(settings Settings, opts ...Option) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		settings:          settings,
		config:            cfg,
		logger:            cfg.logger,
		operations:        NewOperationTable(),
		metrics:           newMetrics(),
		workflows:         cfg.workflows,
		activities:        cfg.activities,
		runningActivities: make(map[int64]context.CancelFunc),
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		closed:            make(chan struct{}),
	}
	c.workers = newWorkerRegistry(c)
	c.metrics.pendingFn = c.operations.Len
	c.metrics.workersFn = c.workers.activeCount
	return c
}

// Connect starts (or attaches to) the proxy, performs the handshake and
// starts the supervisors. On failure nothing is left running.
func Connect(ctx context.Context, settings Settings, opts ...Option) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, &ConnectError{Stage: "settings", Err: err}
	}

	c := newClient(settings, opts...)
	if err := c.config.guard.acquire(c); err != nil {
		return nil, &ConnectError{Stage: "guard", Err: err}
	}

	if err := c.start(ctx); err != nil {
		c.logger.Error("connect failed", "error", err)
		c.closing.Store(true)
		c.release(false)
		return nil, err
	}
	return c, nil
}

func (c *Client) start(ctx context.Context) error {
	s := &c.settings

	l, err := startListener("client", hostPort(s.ListenAddress, s.ListenPort), newRouter(c), c.logger)
	if err != nil {
		return &ConnectError{Stage: "listen", Err: err}
	}
	c.listener = l

	proxyPort := s.ProxyPort
	if proxyPort == 0 {
		if proxyPort, err = freePort(s.ListenAddress); err != nil {
			return &ConnectError{Stage: "proxy port", Err: err}
		}
	}
	c.proxyAddr = hostPort(s.ListenAddress, proxyPort)
	c.proxy = newProxyClient(c.proxyAddr, c.config.httpClient, s.ProxyTimeout)

	switch s.LaunchMode {
	case LaunchSpawn:
		if c.process, err = startProxyProcess(s, c.proxyAddr, c.logger); err != nil {
			return &ConnectError{Stage: "spawn", Err: err}
		}
	case LaunchEmulate:
		c.emulator = c.config.emulator
		if c.emulator == nil {
			c.emulator = NewEmulator(c.logger)
		}
		if err := c.emulator.Start(c.proxyAddr); err != nil {
			return &ConnectError{Stage: "emulate", Err: err}
		}
	case LaunchAttach:
		c.logger.Info("attaching to running proxy", "addr", c.proxyAddr)
	}

	if !s.DisableHandshakes {
		if err := c.handshake(ctx); err != nil {
			return err
		}
	}

	c.running.Store(true)

	if !s.DisableHeartbeats {
		c.supervisors.Add(1)
		go c.heartbeatLoop()
	}
	if !s.IgnoreTimeouts {
		c.supervisors.Add(1)
		go c.timeoutLoop()
	}

	if c.config.adminAddr != "" {
		as, err := NewAdminServer(c, c.config.adminAddr)
		if err != nil {
			c.logger.Error("admin server failed to start", "error", err)
		} else {
			c.adminServer = as
			as.Start()
		}
	}

	c.logger.Info("connected",
		"listen", c.listener.Addr().String(),
		"proxy", c.proxyAddr,
		"mode", string(s.LaunchMode),
		"identity", s.ClientIdentity)
	return nil
}

// handshake announces the listener to the proxy, then tells the proxy how
// to reach the cluster.
func (c *Client) handshake(ctx context.Context) error {
	s := &c.settings
	ctx, cancel := context.WithTimeout(ctx, s.ClientTimeout)
	defer cancel()

	addr := c.listener.Addr()
	initReq := NewRequest(InitializeRequest)
	initReq.Set(PropLibraryAddress, addr.IP.String())
	initReq.Set(PropLibraryPort, strconv.Itoa(addr.Port))
	if err := c.handshakeStep(ctx, "initialize", initReq, c.process != nil); err != nil {
		return err
	}

	conn := NewRequest(ConnectRequest)
	conn.Set(PropEndpoints, s.Endpoints())
	conn.Set(PropIdentity, s.ClientIdentity)
	conn.Set(PropDomain, s.DefaultDomain)
	conn.Set(PropCreateDomain, strconv.FormatBool(s.CreateDomain))
	conn.Set(PropClientTimeout, s.ClientTimeout.String())
	if err := c.handshakeStep(ctx, "connect", conn, false); err != nil {
		return err
	}

	if s.WorkflowCacheSize > 0 {
		size := NewRequest(WorkflowSetCacheSizeRequest)
		size.Set(PropCacheSize, strconv.Itoa(s.WorkflowCacheSize))
		if err := c.handshakeStep(ctx, "set cache size", size, false); err != nil {
			return err
		}
	}
	return nil
}

// handshakeStep performs one handshake exchange. A spawned proxy may not be
// listening yet, so with retry set a failed send is retried until ctx ends.
func (c *Client) handshakeStep(ctx context.Context, stage string, req *Envelope, retry bool) error {
	for {
		reply, err := c.call(ctx, req, 0, callOpts{tolerateSendErr: true})
		if err == nil {
			return nil
		}
		var te *TransportError
		if !retry || !errors.As(err, &te) || reply != nil {
			return &ConnectError{Stage: stage, Err: err}
		}
		select {
		case <-ctx.Done():
			return &ConnectError{Stage: stage, Err: err}
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Call sends req to the proxy and waits for its reply. timeout <= 0 means
// the request never times out. When ctx is done first, a cancel request is
// sent to the proxy and the call returns an error matching ErrCancelled.
// An error-tagged reply is returned together with a *RemoteError.
func (c *Client) Call(ctx context.Context, req *Envelope, timeout time.Duration) (*Envelope, error) {
	if c.closing.Load() {
		return nil, ErrConnectionClosed
	}
	if req.ReplyType == Unspecified && ReplyTypeOf(req.Type) == Unspecified {
		return nil, errors.Errorf("%s has no reply type", req.Type)
	}
	return c.call(ctx, req, timeout, callOpts{remoteCancel: true})
}

func (c *Client) call(ctx context.Context, req *Envelope, timeout time.Duration, opts callOpts) (*Envelope, error) {
	remoteCancel := opts.remoteCancel && req.Type != CancelRequest
	req.IsCancellable = remoteCancel && ctx.Done() != nil

	op, err := c.operations.Register(req, timeout)
	if err != nil {
		return nil, err
	}
	c.metrics.RequestsTotal.Add(1)

	if err := c.proxy.send(context.Background(), req); err != nil {
		c.metrics.TransportErrors.Add(1)
		c.operations.Remove(op.ID, err)
		if !opts.tolerateSendErr {
			c.fail(err)
		}
		return nil, err
	}

	select {
	case <-op.Done():
		return op.Result()
	case <-ctx.Done():
	}

	if req.IsCancellable {
		c.cancelRemote(op.ID)
	}
	if c.operations.Remove(op.ID, &cancelError{cause: ctx.Err()}) {
		c.metrics.RequestsCancelled.Add(1)
	}
	return op.Result()
}

// cancelRemote asks the proxy to cancel targetID and waits for the
// acknowledgement, a failed send or the cancel timeout. The cancel request
// itself is never cancelled remotely.
func (c *Client) cancelRemote(targetID int64) {
	req := NewRequest(CancelRequest)
	req.TargetRequestID = targetID
	c.metrics.CancelsSent.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), c.config.cancelTimeout)
	defer cancel()
	if _, err := c.call(ctx, req, c.config.cancelTimeout, callOpts{}); err != nil {
		c.logger.Debug("cancel request failed", "target_request_id", targetID, "error", err)
	}
}

// Reply answers an inbound request. A failed send is fatal to the
// connection.
func (c *Client) Reply(ctx context.Context, req, reply *Envelope) error {
	reply.RequestID = req.RequestID
	reply.Type = ReplyTypeOf(req.Type)
	reply.ReplyType = Unspecified

	if c.proxy == nil {
		return ErrConnectionClosed
	}
	if err := c.proxy.send(ctx, reply); err != nil {
		c.metrics.TransportErrors.Add(1)
		c.fail(err)
		return err
	}
	return nil
}

// Ping sends a heartbeat and returns the round trip time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	reply, err := c.Call(ctx, NewRequest(HeartbeatRequest), c.settings.HeartbeatTimeout)
	if err != nil {
		return 0, err
	}
	return time.Since(start), reply.Err()
}

// fail latches err as the fatal error and closes the connection in the
// background. Only the first error is kept, and errors raised once the
// client is closing are dropped.
func (c *Client) fail(err error) {
	if !c.running.Load() {
		return
	}
	if !c.closing.CompareAndSwap(false, true) {
		c.logger.Debug("error while closing", "error", err)
		return
	}

	c.fatalMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.fatalMu.Unlock()

	c.logger.Error("connection failed", "error", err)
	go c.Close()
}

// Err returns the fatal error that closed the connection, if any.
func (c *Client) Err() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatalErr
}

// Done is closed once the client has fully shut down.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close shuts the connection down. It is safe to call more than once and
// concurrently; every call returns after the shutdown has completed.
func (c *Client) Close() error {
	c.closeOnce.Do(c.shutdown)
	return nil
}

func (c *Client) shutdown() {
	err := c.Err()
	c.raiseClosed(err)
	c.closing.Store(true)

	c.logger.Info("closing", "error", err)

	ctx, cancel := context.WithTimeout(context.Background(), c.settings.TerminateTimeout)
	c.workers.stopAll(ctx)
	cancel()

	c.release(c.terminateProxy())
	close(c.closed)
	c.logger.Info("closed")
}

// raiseClosed calls the closed handler at most once.
func (c *Client) raiseClosed(err error) {
	c.notifyOnce.Do(func() {
		if h := c.config.closedHandler; h != nil {
			go h(err)
		}
	})
}

// terminateProxy asks the proxy to exit. It reports whether the proxy
// acknowledged.
func (c *Client) terminateProxy() bool {
	if c.proxy == nil || c.settings.DisableHandshakes {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.settings.TerminateTimeout)
	defer cancel()
	_, err := c.call(ctx, NewRequest(TerminateRequest), 0, callOpts{tolerateSendErr: true})
	if err != nil {
		c.logger.Debug("terminate request failed", "error", err)
		return false
	}
	return true
}

// release stops everything Connect started and gives the guard back. The
// proxy process gets the terminate grace period only if it acknowledged
// the terminate request.
func (c *Client) release(terminated bool) {
	if c.process != nil {
		grace := time.Duration(0)
		if terminated {
			grace = c.settings.TerminateTimeout
		}
		if !c.process.stop(grace) {
			c.logger.Warn("proxy killed after grace period", "grace", grace)
		}
	}

	close(c.done)
	c.cancel()

	closedErr := ErrConnectionClosed
	if err := c.Err(); err != nil {
		closedErr = errors.Wrap(ErrConnectionClosed, err.Error())
	}
	if n := c.operations.FailAll(closedErr); n > 0 {
		c.logger.Debug("failed pending operations", "count", n)
	}

	// no new invocations once the listener is down
	if c.listener != nil {
		c.listener.stop(2 * time.Second)
	}

	c.supervisors.Wait()
	c.background.Wait()

	// a handler may be the caller of Close, or may ignore its context
	if !waitTimeout(&c.invocations, c.settings.TerminateTimeout) {
		c.logger.Warn("abandoned running invocations",
			"count", c.runningInvocations.Load(), "grace", c.settings.TerminateTimeout)
	}

	if c.emulator != nil {
		c.emulator.Close()
	}
	if c.adminServer != nil {
		c.adminServer.Stop()
	}
	if c.proxy != nil {
		c.proxy.close()
	}

	c.config.guard.release(c)
}

// waitTimeout waits for wg up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// Closing reports whether the connection is closing or closed.
func (c *Client) Closing() bool {
	return c.closing.Load()
}

func (c *Client) Settings() Settings {
	return c.settings
}

// Metrics returns the client's operational metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// PendingOperations returns the outstanding requests ordered by id.
func (c *Client) PendingOperations() []OperationInfo {
	return c.operations.Snapshot()
}

// ListenAddr returns the address the proxy calls back on.
func (c *Client) ListenAddr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *Client) ProxyAddr() string {
	return c.proxyAddr
}

// Emulator returns the in-process proxy in LaunchEmulate mode, or nil.
func (c *Client) Emulator() *Emulator {
	return c.emulator
}
