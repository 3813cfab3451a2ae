package cadence

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EmulatorHook intercepts a request received by the emulator. Returning
// handled=false falls through to the default reply. Returning a nil reply
// with handled=true holds the request: no reply is ever sent.
type EmulatorHook func(req *Envelope) (reply *Envelope, handled bool)

// Emulator is an in-process stand-in for the cadence proxy. It speaks the
// same envelope protocol and answers the connection-level requests itself,
// which is enough to exercise a client without a cluster.
type Emulator struct {
	logger  *slog.Logger
	session string
	http    *http.Client

	mu         sync.Mutex
	listener   *httpListener
	libraryURL string
	hook       EmulatorHook
	received   map[MessageType]int
	cancelled  map[int64]bool
	workers    map[int64]bool
	nextWorker int64
	nextID     int64
	pending    map[int64]chan *Envelope

	replies    sync.WaitGroup
	terminated chan struct{}
	termOnce   sync.Once
}

func NewEmulator(logger *slog.Logger) *Emulator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emulator{
		session:    uuid.NewString(),
		http:       &http.Client{Timeout: 5 * time.Second},
		received:   make(map[MessageType]int),
		cancelled:  make(map[int64]bool),
		workers:    make(map[int64]bool),
		pending:    make(map[int64]chan *Envelope),
		terminated: make(chan struct{}),
	}
	e.logger = logger.With("component", "emulator", "session", e.session)
	return e
}

// Start listens on addr. Port 0 picks an ephemeral port; see Addr.
func (e *Emulator) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleRoot)

	l, err := startListener("emulator", addr, mux, e.logger)
	if err != nil {
		return errors.Wrap(err, "emulator listen")
	}
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
	e.logger.Info("emulator started", "addr", l.Addr().String())
	return nil
}

func (e *Emulator) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Close stops the listener and waits for replies in flight.
func (e *Emulator) Close() {
	e.mu.Lock()
	l := e.listener
	e.listener = nil
	e.mu.Unlock()
	if l != nil {
		l.stop(2 * time.Second)
	}
	e.replies.Wait()
	e.http.CloseIdleConnections()
}

func (e *Emulator) SetHook(h EmulatorHook) {
	e.mu.Lock()
	e.hook = h
	e.mu.Unlock()
}

// Received returns how many requests of type t have arrived.
func (e *Emulator) Received(t MessageType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received[t]
}

// WasCancelled reports whether a cancel request targeted id.
func (e *Emulator) WasCancelled(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[id]
}

// ActiveWorkers returns the number of started and not yet stopped workers.
func (e *Emulator) ActiveWorkers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

// Terminated is closed when a terminate request arrives.
func (e *Emulator) Terminated() <-chan struct{} {
	return e.terminated
}

func (e *Emulator) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != ContentType {
		http.Error(w, "unsupported content type", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, err := Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if env.Type.IsRequest() && !env.Type.IsInbound() {
		e.mu.Lock()
		e.received[env.Type]++
		if env.Type == InitializeRequest {
			e.libraryURL = "http://" + hostPort(env.Get(PropLibraryAddress), int(env.Int64(PropLibraryPort))) + "/"
		}
		e.mu.Unlock()

		e.replies.Add(1)
		go func() {
			defer e.replies.Done()
			e.respond(env)
		}()
		w.WriteHeader(http.StatusOK)
		return
	}

	// a reply to an invocation pushed with Invoke
	e.mu.Lock()
	ch, ok := e.pending[env.RequestID]
	delete(e.pending, env.RequestID)
	e.mu.Unlock()
	if !ok {
		http.Error(w, "no pending invocation", http.StatusBadRequest)
		return
	}
	ch <- env
	w.WriteHeader(http.StatusOK)
}

func (e *Emulator) respond(req *Envelope) {
	e.mu.Lock()
	hook := e.hook
	e.mu.Unlock()

	var reply *Envelope
	handled := false
	if hook != nil {
		reply, handled = hook(req)
	}
	if !handled {
		reply = e.defaultReply(req)
	}
	if reply == nil {
		e.logger.Debug("holding request", "type", req.Type.String(), "request_id", req.RequestID)
		return
	}

	if reply.Type == Unspecified {
		reply.Type = ReplyTypeOf(req.Type)
	}
	reply.RequestID = req.RequestID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.SendReply(ctx, reply); err != nil {
		e.logger.Warn("reply failed", "type", reply.Type.String(), "request_id", reply.RequestID, "error", err)
	}
}

func (e *Emulator) defaultReply(req *Envelope) *Envelope {
	reply := &Envelope{Properties: make(map[string]string)}

	switch req.Type {
	case InitializeRequest, ConnectRequest, HeartbeatRequest, WorkflowSetCacheSizeRequest:

	case CancelRequest:
		e.mu.Lock()
		e.cancelled[req.TargetRequestID] = true
		e.mu.Unlock()
		reply.Set(PropWasCancelled, "true")

	case TerminateRequest:
		e.termOnce.Do(func() { close(e.terminated) })

	case NewWorkerRequest:
		e.mu.Lock()
		e.nextWorker++
		id := e.nextWorker
		e.workers[id] = true
		e.mu.Unlock()
		reply.Set(PropWorkerID, strconv.FormatInt(id, 10))

	case StopWorkerRequest:
		id := req.Int64(PropWorkerID)
		e.mu.Lock()
		_, ok := e.workers[id]
		delete(e.workers, id)
		e.mu.Unlock()
		if !ok {
			reply.SetError(&RemoteError{Type: ErrorTypeEntityNotExists, Message: "worker " + strconv.FormatInt(id, 10) + " does not exist"})
		}

	default:
		reply.SetError(&RemoteError{Type: ErrorTypeBadRequest, Message: "emulator does not support " + req.Type.String()})
	}
	return reply
}

// SendReply PUTs reply to the library. Tests use it to deliver late,
// mismatched or stale replies.
func (e *Emulator) SendReply(ctx context.Context, reply *Envelope) error {
	e.mu.Lock()
	url := e.libraryURL
	e.mu.Unlock()
	if url == "" {
		return errors.New("emulator: library address unknown, no initialize request received")
	}

	status, err := putEnvelope(ctx, e.http, url, reply)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return errors.Errorf("library returned status %d", status)
	}
	return nil
}

// Invoke sends an inbound invocation to the library and waits for its
// reply.
func (e *Emulator) Invoke(ctx context.Context, req *Envelope) (*Envelope, error) {
	if !req.Type.IsInbound() {
		return nil, errors.Errorf("%s is not an invocation", req.Type)
	}

	ch := make(chan *Envelope, 1)
	e.mu.Lock()
	e.nextID++
	req.RequestID = e.nextID
	e.pending[req.RequestID] = ch
	e.mu.Unlock()

	if err := e.SendReply(ctx, req); err != nil {
		e.mu.Lock()
		delete(e.pending, req.RequestID)
		e.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.pending, req.RequestID)
		e.mu.Unlock()
		return nil, ctx.Err()
	}
}
