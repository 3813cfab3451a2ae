package cadence

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// WorkerKind selects what a worker polls for.
type WorkerKind int

const (
	WorkflowWorker WorkerKind = iota + 1
	ActivityWorker
)

func (k WorkerKind) String() string {
	switch k {
	case WorkflowWorker:
		return "workflow"
	case ActivityWorker:
		return "activity"
	}
	return "WorkerKind(" + strconv.Itoa(int(k)) + ")"
}

// WorkerState is the lifecycle state of a worker registration.
type WorkerState int

const (
	workerStarting WorkerState = iota
	WorkerActive
	WorkerStopping
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case workerStarting:
		return "starting"
	case WorkerActive:
		return "active"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	}
	return "unknown"
}

type workerKey struct {
	domain   string
	taskList string
	kind     WorkerKind
}

type worker struct {
	key   workerKey
	id    int64
	refs  int
	state WorkerState
	ready chan struct{} // closed when the start exchange completes
	err   error         // start failure, valid after ready
}

// WorkerInfo is a read-only view of a worker registration.
type WorkerInfo struct {
	ID       int64  `json:"id"`
	Domain   string `json:"domain"`
	TaskList string `json:"task_list"`
	Kind     string `json:"kind"`
	Refs     int    `json:"refs"`
	State    string `json:"state"`
}

// workerRegistry reference-counts workers per (domain, task list, kind).
// The proxy is only asked to start a worker for the first lease and to stop
// it when the last lease is released. A stopped worker stays in the
// registry so that it cannot be started again.
type workerRegistry struct {
	client *Client

	mu      sync.Mutex
	workers map[workerKey]*worker
	closed  bool // set by stopAll; no new workers after that
}

func newWorkerRegistry(c *Client) *workerRegistry {
	return &workerRegistry{
		client:  c,
		workers: make(map[workerKey]*worker),
	}
}

// WorkerLease is one reference to a running worker.
type WorkerLease struct {
	registry *workerRegistry
	worker   *worker
	released atomic.Bool
}

// ID returns the worker id assigned by the proxy.
func (l *WorkerLease) ID() int64 {
	return l.worker.id
}

// Release drops this lease. Releasing the last lease stops the worker for
// good. Calling Release more than once is a no-op.
func (l *WorkerLease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	return l.registry.release(ctx, l.worker)
}

// StartWorker starts a worker for domain and task list, or takes another
// reference on the one already running.
func (c *Client) StartWorker(ctx context.Context, domain, taskList string, kind WorkerKind) (*WorkerLease, error) {
	if c.closing.Load() {
		return nil, ErrConnectionClosed
	}
	if domain == "" {
		domain = c.settings.DefaultDomain
	}
	if taskList == "" {
		taskList = c.settings.DefaultTaskList
	}
	if kind != WorkflowWorker && kind != ActivityWorker {
		return nil, errors.Errorf("invalid worker kind %d", kind)
	}

	w, err := c.workers.acquire(ctx, workerKey{domain: domain, taskList: taskList, kind: kind})
	if err != nil {
		return nil, err
	}
	return &WorkerLease{registry: c.workers, worker: w}, nil
}

// Workers returns the worker registrations ordered by id.
func (c *Client) Workers() []WorkerInfo {
	return c.workers.list()
}

func (r *workerRegistry) acquire(ctx context.Context, key workerKey) (*worker, error) {
	r.mu.Lock()
	w, ok := r.workers[key]
	if ok {
		switch w.state {
		case WorkerStopping, WorkerStopped:
			r.mu.Unlock()
			return nil, ErrWorkerStopped
		}
		w.refs++
		r.mu.Unlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			r.mu.Lock()
			w.refs--
			r.mu.Unlock()
			return nil, ctx.Err()
		}
		if w.err != nil {
			return nil, w.err
		}
		return w, nil
	}
	if r.closed {
		r.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	w = &worker{key: key, refs: 1, state: workerStarting, ready: make(chan struct{})}
	r.workers[key] = w
	r.mu.Unlock()

	id, err := r.startRemote(ctx, key)

	r.mu.Lock()
	if err != nil {
		w.err = err
		delete(r.workers, key)
	} else {
		w.id = id
		w.state = WorkerActive
	}
	close(w.ready)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	r.client.logger.Info("worker started",
		"worker_id", id, "domain", key.domain, "task_list", key.taskList, "kind", key.kind.String())
	return w, nil
}

func (r *workerRegistry) release(ctx context.Context, w *worker) error {
	r.mu.Lock()
	w.refs--
	if w.refs > 0 || w.state != WorkerActive {
		r.mu.Unlock()
		return nil
	}
	w.state = WorkerStopping
	r.mu.Unlock()

	return r.stop(ctx, w)
}

func (r *workerRegistry) stop(ctx context.Context, w *worker) error {
	err := r.stopRemote(ctx, w.id)

	r.mu.Lock()
	w.state = WorkerStopped
	r.mu.Unlock()

	if err != nil {
		r.client.logger.Warn("worker stop failed", "worker_id", w.id, "error", err)
		return err
	}
	r.client.logger.Info("worker stopped", "worker_id", w.id)
	return nil
}

// stopAll stops every active worker regardless of its reference count.
// Workers still starting are stopped once their start exchange completes,
// or abandoned when ctx ends first.
func (r *workerRegistry) stopAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	var active, starting []*worker
	for _, w := range r.workers {
		switch w.state {
		case WorkerActive:
			w.state = WorkerStopping
			active = append(active, w)
		case workerStarting:
			starting = append(starting, w)
		}
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, w := range active {
		g.Go(func() error {
			return r.stop(ctx, w)
		})
	}
	for _, w := range starting {
		g.Go(func() error {
			select {
			case <-w.ready:
			case <-ctx.Done():
				r.client.logger.Warn("worker start still pending at shutdown",
					"domain", w.key.domain, "task_list", w.key.taskList, "kind", w.key.kind.String())
				return ctx.Err()
			}

			r.mu.Lock()
			if w.state != WorkerActive {
				// start failed, or the last lease was already released
				r.mu.Unlock()
				return nil
			}
			w.state = WorkerStopping
			r.mu.Unlock()
			return r.stop(ctx, w)
		})
	}
	_ = g.Wait()
}

func (r *workerRegistry) startRemote(ctx context.Context, key workerKey) (int64, error) {
	req := NewRequest(NewWorkerRequest)
	req.Set(PropDomain, key.domain)
	req.Set(PropTaskList, key.taskList)
	req.Set(PropWorkerKind, key.kind.String())

	reply, err := r.client.call(ctx, req, r.client.settings.ClientTimeout, callOpts{remoteCancel: true})
	if err != nil {
		return 0, errors.Wrap(err, "start worker")
	}
	return reply.Int64(PropWorkerID), nil
}

func (r *workerRegistry) stopRemote(ctx context.Context, id int64) error {
	req := NewRequest(StopWorkerRequest)
	req.Set(PropWorkerID, strconv.FormatInt(id, 10))

	if _, err := r.client.call(ctx, req, r.client.settings.ClientTimeout, callOpts{}); err != nil {
		return errors.Wrap(err, "stop worker")
	}
	return nil
}

func (r *workerRegistry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.state == WorkerActive {
			n++
		}
	}
	return n
}

func (r *workerRegistry) list() []WorkerInfo {
	r.mu.Lock()
	infos := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		infos = append(infos, WorkerInfo{
			ID:       w.id,
			Domain:   w.key.domain,
			TaskList: w.key.taskList,
			Kind:     w.key.kind.String(),
			Refs:     w.refs,
			State:    w.state.String(),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
