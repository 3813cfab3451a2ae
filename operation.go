package cadence

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Operation is a pending outbound request awaiting its reply.
type Operation struct {
	ID       int64
	Request  *Envelope
	IssuedAt time.Time
	Timeout  time.Duration

	once  sync.Once
	done  chan struct{}
	reply *Envelope
	err   error
}

func newOperation(id int64, req *Envelope, timeout time.Duration, now time.Time) *Operation {
	return &Operation{
		ID:       id,
		Request:  req,
		IssuedAt: now,
		Timeout:  timeout,
		done:     make(chan struct{}),
	}
}

// resolve sets the outcome. Only the first call has any effect.
func (op *Operation) resolve(reply *Envelope, err error) bool {
	resolved := false
	op.once.Do(func() {
		op.reply = reply
		op.err = err
		close(op.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the operation has resolved.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Result returns the outcome. Only valid after Done is closed.
func (op *Operation) Result() (*Envelope, error) {
	<-op.done
	return op.reply, op.err
}

func (op *Operation) expired(now time.Time) bool {
	return op.Timeout > 0 && !op.IssuedAt.Add(op.Timeout).After(now)
}

// OperationInfo is a read-only view of a pending operation.
type OperationInfo struct {
	RequestID int64         `json:"request_id"`
	Type      string        `json:"type"`
	IssuedAt  time.Time     `json:"issued_at"`
	Timeout   time.Duration `json:"timeout"`
}

// OperationTable maps correlation ids to pending operations. Every
// read-modify-write happens under mu, and an entry is always removed
// before it is resolved, so a reply, a timeout sweep and a shutdown can
// race without resolving the same operation twice.
type OperationTable struct {
	mu     sync.Mutex
	m      map[int64]*Operation
	nextID atomic.Int64
	sealed error
	now    func() time.Time
}

func NewOperationTable() *OperationTable {
	return &OperationTable{
		m:   make(map[int64]*Operation),
		now: time.Now,
	}
}

// Register assigns the next correlation id to req, stamps its reply type
// and records it as pending. It fails once the table has been sealed.
func (t *OperationTable) Register(req *Envelope, timeout time.Duration) (*Operation, error) {
	id := t.nextID.Add(1)
	req.RequestID = id
	if req.ReplyType == Unspecified {
		req.ReplyType = ReplyTypeOf(req.Type)
	}
	op := newOperation(id, req, timeout, t.now())

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed != nil {
		return nil, t.sealed
	}
	t.m[id] = op
	return op, nil
}

// Lookup returns the pending operation for id, or nil.
func (t *OperationTable) Lookup(id int64) *Operation {
	t.mu.Lock()
	op := t.m[id]
	t.mu.Unlock()
	return op
}

// CompleteResult is the outcome of delivering a reply to the table.
type CompleteResult int

const (
	Completed CompleteResult = iota
	UnknownRequest
	TypeMismatch
)

// Complete delivers reply to its pending operation. A reply whose type
// differs from the expected reply type is rejected; with failOnMismatch the
// operation is removed and resolved with a *ReplyMismatchError, otherwise it
// is left pending.
func (t *OperationTable) Complete(reply *Envelope, failOnMismatch bool) CompleteResult {
	t.mu.Lock()
	op, ok := t.m[reply.RequestID]
	if !ok {
		t.mu.Unlock()
		return UnknownRequest
	}
	if reply.Type != op.Request.ReplyType {
		if !failOnMismatch {
			t.mu.Unlock()
			return TypeMismatch
		}
		delete(t.m, op.ID)
		t.mu.Unlock()
		op.resolve(nil, &ReplyMismatchError{
			RequestID: op.ID,
			Expected:  op.Request.ReplyType,
			Got:       reply.Type,
		})
		return TypeMismatch
	}
	delete(t.m, op.ID)
	t.mu.Unlock()

	op.resolve(reply, reply.Err())
	return Completed
}

// Remove deletes id and resolves it with err. It reports false when id was
// no longer pending.
func (t *OperationTable) Remove(id int64, err error) bool {
	t.mu.Lock()
	op, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	return op.resolve(nil, err)
}

// RemoveExpired removes every operation whose timeout has elapsed and
// returns them unresolved, so the caller can notify the proxy before
// resolving them.
func (t *OperationTable) RemoveExpired() []*Operation {
	now := t.now()
	var expired []*Operation

	t.mu.Lock()
	for id, op := range t.m {
		if op.expired(now) {
			delete(t.m, id)
			expired = append(expired, op)
		}
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// FailAll resolves every pending operation with err and seals the table so
// that later registrations fail with the same error.
func (t *OperationTable) FailAll(err error) int {
	t.mu.Lock()
	ops := make([]*Operation, 0, len(t.m))
	for id, op := range t.m {
		ops = append(ops, op)
		delete(t.m, id)
	}
	t.sealed = err
	t.mu.Unlock()

	for _, op := range ops {
		op.resolve(nil, err)
	}
	return len(ops)
}

func (t *OperationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// Snapshot returns the pending operations ordered by id.
func (t *OperationTable) Snapshot() []OperationInfo {
	t.mu.Lock()
	infos := make([]OperationInfo, 0, len(t.m))
	for _, op := range t.m {
		infos = append(infos, OperationInfo{
			RequestID: op.ID,
			Type:      op.Request.Type.String(),
			IssuedAt:  op.IssuedAt,
			Timeout:   op.Timeout,
		})
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].RequestID < infos[j].RequestID })
	return infos
}
