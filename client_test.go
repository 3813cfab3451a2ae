package cadence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestConnect_Emulated(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings())

	if emu.Received(InitializeRequest) != 1 || emu.Received(ConnectRequest) != 1 {
		t.Fatalf("handshake = %d initialize, %d connect, want 1 each",
			emu.Received(InitializeRequest), emu.Received(ConnectRequest))
	}
	if c.ListenAddr() == "" || c.ProxyAddr() == "" {
		t.Fatalf("addresses = %q, %q", c.ListenAddr(), c.ProxyAddr())
	}
	if c.Emulator() != emu {
		t.Fatal("Emulator() is not the supplied emulator")
	}

	rtt, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %v, want > 0", rtt)
	}
}

func TestConnect_SetsCacheSize(t *testing.T) {
	s := emulatedSettings()
	s.WorkflowCacheSize = 100
	_, emu := connectEmulated(t, s)

	if got := emu.Received(WorkflowSetCacheSizeRequest); got != 1 {
		t.Fatalf("cache size requests = %d, want 1", got)
	}
}

func TestConnect_GuardRejectsSecondClient(t *testing.T) {
	guard := NewConnectionGuard()
	s := emulatedSettings()

	c1, err := Connect(context.Background(), s, WithGuard(guard), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err = Connect(context.Background(), s, WithGuard(guard), WithLogger(quietLogger()))
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect = %v, want ErrAlreadyConnected", err)
	}

	c1.Close()
	if guard.Held() {
		t.Fatal("guard still held after Close")
	}

	c2, err := Connect(context.Background(), s, WithGuard(guard), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Connect after Close: %v", err)
	}
	c2.Close()
}

func TestConnect_HandshakeFailureReleasesEverything(t *testing.T) {
	guard := NewConnectionGuard()
	emu := NewEmulator(quietLogger())
	emu.SetHook(func(req *Envelope) (*Envelope, bool) {
		if req.Type == ConnectRequest {
			reply := &Envelope{}
			reply.SetError(&RemoteError{Type: ErrorTypeBadRequest, Message: "unknown domain"})
			return reply, true
		}
		return nil, false
	})

	_, err := Connect(context.Background(), emulatedSettings(),
		WithGuard(guard), WithLogger(quietLogger()), WithEmulator(emu))

	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Stage != "connect" {
		t.Fatalf("err = %v, want ConnectError at connect", err)
	}
	var re *RemoteError
	if !errors.As(err, &re) || re.Message != "unknown domain" {
		t.Fatalf("err = %v, want the remote error", err)
	}
	if guard.Held() {
		t.Fatal("guard held after failed Connect")
	}
	if emu.Addr() != "" {
		t.Fatal("emulator still listening after failed Connect")
	}
}

func TestConnect_InvalidSettings(t *testing.T) {
	s := emulatedSettings()
	s.Servers = nil

	_, err := Connect(context.Background(), s, WithGuard(NewConnectionGuard()))
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Stage != "settings" {
		t.Fatalf("err = %v, want ConnectError at settings", err)
	}
}

func TestCall_RepliesOutOfOrder(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings())
	hook, held := holdTypes(WorkflowSetCacheSizeRequest)
	emu.SetHook(hook)

	type result struct {
		req   *Envelope
		reply *Envelope
		err   error
	}
	results := make([]chan result, 2)
	for i := range results {
		results[i] = make(chan result, 1)
		go func() {
			req := NewRequest(WorkflowSetCacheSizeRequest)
			reply, err := c.Call(context.Background(), req, 0)
			results[i] <- result{req, reply, err}
		}()
	}

	ids := map[int64]bool{}
	for range 2 {
		select {
		case req := <-held:
			ids[req.RequestID] = true
		case <-time.After(2 * time.Second):
			t.Fatal("requests not received")
		}
	}
	var first, second int64
	for id := range ids {
		if first == 0 || id < first {
			second, first = first, id
		} else {
			second = id
		}
	}

	// answer the later request first
	for _, id := range []int64{second, first} {
		reply := &Envelope{Type: WorkflowSetCacheSizeReply, RequestID: id, Payload: []byte{byte(id)}}
		if err := emu.SendReply(context.Background(), reply); err != nil {
			t.Fatalf("SendReply(%d): %v", id, err)
		}
	}

	for i := range results {
		r := <-results[i]
		if r.err != nil {
			t.Fatalf("call %d: %v", i, r.err)
		}
		if r.reply.RequestID != r.req.RequestID || int64(r.reply.Payload[0]) != r.req.RequestID {
			t.Fatalf("call %d for request %d got reply %d", i, r.req.RequestID, r.reply.Payload[0])
		}
	}
	if n := c.operations.Len(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestCall_TimeoutSendsCancel(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings())
	hook, _ := holdTypes(WorkflowSetCacheSizeRequest)
	emu.SetHook(hook)

	req := NewRequest(WorkflowSetCacheSizeRequest)
	start := time.Now()
	_, err := c.Call(context.Background(), req, 2*time.Second)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrCancelled) || !errors.Is(err, ErrOperationTimedOut) {
		t.Fatalf("err = %v, want a timed out cancellation", err)
	}
	if elapsed < 2*time.Second || elapsed >= 3500*time.Millisecond {
		t.Fatalf("elapsed = %v, want within [2s, 3.5s)", elapsed)
	}
	if c.operations.Lookup(req.RequestID) != nil {
		t.Fatal("timed out operation still pending")
	}
	if !emu.WasCancelled(req.RequestID) {
		t.Fatal("proxy did not receive a cancel for the timed out request")
	}
	if got := c.Metrics().RequestsTimedOut.Load(); got != 1 {
		t.Fatalf("RequestsTimedOut = %d, want 1", got)
	}
}

func TestCall_NoTimeoutWaitsForLateReply(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings())
	emu.SetHook(func(req *Envelope) (*Envelope, bool) {
		if req.Type == WorkflowSetCacheSizeRequest {
			time.Sleep(300 * time.Millisecond)
		}
		return nil, false
	})

	reply, err := c.Call(context.Background(), NewRequest(WorkflowSetCacheSizeRequest), 0)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Type != WorkflowSetCacheSizeReply {
		t.Fatalf("reply type = %s", reply.Type)
	}
	if emu.Received(CancelRequest) != 0 {
		t.Fatal("cancel sent for a request without timeout")
	}
}

func TestCall_ContextCancelSendsCancel(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings())
	hook, held := holdTypes(WorkflowSetCacheSizeRequest)
	emu.SetHook(hook)

	ctx, cancel := context.WithCancel(context.Background())
	req := NewRequest(WorkflowSetCacheSizeRequest)
	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, req, 0)
		errc <- err
	}()

	<-held
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want a cancellation caused by the context", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Call did not return after cancel")
	}
	if !emu.WasCancelled(req.RequestID) {
		t.Fatal("proxy did not receive a cancel")
	}
	if c.operations.Len() != 0 {
		t.Fatalf("pending = %d, want 0", c.operations.Len())
	}
}

func TestCall_CancelIsNeverCancelled(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings(), WithCancelTimeout(200*time.Millisecond))
	hook, held := holdTypes(WorkflowSetCacheSizeRequest, CancelRequest)
	emu.SetHook(hook)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, NewRequest(WorkflowSetCacheSizeRequest), 0)
		errc <- err
	}()
	<-held
	cancel()

	if err := <-errc; !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	// let the sweep pass over the unanswered cancel
	time.Sleep(300 * time.Millisecond)

	if got := emu.Received(CancelRequest); got != 1 {
		t.Fatalf("cancel requests = %d, want 1", got)
	}
}

func TestCall_CancelledCallerWithoutDone(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings())
	hook, _ := holdTypes(WorkflowSetCacheSizeRequest)
	emu.SetHook(hook)

	req := NewRequest(WorkflowSetCacheSizeRequest)
	go c.Call(context.Background(), req, 0)

	waitFor(t, 2*time.Second, func() bool { return c.operations.Len() == 1 })
	if req.IsCancellable {
		t.Fatal("request without a cancellable context marked cancellable")
	}
}

func TestCall_RejectsTypeWithoutReply(t *testing.T) {
	c, _ := connectEmulated(t, emulatedSettings())

	if _, err := c.Call(context.Background(), &Envelope{Type: HeartbeatReply}, 0); err == nil {
		t.Fatal("Call with a reply type succeeded")
	}
}

func TestClose_NotifiesOnce(t *testing.T) {
	rec := newClosedRecorder()
	c, emu := connectEmulated(t, emulatedSettings(), WithClosedHandler(rec.handler))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
	c.Close()

	rec.wait(t, time.Second)
	time.Sleep(50 * time.Millisecond)
	if calls := rec.calls(); len(calls) != 1 || calls[0] != nil {
		t.Fatalf("notifications = %v, want one with nil error", calls)
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	select {
	case <-emu.Terminated():
	default:
		t.Fatal("proxy was not asked to terminate")
	}
	if _, err := c.Call(context.Background(), NewRequest(HeartbeatRequest), 0); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Call after Close = %v, want ErrConnectionClosed", err)
	}
}

func TestClose_FailsPendingCalls(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings())
	hook, held := holdTypes(WorkflowSetCacheSizeRequest)
	emu.SetHook(hook)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), NewRequest(WorkflowSetCacheSizeRequest), 0)
		errc <- err
	}()
	<-held

	c.Close()
	if err := <-errc; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("pending call err = %v, want ErrConnectionClosed", err)
	}
}

func TestTransportFailureIsFatal(t *testing.T) {
	rec := newClosedRecorder()
	c, emu := connectEmulated(t, emulatedSettings(), WithClosedHandler(rec.handler))

	// the proxy goes away
	emu.Close()

	_, err := c.Call(context.Background(), NewRequest(WorkflowSetCacheSizeRequest), 0)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}

	rec.wait(t, 5*time.Second)
	<-c.Done()

	calls := rec.calls()
	if len(calls) != 1 || !errors.As(calls[0], &te) {
		t.Fatalf("notifications = %v, want one TransportError", calls)
	}
	if !errors.As(c.Err(), &te) {
		t.Fatalf("Err() = %v, want TransportError", c.Err())
	}
}

func TestFail_FirstErrorWins(t *testing.T) {
	rec := newClosedRecorder()
	c, _ := connectEmulated(t, emulatedSettings(), WithClosedHandler(rec.handler))

	first := errors.New("first")
	c.fail(first)
	c.fail(errors.New("second"))

	rec.wait(t, 5*time.Second)
	<-c.Done()
	if c.Err() != first {
		t.Fatalf("Err() = %v, want first", c.Err())
	}
	if calls := rec.calls(); len(calls) != 1 || calls[0] != first {
		t.Fatalf("notifications = %v, want [first]", calls)
	}
}

func TestInvocation_RoundTrip(t *testing.T) {
	_, emu := connectEmulated(t, emulatedSettings(),
		WithWorkflow("upper", func(ctx context.Context, inv *Invocation) ([]byte, error) {
			out := make([]byte, len(inv.Payload))
			for i, b := range inv.Payload {
				if b >= 'a' && b <= 'z' {
					b -= 'a' - 'A'
				}
				out[i] = b
			}
			return out, nil
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := NewRequest(WorkflowInvokeRequest)
	req.Set(PropTypeName, "upper")
	req.Payload = []byte("shout")
	reply, err := emu.Invoke(ctx, req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if reply.Type != WorkflowInvokeReply || string(reply.Payload) != "SHOUT" {
		t.Fatalf("reply = %s %q", reply.Type, reply.Payload)
	}

	missing := NewRequest(WorkflowQueryInvokeRequest)
	missing.Set(PropTypeName, "nope")
	reply, err = emu.Invoke(ctx, missing)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if reply.ErrorType != ErrorTypeEntityNotExists {
		t.Fatalf("error type = %q, want %q", reply.ErrorType, ErrorTypeEntityNotExists)
	}
}

func TestStaleReplyRejected(t *testing.T) {
	c, emu := connectEmulated(t, emulatedSettings())

	if _, err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	// a second reply for an id that has already completed
	last := c.operations.nextID.Load()
	err := emu.SendReply(context.Background(), &Envelope{Type: HeartbeatReply, RequestID: last})
	if err == nil {
		t.Fatal("stale reply accepted")
	}
	if got := c.Metrics().RepliesRejected.Load(); got != 1 {
		t.Fatalf("RepliesRejected = %d, want 1", got)
	}
}

func TestClose_FromInsideHandler(t *testing.T) {
	clients := make(chan *Client, 1)
	closed := make(chan struct{})
	guard := NewConnectionGuard()
	emu := NewEmulator(quietLogger())

	c, err := Connect(context.Background(), emulatedSettings(),
		WithGuard(guard), WithLogger(quietLogger()), WithEmulator(emu),
		WithWorkflow("shutdown", func(ctx context.Context, inv *Invocation) ([]byte, error) {
			(<-clients).Close()
			close(closed)
			return nil, nil
		}))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	clients <- c

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := NewRequest(WorkflowInvokeRequest)
	req.Set(PropTypeName, "shutdown")
	go emu.Invoke(ctx, req)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close called from a handler did not return")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close returned")
	}
	if guard.Held() {
		t.Fatal("guard still held after Close")
	}
}

func TestClose_AbandonsStuckActivity(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	c, emu := connectEmulated(t, emulatedSettings(),
		WithActivity("stuck", func(ctx context.Context, inv *Invocation) ([]byte, error) {
			close(started)
			<-release // ignores ctx
			return nil, nil
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := NewRequest(ActivityInvokeRequest)
	req.Set(PropTypeName, "stuck")
	go emu.Invoke(ctx, req)
	<-started

	start := time.Now()
	returned := make(chan struct{})
	go func() {
		c.Close()
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a handler that ignores its context")
	}
	if elapsed := time.Since(start); elapsed < c.Settings().TerminateTimeout {
		t.Fatalf("Close returned after %v, want the handler given %v", elapsed, c.Settings().TerminateTimeout)
	}
}

func TestClose_RacesFatalError(t *testing.T) {
	for i := range 20 {
		rec := newClosedRecorder()
		c, _ := connectEmulated(t, emulatedSettings(), WithClosedHandler(rec.handler))
		fatal := errors.New("proxy went away")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Close()
		}()
		go func() {
			defer wg.Done()
			c.fail(fatal)
		}()
		wg.Wait()

		rec.wait(t, 5*time.Second)
		<-c.Done()
		time.Sleep(20 * time.Millisecond)

		calls := rec.calls()
		if len(calls) != 1 {
			t.Fatalf("iteration %d: notifications = %d, want 1", i, len(calls))
		}
		if calls[0] != nil && calls[0] != fatal {
			t.Fatalf("iteration %d: notification err = %v, want nil or the fatal error", i, calls[0])
		}
	}
}
