package cadence

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across clients.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Client. All counters are
// lock-free and published to expvar under the "cadence." prefix for
// inspection via /debug/vars.
type Metrics struct {
	RequestsTotal     atomic.Int64
	RequestsTimedOut  atomic.Int64
	RequestsCancelled atomic.Int64
	RepliesReceived   atomic.Int64
	RepliesRejected   atomic.Int64
	CancelsSent       atomic.Int64

	InvocationsTotal  atomic.Int64
	InvocationsFailed atomic.Int64

	HeartbeatsSent   atomic.Int64
	HeartbeatsFailed atomic.Int64

	TransportErrors atomic.Int64

	pendingFn func() int
	workersFn func() int
}

// newMetrics creates a Metrics instance and publishes all counters to expvar.
func newMetrics() *Metrics {
	m := &Metrics{}

	// Tests connect many clients in one process; expvar names must not clash.
	seq := metricsSeq.Add(1)
	prefix := "cadence." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("requests_total", atomicVar(&m.RequestsTotal))
	publish("requests_timed_out", atomicVar(&m.RequestsTimedOut))
	publish("requests_cancelled", atomicVar(&m.RequestsCancelled))
	publish("replies_received", atomicVar(&m.RepliesReceived))
	publish("replies_rejected", atomicVar(&m.RepliesRejected))
	publish("cancels_sent", atomicVar(&m.CancelsSent))
	publish("invocations_total", atomicVar(&m.InvocationsTotal))
	publish("invocations_failed", atomicVar(&m.InvocationsFailed))
	publish("heartbeats_sent", atomicVar(&m.HeartbeatsSent))
	publish("heartbeats_failed", atomicVar(&m.HeartbeatsFailed))
	publish("transport_errors", atomicVar(&m.TransportErrors))
	publish("operations_pending", expvar.Func(func() any {
		if m.pendingFn != nil {
			return m.pendingFn()
		}
		return 0
	}))
	publish("workers_active", expvar.Func(func() any {
		if m.workersFn != nil {
			return m.workersFn()
		}
		return 0
	}))

	return m
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"requests_total":     m.RequestsTotal.Load(),
		"requests_timed_out": m.RequestsTimedOut.Load(),
		"requests_cancelled": m.RequestsCancelled.Load(),
		"replies_received":   m.RepliesReceived.Load(),
		"replies_rejected":   m.RepliesRejected.Load(),
		"cancels_sent":       m.CancelsSent.Load(),
		"invocations_total":  m.InvocationsTotal.Load(),
		"invocations_failed": m.InvocationsFailed.Load(),
		"heartbeats_sent":    m.HeartbeatsSent.Load(),
		"heartbeats_failed":  m.HeartbeatsFailed.Load(),
		"transport_errors":   m.TransportErrors.Load(),
	}
	if m.pendingFn != nil {
		snap["operations_pending"] = int64(m.pendingFn())
	}
	if m.workersFn != nil {
		snap["workers_active"] = int64(m.workersFn())
	}
	return snap
}
