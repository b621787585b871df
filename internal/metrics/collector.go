// Package metrics exposes Prometheus instrumentation for the core's fixed
// pools and frame traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "meshcore"
	subsystem = "core"
)

// Label names.
const (
	labelPool  = "pool"
	labelState = "state"
	labelOp    = "op"
)

// -------------------------------------------------------------------------
// Collector — Prometheus core metrics
// -------------------------------------------------------------------------

// Collector holds all core Prometheus metrics.
//
//   - PoolOccupancy gauges track how full a fixed-capacity structure is;
//     the connection pool and the RPC context pool report into it, the
//     identity store and discovery table do not.
//   - Frame counters track sent/received/dropped volumes.
//   - StateTransitions counts protocol FSM changes for alerting.
//   - AuthFailures flags handshake signature verification failures.
type Collector struct {
	// PoolOccupancy tracks live entries per fixed-capacity structure,
	// labeled by pool name; the pool name is set by the caller, and the
	// core sets "connections" and "rpc_context".
	PoolOccupancy *prometheus.GaugeVec

	// FramesSent counts frames written to connections.
	FramesSent prometheus.Counter

	// FramesReceived counts frames parsed from connection receive rings.
	FramesReceived prometheus.Counter

	// FramesDropped counts frames dropped for being malformed or exceeding
	// the RX ring size.
	FramesDropped prometheus.Counter

	// StateTransitions counts protocol FSM transitions, labeled by
	// destination state.
	StateTransitions *prometheus.CounterVec

	// AuthFailures counts handshake signature verification failures.
	AuthFailures prometheus.Counter

	// RPCRequests counts RPC dispatches, labeled by op.
	RPCRequests *prometheus.CounterVec

	// RPCPoolExhausted counts POOL_FULL rejections.
	RPCPoolExhausted prometheus.Counter
}

// NewCollector creates a Collector with all core metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PoolOccupancy,
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.StateTransitions,
		c.AuthFailures,
		c.RPCRequests,
		c.RPCPoolExhausted,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		PoolOccupancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_occupancy",
			Help:      "Current entry count of a fixed-capacity pool.",
		}, []string{labelPool}),

		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total frames written to connections.",
		}),

		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total frames parsed from connection receive rings.",
		}),

		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped for being malformed or oversized.",
		}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total protocol FSM state transitions.",
		}, []string{labelState}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total handshake signature verification failures.",
		}),

		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rpc_requests_total",
			Help:      "Total RPC dispatches, labeled by op.",
		}, []string{labelOp}),

		RPCPoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rpc_pool_exhausted_total",
			Help:      "Total RPC dispatches rejected because the context pool was full.",
		}),
	}
}

// -------------------------------------------------------------------------
// Pool occupancy
// -------------------------------------------------------------------------

// SetPoolOccupancy records the current entry count of a named pool.
func (c *Collector) SetPoolOccupancy(pool string, n int) {
	c.PoolOccupancy.WithLabelValues(pool).Set(float64(n))
}

// -------------------------------------------------------------------------
// State transitions
// -------------------------------------------------------------------------

// RecordTransition records one FSM transition into the given destination state.
func (c *Collector) RecordTransition(state string) {
	c.StateTransitions.WithLabelValues(state).Inc()
}

// -------------------------------------------------------------------------
// RPC
// -------------------------------------------------------------------------

// RecordRPC records one dispatch of op.
func (c *Collector) RecordRPC(op string) {
	c.RPCRequests.WithLabelValues(op).Inc()
}
