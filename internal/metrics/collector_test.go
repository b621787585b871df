package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/meshcore/wishcore/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.PoolOccupancy == nil {
		t.Error("PoolOccupancy is nil")
	}
	if c.FramesSent == nil {
		t.Error("FramesSent is nil")
	}
	if c.FramesReceived == nil {
		t.Error("FramesReceived is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.StateTransitions == nil {
		t.Error("StateTransitions is nil")
	}
	if c.AuthFailures == nil {
		t.Error("AuthFailures is nil")
	}
	if c.RPCRequests == nil {
		t.Error("RPCRequests is nil")
	}
	if c.RPCPoolExhausted == nil {
		t.Error("RPCPoolExhausted is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestPoolOccupancy(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetPoolOccupancy("identity", 2)
	if got := gaugeValue(t, c.PoolOccupancy, "identity"); got != 2 {
		t.Errorf("PoolOccupancy(identity) = %v, want 2", got)
	}

	c.SetPoolOccupancy("identity", 3)
	if got := gaugeValue(t, c.PoolOccupancy, "identity"); got != 3 {
		t.Errorf("PoolOccupancy(identity) after update = %v, want 3", got)
	}

	c.SetPoolOccupancy("connections", 1)
	if got := gaugeValue(t, c.PoolOccupancy, "connections"); got != 1 {
		t.Errorf("PoolOccupancy(connections) = %v, want 1", got)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.FramesSent.Inc()
	c.FramesSent.Inc()
	c.FramesReceived.Inc()
	c.FramesDropped.Inc()
	c.FramesDropped.Inc()
	c.FramesDropped.Inc()

	if got := counterValue(t, c.FramesSent); got != 2 {
		t.Errorf("FramesSent = %v, want 2", got)
	}
	if got := counterValue(t, c.FramesReceived); got != 1 {
		t.Errorf("FramesReceived = %v, want 1", got)
	}
	if got := counterValue(t, c.FramesDropped); got != 3 {
		t.Errorf("FramesDropped = %v, want 3", got)
	}
}

func TestStateTransition(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordTransition("AUTHENTICATED")
	c.RecordTransition("AUTHENTICATED")
	c.RecordTransition("CLOSING")

	if got := counterVecValue(t, c.StateTransitions, "AUTHENTICATED"); got != 2 {
		t.Errorf("StateTransitions(AUTHENTICATED) = %v, want 2", got)
	}
	if got := counterVecValue(t, c.StateTransitions, "CLOSING"); got != 1 {
		t.Errorf("StateTransitions(CLOSING) = %v, want 1", got)
	}
}

func TestAuthFailures(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.AuthFailures.Inc()
	c.AuthFailures.Inc()

	if got := counterValue(t, c.AuthFailures); got != 2 {
		t.Errorf("AuthFailures = %v, want 2", got)
	}
}

func TestRPCMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordRPC("identity.create")
	c.RecordRPC("identity.create")
	c.RecordRPC("identity.list")
	c.RPCPoolExhausted.Inc()

	if got := counterVecValue(t, c.RPCRequests, "identity.create"); got != 2 {
		t.Errorf("RPCRequests(identity.create) = %v, want 2", got)
	}
	if got := counterVecValue(t, c.RPCRequests, "identity.list"); got != 1 {
		t.Errorf("RPCRequests(identity.list) = %v, want 1", got)
	}
	if got := counterValue(t, c.RPCPoolExhausted); got != 1 {
		t.Errorf("RPCPoolExhausted = %v, want 1", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}
