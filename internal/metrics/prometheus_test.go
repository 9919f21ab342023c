package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordPacketReceived()
	m.RecordSessionAllocated(3)
	m.RecordBackendCall("send", errors.New("boom"), 0.1)
	m.RecordMisuse("concurrent_send")
	m.RecordWorkerFrame(10)
}

func TestMetricsRecording(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionAllocated(2)
	m.RecordSessionAllocated(2)
	m.RecordSessionReleased(1.5)

	if got := testutil.ToFloat64(m.SessionsAllocated); got != 2 {
		t.Errorf("Expected 2 allocations, got %f", got)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("Expected 1 active session, got %f", got)
	}
	if got := testutil.ToFloat64(m.PoolSlots); got != 2 {
		t.Errorf("Expected 2 pool slots, got %f", got)
	}

	m.RecordBackendCall("send", nil, 0.01)
	m.RecordBackendCall("send", errors.New("lost"), 0.01)
	if got := testutil.ToFloat64(m.BackendCalls.WithLabelValues("send", "error")); got != 1 {
		t.Errorf("Expected 1 failed backend call, got %f", got)
	}

	m.RecordWorkerFrame(0)
	m.RecordWorkerFrame(160)
	if got := testutil.ToFloat64(m.WorkerPaddedSamples); got != 160 {
		t.Errorf("Expected 160 padded samples, got %f", got)
	}
}
