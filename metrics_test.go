package ic

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.ComputeOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.ComputeOps)
	}

	// Record some computations
	m.RecordCompute(1000000, false) // 1ms latency, success
	m.RecordCompute(2000000, false) // 2ms latency, success
	m.RecordCompute(500000, true)   // 0.5ms latency, error output

	snap = m.Snapshot()

	if snap.ComputeOps != 3 {
		t.Errorf("Expected 3 compute ops, got %d", snap.ComputeOps)
	}
	if snap.ComputeErrors != 1 {
		t.Errorf("Expected 1 compute error, got %d", snap.ComputeErrors)
	}

	// Check error rate
	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}

	// Check average latency
	expectedAvg := uint64((1000000 + 2000000 + 500000) / 3)
	if snap.AvgLatencyNs != expectedAvg {
		t.Errorf("Expected avg latency %d, got %d", expectedAvg, snap.AvgLatencyNs)
	}
}

func TestMetricsDispatchCounters(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveDispatch()
	obs.ObserveDispatch()
	obs.ObserveDispatch()
	obs.ObserveOutput()
	obs.ObserveStarted()
	obs.ObserveBusy()
	obs.ObserveGraphPoll(true)
	obs.ObserveGraphPoll(false)
	obs.ObserveDriverRound()

	snap := m.Snapshot()
	if snap.Dispatches != 3 {
		t.Errorf("Dispatches = %d, want 3", snap.Dispatches)
	}
	if snap.SyncOutputs != 1 || snap.AsyncStarts != 1 || snap.BusyReplies != 1 {
		t.Errorf("reply counters = %d/%d/%d, want 1/1/1",
			snap.SyncOutputs, snap.AsyncStarts, snap.BusyReplies)
	}
	if snap.GraphPolls != 2 || snap.GraphPollHits != 1 {
		t.Errorf("graph polls = %d hits = %d, want 2/1", snap.GraphPolls, snap.GraphPollHits)
	}
	if snap.HitRate < 49.9 || snap.HitRate > 50.1 {
		t.Errorf("hit rate = %.1f, want ~50", snap.HitRate)
	}
	if snap.DriverRounds != 1 {
		t.Errorf("DriverRounds = %d, want 1", snap.DriverRounds)
	}
}

func TestMetricsPercentiles(t *testing.T) {
	m := NewMetrics()

	// 100 operations at 1ms
	for i := 0; i < 100; i++ {
		m.RecordCompute(1000000, false)
	}

	snap := m.Snapshot()
	if snap.LatencyP50Ns == 0 {
		t.Error("Expected non-zero P50 latency")
	}
	if snap.LatencyP50Ns > 1000000 {
		t.Errorf("P50 latency %d exceeds bucket bound", snap.LatencyP50Ns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordCompute(1000, false)
	m.Dispatches.Add(5)

	m.Reset()

	snap := m.Snapshot()
	if snap.ComputeOps != 0 || snap.Dispatches != 0 {
		t.Errorf("Expected zeroed metrics after reset, got ops=%d dispatches=%d",
			snap.ComputeOps, snap.Dispatches)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)
	m.Stop()

	snap := m.Snapshot()
	if snap.UptimeNs == 0 {
		t.Error("Expected non-zero uptime")
	}

	// Uptime is frozen after Stop.
	frozen := snap.UptimeNs
	time.Sleep(10 * time.Millisecond)
	if got := m.Snapshot().UptimeNs; got != frozen {
		t.Errorf("Uptime advanced after Stop: %d -> %d", frozen, got)
	}
}
