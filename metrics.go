package ic

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the compute latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for an orchestrator.
type Metrics struct {
	// Dispatch counters
	Dispatches   atomic.Uint64 // Total dispatched updates
	SyncOutputs  atomic.Uint64 // Updates answered within the sync wait time
	AsyncStarts  atomic.Uint64 // Updates answered with a Started handle
	BusyReplies  atomic.Uint64 // Updates answered Busy

	// Compute counters
	ComputeOps    atomic.Uint64 // Completed computations
	ComputeErrors atomic.Uint64 // Computations whose output was an operation error

	// Graph counters
	GraphPolls    atomic.Uint64 // ReadGraph calls
	GraphPollHits atomic.Uint64 // ReadGraph calls that found an edge

	// Driver counters
	DriverRounds atomic.Uint64 // Completed auto-progress rounds

	// Instance lifecycle
	InstancesAdded   atomic.Uint64
	InstancesDeleted atomic.Uint64

	// Compute latency tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts): bucket[i] counts
	// computations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Orchestrator start timestamp (UnixNano)
	StopTime  atomic.Int64 // Stop timestamp (UnixNano), 0 while running
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCompute records a completed computation.
func (m *Metrics) RecordCompute(latencyNs uint64, isErr bool) {
	m.ComputeOps.Add(1)
	if isErr {
		m.ComputeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the orchestrator as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	Dispatches  uint64
	SyncOutputs uint64
	AsyncStarts uint64
	BusyReplies uint64

	ComputeOps    uint64
	ComputeErrors uint64

	GraphPolls    uint64
	GraphPollHits uint64

	DriverRounds uint64

	InstancesAdded   uint64
	InstancesDeleted uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	// Derived statistics
	OpsPerSecond float64
	ErrorRate    float64 // Percentage of computations yielding an error output
	HitRate      float64 // Percentage of graph polls that hit
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Dispatches:       m.Dispatches.Load(),
		SyncOutputs:      m.SyncOutputs.Load(),
		AsyncStarts:      m.AsyncStarts.Load(),
		BusyReplies:      m.BusyReplies.Load(),
		ComputeOps:       m.ComputeOps.Load(),
		ComputeErrors:    m.ComputeErrors.Load(),
		GraphPolls:       m.GraphPolls.Load(),
		GraphPollHits:    m.GraphPollHits.Load(),
		DriverRounds:     m.DriverRounds.Load(),
		InstancesAdded:   m.InstancesAdded.Load(),
		InstancesDeleted: m.InstancesDeleted.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.OpsPerSecond = float64(snap.ComputeOps) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.ComputeOps > 0 {
		snap.ErrorRate = float64(snap.ComputeErrors) / float64(snap.ComputeOps) * 100.0
	}
	if snap.GraphPolls > 0 {
		snap.HitRate = float64(snap.GraphPollHits) / float64(snap.GraphPolls) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all counters (useful for testing).
func (m *Metrics) Reset() {
	m.Dispatches.Store(0)
	m.SyncOutputs.Store(0)
	m.AsyncStarts.Store(0)
	m.BusyReplies.Store(0)
	m.ComputeOps.Store(0)
	m.ComputeErrors.Store(0)
	m.GraphPolls.Store(0)
	m.GraphPollHits.Store(0)
	m.DriverRounds.Store(0)
	m.InstancesAdded.Store(0)
	m.InstancesDeleted.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection. Implementations must be
// thread-safe: methods are called from dispatchers, compute workers and
// drivers concurrently.
type Observer interface {
	ObserveDispatch()
	ObserveOutput()
	ObserveStarted()
	ObserveBusy()
	ObserveCompute(latencyNs uint64, isErr bool)
	ObserveGraphPoll(hit bool)
	ObserveDriverRound()
	ObserveInstanceAdded()
	ObserveInstanceDeleted()
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDispatch()               {}
func (NoOpObserver) ObserveOutput()                 {}
func (NoOpObserver) ObserveStarted()                {}
func (NoOpObserver) ObserveBusy()                   {}
func (NoOpObserver) ObserveCompute(uint64, bool)    {}
func (NoOpObserver) ObserveGraphPoll(bool)          {}
func (NoOpObserver) ObserveDriverRound()            {}
func (NoOpObserver) ObserveInstanceAdded()          {}
func (NoOpObserver) ObserveInstanceDeleted()        {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDispatch() { o.metrics.Dispatches.Add(1) }
func (o *MetricsObserver) ObserveOutput()   { o.metrics.SyncOutputs.Add(1) }
func (o *MetricsObserver) ObserveStarted()  { o.metrics.AsyncStarts.Add(1) }
func (o *MetricsObserver) ObserveBusy()     { o.metrics.BusyReplies.Add(1) }

func (o *MetricsObserver) ObserveCompute(latencyNs uint64, isErr bool) {
	o.metrics.RecordCompute(latencyNs, isErr)
}

func (o *MetricsObserver) ObserveGraphPoll(hit bool) {
	o.metrics.GraphPolls.Add(1)
	if hit {
		o.metrics.GraphPollHits.Add(1)
	}
}

func (o *MetricsObserver) ObserveDriverRound()     { o.metrics.DriverRounds.Add(1) }
func (o *MetricsObserver) ObserveInstanceAdded()   { o.metrics.InstancesAdded.Add(1) }
func (o *MetricsObserver) ObserveInstanceDeleted() { o.metrics.InstancesDeleted.Add(1) }

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
