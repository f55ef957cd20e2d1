package nvmectl

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the command round-trip latency histogram buckets
// in nanoseconds, log-spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for a controller's command
// round-trips and asynchronous events.
type Metrics struct {
	// Command counters
	CommandsSubmitted atomic.Uint64
	CommandsCompleted atomic.Uint64
	CommandErrors     atomic.Uint64 // CQE returned non-zero status
	BusyRejections    atomic.Uint64 // Request Pool exhausted at exec time
	SpuriousCQEs      atomic.Uint64 // CID did not match an in-flight context

	// Asynchronous Event Request counters
	AERsDelivered atomic.Uint64
	AERsRearmed   atomic.Uint64

	// Queue depth statistics (in-flight Request Contexts)
	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	// Round-trip latency tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts); bucket[i] holds the
	// count of command round-trips with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Controller lifecycle
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCommand records one completed command round-trip.
func (m *Metrics) RecordCommand(latencyNs uint64, success bool) {
	m.CommandsCompleted.Add(1)
	if !success {
		m.CommandErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordSubmit records a command submitted onto an SQ, independent of its
// eventual completion.
func (m *Metrics) RecordSubmit() {
	m.CommandsSubmitted.Add(1)
}

// RecordBusy records a Busy rejection from a saturated Request Pool.
func (m *Metrics) RecordBusy() {
	m.BusyRejections.Add(1)
}

// RecordSpuriousCQE records a CQE whose command id did not match an
// in-flight Request Context.
func (m *Metrics) RecordSpuriousCQE() {
	m.SpuriousCQEs.Add(1)
}

// RecordAER records an Asynchronous Event Request delivered to the
// registered handler, and its re-arm.
func (m *Metrics) RecordAER() {
	m.AERsDelivered.Add(1)
	m.AERsRearmed.Add(1)
}

// RecordQueueDepth records the number of in-flight Request Contexts on an
// SQ for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
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

// Stop marks the controller as closed.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	CommandsSubmitted uint64
	CommandsCompleted uint64
	CommandErrors     uint64
	BusyRejections    uint64
	SpuriousCQEs      uint64

	AERsDelivered uint64
	AERsRearmed   uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	CommandErrorRate float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CommandsSubmitted: m.CommandsSubmitted.Load(),
		CommandsCompleted: m.CommandsCompleted.Load(),
		CommandErrors:     m.CommandErrors.Load(),
		BusyRejections:    m.BusyRejections.Load(),
		SpuriousCQEs:      m.SpuriousCQEs.Load(),
		AERsDelivered:     m.AERsDelivered.Load(),
		AERsRearmed:       m.AERsRearmed.Load(),
		MaxQueueDepth:     m.MaxQueueDepth.Load(),
	}

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
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

	if snap.CommandsCompleted > 0 {
		snap.CommandErrorRate = float64(snap.CommandErrors) / float64(snap.CommandsCompleted) * 100.0
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

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
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

// Reset zeroes all counters, restarting the lifecycle clock. Intended for
// test setup.
func (m *Metrics) Reset() {
	m.CommandsSubmitted.Store(0)
	m.CommandsCompleted.Store(0)
	m.CommandErrors.Store(0)
	m.BusyRejections.Store(0)
	m.SpuriousCQEs.Store(0)
	m.AERsDelivered.Store(0)
	m.AERsRearmed.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for controller events.
type Observer interface {
	ObserveCommand(latencyNs uint64, success bool)
	ObserveBusy()
	ObserveAER()
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint64, bool) {}
func (NoOpObserver) ObserveBusy()                {}
func (NoOpObserver) ObserveAER()                 {}
func (NoOpObserver) ObserveQueueDepth(uint32)    {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(latencyNs uint64, success bool) {
	o.metrics.RecordCommand(latencyNs, success)
}

func (o *MetricsObserver) ObserveBusy() {
	o.metrics.RecordBusy()
}

func (o *MetricsObserver) ObserveAER() {
	o.metrics.RecordAER()
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
