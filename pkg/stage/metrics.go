package stage

import (
	"sync/atomic"
	"time"
)

// Metrics holds cumulative processing metrics for one stage runtime.
type Metrics struct {
	// Batches is the count of completed batches
	Batches int64
	// RecordsIn is the count of input records
	RecordsIn int64
	// Passed is the count of input records that produced output
	Passed int64
	// Errored is the count of input records routed to the error sink
	Errored int64
	// Discarded is the count of input records dropped
	Discarded int64
	// RecordsOut is the count of records emitted to lanes
	RecordsOut int64
	// Events is the count of event records
	Events int64
	// FatalErrors is the count of aborted batches
	FatalErrors int64
	// ProcessingTimeNs is the total processing time in nanoseconds
	ProcessingTimeNs int64
}

// MetricsCollector collects stage metrics.
type MetricsCollector interface {
	// RecordBatch records a completed batch
	RecordBatch(report BatchReport)
	// RecordFatal records an aborted batch
	RecordFatal()
	// GetMetrics returns the current metrics
	GetMetrics() Metrics
	// Reset resets all metrics
	Reset()
}

// DefaultMetricsCollector is a thread-safe implementation of MetricsCollector.
type DefaultMetricsCollector struct {
	batches          atomic.Int64
	recordsIn        atomic.Int64
	passed           atomic.Int64
	errored          atomic.Int64
	discarded        atomic.Int64
	recordsOut       atomic.Int64
	events           atomic.Int64
	fatal            atomic.Int64
	totalProcessTime atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *DefaultMetricsCollector {
	return &DefaultMetricsCollector{}
}

// RecordBatch records a completed batch.
func (m *DefaultMetricsCollector) RecordBatch(report BatchReport) {
	m.batches.Add(1)
	m.recordsIn.Add(int64(report.Input))
	m.passed.Add(int64(report.Passed))
	m.errored.Add(int64(report.Errored))
	m.discarded.Add(int64(report.Discarded))
	var out int
	for _, n := range report.LaneCounts {
		out += n
	}
	m.recordsOut.Add(int64(out))
	m.events.Add(int64(report.EventCount))
	m.totalProcessTime.Add(report.Duration.Nanoseconds())
}

// RecordFatal records an aborted batch.
func (m *DefaultMetricsCollector) RecordFatal() {
	m.fatal.Add(1)
}

// GetMetrics returns the current metrics.
func (m *DefaultMetricsCollector) GetMetrics() Metrics {
	return Metrics{
		Batches:          m.batches.Load(),
		RecordsIn:        m.recordsIn.Load(),
		Passed:           m.passed.Load(),
		Errored:          m.errored.Load(),
		Discarded:        m.discarded.Load(),
		RecordsOut:       m.recordsOut.Load(),
		Events:           m.events.Load(),
		FatalErrors:      m.fatal.Load(),
		ProcessingTimeNs: m.totalProcessTime.Load(),
	}
}

// Reset resets all metrics.
func (m *DefaultMetricsCollector) Reset() {
	m.batches.Store(0)
	m.recordsIn.Store(0)
	m.passed.Store(0)
	m.errored.Store(0)
	m.discarded.Store(0)
	m.recordsOut.Store(0)
	m.events.Store(0)
	m.fatal.Store(0)
	m.totalProcessTime.Store(0)
}

// AverageBatchTime returns the average processing time per batch.
func (m *DefaultMetricsCollector) AverageBatchTime() time.Duration {
	batches := m.batches.Load()
	if batches == 0 {
		return 0
	}
	return time.Duration(m.totalProcessTime.Load() / batches)
}

// ErrorRate returns the share of input records routed to the error sink, as a percentage.
func (m *DefaultMetricsCollector) ErrorRate() float64 {
	in := m.recordsIn.Load()
	if in == 0 {
		return 0
	}
	return float64(m.errored.Load()) / float64(in) * 100
}

// Ensure DefaultMetricsCollector implements MetricsCollector
var _ MetricsCollector = (*DefaultMetricsCollector)(nil)

// NoOpMetricsCollector is a metrics collector that does nothing.
type NoOpMetricsCollector struct{}

func (m *NoOpMetricsCollector) RecordBatch(BatchReport) {}
func (m *NoOpMetricsCollector) RecordFatal()            {}
func (m *NoOpMetricsCollector) GetMetrics() Metrics     { return Metrics{} }
func (m *NoOpMetricsCollector) Reset()                  {}

// Ensure NoOpMetricsCollector implements MetricsCollector
var _ MetricsCollector = (*NoOpMetricsCollector)(nil)
