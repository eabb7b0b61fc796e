package tiermem

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    ingestCounter prometheus.Counter
//	    getHistogram  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordIngest(duration time.Duration, err error) {
//	    p.ingestCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordIngest is called after each ingest operation.
	// duration is the total time taken, err is nil if successful.
	RecordIngest(duration time.Duration, err error)

	// RecordGet is called after each read operation.
	RecordGet(duration time.Duration, err error)

	// RecordUpdate is called after each relevance update.
	RecordUpdate(duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordSearch is called after each similarity search.
	// k is the number of neighbors requested.
	RecordSearch(k int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(time.Duration, error)      {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)         {}
func (NoopMetricsCollector) RecordUpdate(time.Duration, error)      {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)      {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	IngestCount      atomic.Int64
	IngestErrors     atomic.Int64
	IngestTotalNanos atomic.Int64
	GetCount         atomic.Int64
	GetErrors        atomic.Int64
	GetTotalNanos    atomic.Int64
	UpdateCount      atomic.Int64
	UpdateErrors     atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(duration time.Duration, err error) {
	b.IngestCount.Add(1)
	b.IngestTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.IngestErrors.Add(1)
	}
}

// RecordGet implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGet(duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpdate(duration time.Duration, err error) {
	b.UpdateCount.Add(1)
	if err != nil {
		b.UpdateErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(k int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		IngestCount:    b.IngestCount.Load(),
		IngestErrors:   b.IngestErrors.Load(),
		IngestAvgNanos: avgNanos(b.IngestTotalNanos.Load(), b.IngestCount.Load()),
		GetCount:       b.GetCount.Load(),
		GetErrors:      b.GetErrors.Load(),
		GetAvgNanos:    avgNanos(b.GetTotalNanos.Load(), b.GetCount.Load()),
		UpdateCount:    b.UpdateCount.Load(),
		UpdateErrors:   b.UpdateErrors.Load(),
		DeleteCount:    b.DeleteCount.Load(),
		DeleteErrors:   b.DeleteErrors.Load(),
		SearchCount:    b.SearchCount.Load(),
		SearchErrors:   b.SearchErrors.Load(),
		SearchAvgNanos: avgNanos(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	IngestCount    int64
	IngestErrors   int64
	IngestAvgNanos int64
	GetCount       int64
	GetErrors      int64
	GetAvgNanos    int64
	UpdateCount    int64
	UpdateErrors   int64
	DeleteCount    int64
	DeleteErrors   int64
	SearchCount    int64
	SearchErrors   int64
	SearchAvgNanos int64
}
