package ece

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordIngest is called after each compound. molecules is the number
	// committed, err is nil if successful.
	RecordIngest(molecules int, duration time.Duration, err error)

	// RecordBatchIngest is called after each IngestAll.
	RecordBatchIngest(count, failed int, duration time.Duration)

	// RecordSearch is called after each query with the number of hits.
	RecordSearch(hits int, duration time.Duration, err error)

	// RecordRebuild is called after each index rebuild.
	RecordRebuild(molecules int, duration time.Duration, err error)

	// RecordCompact is called after each compaction with the number of
	// suppressed molecules.
	RecordCompact(suppressed int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordIngest(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordBatchIngest(int, int, time.Duration) {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordRebuild(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordCompact(int, time.Duration, error)   {}

// latencyWindow is the number of recent samples kept per operation.
const latencyWindow = 1024

// Percentiles summarizes recent latencies.
type Percentiles struct {
	Count int           `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// latencyRing keeps the most recent latencyWindow samples.
type latencyRing struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
}

func (r *latencyRing) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) < latencyWindow {
		r.buf = append(r.buf, d)
		return
	}
	r.buf[r.next] = d
	r.next = (r.next + 1) % latencyWindow
}

func (r *latencyRing) percentiles() Percentiles {
	r.mu.Lock()
	samples := slices.Clone(r.buf)
	r.mu.Unlock()
	if len(samples) == 0 {
		return Percentiles{}
	}
	slices.Sort(samples)
	return Percentiles{
		Count: len(samples),
		P50:   rank(samples, 0.50),
		P95:   rank(samples, 0.95),
		P99:   rank(samples, 0.99),
	}
}

// rank returns the nearest-rank percentile of sorted samples.
func rank(sorted []time.Duration, p float64) time.Duration {
	i := int(math.Ceil(float64(len(sorted))*p)) - 1
	return sorted[max(0, min(i, len(sorted)-1))]
}

// BasicMetricsCollector provides in-memory counters and latency percentiles
// over a sliding window of recent operations. The zero value is ready to use.
type BasicMetricsCollector struct {
	IngestCount       atomic.Int64
	IngestErrors      atomic.Int64
	MoleculesIngested atomic.Int64
	BatchIngestCount  atomic.Int64
	BatchIngestItems  atomic.Int64
	BatchIngestFailed atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	RebuildCount      atomic.Int64
	RebuildErrors     atomic.Int64
	CompactCount      atomic.Int64
	CompactErrors     atomic.Int64
	Suppressed        atomic.Int64

	ingest  latencyRing
	search  latencyRing
	rebuild latencyRing
}

// RecordIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIngest(molecules int, duration time.Duration, err error) {
	b.IngestCount.Add(1)
	b.MoleculesIngested.Add(int64(molecules))
	b.ingest.add(duration)
	if err != nil {
		b.IngestErrors.Add(1)
	}
}

// RecordBatchIngest implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatchIngest(count, failed int, _ time.Duration) {
	b.BatchIngestCount.Add(1)
	b.BatchIngestItems.Add(int64(count))
	b.BatchIngestFailed.Add(int64(failed))
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(_ int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.search.add(duration)
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordRebuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRebuild(_ int, duration time.Duration, err error) {
	b.RebuildCount.Add(1)
	b.rebuild.add(duration)
	if err != nil {
		b.RebuildErrors.Add(1)
	}
}

// RecordCompact implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompact(suppressed int, _ time.Duration, err error) {
	b.CompactCount.Add(1)
	b.Suppressed.Add(int64(suppressed))
	if err != nil {
		b.CompactErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		IngestCount:       b.IngestCount.Load(),
		IngestErrors:      b.IngestErrors.Load(),
		MoleculesIngested: b.MoleculesIngested.Load(),
		BatchIngestCount:  b.BatchIngestCount.Load(),
		BatchIngestItems:  b.BatchIngestItems.Load(),
		BatchIngestFailed: b.BatchIngestFailed.Load(),
		SearchCount:       b.SearchCount.Load(),
		SearchErrors:      b.SearchErrors.Load(),
		RebuildCount:      b.RebuildCount.Load(),
		RebuildErrors:     b.RebuildErrors.Load(),
		CompactCount:      b.CompactCount.Load(),
		CompactErrors:     b.CompactErrors.Load(),
		Suppressed:        b.Suppressed.Load(),
		Ingest:            b.ingest.percentiles(),
		Search:            b.search.percentiles(),
		Rebuild:           b.rebuild.percentiles(),
	}
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	IngestCount       int64       `json:"ingest_count"`
	IngestErrors      int64       `json:"ingest_errors"`
	MoleculesIngested int64       `json:"molecules_ingested"`
	BatchIngestCount  int64       `json:"batch_ingest_count"`
	BatchIngestItems  int64       `json:"batch_ingest_items"`
	BatchIngestFailed int64       `json:"batch_ingest_failed"`
	SearchCount       int64       `json:"search_count"`
	SearchErrors      int64       `json:"search_errors"`
	RebuildCount      int64       `json:"rebuild_count"`
	RebuildErrors     int64       `json:"rebuild_errors"`
	CompactCount      int64       `json:"compact_count"`
	CompactErrors     int64       `json:"compact_errors"`
	Suppressed        int64       `json:"suppressed"`
	Ingest            Percentiles `json:"ingest_latency"`
	Search            Percentiles `json:"search_latency"`
	Rebuild           Percentiles `json:"rebuild_latency"`
}

// fanout records into the engine's own collector and the user's.
type fanout []MetricsCollector

func (f fanout) RecordIngest(m int, d time.Duration, err error) {
	for _, c := range f {
		c.RecordIngest(m, d, err)
	}
}

func (f fanout) RecordBatchIngest(n, failed int, d time.Duration) {
	for _, c := range f {
		c.RecordBatchIngest(n, failed, d)
	}
}

func (f fanout) RecordSearch(hits int, d time.Duration, err error) {
	for _, c := range f {
		c.RecordSearch(hits, d, err)
	}
}

func (f fanout) RecordRebuild(m int, d time.Duration, err error) {
	for _, c := range f {
		c.RecordRebuild(m, d, err)
	}
}

func (f fanout) RecordCompact(n int, d time.Duration, err error) {
	for _, c := range f {
		c.RecordCompact(n, d, err)
	}
}
