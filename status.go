package ece

import (
	"context"
	"time"
)

// PressureStatus is the latest memory pressure reading.
type PressureStatus struct {
	Level     string    `json:"level"`
	Used      uint64    `json:"used"`
	Ceiling   uint64    `json:"ceiling,omitempty"`
	Ratio     float64   `json:"ratio,omitempty"`
	SampledAt time.Time `json:"sampled_at"`
}

// IndexStats are index row counts.
type IndexStats struct {
	Compounds int64 `json:"compounds"`
	Molecules int64 `json:"molecules"`
	Atoms     int64 `json:"atoms"`
	Edges     int64 `json:"edges"`
}

// StatusReport describes the engine.
type StatusReport struct {
	State            string            `json:"state"`
	Rebuilding       bool              `json:"rebuilding"`
	Pressure         PressureStatus    `json:"pressure"`
	MirrorGeneration uint64            `json:"mirror_generation"`
	IndexGeneration  uint64            `json:"index_generation"`
	Index            IndexStats        `json:"index"`
	Workers          int               `json:"workers"`
	MemoryReserved   int64             `json:"memory_reserved"`
	Metrics          BasicMetricsStats `json:"metrics"`
	LastRebuild      *RebuildReport    `json:"last_rebuild,omitempty"`
}

// Status reports the index state, memory pressure, row counts and latency
// percentiles of recent ingests, queries and rebuilds.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	if e.closed.Load() {
		return StatusReport{}, ErrClosed
	}
	snap := e.monitor.Snapshot()
	rep := StatusReport{
		State:      e.index.State().String(),
		Rebuilding: e.rebuilding.Load(),
		Pressure: PressureStatus{
			Level:     snap.Level.String(),
			Used:      snap.Used,
			Ceiling:   snap.Ceiling,
			Ratio:     snap.Ratio,
			SampledAt: snap.At,
		},
		MirrorGeneration: e.mirror.Generation(),
		Workers:          e.pool.Size(),
		MemoryReserved:   e.ctrl.MemoryUsage(),
		Metrics:          e.stats.GetStats(),
		LastRebuild:      e.lastRebuild.Load(),
	}

	stats, err := e.index.Stats(ctx)
	if err != nil {
		return rep, translateError(err)
	}
	rep.Index = IndexStats{Compounds: stats.Compounds, Molecules: stats.Molecules, Atoms: stats.Atoms, Edges: stats.Edges}
	gen, err := e.index.Generation(ctx)
	if err != nil {
		return rep, translateError(err)
	}
	rep.IndexGeneration = gen
	return rep, nil
}
