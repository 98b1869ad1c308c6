// Package resource governs memory pressure and background budgets.
//
// # Monitor
//
// Monitor is the single owner of the pressure state. It samples resident
// memory against a ceiling and publishes an immutable Snapshot:
//
//	Normal    ratio <  HighWater (0.85)
//	Elevated  ratio >= HighWater
//	Critical  ratio >= CriticalWater (0.95)
//
// Pipelines never mutate pressure. They read it through the Handle interface
// at batch and phase boundaries and call Relieve to request a collection hint.
//
//	mon := resource.NewMonitor(resource.MonitorConfig{Ceiling: 512 << 20})
//	mon.Start(ctx)
//	defer mon.Stop()
//	if mon.Snapshot().Level >= resource.Elevated { ... }
//
// # Controller
//
// Controller bounds three budgets:
//
//   - in-flight ingest bytes (non-blocking, fail-fast)
//   - background worker slots (rebuild, compaction, backup)
//   - background IO throughput (token bucket)
//
// A nil *Controller imposes no limits.
package resource
