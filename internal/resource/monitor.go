package resource

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"
)

// Level classifies memory pressure.
type Level int

const (
	Normal Level = iota
	Elevated
	Critical
)

func (l Level) String() string {
	switch l {
	case Elevated:
		return "elevated"
	case Critical:
		return "critical"
	default:
		return "normal"
	}
}

// Snapshot is an immutable pressure reading.
type Snapshot struct {
	Level   Level
	Used    uint64  // Resident bytes.
	Ceiling uint64  // 0 means unlimited.
	Ratio   float64 // Used / Ceiling, 0 when unlimited.
	At      time.Time
}

// Handle is the read-only view of pressure that pipelines consult at batch
// and phase boundaries.
type Handle interface {
	Snapshot() Snapshot
	// Relieve issues a collection hint and returns a fresh reading.
	Relieve() Snapshot
}

// Sampler reports resident memory in bytes.
type Sampler func() (uint64, error)

const (
	DefaultHighWater     = 0.85
	DefaultCriticalWater = 0.95
	DefaultInterval      = time.Second
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Ceiling is the memory budget in bytes. 0 uses GOMEMLIMIT when set,
	// otherwise pressure is always Normal.
	Ceiling       uint64
	HighWater     float64
	CriticalWater float64
	Interval      time.Duration
	Sampler       Sampler
	Logger        *slog.Logger
}

// Monitor is the single owner of pressure state. Readers observe it through
// Handle.
type Monitor struct {
	cfg  MonitorConfig
	snap atomic.Pointer[Snapshot]

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a Monitor and takes an initial sample.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.HighWater <= 0 || cfg.HighWater >= 1 {
		cfg.HighWater = DefaultHighWater
	}
	if cfg.CriticalWater <= cfg.HighWater || cfg.CriticalWater > 1 {
		cfg.CriticalWater = math.Max(DefaultCriticalWater, cfg.HighWater)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Sampler == nil {
		cfg.Sampler = ResidentMemory
	}
	if cfg.Ceiling == 0 {
		cfg.Ceiling = goMemLimit()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	m := &Monitor{cfg: cfg}
	m.Sample()
	return m
}

// Snapshot returns the latest reading.
func (m *Monitor) Snapshot() Snapshot {
	return *m.snap.Load()
}

// Sample takes a reading now and publishes it.
func (m *Monitor) Sample() Snapshot {
	used, err := m.cfg.Sampler()
	if err != nil {
		m.cfg.Logger.Warn("memory sample failed", "error", err)
		if prev := m.snap.Load(); prev != nil {
			return *prev
		}
	}
	s := Classify(used, m.cfg.Ceiling, m.cfg.HighWater, m.cfg.CriticalWater)
	s.At = time.Now()

	if prev := m.snap.Swap(&s); prev != nil && prev.Level != s.Level {
		m.cfg.Logger.Info("memory pressure changed",
			"from", prev.Level.String(),
			"to", s.Level.String(),
			"used", s.Used,
			"ceiling", s.Ceiling,
		)
	}
	return s
}

// Relieve returns freed memory to the OS and resamples.
func (m *Monitor) Relieve() Snapshot {
	debug.FreeOSMemory()
	return m.Sample()
}

// Start samples every Interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.runLoop(ctx, m.stopCh, m.doneCh)
}

// Stop ends the sampling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (m *Monitor) runLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Classify maps a usage reading onto a Level.
func Classify(used, ceiling uint64, high, critical float64) Snapshot {
	s := Snapshot{Used: used, Ceiling: ceiling}
	if ceiling == 0 {
		return s
	}
	s.Ratio = float64(used) / float64(ceiling)
	switch {
	case s.Ratio >= critical:
		s.Level = Critical
	case s.Ratio >= high:
		s.Level = Elevated
	}
	return s
}

func goMemLimit() uint64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0
	}
	return uint64(limit)
}

// ResidentMemory reports the process resident set size from procfs and falls
// back to the Go runtime's view of mapped memory where procfs is unavailable.
func ResidentMemory() (uint64, error) {
	if p, err := procfs.Self(); err == nil {
		if stat, err := p.Stat(); err == nil && stat.ResidentMemory() > 0 {
			return uint64(stat.ResidentMemory()), nil
		}
	}
	return runtimeMemory(), nil
}

func runtimeMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys - ms.HeapReleased
}

// Static is a Handle with a fixed reading.
type Static Snapshot

// Snapshot implements Handle.
func (s Static) Snapshot() Snapshot { return Snapshot(s) }

// Relieve implements Handle.
func (s Static) Relieve() Snapshot { return Snapshot(s) }

// StaticLevel returns a Handle that always reports level.
func StaticLevel(level Level) Handle {
	return Static{Level: level}
}

type ctxKey struct{}

// NewContext attaches h to ctx.
func NewContext(ctx context.Context, h Handle) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// FromContext returns the Handle attached to ctx, or a Normal handle.
func FromContext(ctx context.Context) Handle {
	if h, ok := ctx.Value(ctxKey{}).(Handle); ok && h != nil {
		return h
	}
	return StaticLevel(Normal)
}
