package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSampler(v *atomic.Uint64) Sampler {
	return func() (uint64, error) { return v.Load(), nil }
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		used    uint64
		ceiling uint64
		want    Level
	}{
		{"Unlimited", 1 << 40, 0, Normal},
		{"Low", 50, 100, Normal},
		{"HighWater", 85, 100, Elevated},
		{"BelowCritical", 94, 100, Elevated},
		{"Critical", 95, 100, Critical},
		{"Over", 200, 100, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Classify(tt.used, tt.ceiling, DefaultHighWater, DefaultCriticalWater)
			assert.Equal(t, tt.want, s.Level)
		})
	}
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "normal", Level(42).String())
}

func TestMonitorSample(t *testing.T) {
	var used atomic.Uint64
	used.Store(10)
	m := NewMonitor(MonitorConfig{Ceiling: 100, Sampler: fixedSampler(&used)})
	assert.Equal(t, Normal, m.Snapshot().Level)

	used.Store(90)
	assert.Equal(t, Elevated, m.Sample().Level)
	assert.Equal(t, Elevated, m.Snapshot().Level)

	used.Store(99)
	assert.Equal(t, Critical, m.Relieve().Level)
	assert.InDelta(t, 0.99, m.Snapshot().Ratio, 1e-9)
}

func TestMonitorSamplerError(t *testing.T) {
	calls := 0
	m := NewMonitor(MonitorConfig{Ceiling: 100, Sampler: func() (uint64, error) {
		calls++
		if calls > 1 {
			return 0, errors.New("no proc")
		}
		return 90, nil
	}})
	assert.Equal(t, Elevated, m.Sample().Level, "keeps the previous reading")
}

func TestMonitorLoop(t *testing.T) {
	var used atomic.Uint64
	used.Store(10)
	m := NewMonitor(MonitorConfig{Ceiling: 100, Interval: time.Millisecond, Sampler: fixedSampler(&used)})
	m.Start(context.Background())
	m.Start(context.Background())
	defer m.Stop()

	used.Store(97)
	require.Eventually(t, func() bool {
		return m.Snapshot().Level == Critical
	}, time.Second, time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestResidentMemory(t *testing.T) {
	v, err := ResidentMemory()
	require.NoError(t, err)
	assert.Greater(t, v, uint64(0))
	assert.Greater(t, runtimeMemory(), uint64(0))
}

func TestContextHandle(t *testing.T) {
	assert.Equal(t, Normal, FromContext(context.Background()).Snapshot().Level)
	ctx := NewContext(context.Background(), StaticLevel(Critical))
	h := FromContext(ctx)
	assert.Equal(t, Critical, h.Snapshot().Level)
	assert.Equal(t, Critical, h.Relieve().Level)
}
