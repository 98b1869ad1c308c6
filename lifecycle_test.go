package ece_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ece"
)

// TestNoGoroutineLeaks verifies that the pressure sampler, the worker pool
// and background rebuilds are stopped when Close is called.
func TestNoGoroutineLeaks(t *testing.T) {
	tests := []struct {
		name     string
		opts     []ece.Option
		maxLeaks int // Allow small variance (runtime background goroutines)
	}{
		{
			name:     "default",
			maxLeaks: 2,
		},
		{
			name:     "background rebuild",
			opts:     []ece.Option{ece.WithBackgroundRebuild(), ece.WithPressureInterval(5 * time.Millisecond)},
			maxLeaks: 2,
		},
		{
			name:     "kept index",
			opts:     []ece.Option{ece.WithKeepIndex(), ece.WithWorkers(8)},
			maxLeaks: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runtime.GC()
			time.Sleep(50 * time.Millisecond)

			initial := runtime.NumGoroutine()
			t.Logf("Initial goroutines: %d", initial)

			ctx := context.Background()
			eng, err := ece.Open(ctx, t.TempDir(), tt.opts...)
			require.NoError(t, err)
			require.NoError(t, eng.WaitReady(ctx))

			for i := range 20 {
				_, err := eng.Ingest(ctx, ece.Compound{Bucket: "notes", Content: []byte(paragraph(i))})
				require.NoError(t, err)
			}
			_, err = eng.Search(ctx, ece.Query{Text: "p3w1 p7w2"})
			require.NoError(t, err)

			// Rebuild swaps the index under the exclusive gate.
			_, err = eng.Rebuild(ctx)
			require.NoError(t, err)

			beforeClose := runtime.NumGoroutine()
			t.Logf("Before close: %d goroutines", beforeClose)

			require.NoError(t, eng.Close())

			deadline := time.Now().Add(2 * time.Second)
			var final, leaked int
			for {
				runtime.GC()
				time.Sleep(50 * time.Millisecond)

				final = runtime.NumGoroutine()
				leaked = final - initial
				if leaked <= tt.maxLeaks || time.Now().After(deadline) {
					break
				}
			}

			t.Logf("Final goroutines: %d (leaked: %d)", final, leaked)

			if leaked > tt.maxLeaks {
				t.Errorf("Goroutine leak detected: started with %d, ended with %d (leaked: %d, max allowed: %d)",
					initial, final, leaked, tt.maxLeaks)

				buf := make([]byte, 1<<20)
				stackSize := runtime.Stack(buf, true)
				t.Logf("Goroutine stacks:\n%s", buf[:stackSize])
			}
		})
	}
}

// TestCloseIdempotent verifies that calling Close() multiple times is safe.
func TestCloseIdempotent(t *testing.T) {
	eng := openEngine(t, t.TempDir())

	ctx := context.Background()
	_, err := eng.Ingest(ctx, ece.Compound{Bucket: "chat", Content: []byte(chatLog)})
	require.NoError(t, err)

	err1 := eng.Close()
	err2 := eng.Close()
	err3 := eng.Close()

	assert.NoError(t, err1, "First close should succeed")
	assert.NoError(t, err2, "Second close should be idempotent")
	assert.NoError(t, err3, "Third close should be idempotent")

	_, err = eng.Ingest(ctx, ece.Compound{Content: []byte("late")})
	assert.ErrorIs(t, err, ece.ErrClosed)
	_, err = eng.Search(ctx, ece.Query{Text: "dory"})
	assert.ErrorIs(t, err, ece.ErrClosed)
	_, err = eng.Status(ctx)
	assert.ErrorIs(t, err, ece.ErrClosed)
	_, err = eng.Rebuild(ctx)
	assert.ErrorIs(t, err, ece.ErrClosed)
}

// TestCloseWithActiveOperations verifies graceful shutdown during active
// ingests: every ingest either commits or reports that the engine is gone.
func TestCloseWithActiveOperations(t *testing.T) {
	dir := t.TempDir()
	eng := openEngine(t, dir, ece.WithKeepIndex())
	ctx := context.Background()

	done := make(chan int)
	go func() {
		committed := 0
		for i := range 100 {
			r, err := eng.Ingest(ctx, ece.Compound{
				Bucket:  "notes",
				Path:    fmt.Sprintf("note-%d.md", i),
				Content: []byte(paragraph(i)),
			})
			switch {
			case err == nil:
				committed += r.Molecules
			case errors.Is(err, ece.ErrClosed), errors.Is(err, ece.ErrNotReady):
			default:
				t.Errorf("ingest %d: %v", i, err)
			}
			time.Sleep(time.Millisecond)
		}
		done <- committed
	}()

	time.Sleep(50 * time.Millisecond)

	err := eng.Close()
	assert.NoError(t, err, "Close should succeed even with active operations")

	committed := <-done

	// Everything acknowledged before Close survives a reopen.
	eng = openEngine(t, dir, ece.WithKeepIndex())
	st, err := eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(committed), st.Index.Molecules)
}
