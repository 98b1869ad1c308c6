package ece

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ece/internal/archive"
	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/ingest"
	"github.com/hupe1980/ece/internal/retrieval"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithMemorySampler(func() (uint64, error) { return 1 << 20, nil }),
		WithMemoryCeiling(1 << 40),
	}
	e, err := Open(context.Background(), t.TempDir(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNotReadyWhileRebuilding(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Ingest(ctx, Compound{Bucket: "notes", Content: []byte("the tide tables for the northern harbour\n")})
	require.NoError(t, err)

	e.index.SetState(index.Rebuilding)

	r, err := e.Ingest(ctx, Compound{Bucket: "notes", Content: []byte("another note\n")})
	require.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, Failed, r.Status)
	assert.NotEmpty(t, r.Error)

	_, err = e.Search(ctx, Query{Text: "tide"})
	require.ErrorIs(t, err, ErrNotReady)
	assert.False(t, e.Ready())

	e.index.SetState(index.Ready)
	_, err = e.Search(ctx, Query{Text: "tide"})
	require.NoError(t, err)
}

func TestNotReadyDuringMaintenance(t *testing.T) {
	e := newTestEngine(t)

	e.gate.Lock()
	_, err := e.Ingest(context.Background(), Compound{Content: []byte("held off\n")})
	e.gate.Unlock()
	require.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "maintenance")
}

func TestCorruptIndexHeals(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Ingest(ctx, Compound{Bucket: "notes", Content: []byte("the tide tables for the northern harbour\n")})
	require.NoError(t, err)

	e.index.MarkCorrupt("test")
	_, err = e.Ingest(ctx, Compound{Bucket: "notes", Content: []byte("another note\n")})
	require.ErrorIs(t, err, ErrNotReady)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, e.WaitReady(waitCtx))

	rep := e.lastRebuild.Load()
	require.NotNil(t, rep)
	assert.Equal(t, 1, rep.Molecules)

	res, err := e.Search(ctx, Query{Text: "tide harbour"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Hits)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"invalid compound", fmt.Errorf("%w: bucket", ingest.ErrInvalid), ErrValidation},
		{"skipped", fmt.Errorf("%w: x.bin", ingest.ErrSkipped), ErrIngestSkipped},
		{"pressure", ingest.ErrPressure, ErrResourcePressure},
		{"fatal io", ingest.ErrFatalIO, ErrFatalIO},
		{"not ready", retrieval.ErrNotReady, ErrNotReady},
		{"retrieval corrupt", retrieval.ErrIndexCorrupt, ErrIndexCorrupt},
		{"index corrupt", index.ErrCorrupt, ErrIndexCorrupt},
		{"index closed", index.ErrClosed, ErrClosed},
		{"not empty", archive.ErrNotEmpty, ErrNotEmpty},
		{"unsafe path", archive.ErrUnsafePath, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.in)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.in, "cause is kept")
		})
	}

	assert.NoError(t, translateError(nil))
	other := errors.New("boom")
	assert.Same(t, other, translateError(other))
}

func TestTranslateQueryValidation(t *testing.T) {
	err := translateError(fmt.Errorf("search: %w", &retrieval.ValidationError{Field: "budget", Reason: "too large"}))

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "budget", ve.Field)
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, retrieval.ErrValidation)
	assert.Equal(t, "invalid budget: too large", err.Error())
}
