// Package retrieval answers queries in two phases.
//
// Phase 1 ("planets") ranks molecules whose atoms match the query terms.
// Phase 2 ("moons") walks the tag edges of the planets and ranks neighbours
// by shared tags, temporal decay and fingerprint similarity. Hits are then
// inflated with surrounding mirrored content.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hupe1980/ece/fingerprint"
	"github.com/hupe1980/ece/internal/index"
	"github.com/hupe1980/ece/internal/mirror"
	"github.com/hupe1980/ece/internal/resource"
)

// Config tunes retrieval.
type Config struct {
	PlanetRatio   float64       // Share of the budget given to Phase 1. Default 0.7.
	Radius        int           // Inflation radius in bytes. Default 32 KiB; negative disables.
	Lambda        float64       // Decay rate per hour. Default 0.01; negative disables decay.
	DefaultBudget int           // Default 20.
	MaxBudget     int           // Default 1000.
	Timeout       time.Duration // Applied when the caller set no deadline. Default 200ms.
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PlanetRatio:   0.7,
		Radius:        32 << 10,
		Lambda:        0.01,
		DefaultBudget: 20,
		MaxBudget:     1000,
		Timeout:       200 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.PlanetRatio <= 0 || c.PlanetRatio > 1 {
		c.PlanetRatio = d.PlanetRatio
	}
	if c.Radius == 0 {
		c.Radius = d.Radius
	}
	if c.Radius < 0 {
		c.Radius = 0
	}
	if c.Lambda == 0 {
		c.Lambda = d.Lambda
	}
	if c.Lambda < 0 {
		c.Lambda = 0
	}
	if c.MaxBudget <= 0 {
		c.MaxBudget = d.MaxBudget
	}
	if c.DefaultBudget <= 0 || c.DefaultBudget > c.MaxBudget {
		c.DefaultBudget = min(d.DefaultBudget, c.MaxBudget)
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Phase names the phase that produced a hit.
type Phase string

const (
	Planet Phase = "planet"
	Moon   Phase = "moon"
)

// Hit is a retrieved molecule with its exact text and score breakdown.
type Hit struct {
	MoleculeID string    `json:"molecule_id"`
	CompoundID string    `json:"compound_id"`
	Bucket     string    `json:"bucket"`
	Path       string    `json:"path,omitempty"`
	Ordinal    int       `json:"ordinal"`
	Start      int64     `json:"start"`
	End        int64     `json:"end"`
	Timestamp  time.Time `json:"ts"`
	Phase      Phase     `json:"phase"`
	Score      float64   `json:"score"`
	Lexical    float64   `json:"lexical,omitempty"`
	Matched    int       `json:"matched,omitempty"`
	Shared     int       `json:"shared,omitempty"`
	Decay      float64   `json:"decay,omitempty"`
	Similarity float64   `json:"similarity,omitempty"`
	Text       string    `json:"text"`
}

// Span is an inflated window of a compound covering one or more hits.
type Span struct {
	CompoundID string   `json:"compound_id"`
	Bucket     string   `json:"bucket"`
	Path       string   `json:"path,omitempty"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
	Molecules  []string `json:"molecules"`
	Text       string   `json:"text"`
}

// Result is the answer to a query.
type Result struct {
	Hits     []Hit         `json:"hits"`
	Spans    []Span        `json:"spans"`
	Planets  int           `json:"planets"`
	Moons    int           `json:"moons"`
	Anchor   time.Time     `json:"anchor"`
	Radius   int           `json:"radius"`
	Warnings []string      `json:"warnings,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Index  *index.Index
	Mirror *mirror.Store
	// Pressure is consulted at phase boundaries. When nil, the handle
	// attached to the context is used.
	Pressure resource.Handle
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{cfg: cfg.normalized(), deps: deps, log: deps.Logger}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Split divides budget between the phases. Phase 1 gets
// round(budget*ratio), at least one; Phase 2 gets the rest.
func Split(budget int, ratio float64) (planets, moons int) {
	planets = int(math.Round(float64(budget) * ratio))
	planets = max(1, min(planets, budget))
	return planets, budget - planets
}

func (e *Engine) pressure(ctx context.Context) resource.Handle {
	if e.deps.Pressure != nil {
		return e.deps.Pressure
	}
	return resource.FromContext(ctx)
}

// Search runs both phases and inflates the hits.
func (e *Engine) Search(ctx context.Context, q Query) (Result, error) {
	start := e.deps.Now()
	q, terms, err := q.normalized(e.cfg.DefaultBudget, e.cfg.MaxBudget)
	if err != nil {
		return Result{}, err
	}
	if st := e.deps.Index.State(); st != index.Ready {
		return Result{}, fmt.Errorf("%w: index is %s", ErrNotReady, st)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	var res Result
	filter := index.Filter{Buckets: q.Buckets, Tags: q.Tags, From: q.From, To: q.To}
	planetBudget, moonBudget := Split(q.Budget, e.cfg.PlanetRatio)
	radius := e.cfg.Radius
	seedFanout := planetBudget

	level := e.pressure(ctx).Snapshot().Level
	switch level {
	case resource.Elevated:
		radius /= 2
		seedFanout = max(1, planetBudget/2)
	case resource.Critical:
		radius /= 4
	}
	res.Radius = radius

	planets, err := e.deps.Index.Phase1(ctx, terms, filter, planetBudget)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("phase 1: %w", ctx.Err())
		}
		return Result{}, err
	}

	anchor := q.Anchor
	if anchor.IsZero() {
		for _, h := range planets {
			if h.Timestamp.After(anchor) {
				anchor = h.Timestamp
			}
		}
	}
	if anchor.IsZero() {
		anchor = e.deps.Now()
	}
	res.Anchor = anchor.UTC()

	var moons []index.Hit
	switch {
	case moonBudget == 0 || len(planets) == 0:
	case level == resource.Critical:
		res.warn("memory pressure critical: phase 2 skipped")
	default:
		// Only the strongest planets seed the walk, but none of them may
		// come back as a moon.
		pks := make([]int64, len(planets))
		for i, h := range planets {
			pks[i] = h.PK
		}
		moons, err = e.deps.Index.Phase2(ctx, pks[:min(seedFanout, len(pks))], pks, anchor, e.cfg.Lambda, filter, moonBudget)
		if err != nil {
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{}, err
			}
			res.warn("phase 2 deadline exceeded: returning phase 1 results")
			moons = nil
		}
	}

	hits := make([]Hit, 0, len(planets)+len(moons))
	for _, h := range planets {
		hits = append(hits, convert(h, Planet))
	}
	for _, h := range moons {
		hits = append(hits, convert(h, Moon))
	}
	res.Planets, res.Moons = len(planets), len(moons)

	spans, err := e.inflate(hits, radius)
	if err != nil {
		return Result{}, err
	}
	res.Hits, res.Spans = hits, spans
	res.Elapsed = e.deps.Now().Sub(start)
	if len(res.Warnings) > 0 {
		e.log.Warn("search degraded", "terms", len(terms), "warnings", res.Warnings)
	}
	return res, nil
}

func convert(h index.Hit, phase Phase) Hit {
	out := Hit{
		MoleculeID: h.ID,
		CompoundID: h.CompoundID,
		Bucket:     h.Bucket,
		Path:       h.Path,
		Ordinal:    h.Ordinal,
		Start:      h.Start,
		End:        h.End,
		Timestamp:  h.Timestamp,
		Phase:      phase,
		Score:      h.Score,
	}
	if phase == Planet {
		out.Lexical, out.Matched, out.Similarity = h.Lexical, h.Matched, 1
	} else {
		out.Shared, out.Decay = h.Shared, h.Decay
		out.Similarity = 1 - float64(h.Distance)/fingerprint.Bits
	}
	return out
}
