// Package schedule runs maintenance jobs on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/hupe1980/ece"
	"github.com/hupe1980/ece/internal/config"
	"github.com/hupe1980/ece/replica"
)

// ErrInvalidExpr is returned by Add for an expression gronx rejects.
var ErrInvalidExpr = errors.New("schedule: invalid cron expression")

// Func is a job body.
type Func func(ctx context.Context) error

type job struct {
	name string
	expr string
	fn   Func
	next time.Time
}

// Scheduler checks its jobs on every tick and runs the due ones one after
// another.
type Scheduler struct {
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu     sync.Mutex
	jobs   []*job
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets how often jobs are checked. Default one second.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Scheduler{logger: logger, tick: time.Second, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers fn under name. An empty expression is ignored.
func (s *Scheduler) Add(name, expr string, fn Func) error {
	if expr == "" {
		return nil
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: %s %q", ErrInvalidExpr, name, expr)
	}
	j := &job{name: name, expr: expr, fn: fn}
	next, err := gronx.NextTickAfter(expr, s.now(), false)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidExpr, name, err)
	}
	j.next = next

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	s.logger.Info("job scheduled", "job", name, "expr", expr, "next", next)
	return nil
}

// Next returns the next run of the named job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.name == name {
			return j.next, true
		}
	}
	return time.Time{}, false
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start runs the tick loop until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels a running job and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue runs every job whose next run is not after now and returns the
// names of the jobs that ran.
func (s *Scheduler) RunDue(ctx context.Context) []string {
	now := s.now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.next.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	var ran []string
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		err := j.fn(ctx)
		switch {
		case err == nil:
			s.logger.Info("job finished", "job", j.name, "elapsed", time.Since(start))
		case errors.Is(err, ece.ErrNotReady):
			s.logger.Warn("job deferred", "job", j.name, "error", err)
		default:
			s.logger.Error("job failed", "job", j.name, "error", err)
		}
		ran = append(ran, j.name)

		next, err := gronx.NextTickAfter(j.expr, s.now(), false)
		if err != nil {
			s.logger.Error("job unscheduled", "job", j.name, "error", err)
			next = now.AddDate(100, 0, 0)
		}
		s.mu.Lock()
		j.next = next
		s.mu.Unlock()
	}
	return ran
}

// Maintainer is the engine surface the maintenance jobs call.
type Maintainer interface {
	Compact(ctx context.Context) (ece.CompactReport, error)
	Rebuild(ctx context.Context) (ece.RebuildReport, error)
	Backup(ctx context.Context, t replica.Target) (ece.ReplicaReport, error)
}

// AddMaintenance registers the compact, rebuild and backup jobs of cfg. The
// backup job requires a target.
func (s *Scheduler) AddMaintenance(cfg config.ScheduleConfig, m Maintainer, target replica.Target) error {
	if err := s.Add("compact", cfg.Compact, func(ctx context.Context) error {
		_, err := m.Compact(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := s.Add("rebuild", cfg.Rebuild, func(ctx context.Context) error {
		_, err := m.Rebuild(ctx)
		return err
	}); err != nil {
		return err
	}
	if cfg.Backup == "" {
		return nil
	}
	if target == nil {
		return fmt.Errorf("schedule: backup job has no replica target")
	}
	return s.Add("backup", cfg.Backup, func(ctx context.Context) error {
		_, err := m.Backup(ctx, target)
		return err
	})
}
