// Package scheduler runs furina's periodic background jobs: the
// reflection sweep across all companions and the optional activity
// memory refresh.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/furina/internal/config"
	"github.com/nugget/furina/internal/tools"
)

// Job names used in logs and Stats.
const (
	JobReflection      = "reflection"
	JobActivityRefresh = "activity_refresh"
)

// activityWindow is how far back the activity refresh looks.
const activityWindow = 24 * time.Hour

// Companion is the part of a companion the scheduler drives.
// *companion.Companion implements it.
type Companion interface {
	Name() string
	Reflect(ctx context.Context) (int, error)
	ReplaceActivityMemories(ctx context.Context, docs []string) error
}

// ActivitySource produces activity summaries. *tools.ActivityClient
// implements it.
type ActivitySource interface {
	Find(ctx context.Context, q tools.ActivityQuery) ([]string, error)
}

// Config selects which jobs run and when. Empty schedules disable the
// corresponding job.
type Config struct {
	ReflectionSchedule string
	ActivitySchedule   string
	ActivityMinimum    time.Duration
	ActivityLimit      int
	Location           *time.Location
}

// JobStats summarizes the runs of one job.
type JobStats struct {
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	LastRun      time.Time     `json:"last_run,omitzero"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

// Scheduler manages the periodic jobs.
type Scheduler struct {
	logger     *slog.Logger
	cfg        Config
	companions []Companion
	activity   ActivitySource
	now        func() time.Time

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running bool
	stats   map[string]*JobStats
}

// New creates a scheduler for companions. activity may be nil, in which
// case the activity refresh never runs.
func New(cfg Config, companions []Companion, activity ActivitySource, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger = logger.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	cl := cronLogger{logger}
	return &Scheduler{
		logger:     logger,
		cfg:        cfg,
		companions: companions,
		activity:   activity,
		now:        time.Now,
		cron: cron.New(
			cron.WithParser(config.ScheduleParser),
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
		stats:  make(map[string]*JobStats),
	}
}

// Start registers the configured jobs and begins firing them.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	jobs := 0
	if s.cfg.ReflectionSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.ReflectionSchedule, func() { s.run(JobReflection, s.Sweep) }); err != nil {
			return fmt.Errorf("schedule %s: %w", JobReflection, err)
		}
		jobs++
	}
	if s.cfg.ActivitySchedule != "" && s.activity != nil {
		if _, err := s.cron.AddFunc(s.cfg.ActivitySchedule, func() { s.run(JobActivityRefresh, s.RefreshActivity) }); err != nil {
			return fmt.Errorf("schedule %s: %w", JobActivityRefresh, err)
		}
		jobs++
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "jobs", jobs, "companions", len(s.companions))
	return nil
}

// Stop cancels running jobs and waits for them to return, or for ctx
// to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one firing of a job and records its outcome.
func (s *Scheduler) run(name string, job func(context.Context) error) {
	if s.ctx.Err() != nil {
		return
	}
	started := time.Now()
	err := job(s.ctx)
	elapsed := time.Since(started)

	s.mu.Lock()
	st := s.stats[name]
	if st == nil {
		st = &JobStats{}
		s.stats[name] = st
	}
	st.Runs++
	st.LastRun = started
	st.LastDuration = elapsed
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("job failed", "job", name, "elapsed", elapsed, "error", err)
		return
	}
	s.logger.Log(context.Background(), config.LevelTrace, "job finished", "job", name, "elapsed", elapsed)
}

// Sweep reflects every companion concurrently and returns the joined
// errors of those that failed.
func (s *Scheduler) Sweep(ctx context.Context) error {
	errs := make([]error, len(s.companions))
	var g errgroup.Group
	for i, c := range s.companions {
		g.Go(func() error {
			n, err := c.Reflect(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
				return nil
			}
			if n > 0 {
				s.logger.Info("companion reflected", "companion", c.Name(), "memories", n)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RefreshActivity replaces every companion's activity memories with the
// activity of the last day.
func (s *Scheduler) RefreshActivity(ctx context.Context) error {
	if s.activity == nil {
		return nil
	}
	now := s.now().In(s.cfg.Location)
	docs, err := s.activity.Find(ctx, tools.ActivityQuery{
		MinDuration: s.cfg.ActivityMinimum,
		Limit:       s.cfg.ActivityLimit,
		Start:       now.Add(-activityWindow),
		End:         now,
	})
	if err != nil {
		return fmt.Errorf("find activity: %w", err)
	}

	errs := make([]error, len(s.companions))
	var g errgroup.Group
	for i, c := range s.companions {
		g.Go(func() error {
			if err := c.ReplaceActivityMemories(ctx, docs); err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Debug("activity memories refreshed", "activities", len(docs), "companions", len(s.companions))
	return errors.Join(errs...)
}

// Stats returns per-job run statistics.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]JobStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
