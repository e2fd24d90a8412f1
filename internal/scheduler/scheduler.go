// Package scheduler runs the periodic retention sweep over the job store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Expirer deactivates jobs last seen before a cutoff.
type Expirer interface {
	ExpireJobs(ctx context.Context, before time.Time) (int, error)
}

// Scheduler wraps robfig/cron and owns the retention job.
type Scheduler struct {
	cron    *cron.Cron
	store   Expirer
	maxAge  time.Duration
	spec    string
	logger  *zap.Logger
	now     func() time.Time
	running sync.Mutex
}

// New creates a Scheduler that sweeps every interval, deactivating jobs
// older than maxAge.
func New(store Expirer, interval, maxAge time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger{logger.Sugar()})),
		store:  store,
		maxAge: maxAge,
		spec:   fmt.Sprintf("@every %s", interval),
		logger: logger,
		now:    time.Now,
	}
}

// Start registers the sweep, starts the cron and runs one sweep right away.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.maxAge <= 0 {
		return errors.New("job max age must be positive")
	}
	if _, err := s.cron.AddFunc(s.spec, func() { s.sweep(ctx) }); err != nil {
		return errors.Wrapf(err, "schedule %q", s.spec)
	}
	s.cron.Start()
	s.logger.Info("retention scheduler started", zap.String("spec", s.spec), zap.Duration("max_age", s.maxAge))

	go s.sweep(ctx)
	return nil
}

// Stop halts the cron and waits for a running sweep.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("retention scheduler stopped")
}

// Sweep runs one retention pass and reports how many jobs were deactivated.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	s.running.Lock()
	defer s.running.Unlock()

	cutoff := s.now().Add(-s.maxAge)
	n, err := s.store.ExpireJobs(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "expire jobs")
	}
	return n, nil
}

func (s *Scheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("retention sweep complete", zap.Int("deactivated", n))
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
