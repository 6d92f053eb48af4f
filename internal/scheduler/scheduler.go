// Package scheduler dispatches the named cron-driven jobs that drive
// backups, retention, verification, license sync, and cleanup. Each job
// kind runs single-flight: a trigger that arrives while the previous
// run of the same kind is still in flight is dropped with a warning.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/savegress/backup-core/internal/repository"
)

// JobFunc is the work performed by a scheduled job.
type JobFunc func(ctx context.Context) error

// Job is one named, cron-scheduled, independently enable-able unit of work.
type Job struct {
	Name       string
	Expression string
	Enabled    bool
	Run        JobFunc

	running atomic.Bool
}

// Scheduler owns the cron dispatcher and the set of registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	redis  *repository.RedisClient
	logger zerolog.Logger

	mu           sync.Mutex
	jobs         map[string]*Job
	drainTimeout time.Duration

	wg sync.WaitGroup
}

// New constructs a Scheduler. redis may be nil, in which case
// single-flight is enforced only within this process (no cross-replica
// lock).
func New(redis *repository.RedisClient, logger zerolog.Logger, drainTimeout time.Duration) *Scheduler {
	return &Scheduler{
		cron:         cron.New(cron.WithSeconds()),
		redis:        redis,
		logger:       logger,
		jobs:         make(map[string]*Job),
		drainTimeout: drainTimeout,
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.jobs[job.Name] = job

	if !job.Enabled {
		return nil
	}

	_, err := s.cron.AddFunc(job.Expression, func() {
		s.trigger(job)
	})
	if err != nil {
		return fmt.Errorf("schedule job %q with expression %q: %w", job.Name, job.Expression, err)
	}
	return nil
}

// trigger runs job.Run if no instance of it is currently running,
// enforcing single-flight both in-process (atomic.Bool) and, if a
// Redis client is configured, across process replicas (SETNX lock).
func (s *Scheduler) trigger(job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		s.logger.Warn().Str("job", job.Name).Msg("skipping trigger: previous run still in progress")
		return
	}
	defer job.running.Store(false)

	ctx := context.Background()

	if s.redis != nil {
		acquired, err := s.redis.TryLock(ctx, "scheduler:"+job.Name, 30*time.Minute)
		if err != nil {
			s.logger.Error().Err(err).Str("job", job.Name).Msg("failed to acquire distributed lock")
			return
		}
		if !acquired {
			s.logger.Warn().Str("job", job.Name).Msg("skipping trigger: another replica holds the lock")
			return
		}
		defer func() {
			if err := s.redis.Unlock(ctx, "scheduler:"+job.Name); err != nil {
				s.logger.Error().Err(err).Str("job", job.Name).Msg("failed to release distributed lock")
			}
		}()
	}

	s.wg.Add(1)
	defer s.wg.Done()

	log := s.logger.With().Str("job", job.Name).Logger()
	log.Info().Msg("job started")
	if err := job.Run(ctx); err != nil {
		log.Error().Err(err).Msg("job failed")
		return
	}
	log.Info().Msg("job completed")
}

// RunNow triggers job immediately, outside its cron schedule, subject
// to the same single-flight rules. Used by one-shot CLI invocations.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such job: %q", name)
	}
	if !job.running.CompareAndSwap(false, true) {
		return fmt.Errorf("job %q is already running", name)
	}
	defer job.running.Store(false)
	return job.Run(ctx)
}

// Start registers timers and begins dispatching.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels all timers and waits for in-flight jobs to finish, up to
// the configured drain timeout.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		s.logger.Warn().Dur("timeout", s.drainTimeout).Msg("shutdown timed out waiting for in-flight jobs")
	}
}
