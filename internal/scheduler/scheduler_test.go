package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() *Scheduler {
	return New(nil, zerolog.Nop(), time.Second)
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	s := newTestScheduler()
	job := &Job{Name: "daily-backup", Expression: "0 30 2 * * *", Enabled: true, Run: func(ctx context.Context) error { return nil }}
	require.NoError(t, s.Register(job))

	dup := &Job{Name: "daily-backup", Expression: "0 0 3 * * *", Enabled: true, Run: func(ctx context.Context) error { return nil }}
	err := s.Register(dup)
	require.Error(t, err)
}

func TestRegisterRejectsInvalidExpression(t *testing.T) {
	s := newTestScheduler()
	job := &Job{Name: "broken", Expression: "not-a-cron-expression", Enabled: true, Run: func(ctx context.Context) error { return nil }}
	err := s.Register(job)
	require.Error(t, err)
}

func TestDisabledJobIsNotScheduled(t *testing.T) {
	s := newTestScheduler()
	var calls int
	job := &Job{Name: "disabled-job", Expression: "0 0 0 1 1 *", Enabled: false, Run: func(ctx context.Context) error {
		calls++
		return nil
	}}
	require.NoError(t, s.Register(job))
	assert.Len(t, s.cron.Entries(), 0)
}

func TestTriggerSkipsSecondCallWhileFirstRunning(t *testing.T) {
	s := newTestScheduler()
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	job := &Job{Name: "slow-job", Expression: "@every 1h", Enabled: false, Run: func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil
	}}
	require.NoError(t, s.Register(job))

	done := make(chan struct{})
	go func() {
		s.trigger(job)
		close(done)
	}()

	// Give the first trigger time to claim the in-flight flag.
	time.Sleep(20 * time.Millisecond)
	s.trigger(job)

	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "second trigger must be dropped while the first is in flight")
}

func TestTriggerAllowsSequentialRuns(t *testing.T) {
	s := newTestScheduler()
	var calls int
	job := &Job{Name: "sequential-job", Expression: "@every 1h", Enabled: false, Run: func(ctx context.Context) error {
		calls++
		return nil
	}}
	require.NoError(t, s.Register(job))

	s.trigger(job)
	s.trigger(job)

	assert.Equal(t, 2, calls)
}

func TestRunNowRejectsUnknownJob(t *testing.T) {
	s := newTestScheduler()
	err := s.RunNow(context.Background(), "does-not-exist")
	require.Error(t, err)
}

func TestRunNowExecutesRegisteredJob(t *testing.T) {
	s := newTestScheduler()
	var ran bool
	job := &Job{Name: "one-shot", Expression: "@every 1h", Enabled: false, Run: func(ctx context.Context) error {
		ran = true
		return nil
	}}
	require.NoError(t, s.Register(job))

	require.NoError(t, s.RunNow(context.Background(), "one-shot"))
	assert.True(t, ran)
}

func TestRunNowRejectsConcurrentRunOfSameJob(t *testing.T) {
	s := newTestScheduler()
	release := make(chan struct{})
	job := &Job{Name: "busy-job", Expression: "@every 1h", Enabled: false, Run: func(ctx context.Context) error {
		<-release
		return nil
	}}
	require.NoError(t, s.Register(job))

	go s.RunNow(context.Background(), "busy-job")
	time.Sleep(20 * time.Millisecond)

	err := s.RunNow(context.Background(), "busy-job")
	require.Error(t, err)
	close(release)
}

func TestStopDrainsInFlightJobsBeforeReturning(t *testing.T) {
	s := newTestScheduler()
	finished := false
	job := &Job{Name: "drain-job", Expression: "@every 1h", Enabled: false, Run: func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		finished = true
		return nil
	}}
	require.NoError(t, s.Register(job))

	s.Start()
	go s.trigger(job)
	time.Sleep(5 * time.Millisecond)
	s.Stop()

	assert.True(t, finished)
}
