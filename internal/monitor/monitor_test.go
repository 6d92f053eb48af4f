package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/backup-core/internal/registry"
)

type recordingNotifier struct {
	subject  string
	body     string
	priority Priority
	sent     bool
}

func (n *recordingNotifier) Send(ctx context.Context, subject, body string, priority Priority) error {
	n.subject = subject
	n.body = body
	n.priority = priority
	n.sent = true
	return nil
}

func TestClassifyHealthyWhenNoReasons(t *testing.T) {
	level, reasons := classify(&HealthReport{
		HoursSinceLastSuccess: 2,
		FailureRate:           0,
		FailuresLast24h:       0,
		CloudEnabled:          true,
		CloudObjectCount:      10,
	})
	assert.Equal(t, HealthHealthy, level)
	assert.Empty(t, reasons)
}

func TestClassifyCriticalOnStaleBackup(t *testing.T) {
	level, reasons := classify(&HealthReport{HoursSinceLastSuccess: 30})
	assert.Equal(t, HealthCritical, level)
	assert.NotEmpty(t, reasons)
}

func TestClassifyCriticalOnHighFailureRate(t *testing.T) {
	level, _ := classify(&HealthReport{HoursSinceLastSuccess: 1, FailureRate: 0.5})
	assert.Equal(t, HealthCritical, level)
}

func TestClassifyCriticalOnManyRecentFailures(t *testing.T) {
	level, _ := classify(&HealthReport{HoursSinceLastSuccess: 1, FailuresLast24h: 4})
	assert.Equal(t, HealthCritical, level)
}

func TestClassifyCriticalWhenCloudEnabledButEmpty(t *testing.T) {
	level, _ := classify(&HealthReport{HoursSinceLastSuccess: 1, CloudEnabled: true, CloudObjectCount: 0})
	assert.Equal(t, HealthCritical, level)
}

func TestClassifyWarningOnModerateStaleBackup(t *testing.T) {
	level, reasons := classify(&HealthReport{HoursSinceLastSuccess: 25})
	assert.Equal(t, HealthWarning, level)
	assert.NotEmpty(t, reasons)
}

func TestClassifyWarningOnModerateFailureRate(t *testing.T) {
	level, _ := classify(&HealthReport{HoursSinceLastSuccess: 1, FailureRate: 0.2})
	assert.Equal(t, HealthWarning, level)
}

func TestClassifyWarningOnSmallLastBackup(t *testing.T) {
	level, _ := classify(&HealthReport{
		HoursSinceLastSuccess: 1,
		LastSuccessfulRun:     &registry.BackupRun{TotalSize: 512},
	})
	assert.Equal(t, HealthWarning, level)
}

func TestDispatchSkipsHealthyReports(t *testing.T) {
	notifier := &recordingNotifier{}
	e := &Engine{Notifier: notifier}
	err := e.Dispatch(context.Background(), &HealthReport{Level: HealthHealthy})
	require.NoError(t, err)
	assert.False(t, notifier.sent)
}

func TestDispatchSendsCriticalPriority(t *testing.T) {
	notifier := &recordingNotifier{}
	e := &Engine{Notifier: notifier}
	err := e.Dispatch(context.Background(), &HealthReport{Level: HealthCritical, Reasons: []string{"stale"}})
	require.NoError(t, err)
	require.True(t, notifier.sent)
	assert.Equal(t, PriorityCritical, notifier.priority)
}

func TestDispatchSendsWarningPriority(t *testing.T) {
	notifier := &recordingNotifier{}
	e := &Engine{Notifier: notifier}
	err := e.Dispatch(context.Background(), &HealthReport{Level: HealthWarning, Reasons: []string{"slow"}})
	require.NoError(t, err)
	require.True(t, notifier.sent)
	assert.Equal(t, PriorityWarning, notifier.priority)
}

func TestNowDefaultsToTimeNow(t *testing.T) {
	e := &Engine{}
	before := time.Now()
	got := e.now()
	assert.False(t, got.Before(before))
}

func TestLogNotifierNeverErrors(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	err := n.Send(context.Background(), "subject", "body", PriorityWarning)
	require.NoError(t, err)
}
