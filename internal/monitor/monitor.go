// Package monitor computes the health report described in §4.J: a
// rollup of the last 7 days of registry entries and current cloud
// state, classified into alerts and a daily report, delivered through
// a pluggable Notifier.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/savegress/backup-core/internal/objectstore"
	"github.com/savegress/backup-core/internal/registry"
)

// HealthLevel is the overall health classification.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// Priority classifies an alert for the Notifier.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityWarning  Priority = "warning"
	PrioritySystem   Priority = "system"
)

// HealthReport is the computed rollup over the lookback window.
type HealthReport struct {
	GeneratedAt           time.Time            `json:"generatedAt"`
	Level                 HealthLevel          `json:"level"`
	HoursSinceLastSuccess float64              `json:"hoursSinceLastSuccess"`
	FailureRate           float64              `json:"failureRate"`
	FailuresLast24h       int                  `json:"failuresLast24h"`
	CloudEnabled          bool                 `json:"cloudEnabled"`
	CloudObjectCount      int                  `json:"cloudObjectCount"`
	LastSuccessfulRun     *registry.BackupRun  `json:"lastSuccessfulRun,omitempty"`
	TotalRuns             int                  `json:"totalRuns"`
	Reasons               []string             `json:"reasons"`
}

// Alert is a single notification-worthy event derived from a report.
type Alert struct {
	Priority Priority
	Subject  string
	Body     string
}

// DailyReport summarizes the previous day's runs.
type DailyReport struct {
	Date          string               `json:"date"`
	TotalRuns     int                  `json:"totalRuns"`
	Succeeded     int                  `json:"succeeded"`
	Failed        int                  `json:"failed"`
	TotalBytes    int64                `json:"totalBytes"`
	Runs          []*registry.BackupRun `json:"runs"`
}

// Notifier delivers an alert or report to an external channel.
type Notifier interface {
	Send(ctx context.Context, subject, body string, priority Priority) error
}

// Engine computes health reports and dispatches alerts.
type Engine struct {
	Registry    *registry.Store
	ObjectStore *objectstore.Client
	Notifier    Notifier
	Lookback    time.Duration
	Now         func() time.Time
}

// New constructs a monitor Engine with the default 7-day lookback.
func New(store *registry.Store, objStore *objectstore.Client, notifier Notifier) *Engine {
	return &Engine{Registry: store, ObjectStore: objStore, Notifier: notifier, Lookback: 7 * 24 * time.Hour, Now: time.Now}
}

// ComputeHealth builds the health report from the registry and cloud
// state, per the thresholds in spec §4.J.
func (e *Engine) ComputeHealth(ctx context.Context) (*HealthReport, error) {
	now := e.now()
	since := now.Add(-e.Lookback)

	runs, err := e.Registry.Recent(ctx, 500)
	if err != nil {
		return nil, fmt.Errorf("load recent runs: %w", err)
	}

	report := &HealthReport{GeneratedAt: now}

	var windowed []*registry.BackupRun
	for _, r := range runs {
		if r.StartedAt.After(since) {
			windowed = append(windowed, r)
		}
	}
	report.TotalRuns = len(windowed)

	var failures int
	var failuresLast24h int
	var lastSuccess *registry.BackupRun
	for _, r := range windowed {
		if r.Status == registry.StatusFailed {
			failures++
			if now.Sub(r.StartedAt) <= 24*time.Hour {
				failuresLast24h++
			}
		}
		if r.Status == registry.StatusCompleted {
			if lastSuccess == nil || r.StartedAt.After(lastSuccess.StartedAt) {
				lastSuccess = r
			}
		}
	}
	report.LastSuccessfulRun = lastSuccess
	report.FailuresLast24h = failuresLast24h

	if len(windowed) > 0 {
		report.FailureRate = float64(failures) / float64(len(windowed))
	}

	if lastSuccess != nil {
		report.HoursSinceLastSuccess = now.Sub(lastSuccess.StartedAt).Hours()
	} else {
		report.HoursSinceLastSuccess = e.Lookback.Hours()
	}

	report.CloudEnabled = e.ObjectStore != nil && e.ObjectStore.Configured()
	if report.CloudEnabled {
		objects, err := e.ObjectStore.List(ctx, "backups/")
		if err == nil {
			report.CloudObjectCount = len(objects)
		}
	}

	report.Level, report.Reasons = classify(report)
	return report, nil
}

func classify(r *HealthReport) (HealthLevel, []string) {
	var criticalReasons, warningReasons []string

	if r.HoursSinceLastSuccess > 26 {
		criticalReasons = append(criticalReasons, fmt.Sprintf("%.1fh since last successful backup (>26h)", r.HoursSinceLastSuccess))
	}
	if r.FailureRate > 0.30 {
		criticalReasons = append(criticalReasons, fmt.Sprintf("failure rate %.0f%% (>30%%)", r.FailureRate*100))
	}
	if r.FailuresLast24h > 3 {
		criticalReasons = append(criticalReasons, fmt.Sprintf("%d failures in last 24h (>3)", r.FailuresLast24h))
	}
	if r.CloudEnabled && r.CloudObjectCount == 0 {
		criticalReasons = append(criticalReasons, "cloud replication enabled but 0 objects in cloud storage")
	}
	if len(criticalReasons) > 0 {
		return HealthCritical, criticalReasons
	}

	if r.HoursSinceLastSuccess > 24 {
		warningReasons = append(warningReasons, fmt.Sprintf("%.1fh since last successful backup (>24h)", r.HoursSinceLastSuccess))
	}
	if r.FailureRate > 0.10 {
		warningReasons = append(warningReasons, fmt.Sprintf("failure rate %.0f%% (>10%%)", r.FailureRate*100))
	}
	if r.LastSuccessfulRun != nil && r.LastSuccessfulRun.TotalSize < 1<<20 {
		warningReasons = append(warningReasons, fmt.Sprintf("last successful backup was %d bytes (<1 MiB)", r.LastSuccessfulRun.TotalSize))
	}
	if len(warningReasons) > 0 {
		return HealthWarning, warningReasons
	}

	return HealthHealthy, nil
}

// Dispatch sends an alert through the configured Notifier when report
// is not healthy. Healthy reports are not notified.
func (e *Engine) Dispatch(ctx context.Context, report *HealthReport) error {
	if report.Level == HealthHealthy || e.Notifier == nil {
		return nil
	}
	priority := PriorityWarning
	if report.Level == HealthCritical {
		priority = PriorityCritical
	}
	subject := fmt.Sprintf("backup health: %s", report.Level)
	body := fmt.Sprintf("level=%s reasons=%v hoursSinceLastSuccess=%.1f failureRate=%.2f", report.Level, report.Reasons, report.HoursSinceLastSuccess, report.FailureRate)
	return e.Notifier.Send(ctx, subject, body, priority)
}

// DailyReportFor builds the report of the runs started during the
// calendar day that contains day, per spec §4.J.
func (e *Engine) DailyReportFor(ctx context.Context, day time.Time) (*DailyReport, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	runs, err := e.Registry.Recent(ctx, 1000)
	if err != nil {
		return nil, fmt.Errorf("load runs for daily report: %w", err)
	}

	report := &DailyReport{Date: start.Format("2006-01-02")}
	for _, r := range runs {
		if r.StartedAt.Before(start) || !r.StartedAt.Before(end) {
			continue
		}
		report.Runs = append(report.Runs, r)
		report.TotalRuns++
		report.TotalBytes += r.TotalSize
		switch r.Status {
		case registry.StatusCompleted:
			report.Succeeded++
		case registry.StatusFailed:
			report.Failed++
		}
	}
	return report, nil
}

// SendDailyReport renders and dispatches the daily report as a system
// priority notification.
func (e *Engine) SendDailyReport(ctx context.Context, day time.Time) error {
	if e.Notifier == nil {
		return nil
	}
	report, err := e.DailyReportFor(ctx, day)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("backup daily report: %s", report.Date)
	body := fmt.Sprintf("runs=%d succeeded=%d failed=%d totalBytes=%d", report.TotalRuns, report.Succeeded, report.Failed, report.TotalBytes)
	return e.Notifier.Send(ctx, subject, body, PrioritySystem)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
