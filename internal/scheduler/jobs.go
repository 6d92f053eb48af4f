package scheduler

// Standard cron expressions for the fixed job set, per spec §4.I.
// RegisterDefaultJobs always uses these; no configuration setting
// overrides them, and the job set itself is closed.
const (
	ExprDailyBackup           = "0 30 2 * * *"
	ExprRetentionApply        = "0 0 3 * * *"
	ExprWeeklyBackup          = "0 0 1 * * 0"
	ExprMonthlyBackup         = "0 30 0 1 * *"
	ExprKeyRotation           = "0 0 4 1 * *"
	ExprAutomatedVerification = "0 30 4 * * *"
	ExprDailyReport           = "0 0 6 * * *"
	ExprCloudCleanup          = "0 0 5 * * 0"
	ExprLicenseSync           = "0 0 */6 * * *"
	ExprLicenseValidation     = "0 */15 * * * *"
	ExprExpiredOfflineCleanup = "0 0 * * * *"
	ExprLogRetentionCleanup   = "0 0 2 * * *"
	ExprWeeklyIntegrityCheck  = "0 0 3 * * 0"
	ExprMonthlyStorageReport  = "0 0 4 1 * *"
)

// Job names, used as registry keys, log fields, and distributed lock
// names. Stable across releases: operators reference them in config to
// enable or disable individual jobs.
const (
	JobDailyBackup           = "daily-backup"
	JobRetentionApply        = "retention-apply"
	JobWeeklyBackup          = "weekly-backup"
	JobMonthlyBackup         = "monthly-backup"
	JobKeyRotation           = "key-rotation"
	JobAutomatedVerification = "automated-verification"
	JobDailyReport           = "daily-report"
	JobCloudCleanup          = "cloud-cleanup"
	JobLicenseSync           = "license-sync"
	JobLicenseValidation     = "license-validation"
	JobExpiredOfflineCleanup = "expired-offline-cleanup"
	JobLogRetentionCleanup   = "log-retention-cleanup"
	JobWeeklyIntegrityCheck  = "weekly-integrity-check"
	JobMonthlyStorageReport  = "monthly-storage-report"
)

// Handlers is the set of callbacks the scheduler dispatches into. Each
// field corresponds to one named job; a nil field disables that job
// regardless of its Enabled flag, so a caller can wire only the jobs it
// has the dependencies for.
type Handlers struct {
	DailyBackup           JobFunc
	RetentionApply        JobFunc
	WeeklyBackup          JobFunc
	MonthlyBackup         JobFunc
	KeyRotation           JobFunc
	AutomatedVerification JobFunc
	DailyReport           JobFunc
	CloudCleanup          JobFunc
	LicenseSync           JobFunc
	LicenseValidation     JobFunc
	ExpiredOfflineCleanup JobFunc
	LogRetentionCleanup   JobFunc
	WeeklyIntegrityCheck  JobFunc
	MonthlyStorageReport  JobFunc
}

// EnabledSet names which jobs are enabled, keyed by job name. A job
// absent from the set is treated as disabled.
type EnabledSet map[string]bool

// RegisterDefaultJobs registers the full fixed job set against s, using
// the cron expressions in this file and the enablement recorded in
// enabled. Handlers left nil are skipped with no error, so partially
// configured deployments (e.g. no license server reachable) still start.
func RegisterDefaultJobs(s *Scheduler, h Handlers, enabled EnabledSet) error {
	defs := []struct {
		name       string
		expression string
		fn         JobFunc
	}{
		{JobDailyBackup, ExprDailyBackup, h.DailyBackup},
		{JobRetentionApply, ExprRetentionApply, h.RetentionApply},
		{JobWeeklyBackup, ExprWeeklyBackup, h.WeeklyBackup},
		{JobMonthlyBackup, ExprMonthlyBackup, h.MonthlyBackup},
		{JobKeyRotation, ExprKeyRotation, h.KeyRotation},
		{JobAutomatedVerification, ExprAutomatedVerification, h.AutomatedVerification},
		{JobDailyReport, ExprDailyReport, h.DailyReport},
		{JobCloudCleanup, ExprCloudCleanup, h.CloudCleanup},
		{JobLicenseSync, ExprLicenseSync, h.LicenseSync},
		{JobLicenseValidation, ExprLicenseValidation, h.LicenseValidation},
		{JobExpiredOfflineCleanup, ExprExpiredOfflineCleanup, h.ExpiredOfflineCleanup},
		{JobLogRetentionCleanup, ExprLogRetentionCleanup, h.LogRetentionCleanup},
		{JobWeeklyIntegrityCheck, ExprWeeklyIntegrityCheck, h.WeeklyIntegrityCheck},
		{JobMonthlyStorageReport, ExprMonthlyStorageReport, h.MonthlyStorageReport},
	}

	for _, d := range defs {
		if d.fn == nil {
			continue
		}
		job := &Job{
			Name:       d.name,
			Expression: d.expression,
			Enabled:    enabled[d.name],
			Run:        d.fn,
		}
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}
