package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/savegress/backup-core/internal/backup"
	"github.com/savegress/backup-core/internal/registry"
	"github.com/savegress/backup-core/internal/scheduler"
)

const schedulerDrainTimeout = 60 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler-driven server process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		d, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		backupEngine, err := d.backupEngine()
		if err != nil {
			return fmt.Errorf("build backup engine: %w", err)
		}
		verifyEngine, err := d.verifyEngine()
		if err != nil {
			return fmt.Errorf("build verify engine: %w", err)
		}
		monitorEngine := d.monitorEngine()
		cache := d.licenseCache()
		syncEngine := d.licenseSyncEngine(cache, nil)

		handlers := scheduler.Handlers{
			DailyBackup:   runBackupJob(backupEngine, registry.RunTypeDaily),
			WeeklyBackup:  runBackupJob(backupEngine, registry.RunTypeWeekly),
			MonthlyBackup: runBackupJob(backupEngine, registry.RunTypeMonthly),

			RetentionApply: func(ctx context.Context) error {
				_, err := backupEngine.ApplyRetention(ctx)
				return err
			},

			KeyRotation: func(ctx context.Context) error {
				key := make([]byte, 32)
				if _, err := rand.Read(key); err != nil {
					return fmt.Errorf("generate rotation key: %w", err)
				}
				_, err := backupEngine.RotateKey(ctx, key)
				return err
			},

			AutomatedVerification: func(ctx context.Context) error {
				runs, err := d.registryStore().Recent(ctx, 20)
				if err != nil {
					return fmt.Errorf("load recent runs: %w", err)
				}
				for _, run := range runs {
					if run.Status != registry.StatusCompleted || !run.Retention.DeletedAt.IsZero() {
						continue
					}
					if _, err := verifyEngine.Verify(ctx, run.BackupID, false); err != nil {
						d.logger.Warn().Err(err).Str("backupId", run.BackupID).Msg("automated verification failed")
					}
				}
				return nil
			},

			DailyReport: func(ctx context.Context) error {
				return monitorEngine.SendDailyReport(ctx, time.Now().AddDate(0, 0, -1))
			},

			CloudCleanup: func(ctx context.Context) error {
				_, err := backupEngine.CleanupOrphanedCloudObjects(ctx)
				return err
			},

			LicenseSync: func(ctx context.Context) error {
				var lastErr error
				for _, tenantID := range cache.Tenants() {
					if err := syncEngine.SyncTenant(ctx, tenantID); err != nil {
						d.logger.Warn().Err(err).Str("tenantId", tenantID).Msg("license sync failed")
						lastErr = err
					}
				}
				return lastErr
			},

			LicenseValidation: func(ctx context.Context) error {
				var lastErr error
				for _, tenantID := range cache.Tenants() {
					if _, err := syncEngine.Validate(ctx, tenantID, nil); err != nil {
						d.logger.Warn().Err(err).Str("tenantId", tenantID).Msg("license validation failed")
						lastErr = err
					}
				}
				return lastErr
			},

			ExpiredOfflineCleanup: func(ctx context.Context) error {
				now := time.Now()
				for _, tenantID := range cache.Tenants() {
					record, ok := cache.Get(tenantID)
					if !ok || record.Offline.GracePeriodUntil.IsZero() || now.Before(record.Offline.GracePeriodUntil) {
						continue
					}
					if _, err := syncEngine.Validate(ctx, tenantID, nil); err != nil {
						d.logger.Warn().Err(err).Str("tenantId", tenantID).Msg("expired-offline re-validation failed")
					}
				}
				return nil
			},

			LogRetentionCleanup: func(ctx context.Context) error {
				d.logger.Info().Msg("log retention cleanup: nothing to prune, process logs go to stdout")
				return nil
			},

			WeeklyIntegrityCheck: func(ctx context.Context) error {
				for _, kind := range []registry.RunType{registry.RunTypeDaily, registry.RunTypeWeekly, registry.RunTypeMonthly} {
					runs, err := d.registryStore().ByType(ctx, kind)
					if err != nil {
						return fmt.Errorf("load runs for %s: %w", kind, err)
					}
					for i, run := range runs {
						if i >= 3 || run.Status != registry.StatusCompleted {
							continue
						}
						if _, err := verifyEngine.Verify(ctx, run.BackupID, false); err != nil {
							d.logger.Warn().Err(err).Str("backupId", run.BackupID).Msg("weekly integrity check failed")
						}
					}
				}
				return nil
			},

			MonthlyStorageReport: func(ctx context.Context) error {
				now := time.Now()
				since := now.AddDate(0, -1, 0)
				stats, err := d.registryStore().StatsByType(ctx, since, now)
				if err != nil {
					return fmt.Errorf("load monthly stats: %w", err)
				}

				var cloudUsedBytes int64
				if d.cloud != nil && d.cloud.Configured() {
					cloudStats, err := d.cloud.StatsUnder(ctx, "backups/")
					if err == nil {
						cloudUsedBytes = cloudStats.TotalSize
					}
				}

				for _, s := range stats {
					d.logger.Info().
						Str("type", string(s.Type)).
						Int("count", s.Count).
						Int("successCount", s.SuccessCount).
						Float64("averageSize", s.AverageSize).
						Dur("averageDuration", s.AverageDuration).
						Msg("monthly storage report")
				}
				d.logger.Info().Int64("cloudUsedBytes", cloudUsedBytes).Msg("monthly storage report: cloud usage")
				return nil
			},
		}

		enabled := scheduler.EnabledSet{
			scheduler.JobDailyBackup:           true,
			scheduler.JobRetentionApply:        true,
			scheduler.JobWeeklyBackup:          true,
			scheduler.JobMonthlyBackup:         true,
			scheduler.JobKeyRotation:           true,
			scheduler.JobAutomatedVerification: true,
			scheduler.JobDailyReport:           true,
			scheduler.JobCloudCleanup:          true,
			scheduler.JobLicenseSync:           true,
			scheduler.JobLicenseValidation:     true,
			scheduler.JobExpiredOfflineCleanup: true,
			scheduler.JobLogRetentionCleanup:   true,
			scheduler.JobWeeklyIntegrityCheck:  true,
			scheduler.JobMonthlyStorageReport:  true,
		}

		sched := scheduler.New(d.redis, d.logger, schedulerDrainTimeout)
		if err := scheduler.RegisterDefaultJobs(sched, handlers, enabled); err != nil {
			return fmt.Errorf("register jobs: %w", err)
		}

		sched.Start()
		d.logger.Info().Msg("scheduler started")

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		d.logger.Info().Msg("shutting down, draining in-flight jobs")
		sched.Stop()
		return nil
	},
}

func runBackupJob(engine *backup.Engine, kind registry.RunType) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := engine.Run(ctx, kind, registry.TriggerScheduled, "")
		return err
	}
}
