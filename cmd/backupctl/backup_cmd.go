package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/savegress/backup-core/internal/registry"
)

var (
	runType        string
	runTriggerUser string
	restorePhase   bool
	restoreStaging string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Run, verify, and restore backups",
}

var backupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a backup pipeline now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var kind registry.RunType
		switch runType {
		case "daily":
			kind = registry.RunTypeDaily
		case "weekly":
			kind = registry.RunTypeWeekly
		case "monthly":
			kind = registry.RunTypeMonthly
		case "emergency":
			kind = registry.RunTypeEmergency
		default:
			return fmt.Errorf("unknown --type %q (want daily, weekly, monthly, or emergency)", runType)
		}

		d, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		engine, err := d.backupEngine()
		if err != nil {
			return err
		}

		run, err := engine.Run(ctx, kind, registry.TriggerManual, runTriggerUser)
		if err != nil {
			return fmt.Errorf("backup run failed: %w", err)
		}

		fmt.Printf("backupId=%s status=%s finalPath=%s totalSize=%d\n", run.BackupID, run.Status, run.FinalPath, run.TotalSize)
		return nil
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backupId>",
	Short: "Run the multi-phase verification report against a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		verifyEngine, err := d.verifyEngine()
		if err != nil {
			return err
		}

		report, err := verifyEngine.Verify(ctx, args[0], restorePhase)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		fmt.Printf("backupId=%s overallScore=%.1f status=%s\n", report.BackupID, report.OverallScore, report.Status)
		for _, phase := range report.Phases {
			fmt.Printf("  %-14s score=%.1f status=%s\n", phase.Name, phase.Score, phase.Status)
		}
		for _, rec := range report.Recommendations {
			fmt.Printf("  recommendation: %s\n", rec)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backupId>",
	Short: "Decrypt and extract a completed backup into a staging directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		key, err := d.encryptionKey()
		if err != nil {
			return err
		}

		stagingDir := restoreStaging
		if stagingDir == "" {
			stagingDir = d.cfg.BaseDir + "/restore-staging"
		}

		if err := d.recoveryEngine().RestoreFromBackup(ctx, args[0], stagingDir, key, nil, nil); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("backupId=%s restored\n", args[0])
		return nil
	},
}

var backupRetentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Retention policy operations",
}

var backupRetentionApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Delete artifacts past their retention horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		engine, err := d.backupEngine()
		if err != nil {
			return err
		}

		report, err := engine.ApplyRetention(ctx)
		if err != nil {
			return fmt.Errorf("apply retention failed: %w", err)
		}

		fmt.Printf("deleted=%d failed=%d\n", len(report.Deleted), len(report.Failed))
		return nil
	},
}

func init() {
	backupRunCmd.Flags().StringVar(&runType, "type", "daily", "daily, weekly, monthly, or emergency")
	backupRunCmd.Flags().StringVar(&runTriggerUser, "user", "", "user id to attribute the run to")
	backupVerifyCmd.Flags().BoolVar(&restorePhase, "restore-phase", false, "also run the restoration verification phase")
	backupRestoreCmd.Flags().StringVar(&restoreStaging, "staging-dir", "", "directory to extract the restored archive into")

	backupRetentionCmd.AddCommand(backupRetentionApplyCmd)
	backupCmd.AddCommand(backupRunCmd, backupVerifyCmd, backupRestoreCmd, backupRetentionCmd)
}
