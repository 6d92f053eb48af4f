package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Sync and validate tenant licenses against the license authority",
}

var licenseSyncCmd = &cobra.Command{
	Use:   "sync <tenantId>",
	Short: "Fetch and cache a tenant's current license",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		cache := d.licenseCache()
		engine := d.licenseSyncEngine(cache, nil)

		if err := engine.SyncTenant(ctx, args[0]); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		record, _ := cache.Get(args[0])
		fmt.Printf("tenant=%s licenseId=%s status=%s expiresAt=%s\n", args[0], record.LicenseID, record.Quick.Status, record.Quick.ExpiresAt)
		return nil
	},
}

var licenseValidateCmd = &cobra.Command{
	Use:   "validate <tenantId>",
	Short: "Validate a tenant's cached license online, falling back to offline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		cache := d.licenseCache()
		engine := d.licenseSyncEngine(cache, nil)

		outcome, err := engine.Validate(ctx, args[0], nil)
		if err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}

		fmt.Printf("tenant=%s valid=%t online=%t reason=%s\n", args[0], outcome.Valid, outcome.Online, outcome.Reason)
		return nil
	},
}

func init() {
	licenseCmd.AddCommand(licenseSyncCmd, licenseValidateCmd)
}
