package backup

import (
	"context"
	"fmt"

	"github.com/savegress/backup-core/internal/errs"
)

// CloudCleanupReport is the result of one CleanupOrphanedCloudObjects pass.
type CloudCleanupReport struct {
	Scanned int
	Removed []string
}

// CleanupOrphanedCloudObjects removes cloud objects under the
// "backups/" prefix that no known registry entry references — the
// weekly cloud-cleanup job's job. A registry entry's Cloud.ObjectKey
// only gets set once an upload verifies, so any object key outside
// that set was either a crash-interrupted upload or left behind by a
// registry entry that retention has already purged.
func (e *Engine) CleanupOrphanedCloudObjects(ctx context.Context) (*CloudCleanupReport, error) {
	report := &CloudCleanupReport{}
	if e.ObjectStore == nil || !e.ObjectStore.Configured() {
		return report, nil
	}

	objects, err := e.ObjectStore.List(ctx, "backups/")
	if err != nil {
		return report, errs.Remote("cloud-cleanup", fmt.Errorf("list objects: %w", err))
	}
	report.Scanned = len(objects)

	runs, err := e.Registry.Recent(ctx, 100000)
	if err != nil {
		return report, errs.IO("cloud-cleanup", fmt.Errorf("list registry entries: %w", err))
	}
	known := make(map[string]bool, len(runs))
	for _, run := range runs {
		if run.Cloud.Uploaded && run.Cloud.ObjectKey != "" {
			known[run.Cloud.ObjectKey] = true
		}
	}

	for _, obj := range objects {
		if known[obj.Key] {
			continue
		}
		if err := e.ObjectStore.Delete(ctx, obj.Key); err != nil {
			e.Logger.Warn().Err(err).Str("objectKey", obj.Key).Msg("cloud cleanup: failed to remove orphaned object")
			continue
		}
		report.Removed = append(report.Removed, obj.Key)
	}

	return report, nil
}
