package backup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/backup-core/internal/objectstore"
	"github.com/savegress/backup-core/internal/registry"
)

type listingCloudStore struct {
	fakeCloudStore
	objects []objectstore.ObjectInfo
	deleted []string
}

func (f *listingCloudStore) List(context.Context, string) ([]objectstore.ObjectInfo, error) {
	return f.objects, nil
}

func (f *listingCloudStore) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func TestCleanupOrphanedCloudObjectsRemovesUnknownKeys(t *testing.T) {
	store := &fakeStore{created: []*registry.BackupRun{
		{BackupID: "daily-backup-1", Cloud: registry.CloudState{Uploaded: true, ObjectKey: "backups/2026-07-30/daily-backup-1/a.tar.gz.enc"}},
	}}
	engine := newTestEngine(t, store)
	cloud := &listingCloudStore{
		fakeCloudStore: fakeCloudStore{configured: true},
		objects: []objectstore.ObjectInfo{
			{Key: "backups/2026-07-30/daily-backup-1/a.tar.gz.enc"},
			{Key: "backups/2026-07-01/orphaned-backup/a.tar.gz.enc"},
		},
	}
	engine.ObjectStore = cloud

	report, err := engine.CleanupOrphanedCloudObjects(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, []string{"backups/2026-07-01/orphaned-backup/a.tar.gz.enc"}, report.Removed)
	assert.Equal(t, []string{"backups/2026-07-01/orphaned-backup/a.tar.gz.enc"}, cloud.deleted)
}

func TestCleanupOrphanedCloudObjectsNoopWhenNotConfigured(t *testing.T) {
	store := &fakeStore{}
	engine := newTestEngine(t, store)
	engine.ObjectStore = &fakeCloudStore{configured: false}

	report, err := engine.CleanupOrphanedCloudObjects(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, report.Removed)
}
