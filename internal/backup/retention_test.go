package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/backup-core/internal/registry"
)

func newExpiredRun(t *testing.T, baseDir string, backupID string, expiresAt time.Time) *registry.BackupRun {
	t.Helper()
	path := filepath.Join(baseDir, backupID+".tar.gz.enc")
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0600))
	return &registry.BackupRun{
		BackupID:  backupID,
		Type:      registry.RunTypeDaily,
		Status:    registry.StatusCompleted,
		FinalPath: path,
		Retention: registry.RetentionState{Policy: registry.RetentionDaily, ExpiresAt: expiresAt},
	}
}

func TestApplyRetentionRemovesOnlyExpiredArtifacts(t *testing.T) {
	store := &fakeStore{}
	engine := newTestEngine(t, store)
	now := engine.Now()

	expired := newExpiredRun(t, engine.BaseDir, "daily-backup-old", now.Add(-time.Hour))
	fresh := newExpiredRun(t, engine.BaseDir, "daily-backup-fresh", now.Add(24*time.Hour))
	store.created = append(store.created, expired, fresh)

	report, err := engine.ApplyRetention(context.Background())
	require.NoError(t, err)

	assert.Len(t, report.Deleted, 1)
	assert.Equal(t, "daily-backup-old", report.Deleted[0].BackupID)
	assert.Empty(t, report.Failed)

	_, statErr := os.Stat(expired.FinalPath)
	assert.True(t, os.IsNotExist(statErr), "expired artifact should be removed from disk")
	assert.False(t, expired.Retention.DeletedAt.IsZero())

	require.FileExists(t, fresh.FinalPath)
	assert.True(t, fresh.Retention.DeletedAt.IsZero())
}

func TestApplyRetentionTwiceInARowIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	engine := newTestEngine(t, store)
	now := engine.Now()

	expired := newExpiredRun(t, engine.BaseDir, "daily-backup-old", now.Add(-time.Hour))
	store.created = append(store.created, expired)

	first, err := engine.ApplyRetention(context.Background())
	require.NoError(t, err)
	assert.Len(t, first.Deleted, 1)

	second, err := engine.ApplyRetention(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Deleted, "a run already marked deletedAt must not be found by Expired again")
}

func TestApplyRetentionDeletesCloudCopyWhenUploaded(t *testing.T) {
	store := &fakeStore{}
	engine := newTestEngine(t, store)
	now := engine.Now()
	cloud := &listingCloudStore{fakeCloudStore: fakeCloudStore{configured: true}}
	engine.ObjectStore = cloud

	expired := newExpiredRun(t, engine.BaseDir, "daily-backup-old", now.Add(-time.Hour))
	expired.Cloud = registry.CloudState{Uploaded: true, ObjectKey: "backups/2026-07-30/daily-backup-old/daily-backup-old.tar.gz.enc"}
	store.created = append(store.created, expired)

	_, err := engine.ApplyRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/2026-07-30/daily-backup-old/daily-backup-old.tar.gz.enc"}, cloud.deleted)
}

func TestRotateKeyInstallsNewKeyAndWritesAuditRecord(t *testing.T) {
	store := &fakeStore{}
	engine := newTestEngine(t, store)
	oldKey := append([]byte(nil), engine.EncryptionKey...)
	newKey := testKeyOfByte(0xAB)

	rec, err := engine.RotateKey(context.Background(), newKey)
	require.NoError(t, err)

	assert.Equal(t, newKey, engine.EncryptionKey)
	assert.NotEqual(t, oldKey, engine.EncryptionKey)
	assert.NotEmpty(t, rec.OldKeyHex)
	assert.NotEmpty(t, rec.NewKeyHex)

	require.FileExists(t, filepath.Join(engine.BaseDir, "metadata", "key-rotation.json"))
	require.FileExists(t, filepath.Join(engine.BaseDir, "key-state.json"))

	active, ok, err := LoadActiveKey(engine.BaseDir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newKey, active)

	history, err := RotationHistory(engine.BaseDir)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRotateKeyAppendsToExistingHistory(t *testing.T) {
	store := &fakeStore{}
	engine := newTestEngine(t, store)

	_, err := engine.RotateKey(context.Background(), testKeyOfByte(0x01))
	require.NoError(t, err)
	_, err = engine.RotateKey(context.Background(), testKeyOfByte(0x02))
	require.NoError(t, err)

	history, err := RotationHistory(engine.BaseDir)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestLoadActiveKeyFalseWhenNeverRotated(t *testing.T) {
	_, ok, err := LoadActiveKey(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRotateKeyRejectsWrongSize(t *testing.T) {
	store := &fakeStore{}
	engine := newTestEngine(t, store)

	_, err := engine.RotateKey(context.Background(), []byte("too-short"))
	assert.Error(t, err)
}

func testKeyOfByte(b byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = b
	}
	return key
}
