package licensecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetReturnsFalseForUnknownTenant(t *testing.T) {
	s := NewStore(testSecret)
	_, ok := s.Get("unknown")
	assert.False(t, ok)
}

func TestStoreSyncCreatesRecordOnFirstSync(t *testing.T) {
	s := NewStore(testSecret)
	now := time.Now()
	quick := QuickAccess{Status: StatusActive, ExpiresAt: now.Add(time.Hour)}

	err := s.Sync("tenant-1", "lic-1", "NUM-1", []byte("payload"), testKey(), quick, now)
	require.NoError(t, err)

	record, ok := s.Get("tenant-1")
	require.True(t, ok)
	assert.Equal(t, "lic-1", record.LicenseID)
	assert.True(t, record.IsValid(now, testSecret))
}

func TestStoreSyncFailedRequiresExistingRecord(t *testing.T) {
	s := NewStore(testSecret)
	err := s.SyncFailed("tenant-1", assertionError("unreachable"), time.Now())
	require.Error(t, err)
}

func TestStoreSyncFailedEnablesOfflineAfterThreeFailures(t *testing.T) {
	s := NewStore(testSecret)
	now := time.Now()
	quick := QuickAccess{Status: StatusActive, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.Sync("tenant-1", "lic-1", "NUM-1", []byte("payload"), testKey(), quick, now))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SyncFailed("tenant-1", assertionError("unreachable"), now))
	}

	record, ok := s.Get("tenant-1")
	require.True(t, ok)
	assert.True(t, record.Offline.Enabled)
}

func TestStoreGetReturnsACopyNotTheLiveRecord(t *testing.T) {
	s := NewStore(testSecret)
	now := time.Now()
	quick := QuickAccess{Status: StatusActive, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.Sync("tenant-1", "lic-1", "NUM-1", []byte("payload"), testKey(), quick, now))

	record, _ := s.Get("tenant-1")
	record.Quick.MaxUsers = 42

	fresh, _ := s.Get("tenant-1")
	assert.NotEqual(t, 42, fresh.Quick.MaxUsers)
}

type assertionError string

func (e assertionError) Error() string { return string(e) }
