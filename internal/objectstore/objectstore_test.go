package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutCredentialsIsUnconfigured(t *testing.T) {
	client, err := New(context.Background(), Config{Bucket: "backups"})
	require.NoError(t, err)
	assert.False(t, client.Configured())
}

func TestUnconfiguredOperationsReturnRemoteError(t *testing.T) {
	client, err := New(context.Background(), Config{})
	require.NoError(t, err)

	_, err = client.Upload(context.Background(), "/tmp/does-not-matter", "backups/2026-07-31/b-1/file.tar.gz.enc", nil)
	require.Error(t, err)

	_, err = client.Download(context.Background(), "backups/2026-07-31/b-1/file.tar.gz.enc", "/tmp/out")
	require.Error(t, err)

	_, err = client.List(context.Background(), "backups/")
	require.Error(t, err)

	assert.False(t, client.TestConnection(context.Background()))
}

func TestObjectKeyFormat(t *testing.T) {
	ts := time.Date(2026, 7, 31, 2, 30, 0, 0, time.UTC)
	key := ObjectKey(ts, "daily-backup-2026-07-31T02-30-00", "daily-backup-2026-07-31T02-30-00.tar.gz.enc")
	assert.Equal(t, "backups/2026-07-31/daily-backup-2026-07-31T02-30-00/daily-backup-2026-07-31T02-30-00.tar.gz.enc", key)
}
