package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// NOTE: exercising Store's queries requires a live Postgres connection;
// these tests cover the pieces that don't.

func TestNewStore(t *testing.T) {
	store := NewStore(nil)
	assert.NotNil(t, store)
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))

	now := time.Now()
	assert.Equal(t, now, nullTime(now))
}

func TestDecodeRunRoundTrip(t *testing.T) {
	run := &BackupRun{
		BackupID:  "daily-backup-2026-07-31T02-30-00",
		Type:      RunTypeDaily,
		Trigger:   TriggerScheduled,
		Status:    StatusCompleted,
		StartedAt: time.Now().UTC(),
		Checksums: map[string]string{"primary-db": "abc123"},
	}

	payload, err := json.Marshal(run)
	assert.NoError(t, err)

	decoded, err := decodeRun(payload)
	assert.NoError(t, err)
	assert.Equal(t, run.BackupID, decoded.BackupID)
	assert.Equal(t, run.Checksums["primary-db"], decoded.Checksums["primary-db"])
}

func TestDecodeRunRejectsMalformedPayload(t *testing.T) {
	_, err := decodeRun([]byte("not json"))
	assert.Error(t, err)
}
