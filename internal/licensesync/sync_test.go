package licensesync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/backup-core/internal/licensecache"
)

const testSecret = "process-secret"

func testKey() []byte {
	key := [32]byte{}
	for i := range key {
		key[i] = byte(i)
	}
	return key[:]
}

type fakeTenantStore struct {
	suspended    []string
	reactivated  []string
	suspendErr   error
	reactivateErr error
}

func (f *fakeTenantStore) Suspend(ctx context.Context, tenantID, cause string) error {
	if f.suspendErr != nil {
		return f.suspendErr
	}
	f.suspended = append(f.suspended, tenantID)
	return nil
}

func (f *fakeTenantStore) Reactivate(ctx context.Context, tenantID, cause string) error {
	if f.reactivateErr != nil {
		return f.reactivateErr
	}
	f.reactivated = append(f.reactivated, tenantID)
	return nil
}

func TestSyncTenantPopulatesCacheOnSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(CompanyLicenseResponse{
			LicenseID:     "lic-1",
			LicenseNumber: "NUM-1",
			LicenseData:   json.RawMessage(`{"seats":5}`),
			EncryptionKey: hex.EncodeToString(testKey()),
			LicenseType:   "enterprise",
			Status:        "active",
			ExpiresAt:     time.Now().Add(30 * 24 * time.Hour),
		})
	}))
	defer server.Close()

	cache := licensecache.NewStore(testSecret)
	engine := New(NewClient(server.URL, ""), cache, nil)

	require.NoError(t, engine.SyncTenant(context.Background(), "tenant-1"))

	record, ok := cache.Get("tenant-1")
	require.True(t, ok)
	assert.Equal(t, "lic-1", record.LicenseID)
}

func TestSyncTenantRejectsConcurrentSync(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		_ = json.NewEncoder(w).Encode(CompanyLicenseResponse{LicenseID: "lic-1", ExpiresAt: time.Now().Add(time.Hour)})
	}))
	defer server.Close()

	cache := licensecache.NewStore(testSecret)
	engine := New(NewClient(server.URL, ""), cache, nil)

	done := make(chan error, 1)
	go func() { done <- engine.SyncTenant(context.Background(), "tenant-1") }()
	time.Sleep(20 * time.Millisecond)

	err := engine.SyncTenant(context.Background(), "tenant-2")
	require.Error(t, err)

	close(block)
	<-done
}

func TestValidateOnlineValidReactivatesSuspendedTenant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(ValidateResponse{Valid: true, Status: "active"})
	}))
	defer server.Close()

	cache := licensecache.NewStore(testSecret)
	now := time.Now()
	require.NoError(t, cache.Sync("tenant-1", "lic-1", "NUM-1", []byte("payload"), testKey(),
		licensecache.QuickAccess{Status: licensecache.StatusSuspended, ExpiresAt: now.Add(time.Hour)}, now))

	tenantStore := &fakeTenantStore{}
	engine := New(NewClient(server.URL, ""), cache, tenantStore)
	engine.Now = func() time.Time { return now }

	outcome, err := engine.Validate(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.True(t, outcome.Online)
	assert.Contains(t, tenantStore.reactivated, "tenant-1")
}

func TestValidateOnlineInvalidExpiredSuspendsTenant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(ValidateResponse{Valid: false, Reason: ReasonLicenseExpired})
	}))
	defer server.Close()

	cache := licensecache.NewStore(testSecret)
	now := time.Now()
	require.NoError(t, cache.Sync("tenant-1", "lic-1", "NUM-1", []byte("payload"), testKey(),
		licensecache.QuickAccess{Status: licensecache.StatusActive, ExpiresAt: now.Add(time.Hour)}, now))

	tenantStore := &fakeTenantStore{}
	engine := New(NewClient(server.URL, ""), cache, tenantStore)
	engine.Now = func() time.Time { return now }

	outcome, err := engine.Validate(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
	assert.Contains(t, tenantStore.suspended, "tenant-1")
}

func TestValidateFallsBackToOfflineWhenAuthorityUnreachable(t *testing.T) {
	cache := licensecache.NewStore(testSecret)
	now := time.Now()
	require.NoError(t, cache.Sync("tenant-1", "lic-1", "NUM-1", []byte("payload"), testKey(),
		licensecache.QuickAccess{Status: licensecache.StatusActive, ExpiresAt: now.Add(time.Hour)}, now))
	require.NoError(t, cache.WithMutation("tenant-1", now, func(r *licensecache.Record) (*licensecache.Record, error) {
		r.EnableOffline(now, 72)
		return r, nil
	}))

	engine := New(NewClient("http://127.0.0.1:0", ""), cache, nil)
	engine.Now = func() time.Time { return now }

	outcome, err := engine.Validate(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Valid)
	assert.False(t, outcome.Online)
}

func TestValidateOfflineFailsWhenQuotaExhausted(t *testing.T) {
	cache := licensecache.NewStore(testSecret)
	now := time.Now()
	require.NoError(t, cache.Sync("tenant-1", "lic-1", "NUM-1", []byte("payload"), testKey(),
		licensecache.QuickAccess{Status: licensecache.StatusActive, ExpiresAt: now.Add(time.Hour)}, now))
	require.NoError(t, cache.WithMutation("tenant-1", now, func(r *licensecache.Record) (*licensecache.Record, error) {
		r.EnableOffline(now, 72)
		r.Offline.ValidationsRemaining = 0
		return r, nil
	}))

	engine := New(NewClient("http://127.0.0.1:0", ""), cache, nil)
	engine.Now = func() time.Time { return now }

	outcome, err := engine.Validate(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
	assert.NotEmpty(t, outcome.Reason)
}

func TestValidateUnknownTenantReturnsInvalidNoError(t *testing.T) {
	cache := licensecache.NewStore(testSecret)
	engine := New(NewClient("http://127.0.0.1:0", ""), cache, nil)

	outcome, err := engine.Validate(context.Background(), "missing-tenant", nil)
	require.NoError(t, err)
	assert.False(t, outcome.Valid)
}
