package licensesync

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/savegress/backup-core/internal/errs"
	"github.com/savegress/backup-core/internal/licensecache"
)

// TenantEvent is emitted to the external tenant store on a state
// transition, per §4.L.
type TenantEvent struct {
	TenantID  string    `json:"tenantId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Cause     string    `json:"cause"`
	Timestamp time.Time `json:"timestamp"`
}

// TenantStore is the external collaborator that owns tenant
// active/suspended state; out of scope per §1, consumed here through a
// narrow interface.
type TenantStore interface {
	Suspend(ctx context.Context, tenantID, cause string) error
	Reactivate(ctx context.Context, tenantID, cause string) error
}

// Engine runs sync passes and validations for a single process's set
// of tenants, backed by a shared License Cache store.
type Engine struct {
	Client      *Client
	Cache       *licensecache.Store
	TenantStore TenantStore
	Now         func() time.Time

	syncInFlight atomic.Bool
}

// New constructs a licensesync Engine.
func New(client *Client, cache *licensecache.Store, tenantStore TenantStore) *Engine {
	return &Engine{Client: client, Cache: cache, TenantStore: tenantStore, Now: time.Now}
}

// SyncTenant runs one sync pass for tenantID: fetch from the
// authority, update the cache on success, or record the failure and
// auto-enable offline mode after 3 consecutive failures. Only one sync
// may be in flight per process.
func (e *Engine) SyncTenant(ctx context.Context, tenantID string) error {
	if !e.syncInFlight.CompareAndSwap(false, true) {
		return errs.State("sync-tenant", fmt.Errorf("a sync pass is already in flight")).WithTenant(tenantID)
	}
	defer e.syncInFlight.Store(false)

	now := e.now()

	resp, err := e.Client.FetchCompanyLicense(ctx, tenantID)
	if err != nil {
		if syncErr := e.Cache.SyncFailed(tenantID, err, now); syncErr != nil {
			// No cached record to mark failed against yet; the fetch
			// error itself is the actionable failure.
			return err
		}
		return nil
	}

	key, err := hex.DecodeString(resp.EncryptionKey)
	if err != nil {
		return errs.Crypto("sync-tenant", fmt.Errorf("decode encryption key: %w", err)).WithTenant(tenantID)
	}
	quick := licensecache.QuickAccess{
		LicenseType:    licensecache.LicenseType(resp.LicenseType),
		Status:         licensecache.Status(resp.Status),
		ExpiresAt:      resp.ExpiresAt,
		MaxUsers:       resp.MaxUsers,
		EnabledModules: resp.Modules,
	}

	payload, err := json.Marshal(resp.LicenseData)
	if err != nil {
		return errs.Crypto("sync-tenant", fmt.Errorf("re-encode license data: %w", err)).WithTenant(tenantID)
	}

	return e.Cache.Sync(tenantID, resp.LicenseID, resp.LicenseNumber, payload, key, quick, now)
}

// ValidationOutcome is the result of Validate, independent of whether
// the online or offline path was taken.
type ValidationOutcome struct {
	Valid  bool
	Online bool
	Reason string
}

// Validate runs the online path if reachable, falling back to the
// offline path, per §4.L's two-path contract. It drives the cache's
// validation bookkeeping and any resulting tenant state transition.
func (e *Engine) Validate(ctx context.Context, tenantID string, usage map[string]any) (*ValidationOutcome, error) {
	now := e.now()

	record, ok := e.Cache.Get(tenantID)
	if !ok {
		return &ValidationOutcome{Valid: false, Reason: "no cached license for tenant"}, nil
	}

	if e.Client.Health(ctx) {
		resp, err := e.Client.ValidateOnline(ctx, record.LicenseID, usage)
		if err == nil {
			return e.applyOnlineOutcome(ctx, tenantID, resp, now)
		}
		// Authority reachable for health but validate call failed:
		// treat as unreachable and fall through to offline.
	}

	return e.applyOfflinePath(tenantID, now)
}

func (e *Engine) applyOnlineOutcome(ctx context.Context, tenantID string, resp *ValidateResponse, now time.Time) (*ValidationOutcome, error) {
	result := licensecache.ValidationValid
	if !resp.Valid {
		result = licensecache.ValidationInvalid
	}

	if err := e.Cache.WithMutation(tenantID, now, func(r *licensecache.Record) (*licensecache.Record, error) {
		if r == nil {
			return nil, licensecache.ErrNoRecord
		}
		r.RecordValidation(result, true, resp.Reason, now)
		if status, ok := quickStatusFor(resp); ok {
			r.Quick.Status = status
		}
		return r, nil
	}); err != nil {
		return nil, errs.State("validate-online", err).WithTenant(tenantID)
	}

	outcome := &ValidationOutcome{Valid: resp.Valid, Online: true, Reason: resp.Reason}

	if resp.Valid {
		if err := e.transitionIfSuspended(ctx, tenantID, "online-valid"); err != nil {
			return outcome, err
		}
		return outcome, nil
	}

	if resp.Reason == ReasonLicenseExpired || resp.Reason == ReasonLicenseRevoked {
		if err := e.transitionIfActive(ctx, tenantID, "online-invalid:"+resp.Reason); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// quickStatusFor derives the quick-access status the authority's verdict
// implies, preferring the explicit status field and falling back to the
// reason code for invalid verdicts that don't carry one.
func quickStatusFor(resp *ValidateResponse) (licensecache.Status, bool) {
	if resp.Status != "" {
		return licensecache.Status(resp.Status), true
	}
	switch resp.Reason {
	case ReasonLicenseExpired:
		return licensecache.StatusExpired, true
	case ReasonLicenseRevoked:
		return licensecache.StatusRevoked, true
	}
	return "", false
}

func (e *Engine) applyOfflinePath(tenantID string, now time.Time) (*ValidationOutcome, error) {
	valid, offlineUsable, err := e.Cache.CheckOfflineValidity(tenantID, now)
	if err != nil {
		return nil, errs.State("validate-offline", err).WithTenant(tenantID)
	}

	if valid && offlineUsable {
		if syncErr := e.Cache.WithMutation(tenantID, now, func(r *licensecache.Record) (*licensecache.Record, error) {
			if r == nil {
				return nil, licensecache.ErrNoRecord
			}
			r.RecordValidation(licensecache.ValidationValid, false, "", now)
			return r, nil
		}); syncErr != nil {
			return nil, errs.State("validate-offline", syncErr).WithTenant(tenantID)
		}
		return &ValidationOutcome{Valid: true, Online: false}, nil
	}

	reason := "offline validation unavailable: license inactive, expired, tampered, or offline quota exhausted"
	_ = e.Cache.WithMutation(tenantID, now, func(r *licensecache.Record) (*licensecache.Record, error) {
		if r == nil {
			return nil, licensecache.ErrNoRecord
		}
		r.RecordValidation(licensecache.ValidationInvalid, false, reason, now)
		return r, nil
	})
	return &ValidationOutcome{Valid: false, Online: false, Reason: reason}, nil
}

// transitionIfSuspended calls TenantStore.Reactivate on every
// online-valid outcome; the tenant's current state is not checked here.
func (e *Engine) transitionIfSuspended(ctx context.Context, tenantID, cause string) error {
	if e.TenantStore == nil {
		return nil
	}
	return e.TenantStore.Reactivate(ctx, tenantID, cause)
}

// transitionIfActive calls TenantStore.Suspend on every expired or
// revoked outcome; the tenant's current state is not checked here.
func (e *Engine) transitionIfActive(ctx context.Context, tenantID, cause string) error {
	if e.TenantStore == nil {
		return nil
	}
	return e.TenantStore.Suspend(ctx, tenantID, cause)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
