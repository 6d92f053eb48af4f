// Package licensecache maintains a locally-encrypted copy of each
// tenant's license: the quick-access fields used on the validation hot
// path, the sync/validation/offline bookkeeping that drives the
// Scheduler's sync and validation jobs, and the tamper-evident
// integrity hash that every mutation recomputes.
package licensecache

import "time"

// LicenseType is the tier a license grants.
type LicenseType string

const (
	LicenseTrial        LicenseType = "trial"
	LicenseStarter      LicenseType = "starter"
	LicenseProfessional LicenseType = "professional"
	LicenseEnterprise   LicenseType = "enterprise"
	LicenseUnlimited    LicenseType = "unlimited"
)

// Status is the current lifecycle state of a license.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusPending   Status = "pending"
)

// ValidationResult is the outcome recorded by recordValidation.
type ValidationResult string

const (
	ValidationValid   ValidationResult = "valid"
	ValidationInvalid ValidationResult = "invalid"
	ValidationExpired ValidationResult = "expired"
	ValidationError   ValidationResult = "error"
)

// CacheState tracks the encrypted payload's sync bookkeeping.
type CacheState struct {
	LastSyncedAt time.Time `json:"lastSyncedAt"`
	SyncVersion  int64     `json:"syncVersion"`
	EncVersion   int       `json:"encVersion"`
	Checksum     string    `json:"checksum"`
}

// QuickAccess holds the fields read on every hot-path check, so callers
// never need to decrypt the payload just to ask "is this tenant active".
type QuickAccess struct {
	LicenseType    LicenseType `json:"licenseType"`
	Status         Status      `json:"status"`
	ExpiresAt      time.Time   `json:"expiresAt"`
	MaxUsers       int         `json:"maxUsers"`
	EnabledModules []string    `json:"enabledModules"`
}

// ValidationState tracks the license's validation history.
type ValidationState struct {
	LastValidatedAt time.Time        `json:"lastValidatedAt"`
	Count           int64            `json:"count"`
	LastResult      ValidationResult `json:"lastResult,omitempty"`
	LastError       string           `json:"lastError,omitempty"`
	NextDueAt       time.Time        `json:"nextDueAt"`
}

// SyncState tracks sync attempts against the license authority.
type SyncState struct {
	LastAttemptAt   time.Time `json:"lastAttemptAt"`
	LastSuccessAt   time.Time `json:"lastSuccessAt"`
	FailureCount    int       `json:"failureCount"`
	LastError       string    `json:"lastError,omitempty"`
	NextScheduledAt time.Time `json:"nextScheduledAt"`
	RetryCount      int       `json:"retryCount"`
}

// OfflineState tracks the bounded offline-validation allowance.
type OfflineState struct {
	Enabled                bool      `json:"enabled"`
	GracePeriodUntil       time.Time `json:"gracePeriodUntil,omitempty"`
	ValidationsRemaining   int       `json:"validationsRemaining"`
	LastOnlineValidationAt time.Time `json:"lastOnlineValidationAt"`
}

// IntegrityState tracks tamper detection over the record's identity
// and quick-access sections.
type IntegrityState struct {
	TamperDetected bool      `json:"tamperDetected"`
	LastCheckedAt  time.Time `json:"lastCheckedAt"`
	IntegrityHash  string    `json:"integrityHash"`
	KeyRotatedAt   time.Time `json:"keyRotatedAt,omitempty"`
}

// Record is one tenant's cached license, mutated only under its
// per-tenant lock.
type Record struct {
	LicenseID     string `json:"licenseId"`
	LicenseNumber string `json:"licenseNumber"`
	TenantID      string `json:"tenantId"`

	// EncryptedPayload is opaque from the perspective of every caller
	// except decrypt: "<ivHex>:<ciphertextHex>".
	EncryptedPayload string `json:"encryptedPayload,omitempty"`

	Cache      CacheState      `json:"cache"`
	Quick      QuickAccess     `json:"quick"`
	Validation ValidationState `json:"validation"`
	Sync       SyncState       `json:"sync"`
	Offline    OfflineState    `json:"offline"`
	Integrity  IntegrityState  `json:"integrity"`
}

// IsValid reports whether the record currently grants access, per the
// record-level invariant: active status, unexpired, integrity intact.
func (r *Record) IsValid(now time.Time, processSecret string) bool {
	if r.Quick.Status != StatusActive {
		return false
	}
	if !r.Quick.ExpiresAt.After(now) {
		return false
	}
	if r.Integrity.TamperDetected {
		return false
	}
	hash, err := computeIntegrityHash(r, processSecret)
	if err != nil {
		return false
	}
	return hash == r.Integrity.IntegrityHash
}

// IsOfflineUsable reports whether a validation may be satisfied from
// the cached record alone, without reaching the authority.
func (r *Record) IsOfflineUsable(now time.Time) bool {
	if !r.Offline.Enabled {
		return false
	}
	if r.Offline.GracePeriodUntil.IsZero() || now.After(r.Offline.GracePeriodUntil) {
		return false
	}
	return r.Offline.ValidationsRemaining > 0
}
