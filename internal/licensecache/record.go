package licensecache

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/savegress/backup-core/internal/cryptutil"
	"github.com/savegress/backup-core/internal/errs"
)

const (
	offlineValidationQuota = 100
	defaultOfflineGraceHrs = 72
	validationDueInterval  = 24 * time.Hour
	syncSuccessInterval    = 6 * time.Hour
	maxSyncRetries         = 5
)

// computeIntegrityHash hashes the record's identity, quick-access, and
// cache sections over a canonical encoding, per the record invariant:
// SHA-256(canonical({licenseId, licenseNumber, tenantId, quick, cache}) ∥ processSecret).
func computeIntegrityHash(r *Record, processSecret string) (string, error) {
	sections := map[string]any{
		"licenseId":     r.LicenseID,
		"licenseNumber": r.LicenseNumber,
		"tenantId":      r.TenantID,
		"quick":         r.Quick,
		"cache":         r.Cache,
	}
	return cryptutil.IntegrityHash(sections, processSecret)
}

// seal recomputes the integrity hash after any mutation to the
// identity, quick-access, or cache sections. UpdateEncrypted ends by
// calling it, and Store.WithMutation calls it after every mutation it
// runs, so the stored hash never drifts from its inputs; the other
// mutators below do not call it themselves.
func (r *Record) seal(now time.Time, processSecret string) error {
	hash, err := computeIntegrityHash(r, processSecret)
	if err != nil {
		return errs.Integrity("seal", err).WithTenant(r.TenantID)
	}
	r.Integrity.IntegrityHash = hash
	r.Integrity.LastCheckedAt = now
	return nil
}

// UpdateEncrypted encrypts payload under key as the fixed
// "<ivHex>:<ciphertextHex>" wire format, refreshes the quick-access
// fields, bumps syncVersion, recomputes the ciphertext checksum, and
// reseals the integrity hash.
func (r *Record) UpdateEncrypted(payload []byte, key []byte, quick QuickAccess, now time.Time, processSecret string) error {
	encoded, err := cryptutil.EncryptToHex(payload, key)
	if err != nil {
		return errs.Crypto("update-encrypted", err).WithTenant(r.TenantID)
	}

	r.EncryptedPayload = encoded
	r.Quick = quick
	r.Cache.LastSyncedAt = now
	r.Cache.SyncVersion++
	r.Cache.EncVersion++
	r.Cache.Checksum = ciphertextChecksum(encoded)

	return r.seal(now, processSecret)
}

// ciphertextChecksum is the hex MD5 of the ciphertext hex, per the
// cache section's contract. MD5 here is a content-change fingerprint,
// not a security boundary — integrity is carried by IntegrityHash.
func ciphertextChecksum(encodedPayload string) string {
	sum := md5.Sum([]byte(encodedPayload))
	return hex.EncodeToString(sum[:])
}

// Decrypt recovers the plaintext license payload under key.
func (r *Record) Decrypt(key []byte) ([]byte, error) {
	plaintext, err := cryptutil.DecryptFromHex(r.EncryptedPayload, key)
	if err != nil {
		return nil, errs.Crypto("decrypt-license", err).WithTenant(r.TenantID)
	}
	return plaintext, nil
}

// VerifyIntegrity reports whether the stored integrity hash matches a
// fresh computation, marking the record tampered on mismatch.
func (r *Record) VerifyIntegrity(now time.Time, processSecret string) (bool, error) {
	hash, err := computeIntegrityHash(r, processSecret)
	if err != nil {
		return false, errs.Integrity("verify-integrity", err).WithTenant(r.TenantID)
	}
	r.Integrity.LastCheckedAt = now

	if hash != r.Integrity.IntegrityHash {
		r.Integrity.TamperDetected = true
		return false, nil
	}
	return true, nil
}

// RecordValidation updates validation state from a validation outcome
// and, for a valid online result, replenishes the offline quota.
func (r *Record) RecordValidation(result ValidationResult, online bool, validationErr string, now time.Time) {
	r.Validation.LastValidatedAt = now
	r.Validation.Count++
	r.Validation.LastResult = result
	r.Validation.LastError = validationErr
	r.Validation.NextDueAt = now.Add(validationDueInterval)

	if result == ValidationValid && online {
		r.Offline.ValidationsRemaining = offlineValidationQuota
		r.Offline.LastOnlineValidationAt = now
		return
	}
	if r.Offline.Enabled && r.Offline.ValidationsRemaining > 0 {
		r.Offline.ValidationsRemaining--
	}
}

// RecordSync updates sync bookkeeping from a sync attempt: success
// resets the failure/retry counters and schedules the next sync 6h
// out; failure increments them and backs off exponentially, capped at
// 24h.
func (r *Record) RecordSync(success bool, syncErr string, now time.Time) {
	r.Sync.LastAttemptAt = now

	if success {
		r.Sync.LastSuccessAt = now
		r.Sync.FailureCount = 0
		r.Sync.RetryCount = 0
		r.Sync.LastError = ""
		r.Sync.NextScheduledAt = now.Add(syncSuccessInterval)
		return
	}

	r.Sync.FailureCount++
	r.Sync.RetryCount++
	r.Sync.LastError = syncErr

	backoffHours := 1 << r.Sync.RetryCount
	if backoffHours > 24 {
		backoffHours = 24
	}
	r.Sync.NextScheduledAt = now.Add(time.Duration(backoffHours) * time.Hour)
}

// EnableOffline turns on offline-mode usage with a grace period of
// gracePeriodHours from now (defaulting to 72h when 0).
func (r *Record) EnableOffline(now time.Time, gracePeriodHours int) {
	if gracePeriodHours <= 0 {
		gracePeriodHours = defaultOfflineGraceHrs
	}
	r.Offline.Enabled = true
	r.Offline.GracePeriodUntil = now.Add(time.Duration(gracePeriodHours) * time.Hour)
	if r.Offline.ValidationsRemaining == 0 {
		r.Offline.ValidationsRemaining = offlineValidationQuota
	}
}

// DisableOffline turns off offline-mode usage.
func (r *Record) DisableOffline() {
	r.Offline.Enabled = false
	r.Offline.GracePeriodUntil = time.Time{}
}
