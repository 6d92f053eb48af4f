package licensecache

import (
	"errors"
	"sync"
	"time"

	"github.com/savegress/backup-core/internal/errs"
)

// ErrNoRecord is returned when a mutation is attempted against a
// tenant with no cached license record yet.
var ErrNoRecord = errors.New("no cached license record for tenant")

// Store holds one Record per tenant. Mutations take the tenant's
// exclusive lock for their whole duration. Reads go through Get, which
// takes the same lock only long enough to copy the record; there is no
// lock-free read path, even for callers that only consult quick fields.
type Store struct {
	processSecret string

	mu      sync.RWMutex
	tenants map[string]*tenantEntry
}

type tenantEntry struct {
	mu     sync.Mutex
	record *Record
}

// NewStore constructs an empty Store. processSecret is the
// process-wide key mixed into every integrity hash.
func NewStore(processSecret string) *Store {
	return &Store{processSecret: processSecret, tenants: make(map[string]*tenantEntry)}
}

func (s *Store) entryFor(tenantID string) *tenantEntry {
	s.mu.RLock()
	e, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tenants[tenantID]; ok {
		return e
	}
	e = &tenantEntry{}
	s.tenants[tenantID] = e
	return e
}

// Get returns the current record for tenantID without locking it for
// mutation (callers must not mutate the returned pointer's fields
// directly; use the With* methods).
func (s *Store) Get(tenantID string) (*Record, bool) {
	e := s.entryFor(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record == nil {
		return nil, false
	}
	copy := *e.record
	return &copy, true
}

// Tenants returns the IDs of every tenant with a cached record,
// regardless of status, in no particular order. Used by the sync and
// validation jobs to enumerate their workload.
func (s *Store) Tenants() []string {
	s.mu.RLock()
	entries := make(map[string]*tenantEntry, len(s.tenants))
	for tenantID, e := range s.tenants {
		entries[tenantID] = e
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(entries))
	for tenantID, e := range entries {
		e.mu.Lock()
		hasRecord := e.record != nil
		e.mu.Unlock()
		if hasRecord {
			out = append(out, tenantID)
		}
	}
	return out
}

// CheckOfflineValidity reports whether tenantID's cached record is
// currently valid and whether it may satisfy a validation offline,
// using the store's process secret to verify the integrity hash.
func (s *Store) CheckOfflineValidity(tenantID string, now time.Time) (valid bool, offlineUsable bool, err error) {
	record, ok := s.Get(tenantID)
	if !ok {
		return false, false, ErrNoRecord
	}
	return record.IsValid(now, s.processSecret), record.IsOfflineUsable(now), nil
}

// Put installs record as the current record for its tenant, under the
// tenant's exclusive lock. Used on first sync and whenever a full
// replacement (rather than an incremental mutation) is needed.
func (s *Store) Put(record *Record) {
	e := s.entryFor(record.TenantID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record = record
}

// WithMutation runs fn against the tenant's record under its exclusive
// lock, persisting whatever fn leaves in place. fn receives nil if no
// record exists yet for the tenant. The record is resealed with now
// after fn returns, so every mutation path — not just the ones that
// remember to call seal themselves — keeps the integrity hash in sync
// with the identity, quick-access, and cache sections it covers.
func (s *Store) WithMutation(tenantID string, now time.Time, fn func(r *Record) (*Record, error)) error {
	e := s.entryFor(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := fn(e.record)
	if err != nil {
		return err
	}
	if next != nil {
		if err := next.seal(now, s.processSecret); err != nil {
			return err
		}
	}
	e.record = next
	return nil
}

// Sync applies an authoritative sync payload to tenantID's record,
// creating it on first sync, per §4.L's sync-pass contract.
func (s *Store) Sync(tenantID string, licenseID, licenseNumber string, payload []byte, key []byte, quick QuickAccess, now time.Time) error {
	return s.WithMutation(tenantID, now, func(r *Record) (*Record, error) {
		if r == nil {
			r = &Record{LicenseID: licenseID, LicenseNumber: licenseNumber, TenantID: tenantID}
		}
		if err := r.UpdateEncrypted(payload, key, quick, now, s.processSecret); err != nil {
			return nil, err
		}
		r.RecordSync(true, "", now)
		return r, nil
	})
}

// SyncFailed records a failed sync attempt against an existing record,
// auto-enabling offline mode once failureCount reaches 3, per §4.L.
func (s *Store) SyncFailed(tenantID string, syncErr error, now time.Time) error {
	return s.WithMutation(tenantID, now, func(r *Record) (*Record, error) {
		if r == nil {
			return nil, errs.State("sync-failed", ErrNoRecord).WithTenant(tenantID)
		}
		if r.Sync.RetryCount >= maxSyncRetries {
			return r, nil
		}
		r.RecordSync(false, syncErr.Error(), now)
		if r.Sync.FailureCount >= 3 {
			r.EnableOffline(now, defaultOfflineGraceHrs)
		}
		return r, nil
	})
}

