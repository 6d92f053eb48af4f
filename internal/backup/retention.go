package backup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/savegress/backup-core/internal/errs"
	"github.com/savegress/backup-core/internal/registry"
)

// RetentionOutcome records what ApplyRetention did to one expired run.
type RetentionOutcome struct {
	BackupID string
	Error    string
}

// RetentionReport is the result of one ApplyRetention pass.
type RetentionReport struct {
	RanAt   time.Time
	Deleted []RetentionOutcome
	Failed  []RetentionOutcome
}

// ApplyRetention walks every run past its retention horizon and not
// already deleted, removes the local artifact (and the cloud copy, if
// uploaded), and marks the registry entry deletedAt=now. Re-running it
// immediately after is a no-op: Expired only returns entries with
// deletedAt still unset, so nothing is found a second time.
func (e *Engine) ApplyRetention(ctx context.Context) (*RetentionReport, error) {
	now := e.Now()
	report := &RetentionReport{RanAt: now}

	expired, err := e.Registry.Expired(ctx, now)
	if err != nil {
		return report, errs.IO("apply-retention", fmt.Errorf("list expired runs: %w", err))
	}

	for _, run := range expired {
		if err := e.purge(ctx, run, now); err != nil {
			report.Failed = append(report.Failed, RetentionOutcome{BackupID: run.BackupID, Error: err.Error()})
			e.Logger.Error().Err(err).Str("backupId", run.BackupID).Msg("retention purge failed")
			continue
		}
		report.Deleted = append(report.Deleted, RetentionOutcome{BackupID: run.BackupID})
	}

	return report, nil
}

func (e *Engine) purge(ctx context.Context, run *registry.BackupRun, now time.Time) error {
	if run.FinalPath != "" {
		if err := os.Remove(run.FinalPath); err != nil && !os.IsNotExist(err) {
			return errs.IO("retention-purge", fmt.Errorf("remove %s: %w", run.FinalPath, err)).WithBackup(run.BackupID)
		}
	}

	if run.Cloud.Uploaded && e.ObjectStore != nil && run.Cloud.ObjectKey != "" {
		if err := e.ObjectStore.Delete(ctx, run.Cloud.ObjectKey); err != nil {
			e.Logger.Warn().Err(err).Str("backupId", run.BackupID).Msg("retention: cloud object delete failed, local artifact already removed")
		}
	}

	return e.Registry.MarkDeleted(ctx, run.BackupID, now)
}

// KeyRotationRecord is one entry in the append-only rotation history,
// carrying both keys so artifacts encrypted under a retired key remain
// decryptable by walking the history backwards.
type KeyRotationRecord struct {
	Timestamp time.Time `json:"timestamp"`
	OldKeyHex string    `json:"oldKey"`
	NewKeyHex string    `json:"newKey"`
}

// keyStateFile is the small {activeKeyHex} document written under
// BaseDir so a restarted process recovers the active key without
// depending on environment refresh.
type keyStateFile struct {
	ActiveKeyHex string    `json:"activeKeyHex"`
	RotatedAt    time.Time `json:"rotatedAt"`
}

func rotationHistoryPath(baseDir string) string {
	return filepath.Join(baseDir, "metadata", "key-rotation.json")
}

func keyStatePath(baseDir string) string {
	return filepath.Join(baseDir, "key-state.json")
}

// LoadActiveKey reads the active key persisted by the most recent
// RotateKey call, or (nil, false) if no rotation has happened yet (the
// caller should fall back to its configured key in that case).
func LoadActiveKey(baseDir string) ([]byte, bool, error) {
	data, err := os.ReadFile(keyStatePath(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errs.IO("load-active-key", err)
	}
	var state keyStateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, errs.IO("load-active-key", fmt.Errorf("parse %s: %w", keyStatePath(baseDir), err))
	}
	key, err := hex.DecodeString(state.ActiveKeyHex)
	if err != nil {
		return nil, false, errs.Crypto("load-active-key", fmt.Errorf("decode active key: %w", err))
	}
	return key, true, nil
}

// RotationHistory reads every recorded rotation, oldest first. A
// decrypt path that fails against the active key can walk this list
// backwards trying each prior key.
func RotationHistory(baseDir string) ([]KeyRotationRecord, error) {
	data, err := os.ReadFile(rotationHistoryPath(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IO("rotation-history", err)
	}
	var history []KeyRotationRecord
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, errs.IO("rotation-history", fmt.Errorf("parse %s: %w", rotationHistoryPath(baseDir), err))
	}
	return history, nil
}

// RotateKey installs newKey, a caller-generated 32-byte key (any other
// length is rejected), as the encryption key: it appends a
// {timestamp, oldKey, newKey} record to the rotation history so older
// artifacts remain decryptable, persists the new key as the active key
// under BaseDir/key-state.json, and installs it on the live Engine.
func (e *Engine) RotateKey(ctx context.Context, newKey []byte) (*KeyRotationRecord, error) {
	if len(newKey) != 32 {
		return nil, errs.Crypto("rotate-key", fmt.Errorf("new key must be 32 bytes, got %d", len(newKey)))
	}

	now := e.Now()
	rec := KeyRotationRecord{
		Timestamp: now,
		OldKeyHex: hex.EncodeToString(e.EncryptionKey),
		NewKeyHex: hex.EncodeToString(newKey),
	}

	history, err := RotationHistory(e.BaseDir)
	if err != nil {
		return nil, err
	}
	history = append(history, rec)

	dir := filepath.Join(e.BaseDir, "metadata")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errs.IO("rotate-key", fmt.Errorf("mkdir %s: %w", dir, err))
	}
	historyData, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return nil, errs.IO("rotate-key", fmt.Errorf("marshal rotation history: %w", err))
	}
	if err := os.WriteFile(rotationHistoryPath(e.BaseDir), historyData, 0600); err != nil {
		return nil, errs.IO("rotate-key", fmt.Errorf("write %s: %w", rotationHistoryPath(e.BaseDir), err))
	}

	stateData, err := json.MarshalIndent(keyStateFile{ActiveKeyHex: rec.NewKeyHex, RotatedAt: now}, "", "  ")
	if err != nil {
		return nil, errs.IO("rotate-key", fmt.Errorf("marshal key state: %w", err))
	}
	if err := os.WriteFile(keyStatePath(e.BaseDir), stateData, 0600); err != nil {
		return nil, errs.IO("rotate-key", fmt.Errorf("write %s: %w", keyStatePath(e.BaseDir), err))
	}

	e.EncryptionKey = newKey
	return &rec, nil
}
