// Package backup implements the Backup Engine: the orchestrator that
// gathers every component of a backup run, checksums and encrypts it,
// persists a registry entry, and replicates the result to object
// storage.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/savegress/backup-core/internal/archive"
	"github.com/savegress/backup-core/internal/cryptutil"
	"github.com/savegress/backup-core/internal/dbexport"
	"github.com/savegress/backup-core/internal/errs"
	"github.com/savegress/backup-core/internal/objectstore"
	"github.com/savegress/backup-core/internal/registry"
)

// ConfigSet names the fixed configuration components archived at step 5.
type ConfigSet struct {
	RootFiles          []string // root-relative files, e.g. docker-compose.yml
	ConfigDir          string
	LicenseAuthorityConfigDir string
}

// SourceSet names the application and subproject source trees archived
// at step 7.
type SourceSet struct {
	AppSourceDir        string
	SubprojectSourceDir string
}

// KeyMaterial names the license-authority key material archived and
// separately encrypted at step 6.
type KeyMaterial struct {
	Dir string
}

// RunStore is the slice of registry.Store the Engine depends on —
// declared as an interface so the pipeline can be exercised against a
// fake in tests without a live Postgres connection.
type RunStore interface {
	Create(ctx context.Context, run *registry.BackupRun) error
	Update(ctx context.Context, run *registry.BackupRun) error
	Expired(ctx context.Context, now time.Time) ([]*registry.BackupRun, error)
	MarkDeleted(ctx context.Context, backupID string, when time.Time) error
	Recent(ctx context.Context, n int) ([]*registry.BackupRun, error)
}

// DBExporter is the slice of dbexport.Exporter the Engine depends on.
type DBExporter interface {
	Export(ctx context.Context, databaseName, dsn, outputDir, kind string) (*dbexport.Result, error)
}

// CloudStore is the slice of objectstore.Client the Engine depends on.
type CloudStore interface {
	Configured() bool
	Upload(ctx context.Context, localPath, objectKey string, metadata map[string]string) (*objectstore.UploadResult, error)
	Verify(ctx context.Context, objectKey, localPath string) (bool, error)
	Delete(ctx context.Context, objectKey string) error
	List(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error)
}

// Engine orchestrates backup runs per spec §4.E.
type Engine struct {
	BaseDir        string
	UploadsDirs    []string
	ConfigSet      ConfigSet
	SourceSet      SourceSet
	KeyMaterial    KeyMaterial
	ToolVersion    string

	Registry        RunStore
	PrimaryExporter DBExporter
	PrimaryDSN      string
	PrimaryDBName   string
	LicenseExporter DBExporter
	LicenseDSN      string
	LicenseDBName   string

	ObjectStore  CloudStore
	CloudEnabled bool

	EncryptionKey []byte // 32 bytes

	Logger zerolog.Logger

	// Now is overridable for tests; defaults to time.Now at construction.
	Now func() time.Time
}

// New constructs an Engine. The caller is responsible for wiring every
// dependency; New applies no defaults beyond Now and ToolVersion.
func New(e Engine) *Engine {
	eng := e
	if eng.Now == nil {
		eng.Now = time.Now
	}
	if eng.ToolVersion == "" {
		eng.ToolVersion = defaultToolVersion
	}
	return &eng
}

func retentionPolicyFor(runType registry.RunType) registry.RetentionPolicy {
	switch runType {
	case registry.RunTypeWeekly:
		return registry.RetentionWeekly
	case registry.RunTypeMonthly:
		return registry.RetentionMonthly
	default:
		return registry.RetentionDaily
	}
}

func retentionHorizon(policy registry.RetentionPolicy, since time.Time) time.Time {
	switch policy {
	case registry.RetentionWeekly:
		return since.AddDate(0, 0, 7*12)
	case registry.RetentionMonthly:
		return since.AddDate(0, 12, 0)
	default:
		return since.AddDate(0, 0, 30)
	}
}

// backupIDPrefix formats the run's backupId, replacing ':' and '.' so
// the id is filesystem-safe, per spec §4.E step 1.
func backupIDPrefix(runType registry.RunType, now time.Time) string {
	ts := now.UTC().Format(time.RFC3339Nano)
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return fmt.Sprintf("%s-backup-%s", runType, ts)
}

// Run executes the full pipeline for a single backup of the given type
// and trigger, returning the completed (or failed) registry entry.
func (e *Engine) Run(ctx context.Context, runType registry.RunType, trigger registry.Trigger, triggeringUserID string) (*registry.BackupRun, error) {
	now := e.Now()
	backupID := backupIDPrefix(runType, now)
	workDir := filepath.Join(e.BaseDir, string(runType), backupID)

	log := e.Logger.With().Str("component", "backup-engine").Str("backupId", backupID).Logger()

	hostname, platform, runtimeVersion := collectEnvironment()
	run := &registry.BackupRun{
		BackupID:         backupID,
		Type:             runType,
		Trigger:          trigger,
		TriggeringUserID: triggeringUserID,
		Status:           registry.StatusInProgress,
		StartedAt:        now,
		Checksums:        make(map[string]string),
		Compressed:       true,
		Encrypted:        true,
		Retention: registry.RetentionState{
			Policy:    retentionPolicyFor(runType),
			ExpiresAt: retentionHorizon(retentionPolicyFor(runType), now),
		},
		Metadata: registry.RunMetadata{
			Hostname:       hostname,
			Platform:       platform,
			RuntimeVersion: runtimeVersion,
			ToolVersion:    e.ToolVersion,
		},
	}

	if err := os.MkdirAll(workDir, 0750); err != nil {
		return e.fail(ctx, run, workDir, errs.IO("create-workdir", err))
	}

	if err := e.Registry.Create(ctx, run); err != nil {
		log.Error().Err(err).Msg("failed to persist initial registry entry")
	}

	if err := e.runComponents(ctx, run, workDir, &log); err != nil {
		return e.fail(ctx, run, workDir, err)
	}

	finalPath, totalSize, err := e.combineAndEncrypt(ctx, run, workDir)
	if err != nil {
		return e.fail(ctx, run, workDir, err)
	}
	run.FinalPath = finalPath
	run.TotalSize = totalSize

	run.Status = registry.StatusCompleted
	run.EndedAt = e.Now()

	if err := e.writeMetadataSidecar(run); err != nil {
		log.Warn().Err(err).Msg("failed to write metadata sidecar")
	}
	if err := e.Registry.Update(ctx, run); err != nil {
		log.Error().Err(err).Msg("failed to persist completed registry entry")
	}

	if e.CloudEnabled && e.ObjectStore != nil && e.ObjectStore.Configured() {
		e.uploadToCloud(ctx, run, &log)
		if err := e.Registry.Update(ctx, run); err != nil {
			log.Error().Err(err).Msg("failed to persist cloud upload state")
		}
	}

	if err := os.RemoveAll(workDir); err != nil {
		log.Warn().Err(err).Msg("failed to remove working directory after successful run")
	}

	return run, nil
}

func (e *Engine) runComponents(ctx context.Context, run *registry.BackupRun, workDir string, log *zerolog.Logger) error {
	// Steps 2-3: database exports.
	if e.PrimaryExporter != nil {
		result, err := e.PrimaryExporter.Export(ctx, e.PrimaryDBName, e.PrimaryDSN, workDir, "primary-database")
		if err != nil {
			return errs.IO("export-primary-db", err).WithBackup(run.BackupID)
		}
		e.addComponent(run, dbComponentKind(result.Method), result.Label, result.ArtifactPath, result.ByteSize, string(result.Method))
	}
	if e.LicenseExporter != nil {
		result, err := e.LicenseExporter.Export(ctx, e.LicenseDBName, e.LicenseDSN, workDir, "license-authority-database")
		if err != nil {
			return errs.IO("export-license-db", err).WithBackup(run.BackupID)
		}
		e.addComponent(run, dbComponentKind(result.Method), result.Label, result.ArtifactPath, result.ByteSize, string(result.Method))
	}

	// Step 4: uploads tree(s).
	if len(e.UploadsDirs) > 0 {
		path := filepath.Join(workDir, "files.tar.gz")
		roots := make([]archive.Root, 0, len(e.UploadsDirs))
		for _, dir := range e.UploadsDirs {
			roots = append(roots, archive.Root{Prefix: filepath.Base(dir), SourceDir: dir})
		}
		if err := e.writeArchiveComponent(run, "files", "uploads", path, nil, roots); err != nil {
			return err
		}
	}

	// Step 5: configuration set.
	{
		path := filepath.Join(workDir, "configuration.tar.gz")
		var entries []archive.Entry
		for _, f := range e.ConfigSet.RootFiles {
			entries = append(entries, archive.Entry{LogicalPath: filepath.Base(f), SourcePath: f})
		}
		var roots []archive.Root
		if e.ConfigSet.ConfigDir != "" {
			roots = append(roots, archive.Root{Prefix: "config", SourceDir: e.ConfigSet.ConfigDir})
		}
		if e.ConfigSet.LicenseAuthorityConfigDir != "" {
			roots = append(roots, archive.Root{Prefix: "license-authority-config", SourceDir: e.ConfigSet.LicenseAuthorityConfigDir})
		}
		if err := e.writeArchiveComponent(run, "configuration", "configuration", path, entries, roots); err != nil {
			return err
		}
	}

	// Step 6: license-authority key material, then a second encryption layer.
	if e.KeyMaterial.Dir != "" {
		plainPath := filepath.Join(workDir, "keys.tar.gz")
		if err := e.writeArchiveComponent(run, "encrypted-keys", "keys-plain", plainPath, nil,
			[]archive.Root{{Prefix: "keys", SourceDir: e.KeyMaterial.Dir}}); err != nil {
			return err
		}
		if err := e.encryptComponentInPlace(run, "keys-plain", "encrypted-keys", plainPath); err != nil {
			return err
		}
	}

	// Step 7: application and subproject source.
	{
		path := filepath.Join(workDir, "source.tar.gz")
		var roots []archive.Root
		if e.SourceSet.AppSourceDir != "" {
			roots = append(roots, archive.Root{Prefix: "app", SourceDir: e.SourceSet.AppSourceDir})
		}
		if e.SourceSet.SubprojectSourceDir != "" {
			roots = append(roots, archive.Root{Prefix: "subproject", SourceDir: e.SourceSet.SubprojectSourceDir})
		}
		if len(roots) > 0 {
			if err := e.writeArchiveComponent(run, "source", "source", path, nil, roots); err != nil {
				return err
			}
		}
	}

	return nil
}

func dbComponentKind(method dbexport.Method) registry.ComponentKind {
	if method == dbexport.MethodNativeDump {
		return registry.ComponentDBNative
	}
	return registry.ComponentDBFallback
}

func (e *Engine) addComponent(run *registry.BackupRun, kind registry.ComponentKind, label, artifactPath string, byteSize int64, method string) {
	run.Components = append(run.Components, registry.ComponentRecord{
		Kind:         kind,
		Label:        label,
		ArtifactPath: artifactPath,
		ByteSize:     byteSize,
		Timestamp:    e.Now(),
		Method:       method,
	})
}

func (e *Engine) writeArchiveComponent(run *registry.BackupRun, kind registry.ComponentKind, label, outPath string, entries []archive.Entry, roots []archive.Root) error {
	f, err := os.Create(outPath)
	if err != nil {
		return errs.IO("archive-"+label, fmt.Errorf("create %s: %w", outPath, err)).WithBackup(run.BackupID)
	}
	defer f.Close()

	if err := archive.Write(f, entries, roots); err != nil {
		return errs.IO("archive-"+label, err).WithBackup(run.BackupID)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return errs.IO("archive-"+label, fmt.Errorf("stat %s: %w", outPath, err)).WithBackup(run.BackupID)
	}

	e.addComponent(run, kind, label, outPath, info.Size(), "")
	return nil
}

// encryptComponentInPlace replaces the most recently added component's
// artifact with its symmetrically-encrypted form, renaming the
// component's label (step 6's "separate encryption layer").
func (e *Engine) encryptComponentInPlace(run *registry.BackupRun, oldLabel, newLabel, path string) error {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return errs.IO("encrypt-keys", fmt.Errorf("read %s: %w", path, err)).WithBackup(run.BackupID)
	}
	ciphertext, err := cryptutil.Encrypt(plaintext, e.EncryptionKey)
	if err != nil {
		return errs.Crypto("encrypt-keys", err).WithBackup(run.BackupID)
	}

	encPath := path + ".enc"
	if err := os.WriteFile(encPath, ciphertext, 0600); err != nil {
		return errs.IO("encrypt-keys", fmt.Errorf("write %s: %w", encPath, err)).WithBackup(run.BackupID)
	}
	if err := os.Remove(path); err != nil {
		return errs.IO("encrypt-keys", fmt.Errorf("remove plaintext %s: %w", path, err)).WithBackup(run.BackupID)
	}

	for i := range run.Components {
		if run.Components[i].Label == oldLabel {
			run.Components[i].Label = newLabel
			run.Components[i].ArtifactPath = encPath
			run.Components[i].ByteSize = int64(len(ciphertext))
		}
	}
	return nil
}

// combineAndEncrypt implements steps 8-9: checksum every component,
// then tar-gzip the working directory and encrypt the combined stream.
func (e *Engine) combineAndEncrypt(ctx context.Context, run *registry.BackupRun, workDir string) (string, int64, error) {
	for _, c := range run.Components {
		sum, err := checksumFile(c.ArtifactPath)
		if err != nil {
			return "", 0, errs.Integrity("checksum", err).WithBackup(run.BackupID)
		}
		run.Checksums[c.Label] = sum
	}

	combinedPath := filepath.Join(e.BaseDir, string(run.Type), run.BackupID+".tar.gz")
	f, err := os.Create(combinedPath)
	if err != nil {
		return "", 0, errs.IO("combine-archive", fmt.Errorf("create %s: %w", combinedPath, err)).WithBackup(run.BackupID)
	}
	err = archive.Write(f, nil, []archive.Root{{SourceDir: workDir}})
	closeErr := f.Close()
	if err != nil {
		os.Remove(combinedPath)
		return "", 0, errs.IO("combine-archive", err).WithBackup(run.BackupID)
	}
	if closeErr != nil {
		os.Remove(combinedPath)
		return "", 0, errs.IO("combine-archive", closeErr).WithBackup(run.BackupID)
	}

	plaintext, err := os.ReadFile(combinedPath)
	if err != nil {
		os.Remove(combinedPath)
		return "", 0, errs.IO("combine-archive", fmt.Errorf("read combined archive: %w", err)).WithBackup(run.BackupID)
	}
	ciphertext, err := cryptutil.Encrypt(plaintext, e.EncryptionKey)
	if err != nil {
		os.Remove(combinedPath)
		return "", 0, errs.Crypto("combine-encrypt", err).WithBackup(run.BackupID)
	}

	finalPath := filepath.Join(e.BaseDir, string(run.Type), run.BackupID+".tar.gz.enc")
	if err := os.WriteFile(finalPath, ciphertext, 0600); err != nil {
		os.Remove(finalPath)
		os.Remove(combinedPath)
		return "", 0, errs.IO("combine-archive", fmt.Errorf("write %s: %w", finalPath, err)).WithBackup(run.BackupID)
	}
	if err := os.Remove(combinedPath); err != nil {
		e.Logger.Warn().Err(err).Str("backupId", run.BackupID).Msg("failed to remove intermediate combined archive")
	}

	return finalPath, int64(len(ciphertext)), nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return cryptutil.Checksum(f)
}

func (e *Engine) writeMetadataSidecar(run *registry.BackupRun) error {
	dir := filepath.Join(e.BaseDir, "metadata")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, run.BackupID+".json")
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (e *Engine) uploadToCloud(ctx context.Context, run *registry.BackupRun, log *zerolog.Logger) {
	objectKey := objectstore.ObjectKey(e.Now(), run.BackupID, filepath.Base(run.FinalPath))
	metadata := map[string]string{
		"backupId":     run.BackupID,
		"type":         string(run.Type),
		"createdAt":    run.StartedAt.UTC().Format(time.RFC3339),
		"originalSize": fmt.Sprintf("%d", run.TotalSize),
	}

	result, err := e.ObjectStore.Upload(ctx, run.FinalPath, objectKey, metadata)
	if err != nil {
		run.Cloud.UploadError = err.Error()
		log.Warn().Err(err).Msg("cloud upload failed; keeping local artifact")
		return
	}

	ok, err := e.ObjectStore.Verify(ctx, objectKey, run.FinalPath)
	if err != nil || !ok {
		run.Cloud.UploadError = fmt.Sprintf("uploaded but verification failed: %v", err)
		log.Warn().Err(err).Msg("cloud upload verification failed")
		return
	}

	run.Cloud = registry.CloudState{
		Uploaded:   true,
		Provider:   "s3",
		ObjectKey:  objectKey,
		UploadedAt: e.Now(),
		URL:        result.URL,
	}
}

// fail implements the failure semantics in spec §4.E: sets
// status=failed, records the error, removes the working directory (any
// partial combined archive has already been removed on
// combineAndEncrypt's own error paths), and still persists the registry
// entry.
func (e *Engine) fail(ctx context.Context, run *registry.BackupRun, workDir string, cause error) (*registry.BackupRun, error) {
	run.Status = registry.StatusFailed
	run.EndedAt = e.Now()
	run.ErrorMessage = cause.Error()

	if run.FinalPath != "" {
		os.Remove(run.FinalPath)
	}
	os.RemoveAll(workDir)

	if err := e.Registry.Update(ctx, run); err != nil {
		e.Logger.Error().Err(err).Str("backupId", run.BackupID).Msg("failed to persist failed registry entry")
	}

	return run, cause
}
