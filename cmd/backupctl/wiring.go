package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/savegress/backup-core/internal/backup"
	"github.com/savegress/backup-core/internal/config"
	"github.com/savegress/backup-core/internal/dbexport"
	"github.com/savegress/backup-core/internal/licensecache"
	"github.com/savegress/backup-core/internal/licensesync"
	"github.com/savegress/backup-core/internal/monitor"
	"github.com/savegress/backup-core/internal/objectstore"
	"github.com/savegress/backup-core/internal/recovery"
	"github.com/savegress/backup-core/internal/registry"
	"github.com/savegress/backup-core/internal/repository"
	"github.com/savegress/backup-core/internal/verify"
)

const (
	primaryDatabaseName = "primary_store"
	licenseDatabaseName = "license_authority"
	nativeDumpBinary    = "pg_dump"
)

// deps holds every composition-root resource a subcommand may need and
// the open handles that must be closed on exit.
type deps struct {
	cfg    *config.Config
	logger zerolog.Logger

	pg    *repository.PostgresDB
	redis *repository.RedisClient
	cloud *objectstore.Client
}

func newDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	d := &deps{cfg: cfg, logger: newLogger()}

	d.pg, err = repository.NewPostgresDB(cfg.MongoDBURI)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	d.redis, err = repository.NewRedisClient(cfg.RedisURL)
	if err != nil {
		d.logger.Warn().Err(err).Msg("redis unavailable; scheduler job locks will be process-local only")
		d.redis = nil
	}

	d.cloud, err = objectstore.New(ctx, objectstore.Config{
		Bucket:       cfg.DownloadsBucket,
		Region:       cfg.DownloadsRegion,
		Endpoint:     cfg.S3Endpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		UsePathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}

	return d, nil
}

func (d *deps) Close() {
	if d.pg != nil {
		d.pg.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
}

func (d *deps) encryptionKey() ([]byte, error) {
	key, ok, err := backup.LoadActiveKey(d.cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("load active key: %w", err)
	}
	if ok {
		return key, nil
	}
	key, err = hex.DecodeString(d.cfg.BackupEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode BACKUP_ENCRYPTION_KEY: %w", err)
	}
	return key, nil
}

func (d *deps) registryStore() *registry.Store {
	return registry.NewStore(d.pg.Pool())
}

func (d *deps) dbExporter() *dbexport.Exporter {
	return dbexport.NewExporter(d.pg.Pool(), nativeDumpBinary)
}

func resolveDSN(cfg *config.Config) func(database string) string {
	return func(database string) string {
		if database == licenseDatabaseName {
			return cfg.LicenseDBURI
		}
		return cfg.MongoDBURI
	}
}

func (d *deps) backupEngine() (*backup.Engine, error) {
	key, err := d.encryptionKey()
	if err != nil {
		return nil, err
	}
	return backup.New(backup.Engine{
		BaseDir:     d.cfg.BaseDir,
		ToolVersion: Version,

		Registry:        d.registryStore(),
		PrimaryExporter: d.dbExporter(),
		PrimaryDSN:      d.cfg.MongoDBURI,
		PrimaryDBName:   primaryDatabaseName,
		LicenseExporter: d.dbExporter(),
		LicenseDSN:      d.cfg.LicenseDBURI,
		LicenseDBName:   licenseDatabaseName,

		ObjectStore:  d.cloud,
		CloudEnabled: d.cfg.BackupCloudEnabled,

		EncryptionKey: key,
		Logger:        d.logger,
	}), nil
}

func (d *deps) verifyEngine() (*verify.Engine, error) {
	key, err := d.encryptionKey()
	if err != nil {
		return nil, err
	}
	return verify.New(d.registryStore(), d.cloud, key), nil
}

func (d *deps) recoveryEngine() *recovery.Engine {
	return recovery.New(d.pg.Pool(), d.dbExporter(), d.registryStore(), d.cloud, resolveDSN(d.cfg), d.cfg.BaseDir)
}

func (d *deps) monitorEngine() *monitor.Engine {
	var notifier monitor.Notifier = monitor.NewLogNotifier(d.logger)
	return monitor.New(d.registryStore(), d.cloud, notifier)
}

func (d *deps) licenseCache() *licensecache.Store {
	return licensecache.NewStore(d.cfg.IntegritySecret)
}

func (d *deps) licenseSyncEngine(cache *licensecache.Store, tenantStore licensesync.TenantStore) *licensesync.Engine {
	client := licensesync.NewClient(d.cfg.LicenseServerURL, d.cfg.LicenseServerAPIKey)
	return licensesync.New(client, cache, tenantStore)
}
