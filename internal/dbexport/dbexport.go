// Package dbexport exports a logical database to disk, preferring a
// native dump utility and falling back to a document-level JSON export
// enumerated through Postgres when the utility is unavailable. There is
// no document-store driver anywhere in the retrieval pack, so the
// fallback models the spec's "document-store database" as a set of
// JSONB-per-collection Postgres tables reached through pgx — see
// DESIGN.md.
package dbexport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/savegress/backup-core/internal/errs"
)

// Method identifies how a database was exported.
type Method string

const (
	MethodNativeDump Method = "native-dump"
	MethodDocument   Method = "javascript-export"
)

// Result is the metadata recorded for a dumped database, per spec §4.C.
type Result struct {
	Kind                string `json:"kind"`
	Label               string `json:"label"`
	ArtifactPath        string `json:"artifactPath"`
	ByteSize            int64  `json:"byteSize"`
	Method              Method `json:"method"`
	CollectionsIncluded []string `json:"collectionsIncluded,omitempty"`
}

type collectionExport struct {
	Count     int              `json:"count"`
	Documents []map[string]any `json:"documents,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type documentDump struct {
	Database    string                       `json:"database"`
	Timestamp   time.Time                    `json:"timestamp"`
	Collections map[string]collectionExport `json:"collections"`
}

// Exporter dumps a named logical database into outputDir, trying the
// native dump utility first and falling through to a document export.
type Exporter struct {
	Pool       *pgxpool.Pool
	DumpBinary string // e.g. "pg_dump"; empty disables the native path
}

// NewExporter constructs an Exporter backed by pool, using dumpBinary
// ("pg_dump" in production) for the native path.
func NewExporter(pool *pgxpool.Pool, dumpBinary string) *Exporter {
	return &Exporter{Pool: pool, DumpBinary: dumpBinary}
}

// Export dumps databaseName into outputDir/<label>.dump (native) or
// outputDir/<label>.json (document fallback), returning the component
// metadata for the registry.
func (e *Exporter) Export(ctx context.Context, databaseName, dsn, outputDir, kind string) (*Result, error) {
	if e.DumpBinary != "" {
		if result, err := e.nativeDump(ctx, databaseName, dsn, outputDir, kind); err == nil {
			return result, nil
		}
	}
	return e.documentExport(ctx, databaseName, outputDir, kind)
}

func (e *Exporter) nativeDump(ctx context.Context, databaseName, dsn, outputDir, kind string) (*Result, error) {
	if _, err := exec.LookPath(e.DumpBinary); err != nil {
		return nil, errs.IO("native-dump", fmt.Errorf("%s not found: %w", e.DumpBinary, err))
	}

	artifactPath := filepath.Join(outputDir, databaseName+".dump")
	cmd := exec.CommandContext(ctx, e.DumpBinary, "--format=custom", "--compress=6", "--file="+artifactPath, dsn)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, errs.IO("native-dump", fmt.Errorf("%s failed: %w: %s", e.DumpBinary, err, output))
	}

	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, errs.IO("native-dump", fmt.Errorf("stat artifact: %w", err))
	}

	return &Result{
		Kind:         kind,
		Label:        databaseName,
		ArtifactPath: artifactPath,
		ByteSize:     info.Size(),
		Method:       MethodNativeDump,
	}, nil
}

func (e *Exporter) documentExport(ctx context.Context, databaseName, outputDir, kind string) (*Result, error) {
	collections, err := e.listCollections(ctx, databaseName)
	if err != nil {
		return nil, errs.IO("document-export", fmt.Errorf("enumerate collections for %s: %w", databaseName, err))
	}

	dump := documentDump{
		Database:    databaseName,
		Timestamp:   time.Now().UTC(),
		Collections: make(map[string]collectionExport, len(collections)),
	}

	var included []string
	for _, collection := range collections {
		docs, err := e.readCollection(ctx, collection)
		if err != nil {
			dump.Collections[collection] = collectionExport{Count: 0, Error: err.Error()}
			continue
		}
		dump.Collections[collection] = collectionExport{Count: len(docs), Documents: docs}
		included = append(included, collection)
	}

	artifactPath := filepath.Join(outputDir, databaseName+".json")
	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return nil, errs.IO("document-export", fmt.Errorf("marshal dump: %w", err))
	}
	if err := os.WriteFile(artifactPath, data, 0644); err != nil {
		return nil, errs.IO("document-export", fmt.Errorf("write %s: %w", artifactPath, err))
	}

	return &Result{
		Kind:                kind,
		Label:               databaseName,
		ArtifactPath:        artifactPath,
		ByteSize:            int64(len(data)),
		Method:              MethodDocument,
		CollectionsIncluded: included,
	}, nil
}

// listCollections enumerates the JSONB-per-collection tables that model
// this database's document collections: every table in the given
// database's schema whose name is prefixed "collection_".
func (e *Exporter) listCollections(ctx context.Context, databaseName string) ([]string, error) {
	rows, err := e.Pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_name LIKE 'collection_%'
		ORDER BY table_name`, databaseName)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var collections []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		collections = append(collections, name)
	}
	return collections, rows.Err()
}

func (e *Exporter) readCollection(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := e.Pool.Query(ctx, fmt.Sprintf(`SELECT document FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var docs []map[string]any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document from %s: %w", table, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal document from %s: %w", table, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
