package dbexport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeDumpFailsWhenBinaryMissing(t *testing.T) {
	e := NewExporter(nil, "pg_dump_does_not_exist_anywhere")
	_, err := e.nativeDump(context.Background(), "primary", "postgres://x", t.TempDir(), "db")
	require.Error(t, err)
}

func TestNewExporterKeepsEmptyDumpBinary(t *testing.T) {
	e := NewExporter(nil, "")
	assert.Empty(t, e.DumpBinary)
}

func TestResultShapeMatchesSpec(t *testing.T) {
	r := &Result{
		Kind:                "db",
		Label:               "primary",
		ArtifactPath:        "/tmp/primary.json",
		ByteSize:            1024,
		Method:              MethodDocument,
		CollectionsIncluded: []string{"collection_users"},
	}
	assert.Equal(t, "db", r.Kind)
	assert.Equal(t, MethodDocument, r.Method)
	assert.Contains(t, r.CollectionsIncluded, "collection_users")
}
