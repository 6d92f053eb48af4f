package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/backup-core/internal/dbexport"
)

func TestStepRecordsOKWhenNoError(t *testing.T) {
	e := &Engine{Now: func() time.Time { return time.Unix(0, 0) }}
	result := e.step("compact", nil)
	assert.Equal(t, StepOK, result.Status)
	assert.Empty(t, result.Error)
}

func TestStepRecordsFailureWithMessage(t *testing.T) {
	e := &Engine{Now: func() time.Time { return time.Unix(0, 0) }}
	result := e.step("compact", errors.New("disk full"))
	assert.Equal(t, StepFailed, result.Status)
	assert.Equal(t, "disk full", result.Error)
}

func TestRollbackRefusesNativeDump(t *testing.T) {
	e := &Engine{}
	err := e.rollback(nil, "primary_store", &dbexport.Result{Method: dbexport.MethodNativeDump, ArtifactPath: "/tmp/x.dump"})
	require.Error(t, err)
}

func TestRollbackAcceptsDocumentDump(t *testing.T) {
	e := &Engine{}
	err := e.rollback(nil, "primary_store", &dbexport.Result{Method: dbexport.MethodDocument, ArtifactPath: "/tmp/x.json"})
	require.NoError(t, err)
}

func TestPgIdentQuotesIdentifier(t *testing.T) {
	assert.Equal(t, `"primary_store"`, pgIdent("primary_store"))
}
