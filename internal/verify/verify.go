// Package verify implements the multi-phase Verification Engine: a
// scored, phase-by-phase integrity and content check over a completed
// backup run.
package verify

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/savegress/backup-core/internal/archive"
	"github.com/savegress/backup-core/internal/cryptutil"
	"github.com/savegress/backup-core/internal/objectstore"
	"github.com/savegress/backup-core/internal/registry"
)

// TestOutcome is the result of a single test within a phase.
type TestOutcome string

const (
	TestPassed  TestOutcome = "passed"
	TestWarning TestOutcome = "warning"
	TestFailed  TestOutcome = "failed"
)

// Status is the scored status of a phase or the overall report.
type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusWarning   Status = "warning"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// Test is one named check within a phase.
type Test struct {
	Name    string      `json:"name"`
	Outcome TestOutcome `json:"outcome"`
	Detail  string      `json:"detail,omitempty"`
}

// Phase is one of the five verification stages.
type Phase struct {
	Name   string  `json:"name"`
	Tests  []Test  `json:"tests"`
	Score  float64 `json:"score"`
	Status Status  `json:"status"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Report is the final scored output of a verification run.
type Report struct {
	BackupID        string        `json:"backupId"`
	Phases          []Phase       `json:"phases"`
	OverallScore    float64       `json:"overallScore"`
	Status          Status        `json:"status"`
	Recommendations []string      `json:"recommendations"`
	Duration        time.Duration `json:"duration"`
}

func statusForScore(score float64) Status {
	switch {
	case score >= 90:
		return StatusExcellent
	case score >= 80:
		return StatusGood
	case score >= 60:
		return StatusWarning
	default:
		return StatusFailed
	}
}

func scorePhase(tests []Test) float64 {
	if len(tests) == 0 {
		return 100
	}
	passed := 0
	for _, t := range tests {
		if t.Outcome == TestPassed {
			passed++
		}
	}
	return 100 * float64(passed) / float64(len(tests))
}

func finishPhase(name string, tests []Test) Phase {
	score := scorePhase(tests)
	return Phase{Name: name, Tests: tests, Score: score, Status: statusForScore(score)}
}

// Engine runs verification passes against the registry and object store.
type Engine struct {
	Registry      *registry.Store
	ObjectStore   *objectstore.Client
	EncryptionKey []byte
	Now           func() time.Time
}

// New constructs an Engine. encryptionKey is the active backup
// encryption key, used by the restoration phase to decrypt the
// artifact under test; it may be nil if the caller never enables the
// restoration phase.
func New(store *registry.Store, objStore *objectstore.Client, encryptionKey []byte) *Engine {
	return &Engine{Registry: store, ObjectStore: objStore, EncryptionKey: encryptionKey, Now: time.Now}
}

// Verify runs every applicable phase against backupID and returns the
// scored report, also marking the run as verified in the registry.
func (e *Engine) Verify(ctx context.Context, backupID string, runRestorationPhase bool) (*Report, error) {
	start := e.now()
	run, err := e.Registry.ByBackupID(ctx, backupID)
	if err != nil {
		return &Report{BackupID: backupID, Status: StatusError, Duration: e.now().Sub(start)}, err
	}

	var phases []Phase
	phases = append(phases, e.basicIntegrity(run))
	phases = append(phases, e.componentVerification(run))
	if run.Cloud.Uploaded {
		phases = append(phases, e.cloudStorage(ctx, run))
	}
	phases = append(phases, e.databaseContent(run))
	if runRestorationPhase {
		phases = append(phases, e.restoration(run))
	} else {
		phases = append(phases, Phase{Name: "restoration", Skipped: true, Status: StatusWarning})
	}

	report := &Report{BackupID: backupID, Phases: phases}
	report.OverallScore = averageScore(phases)
	report.Status = statusForScore(report.OverallScore)
	report.Recommendations = recommendationsFor(phases, report.OverallScore)
	report.Duration = e.now().Sub(start)

	verdict := registry.Verdict(report.Status)
	var verErrs []string
	for _, p := range phases {
		for _, t := range p.Tests {
			if t.Outcome == TestFailed {
				verErrs = append(verErrs, fmt.Sprintf("%s: %s (%s)", p.Name, t.Name, t.Detail))
			}
		}
	}
	if markErr := e.Registry.MarkAsVerified(ctx, backupID, verdict, verErrs); markErr != nil {
		return report, markErr
	}

	return report, nil
}

func averageScore(phases []Phase) float64 {
	var total float64
	var counted int
	for _, p := range phases {
		if p.Skipped {
			continue
		}
		total += p.Score
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

func recommendationsFor(phases []Phase, overall float64) []string {
	var recs []string
	anyFailed, anyWarned, restorationSkipped := false, false, false
	for _, p := range phases {
		if p.Skipped && p.Name == "restoration" {
			restorationSkipped = true
			continue
		}
		switch p.Status {
		case StatusFailed, StatusError:
			anyFailed = true
		case StatusWarning:
			anyWarned = true
		}
	}
	if anyFailed {
		recs = append(recs, "critical: one or more verification phases failed; investigate before relying on this backup")
	}
	if anyWarned {
		recs = append(recs, "warning: one or more verification phases produced warnings")
	}
	if overall < 80 {
		recs = append(recs, "improvement: overall score is below 80; consider a restoration drill")
	}
	if restorationSkipped {
		recs = append(recs, "suggestion: run the restoration phase to fully validate this backup")
	}
	return recs
}

func (e *Engine) basicIntegrity(run *registry.BackupRun) Phase {
	var tests []Test

	if run.Encrypted {
		tests = append(tests, Test{Name: "archive-header", Outcome: TestPassed, Detail: "archive header check skipped: artifact is encrypted"})
	} else if run.FinalPath == "" {
		tests = append(tests, Test{Name: "artifact-exists", Outcome: TestFailed, Detail: "no finalPath recorded"})
	}

	info, err := os.Stat(run.FinalPath)
	if err != nil {
		tests = append(tests, Test{Name: "artifact-exists", Outcome: TestFailed, Detail: err.Error()})
		return finishPhase("basic-integrity", tests)
	}
	tests = append(tests, Test{Name: "artifact-exists", Outcome: TestPassed})

	sizeDelta := info.Size() - run.TotalSize
	if sizeDelta < 0 {
		sizeDelta = -sizeDelta
	}
	if sizeDelta > 1024 {
		tests = append(tests, Test{Name: "size-matches-registry", Outcome: TestFailed, Detail: fmt.Sprintf("delta %d bytes exceeds 1KiB tolerance", sizeDelta)})
	} else {
		tests = append(tests, Test{Name: "size-matches-registry", Outcome: TestPassed})
	}

	f, err := os.Open(run.FinalPath)
	if err != nil {
		tests = append(tests, Test{Name: "streaming-checksum", Outcome: TestFailed, Detail: err.Error()})
	} else {
		_, sumErr := cryptutil.Checksum(f)
		f.Close()
		if sumErr != nil {
			tests = append(tests, Test{Name: "streaming-checksum", Outcome: TestFailed, Detail: sumErr.Error()})
		} else {
			tests = append(tests, Test{Name: "streaming-checksum", Outcome: TestPassed})
		}
	}

	return finishPhase("basic-integrity", tests)
}

func (e *Engine) componentVerification(run *registry.BackupRun) Phase {
	var tests []Test
	present := make(map[registry.ComponentKind]bool)

	for _, c := range run.Components {
		name := fmt.Sprintf("component:%s", c.Label)
		if c.Kind == "" || c.ByteSize == 0 || c.Timestamp.IsZero() {
			tests = append(tests, Test{Name: name, Outcome: TestFailed, Detail: "missing type, size, or timestamp"})
			continue
		}
		present[c.Kind] = true
		if c.ByteSize < 100 {
			tests = append(tests, Test{Name: name, Outcome: TestWarning, Detail: "component smaller than 100 bytes"})
			continue
		}
		tests = append(tests, Test{Name: name, Outcome: TestPassed})
	}

	required := []registry.ComponentKind{registry.ComponentDBNative, registry.ComponentFiles, registry.ComponentConfiguration, registry.ComponentEncryptedKeys}
	complete := true
	for _, kind := range required {
		if kind == registry.ComponentDBNative {
			if !present[registry.ComponentDBNative] && !present[registry.ComponentDBFallback] {
				complete = false
			}
			continue
		}
		if !present[kind] {
			complete = false
		}
	}
	if complete {
		tests = append(tests, Test{Name: "completeness", Outcome: TestPassed})
	} else {
		tests = append(tests, Test{Name: "completeness", Outcome: TestWarning, Detail: "one or more required component kinds are missing"})
	}

	return finishPhase("component-verification", tests)
}

func (e *Engine) cloudStorage(ctx context.Context, run *registry.BackupRun) Phase {
	var tests []Test

	objects, err := e.ObjectStore.List(ctx, run.Cloud.ObjectKey)
	exists := err == nil && len(objects) > 0
	if exists {
		tests = append(tests, Test{Name: "object-exists", Outcome: TestPassed})
	} else {
		tests = append(tests, Test{Name: "object-exists", Outcome: TestFailed, Detail: "object not found in cloud storage"})
		return finishPhase("cloud-storage", tests)
	}

	ok, err := e.ObjectStore.Verify(ctx, run.Cloud.ObjectKey, run.FinalPath)
	if err != nil || !ok {
		tests = append(tests, Test{Name: "size-integrity", Outcome: TestFailed, Detail: "size mismatch between local artifact and cloud object"})
	} else {
		tests = append(tests, Test{Name: "size-integrity", Outcome: TestPassed})
	}

	probe, err := os.CreateTemp("", "verify-probe-*")
	if err == nil {
		probePath := probe.Name()
		probe.Close()
		defer os.Remove(probePath)
		_, err = e.ObjectStore.Download(ctx, run.Cloud.ObjectKey, probePath)
	}
	if err != nil {
		tests = append(tests, Test{Name: "download-capability-probe", Outcome: TestFailed, Detail: fmt.Sprintf("download probe failed: %s", err)})
	} else {
		tests = append(tests, Test{Name: "download-capability-probe", Outcome: TestPassed})
	}

	return finishPhase("cloud-storage", tests)
}

func (e *Engine) databaseContent(run *registry.BackupRun) Phase {
	var tests []Test
	var hasPrimary, hasLicense bool

	for _, c := range run.Components {
		if c.Kind != registry.ComponentDBNative && c.Kind != registry.ComponentDBFallback {
			continue
		}
		name := fmt.Sprintf("db-structure:%s", c.Label)
		if c.Label == "" || c.ArtifactPath == "" {
			tests = append(tests, Test{Name: name, Outcome: TestFailed, Detail: "missing required fields"})
			continue
		}
		if c.ByteSize < 1024 {
			tests = append(tests, Test{Name: name, Outcome: TestWarning, Detail: "database artifact smaller than 1KiB"})
		} else {
			tests = append(tests, Test{Name: name, Outcome: TestPassed})
		}
		if c.Label == "primary-database" {
			hasPrimary = true
		}
		if c.Label == "license-authority-database" {
			hasLicense = true
		}
	}

	if hasPrimary {
		tests = append(tests, Test{Name: "critical-data-primary", Outcome: TestPassed})
	} else {
		tests = append(tests, Test{Name: "critical-data-primary", Outcome: TestFailed, Detail: "primary database component missing"})
	}
	if hasLicense {
		tests = append(tests, Test{Name: "critical-data-license-authority", Outcome: TestPassed})
	} else {
		tests = append(tests, Test{Name: "critical-data-license-authority", Outcome: TestWarning, Detail: "license-authority database component missing"})
	}

	return finishPhase("database-content", tests)
}

// restoration runs a disposable extract-only drill against the backup
// artifact: decrypt it with the engine's active key and unpack the
// resulting tar.gz into a throwaway staging directory, per §4.G phase
// 5. A corrupted or tampered artifact fails to decrypt or fails to
// extract, which this phase reports as a failed test rather than
// silently passing.
func (e *Engine) restoration(run *registry.BackupRun) Phase {
	var tests []Test

	raw, err := os.ReadFile(run.FinalPath)
	if err != nil {
		tests = append(tests, Test{Name: "restoration-drill", Outcome: TestFailed, Detail: fmt.Sprintf("read artifact: %s", err)})
		return finishPhase("restoration", tests)
	}

	plaintext := raw
	if run.Encrypted {
		plaintext, err = cryptutil.Decrypt(raw, e.EncryptionKey)
		if err != nil {
			tests = append(tests, Test{Name: "restoration-decrypt", Outcome: TestFailed, Detail: fmt.Sprintf("decrypt artifact: %s", err)})
			return finishPhase("restoration", tests)
		}
	}
	tests = append(tests, Test{Name: "restoration-decrypt", Outcome: TestPassed})

	stagingDir, err := os.MkdirTemp("", "verify-restore-"+run.BackupID)
	if err != nil {
		tests = append(tests, Test{Name: "restoration-extract", Outcome: TestFailed, Detail: fmt.Sprintf("create staging dir: %s", err)})
		return finishPhase("restoration", tests)
	}
	defer os.RemoveAll(stagingDir)

	if err := archive.ExtractTarGz(plaintext, stagingDir); err != nil {
		tests = append(tests, Test{Name: "restoration-extract", Outcome: TestFailed, Detail: fmt.Sprintf("extract archive: %s", err)})
		return finishPhase("restoration", tests)
	}
	tests = append(tests, Test{Name: "restoration-extract", Outcome: TestPassed})

	entries, err := os.ReadDir(stagingDir)
	if err != nil || len(entries) == 0 {
		tests = append(tests, Test{Name: "restoration-contents", Outcome: TestFailed, Detail: "extracted archive is empty"})
	} else {
		tests = append(tests, Test{Name: "restoration-contents", Outcome: TestPassed})
	}

	return finishPhase("restoration", tests)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
