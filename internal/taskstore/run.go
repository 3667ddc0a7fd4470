package taskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ramarlina/agx/internal/fsio"
)

// RunStage is the phase of an iteration a run belongs to.
type RunStage string

const (
	StagePlan    RunStage = "plan"
	StageExecute RunStage = "execute"
	StageVerify  RunStage = "verify"
)

// RunStatus is the terminal status of a finalized run. The empty string means
// the run is still in progress.
type RunStatus string

const (
	RunStatusDone     RunStatus = "done"
	RunStatusBlocked  RunStatus = "blocked"
	RunStatusContinue RunStatus = "continue"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one stage of one iteration. An execute run and its verify run share
// the same ID. Once finalized, a run's artifacts are immutable.
type Run struct {
	ProjectSlug string     `json:"project_slug"`
	TaskSlug    string     `json:"task_slug"`
	ID          string     `json:"id"`
	Stage       RunStage   `json:"stage"`
	Engine      string     `json:"engine"`
	Model       string     `json:"model,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Status      RunStatus  `json:"status,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// Finalized reports whether the run reached a terminal state.
func (r *Run) Finalized() bool { return r.Status != "" }

// RunSpec describes a run to create. A zero RunID requests a fresh ID;
// passing the execute run's ID with StageVerify pairs the two.
type RunSpec struct {
	ProjectSlug string
	TaskSlug    string
	RunID       string
	Stage       RunStage
	Engine      string
	Model       string
}

func (s *Store) runDir(projectSlug, taskSlug, runID string) string {
	return filepath.Join(s.TaskDir(projectSlug, taskSlug), runID)
}

func (s *Store) stageDir(run *Run) string {
	return filepath.Join(s.runDir(run.ProjectSlug, run.TaskSlug, run.ID), string(run.Stage))
}

func (s *Store) metaPath(run *Run) string {
	return filepath.Join(s.stageDir(run), "run.json")
}

func (s *Store) eventsPath(run *Run) string {
	return filepath.Join(s.stageDir(run), "events.ndjson")
}

// CreateRun materializes a run's stage directory and metadata. The stage
// directory is built under a hidden temp name and renamed into place, so a
// concurrent reader never observes a partially initialized run.
func (s *Store) CreateRun(spec RunSpec) (*Run, error) {
	if spec.Stage == "" {
		return nil, fmt.Errorf("run stage is required")
	}
	runID := spec.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	run := &Run{
		ProjectSlug: spec.ProjectSlug,
		TaskSlug:    spec.TaskSlug,
		ID:          runID,
		Stage:       spec.Stage,
		Engine:      spec.Engine,
		Model:       spec.Model,
		CreatedAt:   time.Now().UTC(),
	}

	runDir := s.runDir(spec.ProjectSlug, spec.TaskSlug, runID)
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return nil, storageErr("mkdir", runDir, err)
	}

	stageDir := filepath.Join(runDir, string(spec.Stage))
	if _, err := os.Stat(stageDir); err == nil {
		return nil, fmt.Errorf("run %s stage %s already exists", runID, spec.Stage)
	}

	tmpDir := filepath.Join(runDir, "."+string(spec.Stage)+".creating")
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, storageErr("clean", tmpDir, err)
	}
	if err := os.MkdirAll(filepath.Join(tmpDir, "artifacts"), 0700); err != nil {
		return nil, storageErr("mkdir", tmpDir, err)
	}
	if err := fsio.AtomicWriteJSON(filepath.Join(tmpDir, "run.json"), run); err != nil {
		os.RemoveAll(tmpDir)
		return nil, storageErr("write", tmpDir, err)
	}
	if err := os.Rename(tmpDir, stageDir); err != nil {
		os.RemoveAll(tmpDir)
		return nil, storageErr("rename", stageDir, err)
	}

	if err := s.AppendEvent(run, NewEvent(EventRunStarted, run, map[string]any{
		"engine": spec.Engine,
		"model":  spec.Model,
	})); err != nil {
		return nil, err
	}

	return run, nil
}

// LoadRun reads the metadata for one stage of a run.
func (s *Store) LoadRun(projectSlug, taskSlug, runID string, stage RunStage) (*Run, error) {
	path := filepath.Join(s.runDir(projectSlug, taskSlug, runID), string(stage), "run.json")
	var run Run
	if err := fsio.ReadJSON(path, &run); err != nil {
		return nil, storageErr("read", path, err)
	}
	return &run, nil
}

// FinalizeRun records a run's terminal status. Idempotent: once a run carries
// a terminal status, further finalize calls are no-ops.
func (s *Store) FinalizeRun(run *Run, status RunStatus, reason string) error {
	return s.terminate(run, status, reason, EventRunFinished)
}

// FailRun is the crash/error-path finalization. Idempotent like FinalizeRun.
func (s *Store) FailRun(run *Run, failure error, code string) error {
	reason := code
	if failure != nil {
		reason = fmt.Sprintf("%s: %v", code, failure)
	}
	return s.terminate(run, RunStatusFailed, reason, EventRunFailed)
}

func (s *Store) terminate(run *Run, status RunStatus, reason string, evt EventType) error {
	current, err := s.LoadRun(run.ProjectSlug, run.TaskSlug, run.ID, run.Stage)
	if err != nil {
		return err
	}
	if current.Finalized() {
		s.logger.Debug("run already finalized",
			"run", run.ID, "stage", run.Stage, "status", current.Status)
		run.Status = current.Status
		run.FinalizedAt = current.FinalizedAt
		return nil
	}

	now := time.Now().UTC()
	current.Status = status
	current.Reason = reason
	current.FinalizedAt = &now

	if err := fsio.AtomicWriteJSON(s.metaPath(current), current); err != nil {
		return storageErr("write", s.metaPath(current), err)
	}

	run.Status = status
	run.Reason = reason
	run.FinalizedAt = &now

	return s.AppendEvent(run, NewEvent(evt, run, map[string]any{
		"status": string(status),
		"reason": reason,
	}))
}

// SavePrompt records the prompt sent to the engine for this run stage.
func (s *Store) SavePrompt(run *Run, prompt string) error {
	return s.writeRunFile(run, "prompt.md", []byte(prompt))
}

// SaveOutput records the raw engine output for this run stage.
func (s *Store) SaveOutput(run *Run, output string) error {
	return s.writeRunFile(run, "output.md", []byte(output))
}

// SaveDecisionRecord persists the structured decision JSON for this run stage.
func (s *Store) SaveDecisionRecord(run *Run, record []byte) error {
	return s.writeRunFile(run, "decision.json", record)
}

// SaveArtifact writes a named free-form artifact (command output, diff,
// summary) under the run stage's artifacts directory.
func (s *Store) SaveArtifact(run *Run, name string, data []byte) error {
	if strings.ContainsAny(name, "/\\") || name == "" {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return s.writeRunFile(run, filepath.Join("artifacts", name), data)
}

func (s *Store) writeRunFile(run *Run, rel string, data []byte) error {
	current, err := s.LoadRun(run.ProjectSlug, run.TaskSlug, run.ID, run.Stage)
	if err != nil {
		return err
	}
	if current.Finalized() {
		return fmt.Errorf("run %s stage %s is finalized; artifacts are immutable", run.ID, run.Stage)
	}

	path := filepath.Join(s.stageDir(run), rel)
	if err := fsio.AtomicWrite(path, data); err != nil {
		return storageErr("write", path, err)
	}
	return nil
}

// FindIncompleteRuns returns run stages that were created but never reached a
// terminal status, the footprint of a crash mid-run.
func (s *Store) FindIncompleteRuns(projectSlug, taskSlug string) ([]*Run, error) {
	taskDir := s.TaskDir(projectSlug, taskSlug)
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, storageErr("readdir", taskDir, err)
	}

	var incomplete []*Run
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		for _, stage := range []RunStage{StagePlan, StageExecute, StageVerify} {
			run, err := s.LoadRun(projectSlug, taskSlug, e.Name(), stage)
			if err != nil {
				continue // stage not present for this run
			}
			if !run.Finalized() {
				incomplete = append(incomplete, run)
			}
		}
	}

	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].CreatedAt.Before(incomplete[j].CreatedAt)
	})
	return incomplete, nil
}

// CreateRecoveryRun closes out a dangling run left by a crashed process: it
// appends a RECOVERY_DETECTED event to the run's log, records a recovery note
// artifact, and finalizes the run as failed. Called before any new iteration
// starts for a task pickup.
func (s *Store) CreateRecoveryRun(run *Run) error {
	if run.Finalized() {
		return nil
	}

	if err := s.AppendEvent(run, NewEvent(EventRecoveryDetected, run, map[string]any{
		"detected_by": os.Getpid(),
	})); err != nil {
		return err
	}

	note := fmt.Sprintf("run %s stage %s created at %s was never finalized; recovered at %s\n",
		run.ID, run.Stage, run.CreatedAt.Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if err := s.SaveArtifact(run, "recovery.txt", []byte(note)); err != nil {
		s.logger.Warn("failed to record recovery note", "run", run.ID, "error", err)
	}

	return s.FailRun(run, nil, "recovered after crash")
}
