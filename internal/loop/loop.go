// Package loop drives a task through repeated execute/verify iterations until
// the verifier reaches a terminal decision or the iteration budget runs out.
// Every iteration is persisted as a paired execute run and verify run, so a
// crash at any point leaves a replayable trail on disk.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ramarlina/agx/internal/cancel"
	"github.com/ramarlina/agx/internal/config"
	"github.com/ramarlina/agx/internal/decision"
	"github.com/ramarlina/agx/internal/engine"
	"github.com/ramarlina/agx/internal/queue"
	"github.com/ramarlina/agx/internal/taskstore"
)

// TaskSpec is everything the loop needs to know about one task. The scheduler
// builds one from a remote queue task; the CLI builds one from flags.
type TaskSpec struct {
	RemoteID      string // empty for purely local tasks
	ProjectSlug   string
	ProjectLabel  string
	TaskSlug      string
	Request       string
	Criteria      []string
	Engine        string // empty falls back to the configured default
	Model         string
	RepoPath      string // working directory for verification commands
	MaxIterations int    // 0 falls back to the configured default
}

// Outcome is the loop's terminal result for a task.
type Outcome struct {
	Status      decision.Status
	Explanation string
	FinalResult string
	Iterations  int
	Cancelled   bool
	RunID       string // run pair that produced the terminal decision
	Decision    *decision.Decision
}

// Invoker runs one engine call. Satisfied by *engine.Invoker; tests stub it.
type Invoker interface {
	Invoke(ctx context.Context, watcher engine.Canceller, req engine.Request) (*engine.Result, error)
}

// Reporter pushes task progress to the remote queue. All calls are
// best effort from the loop's point of view.
type Reporter interface {
	PatchTask(ctx context.Context, id string, patch queue.TaskPatch) error
	PostComment(ctx context.Context, id, body string)
	PostLog(ctx context.Context, id, body string)
}

// Runner owns the iteration loop for tasks under one store.
type Runner struct {
	store     *taskstore.Store
	invoker   Invoker
	reporter  Reporter      // nil disables remote progress reporting
	cancelSrc cancel.Source // nil disables remote cancellation polling
	cfg       config.Loop
	swarm     config.Swarm
	engine    string
	logger    *slog.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithReporter enables remote progress reporting.
func WithReporter(r Reporter) RunnerOption {
	return func(rn *Runner) { rn.reporter = r }
}

// WithCancelSource enables remote cancellation polling.
func WithCancelSource(s cancel.Source) RunnerOption {
	return func(rn *Runner) { rn.cancelSrc = s }
}

// NewRunner builds a Runner from the loaded configuration.
func NewRunner(store *taskstore.Store, invoker Invoker, cfg *config.Config, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:   store,
		invoker: invoker,
		cfg:     cfg.Loop,
		swarm:   cfg.Swarm,
		engine:  cfg.DefaultEngine,
		logger:  logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunTask drives one task to a terminal outcome. It acquires the task lock,
// closes out any runs left dangling by a previous crash, then iterates until
// the verifier decides or the budget is exhausted. A second runner picking up
// the same task concurrently gets taskstore.ErrLockHeld.
//
// Storage failures past the claim point are local: they are logged and the
// iteration keeps going, so a disk problem can degrade the persisted trail
// but never prevents the task from reaching a terminal Outcome.
func (r *Runner) RunTask(ctx context.Context, spec TaskSpec) (*Outcome, error) {
	if _, err := r.store.EnsureProject(spec.ProjectSlug, spec.ProjectLabel); err != nil {
		return nil, err
	}
	if _, err := r.store.EnsureTask(spec.ProjectSlug, spec.TaskSlug, spec.Request, spec.Criteria); err != nil {
		return nil, err
	}

	lock, err := taskstore.AcquireLock(r.store.TaskDir(spec.ProjectSlug, spec.TaskSlug))
	if err != nil {
		return nil, fmt.Errorf("failed to lock task %s: %w", spec.TaskSlug, err)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			r.logger.Warn("failed to release task lock", "task", spec.TaskSlug, "error", rerr)
		}
	}()

	r.recover(spec)

	watcher := cancel.NewWatcher(spec.RemoteID, r.cancelSrc, r.cancelPollInterval(), r.logger)
	if r.cancelSrc != nil && spec.RemoteID != "" {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	r.setTaskStatus(spec, taskstore.TaskStatusRunning)
	r.patchRemote(ctx, spec, taskstore.TaskStatusRunning, true)

	maxIter := spec.MaxIterations
	if maxIter <= 0 {
		maxIter = r.cfg.MaxIterations
	}

	var (
		guidance string
		outcome  *Outcome
	)
	for i := 1; i <= maxIter; i++ {
		r.logger.Info("starting iteration",
			"task", spec.TaskSlug, "iteration", i, "max_iterations", maxIter)

		d, runID, err := r.iterate(ctx, watcher, spec, i, guidance)
		if err != nil {
			return nil, err
		}

		r.commentRemote(ctx, spec, fmt.Sprintf("Iteration %d: %s. %s", i, d.Decision, d.Explanation))

		if d.Decision.Terminal() {
			outcome = &Outcome{
				Status:      d.Decision,
				Explanation: d.Explanation,
				FinalResult: d.FinalResult,
				Iterations:  i,
				Cancelled:   watcher.Checkpoint() != nil,
				RunID:       runID,
				Decision:    d,
			}
			break
		}
		guidance = d.NextPrompt
	}

	if outcome == nil {
		// Budget exhausted without a verdict. The task goes back to
		// queued so a later pickup resumes where this one stopped.
		outcome = &Outcome{
			Status:      decision.StatusNotDone,
			Explanation: fmt.Sprintf("Iteration budget of %d reached without a terminal decision.", maxIter),
			Iterations:  maxIter,
		}
	}

	finalStatus := taskStatusFor(outcome)
	r.setTaskStatus(spec, finalStatus)
	r.patchRemote(ctx, spec, finalStatus, false)

	if res, err := r.store.GCRuns(spec.ProjectSlug, spec.TaskSlug, r.cfg.KeepRuns, outcome.RunID); err != nil {
		r.logger.Warn("run garbage collection failed", "task", spec.TaskSlug, "error", err)
	} else if res.Deleted > 0 {
		r.logger.Info("garbage collected old runs",
			"task", spec.TaskSlug, "deleted", res.Deleted, "preserved", res.Preserved)
	}

	return outcome, nil
}

// iterate performs one execute/verify cycle and returns the normalized
// decision. Engine failures and cancellation are folded into the decision;
// only failure to materialize a run directory surfaces as an error, since
// without one there is nowhere to record the iteration at all.
func (r *Runner) iterate(ctx context.Context, watcher *cancel.Watcher, spec TaskSpec, iteration int, guidance string) (*decision.Decision, string, error) {
	if r.swarm.Enabled {
		return r.iterateSwarm(ctx, watcher, spec, iteration, guidance)
	}

	engineName := spec.Engine
	if engineName == "" {
		engineName = r.engine
	}

	execRun, execOutput, failDec, err := r.executeStage(ctx, watcher, spec, engineName, iteration, guidance)
	if err != nil {
		return nil, "", err
	}
	if failDec != nil {
		return failDec, execRun.ID, nil
	}

	d, err := r.verifyStage(ctx, watcher, spec, engineName, execRun, execOutput)
	if err != nil {
		return nil, "", err
	}
	return d, execRun.ID, nil
}

func (r *Runner) executeStage(ctx context.Context, watcher *cancel.Watcher, spec TaskSpec, engineName string, iteration int, guidance string) (execRun *taskstore.Run, output string, failDec *decision.Decision, err error) {
	run, err := r.store.CreateRun(taskstore.RunSpec{
		ProjectSlug: spec.ProjectSlug,
		TaskSlug:    spec.TaskSlug,
		Stage:       taskstore.StageExecute,
		Engine:      engineName,
		Model:       spec.Model,
	})
	if err != nil {
		return nil, "", nil, err
	}

	prompt := buildExecutePrompt(spec, iteration, guidance)
	r.recordStep(run, "prompt", r.store.SavePrompt(run, prompt))
	r.appendEvent(run, taskstore.EventPromptBuilt, map[string]any{"bytes": len(prompt)})

	res, invErr := r.invokeEngine(ctx, watcher, run, engine.Request{
		Engine: engineName,
		Model:  spec.Model,
		Prompt: prompt,
	})
	if invErr != nil {
		return run, "", r.failRunPair(run, nil, invErr), nil
	}

	r.recordStep(run, "output", r.store.SaveOutput(run, res.Output))
	if res.Tail != "" {
		r.recordStep(run, "stderr tail", r.store.SaveArtifact(run, "stderr-tail.txt", []byte(res.Tail)))
	}
	r.handleMarkers(ctx, spec, run, decision.ParseMarkers(res.Output))
	return run, res.Output, nil, nil
}

// handleMarkers dispatches the implementer's inline signals. Markers are
// advisory: they feed logs, remote comments and the verify prompt, but the
// verifier's decision stays authoritative.
func (r *Runner) handleMarkers(ctx context.Context, spec TaskSpec, run *taskstore.Run, markers []decision.Marker) {
	if len(markers) == 0 {
		return
	}

	handlers := map[decision.MarkerKind]func(decision.Marker){
		decision.MarkerCheckpoint: func(m decision.Marker) {
			r.logger.Info("implementer checkpoint", "task", spec.TaskSlug, "text", m.Text)
			r.commentRemote(ctx, spec, "Checkpoint: "+m.Text)
		},
		decision.MarkerLearn: func(m decision.Marker) {
			r.logger.Info("implementer learning", "task", spec.TaskSlug, "text", m.Text)
		},
		decision.MarkerNext: func(m decision.Marker) {
			r.logger.Debug("implementer next step", "task", spec.TaskSlug, "text", m.Text)
		},
		decision.MarkerDone: func(decision.Marker) {
			r.logger.Info("implementer claims completion", "task", spec.TaskSlug)
		},
		decision.MarkerBlocked: func(m decision.Marker) {
			r.logger.Warn("implementer reports blocker", "task", spec.TaskSlug, "reason", m.Text)
		},
	}

	var b strings.Builder
	for _, m := range markers {
		if h := handlers[m.Kind]; h != nil {
			h(m)
		}
		if m.Text != "" {
			fmt.Fprintf(&b, "%s: %s\n", m.Kind, m.Text)
		} else {
			fmt.Fprintf(&b, "%s\n", m.Kind)
		}
	}
	r.recordStep(run, "markers", r.store.SaveArtifact(run, "markers.txt", []byte(b.String())))
}

func (r *Runner) verifyStage(ctx context.Context, watcher *cancel.Watcher, spec TaskSpec, engineName string, execRun *taskstore.Run, execOutput string) (*decision.Decision, error) {
	run, err := r.store.CreateRun(taskstore.RunSpec{
		ProjectSlug: spec.ProjectSlug,
		TaskSlug:    spec.TaskSlug,
		RunID:       execRun.ID,
		Stage:       taskstore.StageVerify,
		Engine:      engineName,
		Model:       spec.Model,
	})
	if err != nil {
		return nil, err
	}

	evidence := r.gatherEvidence(ctx, spec)
	r.recordStep(run, "evidence", r.store.SaveArtifact(run, "evidence.txt", []byte(evidence)))

	prompt := buildVerifyPrompt(spec, execOutput, evidence, decision.ParseMarkers(execOutput))
	r.recordStep(run, "prompt", r.store.SavePrompt(run, prompt))
	r.appendEvent(run, taskstore.EventPromptBuilt, map[string]any{"bytes": len(prompt)})

	res, invErr := r.invokeEngine(ctx, watcher, run, engine.Request{
		Engine: engineName,
		Model:  spec.Model,
		Prompt: prompt,
	})
	if invErr != nil {
		return r.failRunPair(run, execRun, invErr), nil
	}
	r.recordStep(run, "output", r.store.SaveOutput(run, res.Output))

	d := decision.ParseLast(res.Output, "Verifier")
	d = decision.FillDefaults(d)
	if req := requirement(spec); req != "" {
		d = decision.EnforceRequirement(d, req, evidence+"\n"+res.Output)
	}

	r.persistDecision(execRun, run, d)
	return d, nil
}

// persistDecision writes the decision record and finalizes the run pair with
// matching statuses. Best effort: the decision drives the state machine from
// memory even when the record or the finalize write fails.
func (r *Runner) persistDecision(execRun, verifyRun *taskstore.Run, d *decision.Decision) {
	record, err := decision.MarshalRecord(d)
	if err != nil {
		r.logger.Warn("failed to marshal decision record", "run", verifyRun.ID, "error", err)
	} else {
		r.recordStep(verifyRun, "decision record", r.store.SaveDecisionRecord(verifyRun, record))
	}

	status := runStatusFor(d.Decision)
	if execRun != nil {
		r.recordStep(execRun, "finalize", r.store.FinalizeRun(execRun, status, d.Explanation))
	}
	r.recordStep(verifyRun, "finalize", r.store.FinalizeRun(verifyRun, status, d.Explanation))
}

// failRunPair converts an engine invocation failure into a terminal decision
// and finalizes whichever runs of the pair exist. Cancellation maps to
// blocked, everything else to failed.
func (r *Runner) failRunPair(run, sibling *taskstore.Run, invErr error) *decision.Decision {
	d := &decision.Decision{Done: false}
	switch {
	case errors.Is(invErr, cancel.ErrCancellationRequested):
		d.Decision = decision.StatusBlocked
		d.Explanation = "Task was cancelled by operator request."
	default:
		d.Decision = decision.StatusFailed
		d.Explanation = fmt.Sprintf("Engine invocation failed: %v", invErr)
		var ie *engine.InvokeError
		if errors.As(invErr, &ie) && ie.Tail != "" {
			r.recordStep(run, "stderr tail", r.store.SaveArtifact(run, "stderr-tail.txt", []byte(ie.Tail)))
		}
	}
	d = decision.FillDefaults(d)

	status := runStatusFor(d.Decision)
	r.recordStep(run, "finalize", r.store.FinalizeRun(run, status, d.Explanation))
	if sibling != nil {
		r.recordStep(sibling, "finalize", r.store.FinalizeRun(sibling, status, d.Explanation))
	}
	return d
}

func (r *Runner) invokeEngine(ctx context.Context, watcher *cancel.Watcher, run *taskstore.Run, req engine.Request) (*engine.Result, error) {
	req.Timeout = time.Duration(r.cfg.EngineTimeoutS) * time.Second
	req.MaxAttempts = r.cfg.EngineMaxAttempts

	r.appendEvent(run, taskstore.EventEngineCallStarted, map[string]any{"engine": req.Engine, "model": req.Model})
	start := time.Now()
	res, err := r.invoker.Invoke(ctx, watcher, req)
	detail := map[string]any{"engine": req.Engine, "duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		detail["error"] = err.Error()
	} else {
		detail["attempts"] = res.Attempts
	}
	r.appendEvent(run, taskstore.EventEngineCallCompleted, detail)
	return res, err
}

func (r *Runner) gatherEvidence(ctx context.Context, spec TaskSpec) string {
	timeout := time.Duration(r.cfg.VerifyTimeoutS) * time.Second
	cmds := detectCommands(spec, r.cfg.MaxVerifyCommands)
	results := runCommands(ctx, spec, cmds, timeout, r.cfg.VerifyOutputBytes, r.logger)
	var git string
	if spec.RepoPath != "" {
		git = gitSummary(ctx, spec.RepoPath, timeout)
	}
	return buildEvidence(results, git)
}

// recover closes out runs a previous process left unfinalized, so the trail
// on disk never shows two in-progress attempts for the same task. Best
// effort: an unreadable trail must not stop the fresh pickup.
func (r *Runner) recover(spec TaskSpec) {
	dangling, err := r.store.FindIncompleteRuns(spec.ProjectSlug, spec.TaskSlug)
	if err != nil {
		r.logger.Warn("failed to scan for dangling runs", "task", spec.TaskSlug, "error", err)
		return
	}
	for _, run := range dangling {
		r.logger.Warn("recovering run left by a previous process",
			"task", spec.TaskSlug, "run", run.ID, "stage", run.Stage)
		if err := r.store.CreateRecoveryRun(run); err != nil {
			r.logger.Warn("failed to record recovery", "run", run.ID, "error", err)
		}
	}
}

// recordStep logs a failed storage write and moves on. Persistence inside an
// iteration is best effort: losing an artifact degrades the trail, aborting
// the task over it would strand the remote side waiting for a completion.
func (r *Runner) recordStep(run *taskstore.Run, what string, err error) {
	if err != nil {
		r.logger.Warn("failed to persist "+what,
			"run", run.ID, "stage", run.Stage, "error", err)
	}
}

func (r *Runner) setTaskStatus(spec TaskSpec, status taskstore.TaskStatus) {
	if err := r.store.UpdateTaskStatus(spec.ProjectSlug, spec.TaskSlug, status); err != nil {
		r.logger.Warn("failed to update task status",
			"task", spec.TaskSlug, "status", status, "error", err)
	}
}

func (r *Runner) appendEvent(run *taskstore.Run, typ taskstore.EventType, detail map[string]any) {
	if err := r.store.AppendEvent(run, taskstore.NewEvent(typ, run, detail)); err != nil {
		r.logger.Warn("failed to append event", "run", run.ID, "type", typ, "error", err)
	}
}

func (r *Runner) patchRemote(ctx context.Context, spec TaskSpec, status taskstore.TaskStatus, starting bool) {
	if r.reporter == nil || spec.RemoteID == "" {
		return
	}
	now := time.Now().UTC()
	patch := queue.TaskPatch{Status: string(status)}
	if starting {
		patch.StartedAt = &now
	} else {
		patch.EndedAt = &now
	}
	if err := r.reporter.PatchTask(ctx, spec.RemoteID, patch); err != nil {
		r.logger.Warn("failed to patch remote task", "task", spec.RemoteID, "error", err)
	}
}

func (r *Runner) commentRemote(ctx context.Context, spec TaskSpec, body string) {
	if r.reporter == nil || spec.RemoteID == "" {
		return
	}
	r.reporter.PostComment(ctx, spec.RemoteID, body)
}

func (r *Runner) cancelPollInterval() time.Duration {
	if r.cfg.CancelPollS <= 0 {
		return cancel.DefaultPollInterval
	}
	return time.Duration(r.cfg.CancelPollS) * time.Second
}

func runStatusFor(s decision.Status) taskstore.RunStatus {
	switch s {
	case decision.StatusDone:
		return taskstore.RunStatusDone
	case decision.StatusBlocked:
		return taskstore.RunStatusBlocked
	case decision.StatusFailed:
		return taskstore.RunStatusFailed
	default:
		return taskstore.RunStatusContinue
	}
}

func taskStatusFor(o *Outcome) taskstore.TaskStatus {
	switch o.Status {
	case decision.StatusDone:
		return taskstore.TaskStatusDone
	case decision.StatusBlocked:
		return taskstore.TaskStatusBlocked
	case decision.StatusFailed:
		return taskstore.TaskStatusFailed
	default:
		return taskstore.TaskStatusQueued
	}
}
