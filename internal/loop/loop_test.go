package loop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramarlina/agx/internal/cancel"
	"github.com/ramarlina/agx/internal/config"
	"github.com/ramarlina/agx/internal/decision"
	"github.com/ramarlina/agx/internal/engine"
	"github.com/ramarlina/agx/internal/taskstore"
)

type stubInvoker struct {
	mu      sync.Mutex
	calls   []engine.Request
	respond func(req engine.Request, call int) (*engine.Result, error)
}

func (s *stubInvoker) Invoke(_ context.Context, _ engine.Canceller, req engine.Request) (*engine.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	call := len(s.calls)
	s.mu.Unlock()
	return s.respond(req, call)
}

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubInvoker) call(i int) engine.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func decisionJSON(status decision.Status, explanation, nextPrompt string) string {
	done := "false"
	if status == decision.StatusDone {
		done = "true"
	}
	return fmt.Sprintf(
		`{"done": %s, "decision": %q, "explanation": %q, "next_prompt": %q}`,
		done, status, explanation, nextPrompt)
}

func newTestRunner(t *testing.T, inv Invoker, mutate func(*config.Config), opts ...RunnerOption) (*Runner, *taskstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := taskstore.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	cfg := config.GenerateDefault()
	if mutate != nil {
		mutate(cfg)
	}
	return NewRunner(store, inv, cfg, logger, opts...), store
}

func testSpec() TaskSpec {
	return TaskSpec{
		ProjectSlug:  "acme",
		ProjectLabel: "Acme",
		TaskSlug:     "add-auth",
		Request:      "Add authentication to the API",
		Criteria:     []string{"login endpoint exists"},
		Engine:       "claude",
	}
}

func TestRunTaskDoneFirstIteration(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		if call == 1 {
			return &engine.Result{Output: "implemented the login endpoint", Attempts: 1}, nil
		}
		return &engine.Result{
			Output:   "Everything checks out.\n" + decisionJSON(decision.StatusDone, "Login endpoint works.", ""),
			Attempts: 1,
		}, nil
	}}
	r, store := newTestRunner(t, inv, nil)

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)

	assert.Equal(t, decision.StatusDone, out.Status)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, "Login endpoint works.", out.Explanation)
	assert.Equal(t, 2, inv.callCount())

	task, err := store.LoadTask("acme", "add-auth")
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskStatusDone, task.Status)

	execRun, err := store.LoadRun("acme", "add-auth", out.RunID, taskstore.StageExecute)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RunStatusDone, execRun.Status)

	verifyRun, err := store.LoadRun("acme", "add-auth", out.RunID, taskstore.StageVerify)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RunStatusDone, verifyRun.Status)

	record, err := os.ReadFile(filepath.Join(
		store.TaskDir("acme", "add-auth"), out.RunID, "verify", "decision.json"))
	require.NoError(t, err)
	assert.Contains(t, string(record), `"decision": "done"`)
}

func TestRunTaskProseOnlyVerifierFails(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		if call == 1 {
			return &engine.Result{Output: "did some work", Attempts: 1}, nil
		}
		return &engine.Result{Output: "Looks pretty good to me, ship it!", Attempts: 1}, nil
	}}
	r, store := newTestRunner(t, inv, nil)

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)

	assert.Equal(t, decision.StatusFailed, out.Status)
	assert.Equal(t, "Verifier returned invalid JSON.", out.Explanation)

	task, err := store.LoadTask("acme", "add-auth")
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskStatusFailed, task.Status)
}

func TestRunTaskGuidanceCarriesAcrossIterations(t *testing.T) {
	const guidance = "Now wire the session middleware into the router."
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		switch call {
		case 1, 3:
			return &engine.Result{Output: "made changes", Attempts: 1}, nil
		default:
			return &engine.Result{
				Output:   decisionJSON(decision.StatusNotDone, "Endpoint exists but sessions are missing.", guidance),
				Attempts: 1,
			}, nil
		}
	}}
	r, store := newTestRunner(t, inv, nil)

	spec := testSpec()
	spec.MaxIterations = 2
	out, err := r.RunTask(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, decision.StatusNotDone, out.Status)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, 4, inv.callCount())

	// The second execute prompt must carry the verifier's guidance verbatim.
	assert.Contains(t, inv.call(2).Prompt, guidance)
	assert.NotContains(t, inv.call(0).Prompt, guidance)

	// An exhausted budget sends the task back to the queue.
	task, err := store.LoadTask("acme", "add-auth")
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskStatusQueued, task.Status)
}

func TestRunTaskCancellationBlocksTask(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		return nil, &engine.InvokeError{
			Kind:   engine.KindCancelled,
			Engine: req.Engine,
			Err:    cancel.ErrCancellationRequested,
		}
	}}
	r, store := newTestRunner(t, inv, nil)

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)

	assert.Equal(t, decision.StatusBlocked, out.Status)
	assert.Contains(t, out.Explanation, "cancelled")
	assert.Equal(t, 1, inv.callCount())

	task, err := store.LoadTask("acme", "add-auth")
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskStatusBlocked, task.Status)
}

func TestRunTaskEngineFailureFailsTask(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		return nil, &engine.InvokeError{
			Kind:     engine.KindFailed,
			Engine:   req.Engine,
			ExitCode: 7,
			Tail:     "boom",
		}
	}}
	r, store := newTestRunner(t, inv, nil)

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)

	assert.Equal(t, decision.StatusFailed, out.Status)
	assert.Contains(t, out.Explanation, "Engine invocation failed")

	// The stderr tail survives as an artifact of the failed run.
	tail, err := os.ReadFile(filepath.Join(
		store.TaskDir("acme", "add-auth"), out.RunID, "execute", "artifacts", "stderr-tail.txt"))
	require.NoError(t, err)
	assert.Equal(t, "boom", string(tail))
}

func TestRunTaskSurvivesStorageFailureMidIteration(t *testing.T) {
	inv := &stubInvoker{}
	r, store := newTestRunner(t, inv, nil)

	inv.respond = func(req engine.Request, call int) (*engine.Result, error) {
		if call == 1 {
			// Corrupt the execute run's metadata mid-flight so every
			// later write to that stage returns a StorageError.
			matches, err := filepath.Glob(filepath.Join(
				store.TaskDir("acme", "add-auth"), "*", "execute", "run.json"))
			require.NoError(t, err)
			require.Len(t, matches, 1)
			require.NoError(t, os.WriteFile(matches[0], []byte("{not json"), 0o644))
			return &engine.Result{Output: "implemented the login endpoint", Attempts: 1}, nil
		}
		return &engine.Result{
			Output:   decisionJSON(decision.StatusDone, "Login endpoint works.", ""),
			Attempts: 1,
		}, nil
	}

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, decision.StatusDone, out.Status)
	assert.Equal(t, 1, out.Iterations)

	// The task still reaches its terminal status despite the lost writes.
	task, err := store.LoadTask("acme", "add-auth")
	require.NoError(t, err)
	assert.Equal(t, taskstore.TaskStatusDone, task.Status)

	// The verify half of the pair was untouched and finalized normally.
	verifyRun, err := store.LoadRun("acme", "add-auth", out.RunID, taskstore.StageVerify)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RunStatusDone, verifyRun.Status)
}

func TestRunTaskRefusesLockedTask(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		t.Fatal("engine must not be invoked while the task is locked")
		return nil, nil
	}}
	r, store := newTestRunner(t, inv, nil)

	spec := testSpec()
	_, err := store.EnsureProject(spec.ProjectSlug, spec.ProjectLabel)
	require.NoError(t, err)
	_, err = store.EnsureTask(spec.ProjectSlug, spec.TaskSlug, spec.Request, spec.Criteria)
	require.NoError(t, err)

	lock, err := taskstore.AcquireLock(store.TaskDir(spec.ProjectSlug, spec.TaskSlug))
	require.NoError(t, err)
	defer lock.Release()

	_, err = r.RunTask(context.Background(), spec)
	require.ErrorIs(t, err, taskstore.ErrLockHeld)
	assert.Equal(t, 0, inv.callCount())
}

func TestRunTaskRecoversDanglingRuns(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		if call == 1 {
			return &engine.Result{Output: "work", Attempts: 1}, nil
		}
		return &engine.Result{Output: decisionJSON(decision.StatusDone, "All good.", ""), Attempts: 1}, nil
	}}
	r, store := newTestRunner(t, inv, nil)

	spec := testSpec()
	_, err := store.EnsureProject(spec.ProjectSlug, spec.ProjectLabel)
	require.NoError(t, err)
	_, err = store.EnsureTask(spec.ProjectSlug, spec.TaskSlug, spec.Request, spec.Criteria)
	require.NoError(t, err)

	// Simulate a crash: a run exists but was never finalized.
	dangling, err := store.CreateRun(taskstore.RunSpec{
		ProjectSlug: spec.ProjectSlug,
		TaskSlug:    spec.TaskSlug,
		Stage:       taskstore.StageExecute,
		Engine:      "claude",
	})
	require.NoError(t, err)

	out, err := r.RunTask(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, decision.StatusDone, out.Status)

	recovered, err := store.LoadRun(spec.ProjectSlug, spec.TaskSlug, dangling.ID, taskstore.StageExecute)
	require.NoError(t, err)
	assert.Equal(t, taskstore.RunStatusFailed, recovered.Status)

	events, err := store.ReadEvents(recovered)
	require.NoError(t, err)
	var recoveries int
	for _, evt := range events {
		if evt.Type == taskstore.EventRecoveryDetected {
			recoveries++
		}
	}
	assert.Equal(t, 1, recoveries)
}

func TestRunTaskRequirementDowngradesUnsupportedDone(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		if call%2 == 1 {
			return &engine.Result{Output: "work", Attempts: 1}, nil
		}
		return &engine.Result{
			Output:   decisionJSON(decision.StatusDone, "Finished.", ""),
			Attempts: 1,
		}, nil
	}}
	r, _ := newTestRunner(t, inv, nil)

	spec := testSpec()
	spec.Criteria = append(spec.Criteria, "require: zebraphrase quaggatoken")
	spec.MaxIterations = 1

	out, err := r.RunTask(context.Background(), spec)
	require.NoError(t, err)

	// The done claim has no evidence for the requirement, so it is downgraded.
	assert.Equal(t, decision.StatusNotDone, out.Status)
}

func TestRunTaskMarkersSurfaceToVerifier(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		if call == 1 {
			return &engine.Result{
				Output:   "CHECKPOINT: handlers in place\nLEARN: config lives in env\nmore prose\n",
				Attempts: 1,
			}, nil
		}
		return &engine.Result{Output: decisionJSON(decision.StatusDone, "Matches the checkpoint.", ""), Attempts: 1}, nil
	}}
	r, store := newTestRunner(t, inv, nil)

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)
	require.Equal(t, decision.StatusDone, out.Status)

	markers, err := os.ReadFile(filepath.Join(
		store.TaskDir("acme", "add-auth"), out.RunID, "execute", "artifacts", "markers.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(markers), "checkpoint: handlers in place")
	assert.Contains(t, string(markers), "learn: config lives in env")

	verifyPrompt := inv.call(1).Prompt
	assert.Contains(t, verifyPrompt, "Implementer signals")
	assert.Contains(t, verifyPrompt, "handlers in place")
}

func TestRunTaskVerifyCommandEvidence(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		if call == 1 {
			return &engine.Result{Output: "work", Attempts: 1}, nil
		}
		// The verify prompt must contain the command's captured output.
		if !strings.Contains(req.Prompt, "hello-from-verification") {
			return &engine.Result{
				Output:   decisionJSON(decision.StatusFailed, "Evidence missing.", ""),
				Attempts: 1,
			}, nil
		}
		return &engine.Result{Output: decisionJSON(decision.StatusDone, "Evidence present.", ""), Attempts: 1}, nil
	}}
	r, store := newTestRunner(t, inv, func(cfg *config.Config) {
		cfg.Loop.MaxVerifyCommands = 3
	})

	spec := testSpec()
	spec.RepoPath = t.TempDir()
	spec.Criteria = []string{"verify: echo hello-from-verification"}

	out, err := r.RunTask(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, decision.StatusDone, out.Status)

	evidence, err := os.ReadFile(filepath.Join(
		store.TaskDir(spec.ProjectSlug, spec.TaskSlug), out.RunID, "verify", "artifacts", "evidence.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(evidence), "$ echo hello-from-verification")
	assert.Contains(t, string(evidence), "hello-from-verification")
}

func TestRunTaskSwarmAggregatesProviders(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		switch req.Engine {
		case "claude":
			return &engine.Result{Output: "claude attempt", Attempts: 1}, nil
		case "gemini":
			return &engine.Result{Output: "gemini attempt", Attempts: 1}, nil
		case "codex":
			return &engine.Result{Output: decisionJSON(decision.StatusDone, "Attempts agree.", ""), Attempts: 1}, nil
		}
		return nil, fmt.Errorf("unexpected engine %s", req.Engine)
	}}
	r, store := newTestRunner(t, inv, func(cfg *config.Config) {
		cfg.Swarm = config.Swarm{
			Enabled:    true,
			Engines:    []string{"claude", "gemini"},
			Aggregator: "codex",
		}
	})

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, decision.StatusDone, out.Status)
	assert.Equal(t, 3, inv.callCount())

	runDir := filepath.Join(store.TaskDir("acme", "add-auth"), out.RunID)
	for _, name := range []string{"output-claude.md", "output-gemini.md"} {
		_, err := os.Stat(filepath.Join(runDir, "execute", "artifacts", name))
		assert.NoError(t, err, name)
	}

	verifyRun, err := store.LoadRun("acme", "add-auth", out.RunID, taskstore.StageVerify)
	require.NoError(t, err)
	assert.Equal(t, "codex", verifyRun.Engine)
}

func TestRunTaskSwarmToleratesPartialProviderFailure(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		switch req.Engine {
		case "claude":
			return &engine.Result{Output: "claude attempt", Attempts: 1}, nil
		case "gemini":
			return nil, &engine.InvokeError{Kind: engine.KindFailed, Engine: "gemini", ExitCode: 1}
		case "codex":
			return &engine.Result{Output: decisionJSON(decision.StatusDone, "Surviving attempt suffices.", ""), Attempts: 1}, nil
		}
		return nil, fmt.Errorf("unexpected engine %s", req.Engine)
	}}
	r, store := newTestRunner(t, inv, func(cfg *config.Config) {
		cfg.Swarm = config.Swarm{
			Enabled:    true,
			Engines:    []string{"claude", "gemini"},
			Aggregator: "codex",
		}
	})

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, decision.StatusDone, out.Status)

	artifacts := filepath.Join(store.TaskDir("acme", "add-auth"), out.RunID, "execute", "artifacts")
	_, err = os.Stat(filepath.Join(artifacts, "output-claude.md"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(artifacts, "output-gemini.md"))
	assert.True(t, os.IsNotExist(err), "failed provider must not leave an output artifact")
}

func TestRunTaskSwarmFailsWhenAllProvidersFail(t *testing.T) {
	inv := &stubInvoker{respond: func(req engine.Request, call int) (*engine.Result, error) {
		return nil, &engine.InvokeError{Kind: engine.KindFailed, Engine: req.Engine, ExitCode: 1}
	}}
	r, _ := newTestRunner(t, inv, func(cfg *config.Config) {
		cfg.Swarm = config.Swarm{
			Enabled:    true,
			Engines:    []string{"claude", "gemini"},
			Aggregator: "codex",
		}
	})

	out, err := r.RunTask(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, decision.StatusFailed, out.Status)
	assert.Contains(t, out.Explanation, "all swarm providers failed")
}

func TestDetectCommandsRespectsCapAndProbes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))

	spec := TaskSpec{
		RepoPath: dir,
		Criteria: []string{
			"verify: echo one",
			"verify: echo two",
			"plain acceptance criterion",
		},
	}

	cmds := detectCommands(spec, 10)
	assert.Equal(t, []string{"echo one", "echo two", "go test ./..."}, cmds)

	assert.Equal(t, []string{"echo one", "echo two"}, detectCommands(spec, 2))
}

func TestRequirementJoinsDeclaredLines(t *testing.T) {
	spec := TaskSpec{Criteria: []string{
		"require: migrations applied",
		"verify: echo x",
		"require: tests green",
	}}
	assert.Equal(t, "migrations applied tests green", requirement(spec))
	assert.Empty(t, requirement(TaskSpec{Criteria: []string{"no markers"}}))
}
