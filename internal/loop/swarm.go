package loop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ramarlina/agx/internal/cancel"
	"github.com/ramarlina/agx/internal/decision"
	"github.com/ramarlina/agx/internal/engine"
	"github.com/ramarlina/agx/internal/taskstore"
)

// iterateSwarm is the swarm-mode iteration body: every configured provider
// attempts the task concurrently, then the aggregator engine reconciles their
// outputs into one decision. Each provider retries independently; providers
// that still fail are dropped, and the iteration proceeds as long as at least
// one attempt survives. The execute run records one output artifact per
// provider.
func (r *Runner) iterateSwarm(ctx context.Context, watcher *cancel.Watcher, spec TaskSpec, iteration int, guidance string) (*decision.Decision, string, error) {
	execRun, err := r.store.CreateRun(taskstore.RunSpec{
		ProjectSlug: spec.ProjectSlug,
		TaskSlug:    spec.TaskSlug,
		Stage:       taskstore.StageExecute,
		Engine:      "swarm",
		Model:       spec.Model,
	})
	if err != nil {
		return nil, "", err
	}

	prompt := buildExecutePrompt(spec, iteration, guidance)
	r.recordStep(execRun, "prompt", r.store.SavePrompt(execRun, prompt))
	r.appendEvent(execRun, taskstore.EventPromptBuilt, map[string]any{
		"bytes":     len(prompt),
		"providers": len(r.swarm.Engines),
	})

	outputs, invErr := r.invokeProviders(ctx, watcher, execRun, prompt)
	if invErr != nil {
		return r.failRunPair(execRun, nil, invErr), execRun.ID, nil
	}

	for name, out := range outputs {
		r.recordStep(execRun, "provider output", r.store.SaveArtifact(execRun, "output-"+name+".md", []byte(out)))
	}
	r.recordStep(execRun, "output", r.store.SaveOutput(execRun, mergeOutputs(outputs)))

	d, err := r.aggregate(ctx, watcher, spec, execRun, outputs)
	if err != nil {
		return nil, "", err
	}
	return d, execRun.ID, nil
}

// invokeProviders fans the prompt out to every swarm engine. A provider that
// fails after its own retries is dropped; the fan-out only fails as a whole
// when cancellation was requested or no provider produced output.
func (r *Runner) invokeProviders(ctx context.Context, watcher *cancel.Watcher, run *taskstore.Run, prompt string) (map[string]string, error) {
	var (
		mu      sync.Mutex
		outputs = make(map[string]string, len(r.swarm.Engines))
		lastErr error
	)

	var g errgroup.Group
	for _, name := range r.swarm.Engines {
		name := name
		g.Go(func() error {
			res, err := r.invokeEngine(ctx, watcher, run, engine.Request{
				Engine: name,
				Prompt: prompt,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("swarm provider failed", "provider", name, "error", err)
				lastErr = fmt.Errorf("provider %s: %w", name, err)
				if errors.Is(err, cancel.ErrCancellationRequested) {
					return err
				}
				return nil
			}
			outputs[name] = res.Output
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("all swarm providers failed: %w", lastErr)
	}
	return outputs, nil
}

// aggregate runs the aggregator engine over the provider outputs and parses
// its verdict. The aggregator's contract is JSON-only output, so the first
// decision object in the response is authoritative.
func (r *Runner) aggregate(ctx context.Context, watcher *cancel.Watcher, spec TaskSpec, execRun *taskstore.Run, outputs map[string]string) (*decision.Decision, error) {
	run, err := r.store.CreateRun(taskstore.RunSpec{
		ProjectSlug: spec.ProjectSlug,
		TaskSlug:    spec.TaskSlug,
		RunID:       execRun.ID,
		Stage:       taskstore.StageVerify,
		Engine:      r.swarm.Aggregator,
	})
	if err != nil {
		return nil, err
	}

	evidence := r.gatherEvidence(ctx, spec)
	r.recordStep(run, "evidence", r.store.SaveArtifact(run, "evidence.txt", []byte(evidence)))

	prompt := buildAggregatorPrompt(spec, outputs, evidence)
	r.recordStep(run, "prompt", r.store.SavePrompt(run, prompt))
	r.appendEvent(run, taskstore.EventPromptBuilt, map[string]any{"bytes": len(prompt)})

	res, invErr := r.invokeEngine(ctx, watcher, run, engine.Request{
		Engine: r.swarm.Aggregator,
		Prompt: prompt,
	})
	if invErr != nil {
		return r.failRunPair(run, execRun, invErr), nil
	}
	r.recordStep(run, "output", r.store.SaveOutput(run, res.Output))

	d := decision.ParseFirst(res.Output, "Aggregator")
	d = decision.FillDefaults(d)
	if req := requirement(spec); req != "" {
		d = decision.EnforceRequirement(d, req, evidence+"\n"+res.Output)
	}

	r.persistDecision(execRun, run, d)
	return d, nil
}

func mergeOutputs(outputs map[string]string) string {
	var b []byte
	for _, name := range sortedKeys(outputs) {
		b = append(b, "## "+name+"\n\n"...)
		b = append(b, outputs[name]...)
		b = append(b, "\n\n"...)
	}
	return string(b)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
