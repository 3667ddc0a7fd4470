// Package sched polls the remote queue and fans claimed tasks out to a
// bounded pool of loop runners. One scheduler is the heart of the daemon.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/ramarlina/agx/internal/config"
	"github.com/ramarlina/agx/internal/decision"
	"github.com/ramarlina/agx/internal/loop"
	"github.com/ramarlina/agx/internal/queue"
	"github.com/ramarlina/agx/internal/taskstore"
)

// QueueClient is the slice of the queue API the scheduler needs.
type QueueClient interface {
	NextTask(ctx context.Context) (*queue.RemoteTask, error)
	CompleteTask(ctx context.Context, id string, req queue.CompleteRequest) error
}

// TaskRunner executes one task to completion. Satisfied by *loop.Runner.
type TaskRunner interface {
	RunTask(ctx context.Context, spec loop.TaskSpec) (*loop.Outcome, error)
}

// Scheduler claims tasks from the queue and runs at most Workers of them
// concurrently. Polling backs off exponentially while the queue is empty and
// snaps back to the base interval as soon as a task arrives.
type Scheduler struct {
	client QueueClient
	runner TaskRunner
	cfg    config.Daemon
	repo   string // working directory handed to verification commands
	logger *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New builds a scheduler from the daemon configuration.
func New(client QueueClient, runner TaskRunner, cfg config.Daemon, repo string, logger *slog.Logger) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		client:   client,
		runner:   runner,
		cfg:      cfg,
		repo:     repo,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(workers)),
		inFlight: make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled, then drains: no new tasks are claimed and
// Run returns once every in-flight task has finished. Tasks themselves run on
// a context detached from ctx, so shutdown does not abort work mid-iteration.
func (s *Scheduler) Run(ctx context.Context) error {
	poll := s.pollBackoff()

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		default:
		}

		task, err := s.client.NextTask(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return s.drain()
			}
			s.logger.Warn("queue poll failed", "error", err)
			if !s.sleep(ctx, poll.NextBackOff()) {
				return s.drain()
			}
		case task == nil:
			if !s.sleep(ctx, poll.NextBackOff()) {
				return s.drain()
			}
		default:
			poll.Reset()
			s.dispatch(ctx, task)
		}
	}
}

// InFlight reports how many tasks are currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Scheduler) dispatch(ctx context.Context, task *queue.RemoteTask) {
	s.mu.Lock()
	if _, dup := s.inFlight[task.ID]; dup {
		s.mu.Unlock()
		// Queue handed the same task out twice; the running copy wins.
		return
	}
	s.inFlight[task.ID] = struct{}{}
	s.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.forget(task.ID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer s.forget(task.ID)
		s.execute(context.WithoutCancel(ctx), task)
	}()
}

func (s *Scheduler) execute(ctx context.Context, task *queue.RemoteTask) {
	spec := specFor(task, s.repo)
	logger := s.logger.With("task", task.ID, "slug", spec.TaskSlug)
	logger.Info("claimed task", "project", spec.ProjectSlug)

	outcome, err := s.runner.RunTask(ctx, spec)
	if err != nil {
		if errors.Is(err, taskstore.ErrLockHeld) {
			logger.Info("task is locked by another worker, leaving it")
			return
		}
		logger.Error("task run failed", "error", err)
		return
	}

	logger.Info("task finished",
		"decision", outcome.Status, "iterations", outcome.Iterations)

	if outcome.Status == decision.StatusNotDone {
		// Budget exhausted; the task stays queued for a later claim.
		return
	}
	if err := s.client.CompleteTask(ctx, task.ID, queue.CompleteRequest{
		Decision:    string(outcome.Status),
		Explanation: outcome.Explanation,
		FinalResult: outcome.FinalResult,
	}); err != nil {
		logger.Error("failed to report completion", "error", err)
	}
}

func (s *Scheduler) drain() error {
	n := s.InFlight()
	if n > 0 {
		s.logger.Info("draining in-flight tasks", "count", n)
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) pollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(s.cfg.PollIntervalMS) * time.Millisecond
	b.MaxInterval = time.Duration(s.cfg.MaxPollBackoffMS) * time.Millisecond
	b.MaxElapsedTime = 0 // poll forever
	b.Reset()
	return b
}

func specFor(task *queue.RemoteTask, repo string) loop.TaskSpec {
	projectSlug := task.ProjectSlug
	if projectSlug == "" {
		projectSlug = taskstore.Slugify(task.ProjectName)
	}
	taskSlug := task.Slug
	if taskSlug == "" {
		taskSlug = taskstore.Slugify(task.Request)
	}
	return loop.TaskSpec{
		RemoteID:      task.ID,
		ProjectSlug:   projectSlug,
		ProjectLabel:  task.ProjectName,
		TaskSlug:      taskSlug,
		Request:       task.Request,
		Criteria:      task.Criteria,
		Engine:        task.Engine,
		Model:         task.Model,
		RepoPath:      repo,
		MaxIterations: task.MaxIterations,
	}
}
