// Package cancel implements cooperative task cancellation: a watcher polls an
// external signal source and exposes a checkpoint the iteration loop and the
// subprocess supervisor consult at every blocking boundary.
package cancel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCancellationRequested unwinds the iteration loop when an operator
// cancels a task. It takes priority over retry policy and is never retried.
var ErrCancellationRequested = errors.New("cancellation requested")

// Source answers whether cancellation has been requested for a task. The
// remote queue client implements this; tests use a stub.
type Source interface {
	Cancelled(ctx context.Context, taskID string) (bool, error)
}

// DefaultPollInterval is how often the watcher consults its source.
const DefaultPollInterval = 5 * time.Second

// Watcher observes a cancellation source for one task. Once cancellation is
// observed it latches: every subsequent Checkpoint call fails and the Done
// channel is closed.
type Watcher struct {
	taskID   string
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	cancelled bool

	done     chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
}

// NewWatcher creates a watcher for taskID backed by source. Pass interval <= 0
// for the default.
func NewWatcher(taskID string, source Source, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		taskID:   taskID,
		source:   source,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
}

// Start begins polling. The watcher stops when ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.poll(ctx)
}

// Stop terminates polling without marking the task cancelled.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Checkpoint returns ErrCancellationRequested once cancellation has been
// observed, nil otherwise. Called at entry and exit of blocking operations.
func (w *Watcher) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return ErrCancellationRequested
	}
	return nil
}

// Done returns a channel closed when cancellation is observed, for select
// integration in the subprocess supervisor.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// MarkCancelled latches cancellation directly. Used when a push signal
// arrives out of band of the poll loop.
func (w *Watcher) MarkCancelled() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}
	w.cancelled = true
	close(w.done)
	w.logger.Info("cancellation observed", "task", w.taskID)
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-w.done:
			return
		case <-ticker.C:
			cancelled, err := w.source.Cancelled(ctx, w.taskID)
			if err != nil {
				// Poll failures are tolerated; the next tick retries.
				w.logger.Warn("cancellation poll failed", "task", w.taskID, "error", err)
				continue
			}
			if cancelled {
				w.MarkCancelled()
				return
			}
		}
	}
}
