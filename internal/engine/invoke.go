package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ramarlina/agx/internal/cancel"
)

// Canceller is the slice of the cancellation watcher the invoker needs.
type Canceller interface {
	Checkpoint() error
	Done() <-chan struct{}
}

// DefaultGrace is the window between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// DefaultTailSize is the stderr diagnostic window retained per invocation.
const DefaultTailSize = 4 * 1024

// DefaultTimeout is the per-attempt hard deadline when the request does not
// set one.
const DefaultTimeout = 15 * time.Minute

// Invoker runs engine subprocesses with timeout, bounded retry and
// cooperative cancellation. Construct one per process and share it; it holds
// no per-task state.
type Invoker struct {
	commands map[string]CommandSpec
	grace    time.Duration
	tailSize int
	logger   *slog.Logger

	mu        sync.Mutex
	observers []Observer
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithGrace sets the SIGTERM-to-SIGKILL window.
func WithGrace(d time.Duration) Option {
	return func(inv *Invoker) { inv.grace = d }
}

// WithTailSize sets the stderr diagnostic window size in bytes.
func WithTailSize(n int) Option {
	return func(inv *Invoker) { inv.tailSize = n }
}

// NewInvoker creates an invoker with the given command table. Nil commands
// selects the defaults.
func NewInvoker(commands map[string]CommandSpec, logger *slog.Logger, opts ...Option) *Invoker {
	if commands == nil {
		commands = DefaultCommands()
	}
	inv := &Invoker{
		commands: commands,
		grace:    DefaultGrace,
		tailSize: DefaultTailSize,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Subscribe registers an observer for subprocess progress.
func (inv *Invoker) Subscribe(o Observer) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.observers = append(inv.observers, o)
}

func (inv *Invoker) publish(fn func(Observer)) {
	inv.mu.Lock()
	observers := make([]Observer, len(inv.observers))
	copy(observers, inv.observers)
	inv.mu.Unlock()

	for _, o := range observers {
		fn(o)
	}
}

// Invoke runs one engine request to completion, retrying failed attempts with
// exponential backoff up to req.MaxAttempts. Timeouts and cancellation are
// never retried. The watcher is consulted at entry and exit of the blocking
// call and mid-flight through its Done channel.
func (inv *Invoker) Invoke(ctx context.Context, watcher Canceller, req Request) (*Result, error) {
	if err := watcher.Checkpoint(); err != nil {
		return nil, err
	}

	spec, ok := inv.commands[req.Engine]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", req.Engine)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	attempts := 0

	var result *Result
	operation := func() error {
		attempts++
		res, err := inv.runOnce(ctx, watcher, spec, req, timeout)
		if err != nil {
			var invErr *InvokeError
			if errors.As(err, &invErr) && invErr.Kind == KindFailed {
				inv.logger.Warn("engine attempt failed",
					"engine", req.Engine, "attempt", attempts, "error", err)
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts-1))
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	if err := watcher.Checkpoint(); err != nil {
		return nil, err
	}

	result.Attempts = attempts
	result.Duration = time.Since(start)
	return result, nil
}

// runOnce executes a single attempt.
func (inv *Invoker) runOnce(ctx context.Context, watcher Canceller, spec CommandSpec, req Request, timeout time.Duration) (*Result, error) {
	if err := watcher.Checkpoint(); err != nil {
		return nil, err
	}

	argv := spec.Argv(req.Prompt, req.Model)
	inv.publish(func(o Observer) { o.OnTrace(fmt.Sprintf("starting %s", req.Engine)) })
	inv.logger.Debug("starting engine", "engine", req.Engine, "bin", argv[0])

	cmd := exec.Command(argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &InvokeError{Kind: KindFailed, Engine: req.Engine, Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &InvokeError{Kind: KindFailed, Engine: req.Engine, Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return nil, &InvokeError{Kind: KindFailed, Engine: req.Engine, Err: fmt.Errorf("failed to start process: %w", err)}
	}

	var output strings.Builder
	tail := newTailBuffer(inv.tailSize)

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 4096), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			output.WriteString(line)
			output.WriteByte('\n')
			inv.publish(func(o Observer) { o.OnStdout(line) })
		}
	}()
	go func() {
		defer streams.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 4096), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail.Write(append([]byte(line), '\n'))
			inv.publish(func(o Observer) { o.OnStderr(line) })
		}
	}()

	exitChan := make(chan error, 1)
	go func() {
		streams.Wait()
		exitChan <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case waitErr := <-exitChan:
		if waitErr != nil {
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			return nil, &InvokeError{
				Kind: KindFailed, Engine: req.Engine, ExitCode: exitCode,
				Tail: tail.String(), Err: waitErr,
			}
		}
		return &Result{Output: output.String(), Tail: tail.String()}, nil

	case <-timer.C:
		inv.terminate(cmd, exitChan)
		return nil, &InvokeError{
			Kind: KindTimeout, Engine: req.Engine, ExitCode: -1,
			Tail: tail.String(), Err: fmt.Errorf("timed out after %s", timeout),
		}

	case <-watcher.Done():
		inv.terminate(cmd, exitChan)
		return nil, &InvokeError{
			Kind: KindCancelled, Engine: req.Engine, ExitCode: -1,
			Tail: tail.String(), Err: cancel.ErrCancellationRequested,
		}

	case <-ctx.Done():
		inv.terminate(cmd, exitChan)
		return nil, &InvokeError{
			Kind: KindCancelled, Engine: req.Engine, ExitCode: -1,
			Tail: tail.String(), Err: ctx.Err(),
		}
	}
}

// terminate sends SIGTERM, waits out the grace window, then SIGKILLs.
func (inv *Invoker) terminate(cmd *exec.Cmd, exitChan chan error) {
	if cmd.Process == nil {
		return
	}

	inv.logger.Warn("terminating engine process", "pid", cmd.Process.Pid)
	cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exitChan:
		return
	case <-time.After(inv.grace):
	}

	inv.logger.Warn("engine did not stop gracefully, killing", "pid", cmd.Process.Pid)
	cmd.Process.Kill()
	<-exitChan
}
