package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ramarlina/agx/internal/cancel"
)

// shCommands routes the "sh" engine through /bin/sh so tests can use the
// prompt field as a script.
func shCommands() map[string]CommandSpec {
	return map[string]CommandSpec{
		"sh": {Bin: "/bin/sh", Args: []string{"-c", "{prompt}"}},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(t *testing.T) *cancel.Watcher {
	t.Helper()
	return cancel.NewWatcher("task-test", nil, time.Hour, discardLogger())
}

func TestInvokeCapturesOutput(t *testing.T) {
	inv := NewInvoker(shCommands(), discardLogger())
	w := newTestWatcher(t)

	res, err := inv.Invoke(context.Background(), w, Request{
		Engine: "sh",
		Prompt: "echo hello; echo world",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Output != "hello\nworld\n" {
		t.Errorf("unexpected output: %q", res.Output)
	}
	if res.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", res.Attempts)
	}
}

func TestInvokeCapturesStderrTail(t *testing.T) {
	inv := NewInvoker(shCommands(), discardLogger(), WithTailSize(16))
	w := newTestWatcher(t)

	res, err := inv.Invoke(context.Background(), w, Request{
		Engine: "sh",
		Prompt: "echo aaaaaaaaaaaaaaaaaaaaaaaa 1>&2; echo tail-end 1>&2; echo ok",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(res.Tail, "tail-end") {
		t.Errorf("tail should keep the newest stderr: %q", res.Tail)
	}
	if len(res.Tail) > 16 {
		t.Errorf("tail exceeds window: %d bytes", len(res.Tail))
	}
}

func TestInvokeRetriesFailuresUpToMaxAttempts(t *testing.T) {
	inv := NewInvoker(shCommands(), discardLogger())
	w := newTestWatcher(t)

	_, err := inv.Invoke(context.Background(), w, Request{
		Engine:      "sh",
		Prompt:      "exit 7",
		MaxAttempts: 3,
	})

	var invErr *InvokeError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvokeError, got %v", err)
	}
	if invErr.Kind != KindFailed {
		t.Errorf("kind = %s, want failed", invErr.Kind)
	}
	if invErr.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", invErr.ExitCode)
	}
}

func TestInvokeTimeoutNotRetried(t *testing.T) {
	inv := NewInvoker(shCommands(), discardLogger(), WithGrace(100*time.Millisecond))
	w := newTestWatcher(t)

	start := time.Now()
	_, err := inv.Invoke(context.Background(), w, Request{
		Engine:      "sh",
		Prompt:      "sleep 30",
		Timeout:     200 * time.Millisecond,
		MaxAttempts: 3,
	})
	elapsed := time.Since(start)

	var invErr *InvokeError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected InvokeError, got %v", err)
	}
	if invErr.Kind != KindTimeout {
		t.Errorf("kind = %s, want timeout", invErr.Kind)
	}
	// One attempt only: with retries this would take >= 3 * 200ms + backoff.
	if elapsed > 5*time.Second {
		t.Errorf("timeout appears to have been retried: took %s", elapsed)
	}
}

func TestInvokeCancellationTerminatesProcess(t *testing.T) {
	inv := NewInvoker(shCommands(), discardLogger(), WithGrace(200*time.Millisecond))
	w := newTestWatcher(t)

	done := make(chan struct{})
	var res *Result
	var invokeErr error
	go func() {
		defer close(done)
		res, invokeErr = inv.Invoke(context.Background(), w, Request{
			Engine:      "sh",
			Prompt:      "sleep 30",
			Timeout:     time.Minute,
			MaxAttempts: 3,
		})
	}()

	time.Sleep(100 * time.Millisecond)
	w.MarkCancelled()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not terminate the subprocess within the grace window")
	}

	if res != nil {
		t.Fatal("expected no result after cancellation")
	}
	if !errors.Is(invokeErr, cancel.ErrCancellationRequested) {
		t.Errorf("expected cancellation in error chain, got %v", invokeErr)
	}
}

func TestInvokeChecksWatcherAtEntry(t *testing.T) {
	inv := NewInvoker(shCommands(), discardLogger())
	w := newTestWatcher(t)
	w.MarkCancelled()

	_, err := inv.Invoke(context.Background(), w, Request{Engine: "sh", Prompt: "echo never"})
	if !errors.Is(err, cancel.ErrCancellationRequested) {
		t.Errorf("expected checkpoint failure at entry, got %v", err)
	}
}

func TestInvokeUnknownEngine(t *testing.T) {
	inv := NewInvoker(shCommands(), discardLogger())
	w := newTestWatcher(t)

	_, err := inv.Invoke(context.Background(), w, Request{Engine: "mystery", Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "unknown engine") {
		t.Errorf("expected unknown engine error, got %v", err)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	stdout []string
	stderr []string
}

func (r *recordingObserver) OnStdout(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdout = append(r.stdout, line)
}

func (r *recordingObserver) OnStderr(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stderr = append(r.stderr, line)
}

func (r *recordingObserver) OnTrace(string) {}

func TestObserversReceiveStreams(t *testing.T) {
	inv := NewInvoker(shCommands(), discardLogger())
	obs := &recordingObserver{}
	inv.Subscribe(obs)
	w := newTestWatcher(t)

	_, err := inv.Invoke(context.Background(), w, Request{
		Engine: "sh",
		Prompt: "echo out-line; echo err-line 1>&2",
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.stdout) != 1 || obs.stdout[0] != "out-line" {
		t.Errorf("stdout observations: %v", obs.stdout)
	}
	if len(obs.stderr) != 1 || obs.stderr[0] != "err-line" {
		t.Errorf("stderr observations: %v", obs.stderr)
	}
}

func TestCommandSpecArgv(t *testing.T) {
	spec := CommandSpec{
		Bin:       "claude",
		Args:      []string{"-p", "{prompt}"},
		ModelArgs: []string{"--model", "{model}"},
	}

	got := spec.Argv("do the thing", "opus")
	want := []string{"claude", "-p", "do the thing", "--model", "opus"}
	if len(got) != len(want) {
		t.Fatalf("argv length %d, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Without a model the model args are omitted entirely.
	got = spec.Argv("prompt", "")
	if len(got) != 3 {
		t.Errorf("expected model args omitted, got %v", got)
	}
}
