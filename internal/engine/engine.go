// Package engine invokes external AI agent binaries as supervised
// subprocesses. The contract with the binary is deliberately thin: it accepts
// a prompt (and optional model) in its arguments, writes free-form text to
// stdout/stderr, and exits with a status code. Nothing else is assumed.
package engine

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	// KindFailed is a non-zero exit or spawn failure; eligible for retry.
	KindFailed ErrorKind = "failed"
	// KindTimeout is a hard-deadline kill; never retried.
	KindTimeout ErrorKind = "timeout"
	// KindCancelled is a cooperative cancellation kill; never retried.
	KindCancelled ErrorKind = "cancelled"
)

// InvokeError is the typed failure of a subprocess invocation. Tail carries
// the last window of stderr for diagnostics, independent of the full output
// persisted to artifacts.
type InvokeError struct {
	Kind     ErrorKind
	Engine   string
	ExitCode int
	Tail     string
	Err      error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("engine %s %s (exit %d): %v", e.Engine, e.Kind, e.ExitCode, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Observer receives subprocess progress. The supervisor publishes to every
// registered observer; the iteration loop's artifact recorder and the slog
// tracer subscribe independently.
type Observer interface {
	OnStdout(line string)
	OnStderr(line string)
	OnTrace(msg string)
}

// CommandSpec describes how to build the argv for one engine. Placeholders
// {prompt} and {model} in Args are substituted; ModelArgs is appended only
// when a model is requested.
type CommandSpec struct {
	Bin       string   `json:"bin"`
	Args      []string `json:"args"`
	ModelArgs []string `json:"model_args,omitempty"`
}

// Argv renders the full command line for a prompt and optional model.
func (c CommandSpec) Argv(prompt, model string) []string {
	argv := []string{c.Bin}
	expand := func(args []string) {
		for _, a := range args {
			a = strings.ReplaceAll(a, "{prompt}", prompt)
			a = strings.ReplaceAll(a, "{model}", model)
			argv = append(argv, a)
		}
	}
	expand(c.Args)
	if model != "" {
		expand(c.ModelArgs)
	}
	return argv
}

// DefaultCommands maps the known engine names to their CLI invocation shapes.
// Config may override or extend this map.
func DefaultCommands() map[string]CommandSpec {
	return map[string]CommandSpec{
		"claude": {Bin: "claude", Args: []string{"-p", "{prompt}"}, ModelArgs: []string{"--model", "{model}"}},
		"gemini": {Bin: "gemini", Args: []string{"-p", "{prompt}"}, ModelArgs: []string{"-m", "{model}"}},
		"codex":  {Bin: "codex", Args: []string{"exec", "{prompt}"}, ModelArgs: []string{"-m", "{model}"}},
		"ollama": {Bin: "ollama", Args: []string{"run", "{model}", "{prompt}"}},
	}
}

// Request describes one engine invocation.
type Request struct {
	Engine      string
	Model       string
	Prompt      string
	Timeout     time.Duration // hard deadline per attempt
	MaxAttempts int           // bounded retry for KindFailed; min 1
}

// Result is a successful invocation.
type Result struct {
	Output   string // full stdout
	Tail     string // trailing stderr window
	Attempts int
	Duration time.Duration
}
