package loop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	criterionCommandPrefix     = "verify:"
	criterionRequirementPrefix = "require:"
)

// CommandResult is the captured outcome of one verification command.
type CommandResult struct {
	Command  string
	ExitCode int
	Output   string
	TimedOut bool
}

// detectCommands returns the verification commands to run for a task:
// explicit "verify:" criteria first, then well-known build-system probes
// for files present in the repository, capped at max.
func detectCommands(spec TaskSpec, max int) []string {
	var cmds []string
	for _, c := range spec.Criteria {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(c), criterionCommandPrefix); ok {
			if cmd := strings.TrimSpace(rest); cmd != "" {
				cmds = append(cmds, cmd)
			}
		}
	}

	probes := []struct {
		marker  string
		command string
	}{
		{"go.mod", "go test ./..."},
		{"package.json", "npm test --silent"},
		{"Makefile", "make test"},
	}
	for _, p := range probes {
		if spec.RepoPath == "" {
			break
		}
		if _, err := os.Stat(filepath.Join(spec.RepoPath, p.marker)); err == nil {
			cmds = append(cmds, p.command)
		}
	}

	if max > 0 && len(cmds) > max {
		cmds = cmds[:max]
	}
	return cmds
}

// requirement extracts the declared completion requirement from the task's
// criteria, if any. Multiple "require:" lines are joined with spaces.
func requirement(spec TaskSpec) string {
	var parts []string
	for _, c := range spec.Criteria {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(c), criterionRequirementPrefix); ok {
			if r := strings.TrimSpace(rest); r != "" {
				parts = append(parts, r)
			}
		}
	}
	return strings.Join(parts, " ")
}

// runCommands executes each verification command through the shell in the
// repository directory. Command failures are evidence, not errors: a nonzero
// exit or timeout is recorded and the next command still runs.
func runCommands(ctx context.Context, spec TaskSpec, cmds []string, timeout time.Duration, maxBytes int, logger *slog.Logger) []CommandResult {
	results := make([]CommandResult, 0, len(cmds))
	for _, c := range cmds {
		results = append(results, runCommand(ctx, spec.RepoPath, c, timeout, maxBytes))
		logger.Debug("verification command finished",
			"command", c,
			"exit_code", results[len(results)-1].ExitCode,
			"timed_out", results[len(results)-1].TimedOut)
	}
	return results
}

func runCommand(ctx context.Context, dir, command string, timeout time.Duration, maxBytes int) CommandResult {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := CommandResult{
		Command: command,
		Output:  capBytes(buf.Bytes(), maxBytes),
	}
	if cctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res
}

// gitSummary captures the working tree state of the repository. Git being
// absent or the path not being a repository is reported as evidence text
// rather than failing verification.
func gitSummary(ctx context.Context, dir string, timeout time.Duration) string {
	status := runCommand(ctx, dir, "git status --porcelain", timeout, 8192)
	if status.ExitCode != 0 {
		return "(git summary unavailable)"
	}
	diff := runCommand(ctx, dir, "git diff --stat HEAD", timeout, 8192)

	var b strings.Builder
	b.WriteString("git status --porcelain:\n")
	if strings.TrimSpace(status.Output) == "" {
		b.WriteString("(clean)\n")
	} else {
		b.WriteString(status.Output)
		if !strings.HasSuffix(status.Output, "\n") {
			b.WriteByte('\n')
		}
	}
	if diff.ExitCode == 0 && strings.TrimSpace(diff.Output) != "" {
		b.WriteString("\ngit diff --stat:\n")
		b.WriteString(diff.Output)
	}
	return b.String()
}

// buildEvidence renders command results and the git summary into the text
// block handed to the verifier and to the requirement check.
func buildEvidence(results []CommandResult, git string) string {
	var b strings.Builder
	if len(results) == 0 {
		b.WriteString("No verification commands were run.\n")
	}
	for _, r := range results {
		fmt.Fprintf(&b, "$ %s\n", r.Command)
		switch {
		case r.TimedOut:
			b.WriteString("(timed out)\n")
		default:
			fmt.Fprintf(&b, "(exit %d)\n", r.ExitCode)
		}
		if strings.TrimSpace(r.Output) != "" {
			b.WriteString(r.Output)
			if !strings.HasSuffix(r.Output, "\n") {
				b.WriteByte('\n')
			}
		}
		b.WriteByte('\n')
	}
	if git != "" {
		b.WriteString(git)
	}
	return b.String()
}

func capBytes(b []byte, max int) string {
	if max > 0 && len(b) > max {
		return string(b[:max]) + "\n[... truncated ...]"
	}
	return string(b)
}
