package loop

import (
	"fmt"
	"strings"

	"github.com/ramarlina/agx/internal/decision"
)

// buildExecutePrompt constructs the execute-phase prompt. Guidance from the
// previous iteration's decision is embedded verbatim: the continuity contract
// is that new prompts incorporate prior guidance, never discard it.
func buildExecutePrompt(spec TaskSpec, iteration int, priorGuidance string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on task %q in project %q.\n\n", spec.TaskSlug, spec.ProjectSlug)
	fmt.Fprintf(&b, "## Goal\n\n%s\n", spec.Request)

	if len(spec.Criteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, c := range spec.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if priorGuidance != "" {
		fmt.Fprintf(&b, "\n## Guidance from iteration %d\n\n%s\n", iteration-1, priorGuidance)
	}

	b.WriteString("\nImplement the next increment of work toward the goal. Make real changes in the repository.\n")
	return b.String()
}

// buildVerifyPrompt constructs the verifier prompt, embedding the gathered
// evidence and any inline signals the implementer emitted. The verifier may
// reason in prose but must conclude with a single JSON decision object; that
// trailing object is what gets parsed.
func buildVerifyPrompt(spec TaskSpec, implementationOutput, evidence string, markers []decision.Marker) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are verifying task %q in project %q.\n\n", spec.TaskSlug, spec.ProjectSlug)
	fmt.Fprintf(&b, "## Goal\n\n%s\n", spec.Request)

	if len(spec.Criteria) > 0 {
		b.WriteString("\n## Acceptance criteria\n\n")
		for _, c := range spec.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	fmt.Fprintf(&b, "\n## Implementation report\n\n%s\n", truncate(implementationOutput, 8192))

	if len(markers) > 0 {
		b.WriteString("\n## Implementer signals\n\n")
		for _, m := range markers {
			if m.Text != "" {
				fmt.Fprintf(&b, "- %s: %s\n", m.Kind, m.Text)
			} else {
				fmt.Fprintf(&b, "- %s\n", m.Kind)
			}
		}
	}

	fmt.Fprintf(&b, "\n## Verification evidence\n\n%s\n", evidence)

	b.WriteString(`
Assess whether the goal is met. You may think step by step, then end your
response with exactly one JSON object:

{"done": bool, "decision": "done"|"blocked"|"not_done"|"failed",
 "explanation": "...", "final_result": "...", "next_prompt": "...",
 "summary": "..."}

If done is false, next_prompt must tell the implementer what to do next.
`)
	return b.String()
}

// buildAggregatorPrompt merges swarm provider outputs for the aggregator,
// which must answer with a single JSON object and no surrounding prose.
func buildAggregatorPrompt(spec TaskSpec, outputs map[string]string, evidence string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Multiple agents attempted task %q independently. Reconcile their work into one decision.\n", spec.TaskSlug)
	fmt.Fprintf(&b, "\n## Goal\n\n%s\n", spec.Request)

	for _, engineName := range sortedKeys(outputs) {
		fmt.Fprintf(&b, "\n## Output from %s\n\n%s\n", engineName, truncate(outputs[engineName], 8192))
	}

	fmt.Fprintf(&b, "\n## Verification evidence\n\n%s\n", evidence)

	b.WriteString(`
Respond with ONLY one JSON object, no explanation before or after:

{"done": bool, "decision": "done"|"blocked"|"not_done"|"failed",
 "explanation": "...", "final_result": "...", "next_prompt": "...",
 "summary": "..."}
`)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[... truncated ...]"
}
