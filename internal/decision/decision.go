// Package decision turns free-form agent and verifier output into the strict
// decision record that drives the iteration loop. Extraction is lenient (the
// payload may be buried in prose or markdown fences); the resulting record is
// normalized so downstream consumers never see missing required fields.
package decision

import "fmt"

// Status is the verdict carried by a decision.
type Status string

const (
	StatusDone    Status = "done"
	StatusBlocked Status = "blocked"
	StatusNotDone Status = "not_done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status ends the task. not_done continues the
// loop; everything else stops it.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusBlocked || s == StatusFailed
}

// Valid reports whether s is one of the four recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDone, StatusBlocked, StatusNotDone, StatusFailed:
		return true
	}
	return false
}

// Decision is the structured outcome of a verify or aggregation step.
//
// Invariants (maintained by FillDefaults): Explanation is never empty, and
// NextPrompt is never empty while Done is false.
type Decision struct {
	Done                    bool   `json:"done"`
	Decision                Status `json:"decision"`
	Explanation             string `json:"explanation"`
	FinalResult             string `json:"final_result,omitempty"`
	NextPrompt              string `json:"next_prompt,omitempty"`
	Summary                 string `json:"summary,omitempty"`
	PlanMD                  string `json:"plan_md,omitempty"`
	ImplementationSummaryMD string `json:"implementation_summary_md,omitempty"`
	VerificationMD          string `json:"verification_md,omitempty"`
}

// InvalidOutput builds the sentinel decision returned when no JSON object can
// be parsed from a role's output. It is a valid terminal decision, not an
// error: callers treat "failed" as a normal outcome.
func InvalidOutput(role string) *Decision {
	return &Decision{
		Done:        false,
		Decision:    StatusFailed,
		Explanation: fmt.Sprintf("%s returned invalid JSON.", role),
	}
}
