package decision

import "strings"

const (
	genericExplanation = "The verifier did not provide an explanation for this decision."
	genericNextPrompt  = "Continue working toward the task goal. Re-read the original request and address any criteria that are not yet met."
)

// FillDefaults normalizes a parsed decision in place so that the loop's
// invariants hold: Done agrees with the status, Explanation is non-empty, and
// NextPrompt is non-empty whenever the task continues.
func FillDefaults(d *Decision) *Decision {
	if !d.Decision.Valid() {
		if d.Done {
			d.Decision = StatusDone
		} else {
			d.Decision = StatusNotDone
		}
	}

	// The boolean is derived; the status field is authoritative.
	d.Done = d.Decision == StatusDone

	ensureExplanation(d)
	ensureNextPrompt(d)
	return d
}

// ensureExplanation backfills a missing explanation from the richest
// available field, in preference order, falling back to a generic template.
func ensureExplanation(d *Decision) {
	if strings.TrimSpace(d.Explanation) != "" {
		return
	}
	for _, source := range []string{d.Summary, d.FinalResult, d.NextPrompt} {
		if strings.TrimSpace(source) != "" {
			d.Explanation = source
			return
		}
	}
	d.Explanation = genericExplanation
}

// ensureNextPrompt backfills the continuation prompt for non-done decisions.
func ensureNextPrompt(d *Decision) {
	if d.Done || strings.TrimSpace(d.NextPrompt) != "" {
		return
	}
	for _, source := range []string{d.Explanation, d.Summary} {
		if strings.TrimSpace(source) != "" && source != genericExplanation {
			d.NextPrompt = "Previous assessment: " + source + "\n\nAddress the issues above and continue."
			return
		}
	}
	d.NextPrompt = genericNextPrompt
}

// EnforceRequirement guards against premature completion claims: a done
// verdict whose declared stage requirement is not substantiated by the
// supplied evidence is downgraded to not_done.
//
// The check is deliberately shallow: every significant word of the
// requirement must appear in the evidence text. Requirements are short
// operator-authored phrases ("tests pass", "lint clean"), so containment is
// a reasonable proxy for substantiation.
func EnforceRequirement(d *Decision, requirement, evidence string) *Decision {
	if d.Decision != StatusDone || strings.TrimSpace(requirement) == "" {
		return d
	}

	lower := strings.ToLower(evidence)
	for _, word := range strings.Fields(strings.ToLower(requirement)) {
		if len(word) < 3 {
			continue
		}
		if !strings.Contains(lower, word) {
			d.Decision = StatusNotDone
			d.Done = false
			d.Explanation = "Completion claim rejected: requirement \"" + requirement +
				"\" is not substantiated by the verification evidence. " + d.Explanation
			ensureNextPrompt(d)
			return d
		}
	}
	return d
}
