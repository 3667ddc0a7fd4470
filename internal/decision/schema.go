package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// recordSchema is the JSON schema every persisted decision record must
// satisfy. Validation runs before the record is written to disk so that a
// normalization bug cannot leak a malformed record into task history.
const recordSchema = `{
  "type": "object",
  "required": ["done", "decision", "explanation"],
  "properties": {
    "done": {"type": "boolean"},
    "decision": {"enum": ["done", "blocked", "not_done", "failed"]},
    "explanation": {"type": "string", "minLength": 1},
    "final_result": {"type": "string"},
    "next_prompt": {"type": "string"},
    "summary": {"type": "string"},
    "plan_md": {"type": "string"},
    "implementation_summary_md": {"type": "string"},
    "verification_md": {"type": "string"}
  },
  "additionalProperties": false
}`

// MarshalRecord validates a normalized decision against the record schema and
// returns its canonical JSON encoding for persistence.
func MarshalRecord(d *Decision) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(recordSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate decision record: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("decision record violates schema: %s", strings.Join(problems, "; "))
	}

	return data, nil
}
