package workflow

import (
	"time"
)

// StepResult records the outcome of one driven step. Skipped steps do not
// produce a StepResult.
type StepResult struct {
	StepID  string `json:"stepId"`
	Success bool   `json:"success"`

	// RawData is the decoded API payload (a sequence of payloads for LOOP
	// steps).
	RawData any `json:"rawData,omitempty"`

	// TransformedData is RawData after the step's response mapping; it is
	// what later steps see under this step's id.
	TransformedData any `json:"transformedData,omitempty"`

	Error string `json:"error,omitempty"`

	// Metadata carries execution details such as loop truncation
	// (truncated, totalItems), pages fetched, and duration.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RunResult is the immutable record of one workflow execution.
type RunResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`

	// Data is the final transformed artifact. On schema validation failure
	// it is still populated alongside the error.
	Data any `json:"data,omitempty"`

	Error string `json:"error,omitempty"`

	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`

	StepResults []StepResult `json:"stepResults"`

	// Config is a snapshot of the workflow that ran.
	Config *Workflow `json:"config,omitempty"`
}

// ConfigID returns the id of the workflow snapshot, or "" for inline runs
// that carried no id.
func (r *RunResult) ConfigID() string {
	if r.Config == nil {
		return ""
	}
	return r.Config.ID
}
