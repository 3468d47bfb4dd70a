// Package agent runs the multi-step turn loop: LLM calls interleaved with
// tool dispatch, bounded by a step budget, cancellable at every suspension
// point, and always finishing with an AgentRunPayload.
package agent

import (
	"encoding/json"
	"time"

	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/llm"
	"github.com/cookareq/cookareq/pkg/timeline"
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Tool snapshot statuses.
const (
	ToolRunning   = "running"
	ToolSucceeded = "succeeded"
	ToolFailed    = "failed"
)

// Event kinds recorded during a run.
const (
	EventLLMStepStarted = "llm_step_started"
	EventLLMStep        = "llm_step"
	EventToolStarted    = "tool_started"
	EventToolUpdate     = "tool_update"
	EventToolCompleted  = "tool_completed"
	EventToolFailed     = "tool_failed"
	EventAgentFinished  = "agent_finished"
	EventAgentCancelled = "agent_cancelled"
)

// AgentEvent is one entry of the run's event log. Sequence is strictly
// monotonically increasing within a run.
type AgentEvent struct {
	Kind       string    `json:"kind"`
	Sequence   int       `json:"sequence"`
	OccurredAt time.Time `json:"occurred_at"`
	StepIndex  *int      `json:"step_index,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Status     string    `json:"status,omitempty"`
	ResultText string    `json:"result_text,omitempty"`
}

// ToolResultSnapshot tracks one tool call from dispatch to completion.
// Observers receive the full ordered snapshot list on every change.
type ToolResultSnapshot struct {
	CallID          string          `json:"call_id"`
	ToolName        string          `json:"tool_name"`
	Arguments       map[string]any  `json:"arguments,omitempty"`
	Status          string          `json:"status"`
	Sequence        int             `json:"sequence"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *errs.Envelope  `json:"error,omitempty"`
}

// LlmStep records one LLM round trip: the conversation that was sent and
// the response that came back.
type LlmStep struct {
	Index      int           `json:"index"` // 1-based
	OccurredAt time.Time     `json:"occurred_at"`
	Request    []llm.Message `json:"request"`
	Response   llm.Response  `json:"response"`
}

// LLMTrace nests the recorded steps under "steps" in the persisted form.
type LLMTrace struct {
	Steps []LlmStep `json:"steps"`
}

// AgentRunPayload is the always-produced result of one run, including the
// canonical timeline and its checksum. ToolResults and Timeline are sorted
// by sequence on finalization; OK holds iff the status is succeeded, and
// Reasoning carries the terminal step's reasoning segments.
type AgentRunPayload struct {
	OK               bool                   `json:"ok"`
	Status           string                 `json:"status"`
	ResultText       string                 `json:"result_text,omitempty"`
	Reasoning        []llm.ReasoningSegment `json:"reasoning,omitempty"`
	Error            *errs.Envelope         `json:"error,omitempty"`
	Events           []AgentEvent           `json:"events"`
	ToolResults      []ToolResultSnapshot   `json:"tool_results"`
	LLMTrace         LLMTrace               `json:"llm_trace"`
	Timeline         []timeline.Entry       `json:"timeline"`
	TimelineChecksum string                 `json:"timeline_checksum,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      time.Time              `json:"completed_at"`
}

// MarshalPayload renders the payload in its canonical persisted form.
func MarshalPayload(p *AgentRunPayload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload parses a persisted payload.
func UnmarshalPayload(data []byte) (*AgentRunPayload, error) {
	var p AgentRunPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errs.New(errs.CodeValidation, "malformed run payload: %s", err.Error())
	}
	return &p, nil
}
