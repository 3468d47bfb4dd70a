// Package llm adapts the agent's neutral conversation model to an
// OpenAI-compatible chat completion API.
//
// The wire layer is hand-rolled over net/http because providers deliver
// tool-call arguments in several degraded encodings (JSON string, inline
// object, streamed fragments, Harmony-style output items) that fixed SDK
// types cannot represent; everything ambiguous is carried as
// json.RawMessage until reconstruction.
package llm

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one neutral conversation message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool only
	Name       string     `json:"name,omitempty"`         // tool only
}

// ToolCall is one reconstructed tool invocation request from the model.
// Arguments are always a decoded object, whatever encoding the provider
// used on the wire.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ReasoningSegment is one reasoning span in arrival order. Whitespace
// around the text is preserved verbatim so display-time compaction stays
// lossless.
type ReasoningSegment struct {
	Type               string `json:"type"`
	Text               string `json:"text"`
	LeadingWhitespace  string `json:"leading_whitespace,omitempty"`
	TrailingWhitespace string `json:"trailing_whitespace,omitempty"`
}

// Response is the engine-facing result of one completion call.
type Response struct {
	Content   string             `json:"content"`
	ToolCalls []ToolCall         `json:"tool_calls,omitempty"`
	Reasoning []ReasoningSegment `json:"reasoning,omitempty"`
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}
