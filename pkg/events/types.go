// Package events carries runtime telemetry: LLM and tool call lifecycle
// events published in-process and mirrored to WebSocket subscribers.
package events

import (
	"time"
)

// Kind tags a telemetry event.
type Kind string

// Telemetry kinds emitted by the LLM client, the MCP client and the agent
// engine. The names are part of the wire contract with event consumers.
const (
	KindLLMRequest  Kind = "LLM_REQUEST"
	KindLLMResponse Kind = "LLM_RESPONSE"
	KindToolCall    Kind = "TOOL_CALL"
	KindToolResult  Kind = "TOOL_RESULT"
	KindDone        Kind = "DONE"
	KindError       Kind = "ERROR"
)

// Event is one telemetry record. Payload contents are kind-specific and must
// already be sanitized by the publisher.
type Event struct {
	Type      Kind           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Channel   string         `json:"channel,omitempty"` // conversation or session scope
	RequestID string         `json:"request_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(kind Kind, channel string, payload map[string]any) Event {
	return Event{
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Payload:   payload,
	}
}

// Publisher accepts telemetry events. Implementations must not block the
// caller; slow consumers drop or buffer on their side.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}
