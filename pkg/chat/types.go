// Package chat models persisted conversations: prompt/response entries
// carrying the raw agent run payload, per-model token caches, and timeline
// integrity status derived on load.
package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cookareq/cookareq/pkg/agent"
	"github.com/cookareq/cookareq/pkg/llm"
	"github.com/cookareq/cookareq/pkg/timeline"
	"github.com/cookareq/cookareq/pkg/tokens"
)

// TokenCache is one cached token count. The digest binds the count to the
// exact text it was computed from; a mismatch invalidates the cache.
type TokenCache struct {
	Model  string `json:"model"`
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// ToolMessage is the denormalized display form of one tool call, kept on the
// entry so history renders without reparsing the payload.
type ToolMessage struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Status   string `json:"status"`
	Content  string `json:"content,omitempty"`
}

// ChatEntry is one prompt/response exchange. DisplayResponse, Reasoning and
// ToolMessages are derived from the run payload at finalization;
// TimelineChecksum, when set, is authoritative over the payload's own.
type ChatEntry struct {
	ID               string                 `json:"id"`
	Prompt           string                 `json:"prompt"`
	PromptAt         *time.Time             `json:"prompt_at,omitempty"`
	Response         string                 `json:"response,omitempty"`
	DisplayResponse  string                 `json:"display_response,omitempty"`
	ResponseAt       *time.Time             `json:"response_at,omitempty"`
	Context          []llm.Message          `json:"context,omitempty"`
	Reasoning        []llm.ReasoningSegment `json:"reasoning,omitempty"`
	ToolMessages     []ToolMessage          `json:"tool_messages,omitempty"`
	RawResult        json.RawMessage        `json:"raw_result,omitempty"` // persisted AgentRunPayload
	TimelineChecksum string                 `json:"timeline_checksum,omitempty"`
	Regenerated      bool                   `json:"regenerated,omitempty"`

	PromptTokens   *TokenCache `json:"prompt_tokens,omitempty"`
	ResponseTokens *TokenCache `json:"response_tokens,omitempty"`
	ContextTokens  *TokenCache `json:"context_tokens,omitempty"`
}

// ChatConversation is one conversation: metadata plus lazily loaded entries.
type ChatConversation struct {
	ID        string      `json:"id"`
	Title     string      `json:"title,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Entries   []ChatEntry `json:"entries,omitempty"`
}

// TextDigest is the cache key for a plain text: hex SHA-256.
func TextDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ContextDigest is the cache key for context messages: hex SHA-256 of their
// canonical JSON.
func ContextDigest(msgs []llm.Message) string {
	data, err := json.Marshal(msgs)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// validFor reports whether the cache still matches a model and digest.
func (c *TokenCache) validFor(model, digest string) bool {
	return c != nil && c.Model == model && c.Digest == digest && digest != ""
}

// PromptTokenCount returns the cached prompt token count, recounting and
// refreshing the cache when the digest or model changed.
func (e *ChatEntry) PromptTokenCount(counter *tokens.Counter) int {
	digest := TextDigest(e.Prompt)
	if e.PromptTokens.validFor(counter.Model(), digest) {
		return e.PromptTokens.Count
	}
	count := counter.Count(e.Prompt).Count
	e.PromptTokens = &TokenCache{Model: counter.Model(), Digest: digest, Count: count}
	return count
}

// ResponseTokenCount is PromptTokenCount for the response text.
func (e *ChatEntry) ResponseTokenCount(counter *tokens.Counter) int {
	digest := TextDigest(e.Response)
	if e.ResponseTokens.validFor(counter.Model(), digest) {
		return e.ResponseTokens.Count
	}
	count := counter.Count(e.Response).Count
	e.ResponseTokens = &TokenCache{Model: counter.Model(), Digest: digest, Count: count}
	return count
}

// ContextTokenCount caches over the canonical JSON of the context messages.
func (e *ChatEntry) ContextTokenCount(counter *tokens.Counter) int {
	digest := ContextDigest(e.Context)
	if e.ContextTokens.validFor(counter.Model(), digest) {
		return e.ContextTokens.Count
	}
	texts := make([]string, 0, len(e.Context))
	for _, m := range e.Context {
		texts = append(texts, m.Content)
	}
	count := counter.CountAll(texts).Count
	e.ContextTokens = &TokenCache{Model: counter.Model(), Digest: digest, Count: count}
	return count
}

// RunPayload parses the entry's persisted agent run payload, or nil when
// absent.
func (e *ChatEntry) RunPayload() (*agent.AgentRunPayload, error) {
	if len(e.RawResult) == 0 {
		return nil, nil
	}
	return agent.UnmarshalPayload(e.RawResult)
}

// ApplyRunResult fills the denormalized display fields from a finalized
// payload: display text, reasoning, tool messages and the entry-level
// timeline checksum.
func (e *ChatEntry) ApplyRunResult(p *agent.AgentRunPayload) {
	e.DisplayResponse = p.ResultText
	e.Reasoning = p.Reasoning
	e.TimelineChecksum = p.TimelineChecksum

	msgs := make([]ToolMessage, 0, len(p.ToolResults))
	for _, s := range p.ToolResults {
		m := ToolMessage{CallID: s.CallID, ToolName: s.ToolName, Status: s.Status}
		if s.Error != nil {
			m.Content = s.Error.Message
		} else if len(s.Result) > 0 {
			m.Content = string(s.Result)
		}
		msgs = append(msgs, m)
	}
	e.ToolMessages = msgs
}

// TimelineStatus assesses the integrity of the entry's persisted timeline.
// The entry-level checksum, when present, overrides the one inside the
// payload.
func (e *ChatEntry) TimelineStatus() timeline.Report {
	payload, err := e.RunPayload()
	if err != nil {
		return timeline.Report{Status: timeline.StatusDamaged, Issues: []string{timeline.IssueChecksumError}}
	}
	if payload == nil {
		return timeline.Report{Status: timeline.StatusMissing}
	}
	checksum := payload.TimelineChecksum
	if e.TimelineChecksum != "" {
		checksum = e.TimelineChecksum
	}
	return timeline.Assess(payload.Timeline, checksum)
}

// ConversationMessages renders the history snapshot handed to a new run:
// one user and one assistant message per completed entry. Regenerated
// entries are superseded and excluded from the replay.
func (c *ChatConversation) ConversationMessages() []llm.Message {
	msgs := make([]llm.Message, 0, len(c.Entries)*2)
	for _, e := range c.Entries {
		if e.Prompt == "" || e.Regenerated {
			continue
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: e.Prompt})
		if e.Response != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: e.Response})
		}
	}
	return msgs
}
