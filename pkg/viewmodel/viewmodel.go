// Package viewmodel is the pure transformation from a persisted conversation
// to its display timeline. It never mutates the conversation and never talks
// to the engine; everything it renders comes from the entry payloads.
package viewmodel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cookareq/cookareq/pkg/agent"
	"github.com/cookareq/cookareq/pkg/chat"
	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/llm"
	"github.com/cookareq/cookareq/pkg/userdocs"
)

// Preview bounds for compact tool summaries.
const (
	previewLines = 5
	previewRunes = 160
)

// Timestamp sources. The UI renders a placeholder when Missing is set, so no
// information is lost for entries persisted without timestamps.
const (
	SourceResponseAt  = "response_at"
	SourceLLMStep     = "llm_step"
	SourceToolStarted = "tool_started"
	SourceSynthesized = "synthesized"
)

// Timestamp is a display time with provenance.
type Timestamp struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Missing bool      `json:"missing,omitempty"`
}

// PromptSnapshot is the user side of one exchange.
type PromptSnapshot struct {
	Text string    `json:"text"`
	At   Timestamp `json:"at"`
}

// ToolCallSummary is one tool call rendered compactly.
type ToolCallSummary struct {
	CallID          string    `json:"call_id"`
	ToolName        string    `json:"tool_name"`
	Status          string    `json:"status"`
	Sequence        int       `json:"sequence"`
	StartedAt       Timestamp `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Preview         string    `json:"preview,omitempty"`
	ErrorLine       string    `json:"error_line,omitempty"`
}

// AgentTurn is the agent side of one exchange.
type AgentTurn struct {
	Status            string                 `json:"status"`
	FinalResponse     string                 `json:"final_response"`
	StreamedResponses []string               `json:"streamed_responses,omitempty"`
	Reasoning         []llm.ReasoningSegment `json:"reasoning,omitempty"`
	ToolCalls         []ToolCallSummary      `json:"tool_calls,omitempty"`
	At                Timestamp              `json:"at"`
	ErrorLine         string                 `json:"error_line,omitempty"`
	Checksum          string                 `json:"checksum,omitempty"`
}

// EntryView pairs a prompt with its agent turn. Pending entries have no turn
// yet; the UI shows its placeholder text for those.
type EntryView struct {
	EntryID string         `json:"entry_id"`
	Prompt  PromptSnapshot `json:"prompt"`
	Turn    *AgentTurn     `json:"turn,omitempty"`
	Pending bool           `json:"pending,omitempty"`
}

// ConversationTimeline is the full display model of one conversation.
type ConversationTimeline struct {
	ConversationID string      `json:"conversation_id"`
	Title          string      `json:"title,omitempty"`
	Entries        []EntryView `json:"entries"`
}

// Builder caches agent turns per conversation. The cache key folds in the
// entry's response timestamp and timeline checksum, so a changed payload
// invalidates only that entry's turn.
type Builder struct {
	mu    sync.Mutex
	cache map[string]map[string]*AgentTurn
}

func NewBuilder() *Builder {
	return &Builder{cache: make(map[string]map[string]*AgentTurn)}
}

// Build renders the timeline for one conversation.
func (b *Builder) Build(conv *chat.ChatConversation) *ConversationTimeline {
	out := &ConversationTimeline{ConversationID: conv.ID, Title: conv.Title}

	b.mu.Lock()
	turns := b.cache[conv.ID]
	if turns == nil {
		turns = make(map[string]*AgentTurn)
		b.cache[conv.ID] = turns
	}
	b.mu.Unlock()

	seen := make(map[string]struct{}, len(conv.Entries))
	for i := range conv.Entries {
		entry := &conv.Entries[i]
		view := EntryView{
			EntryID: entry.ID,
			Prompt:  promptSnapshot(entry),
		}
		if len(entry.RawResult) == 0 {
			view.Pending = true
			out.Entries = append(out.Entries, view)
			continue
		}

		key := cacheKey(entry)
		seen[key] = struct{}{}
		b.mu.Lock()
		turn, ok := turns[key]
		b.mu.Unlock()
		if !ok {
			turn = buildTurn(entry)
			b.mu.Lock()
			turns[key] = turn
			b.mu.Unlock()
		}
		view.Turn = turn
		out.Entries = append(out.Entries, view)
	}

	// Drop cache rows whose entry changed or disappeared.
	b.mu.Lock()
	for key := range turns {
		if _, ok := seen[key]; !ok {
			delete(turns, key)
		}
	}
	b.mu.Unlock()
	return out
}

// Forget drops all cached turns of one conversation.
func (b *Builder) Forget(conversationID string) {
	b.mu.Lock()
	delete(b.cache, conversationID)
	b.mu.Unlock()
}

func cacheKey(entry *chat.ChatEntry) string {
	var partial struct {
		Checksum string `json:"timeline_checksum"`
	}
	_ = json.Unmarshal(entry.RawResult, &partial)
	at := ""
	if entry.ResponseAt != nil {
		at = entry.ResponseAt.UTC().Format(time.RFC3339Nano)
	}
	return entry.ID + "|" + at + "|" + partial.Checksum
}

func promptSnapshot(entry *chat.ChatEntry) PromptSnapshot {
	snap := PromptSnapshot{Text: entry.Prompt}
	if entry.PromptAt != nil {
		snap.At = Timestamp{At: entry.PromptAt.UTC(), Source: SourceResponseAt}
	} else {
		snap.At = Timestamp{Source: SourceSynthesized, Missing: true}
	}
	return snap
}

func buildTurn(entry *chat.ChatEntry) *AgentTurn {
	payload, err := entry.RunPayload()
	if err != nil {
		return &AgentTurn{
			Status:        agent.StatusFailed,
			FinalResponse: entry.Response,
			At:            turnTimestamp(entry, nil),
			ErrorLine:     flattenError(errs.FromError(err)),
		}
	}

	var terminal *agent.LlmStep
	if steps := payload.LLMTrace.Steps; len(steps) > 0 {
		terminal = &steps[len(steps)-1]
	}

	turn := &AgentTurn{
		Status:   payload.Status,
		At:       turnTimestamp(entry, terminal),
		Checksum: payload.TimelineChecksum,
	}
	if payload.Error != nil {
		turn.ErrorLine = flattenError(payload.Error)
	}

	turn.FinalResponse = entry.Response
	if terminal != nil && terminal.Response.Content != "" {
		turn.FinalResponse = terminal.Response.Content
	}
	if turn.FinalResponse == "" {
		turn.FinalResponse = payload.ResultText
	}
	if terminal != nil {
		turn.Reasoning = terminal.Response.Reasoning
	}

	turn.StreamedResponses = streamedResponses(payload.LLMTrace.Steps, turn.FinalResponse)
	turn.ToolCalls = toolSummaries(payload.ToolResults)
	return turn
}

// streamedResponses collects non-terminal assistant text, deduplicated
// against the final response and against itself.
func streamedResponses(steps []agent.LlmStep, final string) []string {
	if len(steps) < 2 {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, step := range steps[:len(steps)-1] {
		text := step.Response.Content
		if text == "" || text == final {
			continue
		}
		if _, ok := seen[text]; ok {
			continue
		}
		seen[text] = struct{}{}
		out = append(out, text)
	}
	return out
}

func toolSummaries(snaps []agent.ToolResultSnapshot) []ToolCallSummary {
	out := make([]ToolCallSummary, 0, len(snaps))
	for _, s := range snaps {
		summary := ToolCallSummary{
			CallID:          s.CallID,
			ToolName:        s.ToolName,
			Status:          s.Status,
			Sequence:        s.Sequence,
			DurationSeconds: s.DurationSeconds,
			Preview:         toolPreview(s),
		}
		if s.StartedAt.IsZero() {
			summary.StartedAt = Timestamp{Source: SourceSynthesized, Missing: true}
		} else {
			summary.StartedAt = Timestamp{At: s.StartedAt.UTC(), Source: SourceToolStarted}
		}
		if s.Error != nil {
			summary.ErrorLine = flattenError(s.Error)
		}
		out = append(out, summary)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		if !out[i].StartedAt.At.Equal(out[j].StartedAt.At) {
			return out[i].StartedAt.At.Before(out[j].StartedAt.At)
		}
		return out[i].CallID < out[j].CallID
	})
	return out
}

// toolPreview renders a compact human-readable peek at what a tool did.
func toolPreview(s agent.ToolResultSnapshot) string {
	switch s.ToolName {
	case "read_user_document":
		if len(s.Result) == 0 {
			return ""
		}
		var res userdocs.ReadResult
		if err := json.Unmarshal(s.Result, &res); err != nil {
			return ""
		}
		lines := res.Lines
		more := res.Truncated
		if len(lines) > previewLines {
			lines = lines[:previewLines]
			more = true
		}
		text := strings.Join(lines, "\n")
		if more {
			text += "\n..."
		}
		return text
	case "create_user_document":
		content, _ := s.Arguments["content"].(string)
		return truncateRunes(content, previewRunes)
	default:
		return ""
	}
}

func turnTimestamp(entry *chat.ChatEntry, terminal *agent.LlmStep) Timestamp {
	if entry.ResponseAt != nil {
		return Timestamp{At: entry.ResponseAt.UTC(), Source: SourceResponseAt}
	}
	if terminal != nil && !terminal.OccurredAt.IsZero() {
		return Timestamp{At: terminal.OccurredAt.UTC(), Source: SourceLLMStep}
	}
	return Timestamp{Source: SourceSynthesized, Missing: true}
}

// flattenError renders an error envelope as one bullet line.
func flattenError(env *errs.Envelope) string {
	if env == nil {
		return ""
	}
	return fmt.Sprintf("- %s: %s", env.Code, env.Message)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
