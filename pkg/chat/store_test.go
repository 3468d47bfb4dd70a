package chat

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookareq/cookareq/pkg/agent"
	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/llm"
	"github.com/cookareq/cookareq/pkg/timeline"
	"github.com/cookareq/cookareq/pkg/tokens"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return s, dir
}

func TestCreateSaveLoad(t *testing.T) {
	s, dir := newTestStore(t)

	conv, err := s.Create("Review session")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	now := time.Now().UTC().Truncate(time.Second)
	conv.Entries = append(conv.Entries, ChatEntry{
		ID:       "e1",
		Prompt:   "list everything",
		PromptAt: &now,
		Response: "here you go",
	})
	require.NoError(t, s.Save(conv))

	// A fresh store instance sees the index from disk.
	s2, err := NewStore(dir, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	metas := s2.List()
	require.Len(t, metas, 1)
	assert.Equal(t, "Review session", metas[0].Title)

	loaded, err := s2.Load(conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Entries, 1)
	assert.Equal(t, "list everything", loaded.Entries[0].Prompt)
}

func TestLoadUnknownIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Load("nope")
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	conv, err := s.Create("gone soon")
	require.NoError(t, err)

	require.NoError(t, s.Delete(conv.ID))
	assert.Empty(t, s.List())
	require.Error(t, s.Delete(conv.ID))
}

func TestCorruptEntryIsElided(t *testing.T) {
	s, dir := newTestStore(t)
	conv, err := s.Create("damaged")
	require.NoError(t, err)
	conv.Entries = []ChatEntry{
		{ID: "good1", Prompt: "first"},
		{ID: "good2", Prompt: "second"},
	}
	require.NoError(t, s.Save(conv))

	// Corrupt the middle of the body: wrong-shape entry between two good ones.
	bodyPath := filepath.Join(dir, "conversations", conv.ID+".json")
	body := map[string][]json.RawMessage{
		"entries": {
			json.RawMessage(`{"id":"good1","prompt":"first"}`),
			json.RawMessage(`{"id":"bad","prompt":12345}`),
			json.RawMessage(`{"id":"good2","prompt":"second"}`),
		},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bodyPath, data, 0o644))

	var logBuf bytes.Buffer
	s2, err := NewStore(dir, slog.New(slog.NewTextHandler(&logBuf, nil)))
	require.NoError(t, err)
	loaded, err := s2.Load(conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Entries, 2)
	assert.Equal(t, "good1", loaded.Entries[0].ID)
	assert.Equal(t, "good2", loaded.Entries[1].ID)

	logged := logBuf.String()
	assert.Contains(t, logged, conv.ID)
	assert.Contains(t, logged, "preview")
}

func TestRawResultRoundTripsCanonically(t *testing.T) {
	s, _ := newTestStore(t)
	conv, err := s.Create("roundtrip")
	require.NoError(t, err)

	raw := json.RawMessage(`{"ok":true,"status":"succeeded","result_text":"ok","events":[],"tool_results":[],"llm_trace":{"steps":[]},"timeline":[],"started_at":"2026-04-01T10:00:00Z","completed_at":"2026-04-01T10:00:03Z"}`)
	conv.Entries = []ChatEntry{{ID: "e1", Prompt: "p", RawResult: raw}}
	require.NoError(t, s.Save(conv))

	loaded, err := s.Load(conv.ID)
	require.NoError(t, err)
	first, err := json.Marshal(loaded.Entries[0])
	require.NoError(t, err)
	var reparsed ChatEntry
	require.NoError(t, json.Unmarshal(first, &reparsed))
	second, err := json.Marshal(&reparsed)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestTokenCachesInvalidateOnChange(t *testing.T) {
	counter := tokens.NewCounter("gpt-4o")
	e := &ChatEntry{Prompt: "count these tokens"}

	first := e.PromptTokenCount(counter)
	require.NotNil(t, e.PromptTokens)
	cachedDigest := e.PromptTokens.Digest

	// Unchanged prompt hits the cache.
	e.PromptTokens.Count = first + 100 // sentinel: returned only via cache
	assert.Equal(t, first+100, e.PromptTokenCount(counter))

	// Changed prompt invalidates.
	e.Prompt = "different text entirely"
	recounted := e.PromptTokenCount(counter)
	assert.NotEqual(t, first+100, recounted)
	assert.NotEqual(t, cachedDigest, e.PromptTokens.Digest)

	// Different model invalidates too.
	other := tokens.NewCounter("some-other-model")
	_ = e.PromptTokenCount(other)
	assert.Equal(t, "some-other-model", e.PromptTokens.Model)
}

func TestContextTokenCacheKeysOnCanonicalJSON(t *testing.T) {
	counter := tokens.NewCounter("gpt-4o")
	e := &ChatEntry{Context: []llm.Message{{Role: llm.RoleSystem, Content: "rules"}}}

	_ = e.ContextTokenCount(counter)
	digest := e.ContextTokens.Digest
	require.NotEmpty(t, digest)

	e.Context = append(e.Context, llm.Message{Role: llm.RoleUser, Content: "more"})
	_ = e.ContextTokenCount(counter)
	assert.NotEqual(t, digest, e.ContextTokens.Digest)
}

func TestTimelineStatus(t *testing.T) {
	// No payload at all.
	e := &ChatEntry{}
	assert.Equal(t, timeline.StatusMissing, e.TimelineStatus().Status)

	// Valid payload with matching checksum.
	seq0, seq1 := 0, 1
	entries := []timeline.Entry{
		{Kind: timeline.KindLLMStep, Sequence: &seq0, OccurredAt: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)},
		{Kind: timeline.KindAgentFinished, Sequence: &seq1, OccurredAt: time.Date(2026, 4, 1, 10, 0, 1, 0, time.UTC), Status: "succeeded"},
	}
	sum, err := timeline.Checksum(entries)
	require.NoError(t, err)
	payload := map[string]any{
		"ok": true, "status": "succeeded", "events": []any{}, "tool_results": []any{},
		"llm_trace": map[string]any{"steps": []any{}},
		"timeline":  entries, "timeline_checksum": sum,
		"started_at": "2026-04-01T10:00:00Z", "completed_at": "2026-04-01T10:00:01Z",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	e = &ChatEntry{RawResult: raw}
	assert.Equal(t, timeline.StatusValid, e.TimelineStatus().Status)

	// Tampered checksum is damaged.
	payload["timeline_checksum"] = "0000"
	raw, err = json.Marshal(payload)
	require.NoError(t, err)
	e = &ChatEntry{RawResult: raw}
	report := e.TimelineStatus()
	assert.Equal(t, timeline.StatusDamaged, report.Status)
	assert.Contains(t, report.Issues, timeline.IssueChecksumMismatch)
}

func TestApplyRunResultDenormalizes(t *testing.T) {
	completed := time.Date(2026, 4, 1, 10, 0, 2, 0, time.UTC)
	p := &agent.AgentRunPayload{
		OK:         true,
		Status:     agent.StatusSucceeded,
		ResultText: "wrote the summary",
		Reasoning:  []llm.ReasoningSegment{{Type: "analysis", Text: "looked at DEMO1"}},
		ToolResults: []agent.ToolResultSnapshot{
			{CallID: "call_1", ToolName: "get_requirement", Status: agent.ToolSucceeded,
				Result: json.RawMessage(`{"rid":"DEMO1"}`)},
			{CallID: "call_2", ToolName: "delete_requirement", Status: agent.ToolFailed,
				Error: errs.New(errs.CodeNotFound, "requirement DEMO9 not found"), CompletedAt: &completed},
		},
		TimelineChecksum: "feed1234",
	}

	e := &ChatEntry{ID: "e1", Prompt: "p"}
	e.ApplyRunResult(p)

	assert.Equal(t, "wrote the summary", e.DisplayResponse)
	require.Len(t, e.Reasoning, 1)
	assert.Equal(t, "looked at DEMO1", e.Reasoning[0].Text)
	assert.Equal(t, "feed1234", e.TimelineChecksum)
	require.Len(t, e.ToolMessages, 2)
	assert.Equal(t, ToolMessage{
		CallID: "call_1", ToolName: "get_requirement",
		Status: agent.ToolSucceeded, Content: `{"rid":"DEMO1"}`,
	}, e.ToolMessages[0])
	assert.Equal(t, "requirement DEMO9 not found", e.ToolMessages[1].Content)
}

func TestTimelineStatusEntryChecksumOverrides(t *testing.T) {
	seq0 := 0
	entries := []timeline.Entry{
		{Kind: timeline.KindAgentFinished, Sequence: &seq0,
			OccurredAt: time.Date(2026, 4, 1, 10, 0, 1, 0, time.UTC), Status: "succeeded"},
	}
	sum, err := timeline.Checksum(entries)
	require.NoError(t, err)

	// The payload's own checksum is tampered; the entry carries the good one.
	payload := map[string]any{
		"ok": true, "status": "succeeded", "events": []any{}, "tool_results": []any{},
		"llm_trace": map[string]any{"steps": []any{}},
		"timeline":  entries, "timeline_checksum": "tampered",
		"started_at": "2026-04-01T10:00:00Z", "completed_at": "2026-04-01T10:00:01Z",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	e := &ChatEntry{RawResult: raw, TimelineChecksum: sum}
	assert.Equal(t, timeline.StatusValid, e.TimelineStatus().Status)

	e.TimelineChecksum = "0000"
	report := e.TimelineStatus()
	assert.Equal(t, timeline.StatusDamaged, report.Status)
	assert.Contains(t, report.Issues, timeline.IssueChecksumMismatch)
}

func TestConversationMessages(t *testing.T) {
	conv := &ChatConversation{Entries: []ChatEntry{
		{Prompt: "q0", Response: "a0", Regenerated: true},
		{Prompt: "q1", Response: "a1"},
		{Prompt: "q2"}, // pending entry: prompt only
	}}
	msgs := conv.ConversationMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, "q1", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "q2", msgs[2].Content)
}
