package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/events"
)

func TestCompleteNonStreaming(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, APIKey: "k", Model: "test-model"})
	resp, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, []ToolDef{{Name: "list_labels", Description: "lists labels"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)

	assert.Equal(t, "test-model", gotBody["model"])
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 2)
	tools := gotBody["tools"].([]any)
	require.Len(t, tools, 1)
}

func TestCompleteSerializesAssistantToolCalls(t *testing.T) {
	var gotBody struct {
		Messages []struct {
			Role      string `json:"role"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
			ToolCallID string `json:"tool_call_id"`
			Name       string `json:"name"`
		} `json:"messages"`
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, Model: "m"})
	_, err := c.Complete(context.Background(), []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "get_requirement", Arguments: map[string]any{"rid": "DEMO1"}}}},
		{Role: RoleTool, ToolCallID: "call_1", Name: "get_requirement", Content: `{"rid":"DEMO1"}`},
	}, nil, nil)
	require.NoError(t, err)

	require.Len(t, gotBody.Messages, 2)
	tc := gotBody.Messages[0].ToolCalls[0]
	assert.Equal(t, "call_1", tc.ID)
	assert.Equal(t, "function", tc.Type)
	assert.JSONEq(t, `{"rid":"DEMO1"}`, tc.Function.Arguments)
	assert.Equal(t, "call_1", gotBody.Messages[1].ToolCallID)
}

func TestCompleteStreamingCoalescesToolCallFragments(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"role":"assistant","content":"Let me "}}]}`,
		`{"choices":[{"delta":{"content":"check."}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_9","index":0,"function":{"name":"get_requirement","arguments":"{\"ri"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"d\":\"DEMO3\"}"}}]}}]}`,
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	var streamed strings.Builder
	c := New(Config{BaseURL: ts.URL, Model: "m", Streaming: true})
	resp, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, nil,
		func(delta string) { streamed.WriteString(delta) })
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", resp.Content)
	assert.Equal(t, "Let me check.", streamed.String())
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_9", resp.ToolCalls[0].ID)
	assert.Equal(t, "get_requirement", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"rid": "DEMO3"}, resp.ToolCalls[0].Arguments)
}

func TestCompleteStreamingReasoningDeltas(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\" thinking\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"reasoning_content\":\" more \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, Model: "m", Streaming: true})
	resp, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)
	require.Len(t, resp.Reasoning, 1)
	assert.Equal(t, "thinking more", resp.Reasoning[0].Text)
	assert.Equal(t, " ", resp.Reasoning[0].LeadingWhitespace)
	assert.Equal(t, " ", resp.Reasoning[0].TrailingWhitespace)
}

func TestCompleteEmitsTelemetry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	}))
	defer ts.Close()

	bus := events.NewBus()
	var got []events.Event
	defer bus.Subscribe(func(e events.Event) { got = append(got, e) }).Close()

	c := New(Config{BaseURL: ts.URL, APIKey: "secret", Model: "m", Publisher: bus, Channel: "conv1"})
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, nil, nil)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, events.KindLLMRequest, got[0].Type)
	assert.Equal(t, events.KindLLMResponse, got[1].Type)
	headers := got[0].Payload["headers"].(map[string]string)
	assert.Equal(t, "***", headers["Authorization"])
}

func TestCompleteProviderErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := New(Config{BaseURL: ts.URL, Model: "m"})
	_, err := c.Complete(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, nil, nil)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeUnauthorized))
}

func TestCompleteCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(Config{BaseURL: "http://127.0.0.1:1", Model: "m"})
	_, err := c.Complete(ctx, []Message{{Role: RoleUser, Content: "q"}}, nil, nil)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeCancelled))
}
