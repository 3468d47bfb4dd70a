package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/events"
	"github.com/cookareq/cookareq/pkg/logging"
)

// DefaultTimeout bounds one completion round trip, streaming included.
const DefaultTimeout = 300 * time.Second

// Config describes one client.
type Config struct {
	BaseURL   string // e.g. https://api.openai.com/v1 or a local proxy
	APIKey    string
	Model     string
	Timeout   time.Duration
	Streaming bool
	// Publisher receives LLM_REQUEST / LLM_RESPONSE telemetry.
	Publisher events.Publisher
	// Channel scopes telemetry events, usually the conversation id.
	Channel string
}

// Client issues chat completion requests. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a client with defaults filled in.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard{}
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// wireRequest is the outbound chat completion body.
type wireRequest struct {
	Model    string            `json:"model"`
	Messages []wireOutMessage  `json:"messages"`
	Tools    []wireToolDef     `json:"tools,omitempty"`
	Stream   bool              `json:"stream,omitempty"`
}

type wireOutMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []wireOutToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

type wireOutToolCall struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Function wireOutFunction `json:"function"`
}

type wireOutFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // always stringified on the way out
}

type wireToolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

// Complete runs one completion. When streaming is enabled, chunks are
// coalesced into a single synthesized response and content deltas are
// forwarded to onDelta as they arrive; onDelta may be nil.
func (c *Client) Complete(ctx context.Context, messages []Message, tools []ToolDef, onDelta func(string)) (*Response, error) {
	body, err := json.Marshal(c.buildRequest(messages, tools))
	if err != nil {
		return nil, errs.FromError(err)
	}

	c.publishRequest(len(messages), len(body))
	start := time.Now()

	resp, err := c.do(ctx, body)
	if err != nil {
		c.publishResponse(0, time.Since(start), err)
		return nil, err
	}
	defer resp.Body.Close()

	var out *Response
	if c.cfg.Streaming {
		acc := newStreamAccumulator()
		if err := readSSE(resp.Body, acc, onDelta); err != nil {
			c.publishResponse(0, time.Since(start), err)
			return nil, err
		}
		out, err = acc.response()
	} else {
		var data []byte
		data, err = io.ReadAll(resp.Body)
		if err == nil {
			out, err = parseResponse(data)
		}
	}
	if err != nil {
		c.publishResponse(0, time.Since(start), err)
		return nil, err
	}
	c.publishResponse(len(out.Content), time.Since(start), nil)
	return out, nil
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errs.FromError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.New(errs.CodeCancelled, "completion request cancelled")
		}
		return nil, errs.New(errs.CodeInternal, "completion request failed: %s", err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, errs.New(errs.CodeUnauthorized, "provider rejected credentials")
		}
		return nil, errs.New(errs.CodeInternal, "provider returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return resp, nil
}

func (c *Client) buildRequest(messages []Message, tools []ToolDef) wireRequest {
	req := wireRequest{Model: c.cfg.Model, Stream: c.cfg.Streaming}
	for _, m := range messages {
		out := wireOutMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, wireOutToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireOutFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		req.Messages = append(req.Messages, out)
	}
	for _, t := range tools {
		var def wireToolDef
		def.Type = "function"
		def.Function.Name = t.Name
		def.Function.Description = t.Description
		def.Function.Parameters = t.Parameters
		req.Tools = append(req.Tools, def)
	}
	return req
}

func (c *Client) publishRequest(messageCount, bodyBytes int) {
	c.cfg.Publisher.Publish(events.New(events.KindLLMRequest, c.cfg.Channel, map[string]any{
		"model":         c.cfg.Model,
		"messages":      messageCount,
		"payload_bytes": bodyBytes,
		"streaming":     c.cfg.Streaming,
		"headers":       logging.SanitizeHeaders(map[string][]string{"Authorization": {"Bearer " + c.cfg.APIKey}, "Content-Type": {"application/json"}}),
	}))
}

func (c *Client) publishResponse(contentBytes int, elapsed time.Duration, err error) {
	payload := map[string]any{
		"model":          c.cfg.Model,
		"content_bytes":  contentBytes,
		"duration_ms":    elapsed.Milliseconds(),
	}
	if err != nil {
		env := errs.FromError(err)
		payload["error_code"] = string(env.Code)
		payload["error"] = env.Message
	}
	c.cfg.Publisher.Publish(events.New(events.KindLLMResponse, c.cfg.Channel, payload))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
