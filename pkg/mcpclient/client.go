// Package mcpclient is the outbound HTTP client for the MCP tool server.
// The agent engine calls tools only through it; it adds readiness probing,
// destructive-call confirmation, and telemetry.
package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cookareq/cookareq/pkg/errs"
	"github.com/cookareq/cookareq/pkg/events"
	"github.com/cookareq/cookareq/pkg/logging"
)

// DefaultTimeout bounds one HTTP attempt.
const DefaultTimeout = 5 * time.Second

// DefaultReadyTTL is how long a successful probe stays fresh before
// EnsureReady re-probes.
const DefaultReadyTTL = 30 * time.Second

// destructiveTools require confirmation before any request leaves the
// process.
var destructiveTools = map[string]bool{
	"delete_requirement": true,
	"delete_label":       true,
}

// Result is the outcome of one tool call.
type Result struct {
	OK     bool            `json:"ok"`
	Error  *errs.Envelope  `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// NotReadyError reports a failed readiness probe, carrying the underlying
// envelope.
type NotReadyError struct {
	Envelope *errs.Envelope
}

// Error implements error.
func (e *NotReadyError) Error() string {
	return fmt.Sprintf("MCP server not ready: %s", e.Envelope.Error())
}

// Unwrap exposes the envelope to errors.As.
func (e *NotReadyError) Unwrap() error { return e.Envelope }

// Config describes one client.
type Config struct {
	BaseURL string // e.g. http://127.0.0.1:8123
	Token   string // bearer token, empty disables the header
	Timeout time.Duration
	// Confirm gates destructive tools. nil refuses all destructive calls.
	Confirm func(message string) bool
	// Publisher receives TOOL_CALL / TOOL_RESULT / DONE / ERROR telemetry.
	Publisher events.Publisher
	// Channel scopes telemetry events, usually the conversation id.
	Channel  string
	ReadyTTL time.Duration
}

// Client talks to one MCP server. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client

	mu          sync.Mutex
	lastSuccess time.Time
}

// New builds a client with defaults filled in.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReadyTTL <= 0 {
		cfg.ReadyTTL = DefaultReadyTTL
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Discard{}
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// EnsureReady probes the server with a list_requirements call unless a
// recent probe already succeeded. forceRefresh bypasses the cache.
func (c *Client) EnsureReady(ctx context.Context, forceRefresh bool) error {
	c.mu.Lock()
	fresh := !forceRefresh && time.Since(c.lastSuccess) < c.cfg.ReadyTTL
	c.mu.Unlock()
	if fresh {
		return nil
	}

	res := c.post(ctx, "list_requirements", json.RawMessage(`{"per_page":1}`))
	if !res.OK {
		return &NotReadyError{Envelope: res.Error}
	}
	c.markSuccess()
	return nil
}

// CheckTools is the non-raising readiness variant.
func (c *Client) CheckTools(ctx context.Context) Result {
	if err := c.EnsureReady(ctx, true); err != nil {
		var nre *NotReadyError
		if errors.As(err, &nre) {
			return Result{OK: false, Error: nre.Envelope}
		}
		return Result{OK: false, Error: errs.FromError(err)}
	}
	return Result{OK: true}
}

// CallTool invokes one tool. Destructive tools pass through the confirm
// predicate first; a refusal yields CANCELLED without touching the network.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) Result {
	c.publishToolCall(name, arguments)

	if destructiveTools[name] {
		if c.cfg.Confirm == nil || !c.cfg.Confirm(confirmMessage(name, arguments)) {
			res := Result{OK: false, Error: errs.New(errs.CodeCancelled, "destructive tool %s was not confirmed", name)}
			c.publishToolResult(name, res)
			c.publishOutcome(name, res)
			return res
		}
	}

	res := c.post(ctx, name, arguments)
	if res.OK {
		c.markSuccess()
	}
	c.publishToolResult(name, res)
	c.publishOutcome(name, res)
	return res
}

// CallToolAsync runs CallTool on its own goroutine and delivers the result
// on the returned channel. The channel is buffered; the result is never
// lost to a slow receiver.
func (c *Client) CallToolAsync(ctx context.Context, name string, arguments json.RawMessage) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		out <- c.CallTool(ctx, name, arguments)
	}()
	return out
}

// post performs one POST /mcp round trip and normalizes every failure mode
// into a Result.
func (c *Client) post(ctx context.Context, name string, arguments json.RawMessage) Result {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(map[string]json.RawMessage{
		"name":      json.RawMessage(fmt.Sprintf("%q", name)),
		"arguments": arguments,
	})
	if err != nil {
		return Result{OK: false, Error: errs.FromError(err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return Result{OK: false, Error: errs.FromError(err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{OK: false, Error: errs.New(errs.CodeCancelled, "tool call %s cancelled", name)}
		}
		return Result{OK: false, Error: errs.New(errs.CodeInternal, "MCP request failed: %s", err.Error())}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{OK: false, Error: errs.New(errs.CodeInternal, "MCP response read failed: %s", err.Error())}
	}

	if resp.StatusCode != http.StatusOK {
		var wire errs.Wire
		if err := json.Unmarshal(data, &wire); err == nil && wire.Error != nil {
			return Result{OK: false, Error: wire.Error}
		}
		return Result{OK: false, Error: errs.New(errs.CodeInternal, "MCP server returned status %d", resp.StatusCode)}
	}
	return Result{OK: true, Result: data}
}

func (c *Client) markSuccess() {
	c.mu.Lock()
	c.lastSuccess = time.Now()
	c.mu.Unlock()
}

// LastSuccess returns when the server last answered successfully.
func (c *Client) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

func (c *Client) publishToolCall(name string, arguments json.RawMessage) {
	c.cfg.Publisher.Publish(events.New(events.KindToolCall, c.cfg.Channel, map[string]any{
		"tool":      name,
		"arguments": sanitizedArgs(arguments),
	}))
}

func (c *Client) publishToolResult(name string, res Result) {
	payload := map[string]any{"tool": name, "ok": res.OK}
	if res.Error != nil {
		payload["error_code"] = string(res.Error.Code)
		payload["error"] = res.Error.Message
	} else {
		payload["result_bytes"] = len(res.Result)
	}
	c.cfg.Publisher.Publish(events.New(events.KindToolResult, c.cfg.Channel, payload))
}

func (c *Client) publishOutcome(name string, res Result) {
	kind := events.KindDone
	payload := map[string]any{"tool": name}
	if !res.OK {
		kind = events.KindError
		payload["error_code"] = string(res.Error.Code)
	}
	c.cfg.Publisher.Publish(events.New(kind, c.cfg.Channel, payload))
}

func sanitizedArgs(arguments json.RawMessage) map[string]any {
	var args map[string]any
	if len(arguments) > 0 {
		_ = json.Unmarshal(arguments, &args)
	}
	return logging.SanitizeMap(args)
}

func confirmMessage(name string, arguments json.RawMessage) string {
	args := sanitizedArgs(arguments)
	if rid, ok := args["rid"].(string); ok {
		return fmt.Sprintf("%s: permanently delete %s?", name, rid)
	}
	if key, ok := args["key"].(string); ok {
		return fmt.Sprintf("%s: permanently delete label %q?", name, key)
	}
	return fmt.Sprintf("%s: proceed with destructive operation?", name)
}
