package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cookareq/cookareq/pkg/errs"
)

// Wire shapes. Every field a provider may degrade is a json.RawMessage so
// reconstruction can inspect the actual encoding.

type wireResponse struct {
	Choices []wireChoice     `json:"choices"`
	Output  []wireOutputItem `json:"output"` // Harmony-style responses
	Error   *wireError       `json:"error"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type wireChoice struct {
	Index   int          `json:"index"`
	Message *wireMessage `json:"message"`
	Delta   *wireMessage `json:"delta"`
}

type wireMessage struct {
	Role             string          `json:"role"`
	Content          *string         `json:"content"`
	ReasoningContent *string         `json:"reasoning_content"`
	Reasoning        json.RawMessage `json:"reasoning"`
	ToolCalls        []wireToolCall  `json:"tool_calls"`
	FunctionCall     *wireFunction   `json:"function_call"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Index    *int         `json:"index"` // streamed fragments only
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// wireOutputItem is one entry of a Harmony-style output list.
type wireOutputItem struct {
	Type      string          `json:"type"` // message | function_call | reasoning
	ID        string          `json:"id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Content   json.RawMessage `json:"content"`
	Text      string          `json:"text"`
}

// decodeArguments recovers a tool-call argument object from whatever the
// provider sent:
//
//   - absent / null / empty string → {}
//   - inline JSON object → used as-is
//   - JSON string containing JSON → unquoted then parsed
//
// A string that does not parse as JSON is a VALIDATION_ERROR carrying the
// raw text in details, so the engine can feed it back to the model.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}

	if trimmed[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, invalidArguments(string(trimmed), err)
		}
		return obj, nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, invalidArguments(string(trimmed), err)
		}
		return decodeArgumentString(s)
	}

	return nil, invalidArguments(string(trimmed), nil)
}

// decodeArgumentString parses a raw (already unquoted) argument string.
func decodeArgumentString(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, invalidArguments(s, err)
	}
	return obj, nil
}

func invalidArguments(raw string, err error) error {
	details := map[string]any{"raw": raw}
	if err != nil {
		details["parse_error"] = err.Error()
	}
	return errs.New(errs.CodeValidation, "tool call arguments are not valid JSON").WithDetails(details)
}

// decodeReasoning accepts either a plain reasoning_content string or a
// structured reasoning segment list.
func decodeReasoning(msg *wireMessage) ([]ReasoningSegment, error) {
	var segments []ReasoningSegment
	if msg.ReasoningContent != nil && *msg.ReasoningContent != "" {
		segments = append(segments, splitWhitespace("reasoning", *msg.ReasoningContent))
	}
	if len(msg.Reasoning) > 0 && !bytes.Equal(bytes.TrimSpace(msg.Reasoning), []byte("null")) {
		trimmed := bytes.TrimSpace(msg.Reasoning)
		switch trimmed[0] {
		case '"':
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return nil, errs.New(errs.CodeValidation, "malformed reasoning payload: %s", err.Error())
			}
			if s != "" {
				segments = append(segments, splitWhitespace("reasoning", s))
			}
		case '[':
			var list []ReasoningSegment
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, errs.New(errs.CodeValidation, "malformed reasoning payload: %s", err.Error())
			}
			segments = append(segments, list...)
		}
	}
	return mergeReasoning(segments), nil
}

// splitWhitespace captures leading and trailing whitespace of a raw span
// into the segment's whitespace fields, keeping the text itself trimmed.
func splitWhitespace(kind, raw string) ReasoningSegment {
	text := strings.TrimLeft(raw, " \t\r\n")
	leading := raw[:len(raw)-len(text)]
	trimmed := strings.TrimRight(text, " \t\r\n")
	trailing := text[len(trimmed):]
	return ReasoningSegment{
		Type:               kind,
		Text:               trimmed,
		LeadingWhitespace:  leading,
		TrailingWhitespace: trailing,
	}
}

// mergeReasoning joins consecutive same-type segments, reinserting the
// whitespace between them verbatim.
func mergeReasoning(segments []ReasoningSegment) []ReasoningSegment {
	if len(segments) < 2 {
		return segments
	}
	out := []ReasoningSegment{segments[0]}
	for _, seg := range segments[1:] {
		last := &out[len(out)-1]
		if seg.Type == last.Type {
			last.Text = last.Text + last.TrailingWhitespace + seg.LeadingWhitespace + seg.Text
			last.TrailingWhitespace = seg.TrailingWhitespace
			continue
		}
		out = append(out, seg)
	}
	return out
}

// parseResponse converts one non-streamed wire body into a Response,
// covering both choice-based and Harmony-style output layouts.
func parseResponse(body []byte) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errs.New(errs.CodeInternal, "malformed completion response: %s", err.Error())
	}
	if wire.Error != nil {
		return nil, errs.New(errs.CodeInternal, "provider error: %s", wire.Error.Message)
	}

	if len(wire.Choices) > 0 && wire.Choices[0].Message != nil {
		return fromWireMessage(wire.Choices[0].Message)
	}
	if len(wire.Output) > 0 {
		return fromHarmonyOutput(wire.Output)
	}
	return nil, errs.New(errs.CodeInternal, "completion response has no choices or output")
}

func fromWireMessage(msg *wireMessage) (*Response, error) {
	resp := &Response{}
	if msg.Content != nil {
		resp.Content = *msg.Content
	}
	reasoning, err := decodeReasoning(msg)
	if err != nil {
		return nil, err
	}
	resp.Reasoning = reasoning

	for _, tc := range msg.ToolCalls {
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	// Legacy single function_call form.
	if msg.FunctionCall != nil {
		args, err := decodeArguments(msg.FunctionCall.Arguments)
		if err != nil {
			return nil, err
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        "call_0",
			Name:      msg.FunctionCall.Name,
			Arguments: args,
		})
	}
	return resp, nil
}

// fromHarmonyOutput flattens a Harmony-style output list: message items
// contribute content, function_call items become tool calls with
// stringified arguments, reasoning items become segments.
func fromHarmonyOutput(items []wireOutputItem) (*Response, error) {
	resp := &Response{}
	var reasoning []ReasoningSegment
	for i, item := range items {
		switch item.Type {
		case "message":
			text, err := decodeHarmonyContent(item.Content)
			if err != nil {
				return nil, err
			}
			resp.Content += text
		case "function_call":
			args, err := decodeArguments(item.Arguments)
			if err != nil {
				return nil, err
			}
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			if id == "" {
				id = harmonyCallID(i)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: id, Name: item.Name, Arguments: args})
		case "reasoning":
			if item.Text != "" {
				reasoning = append(reasoning, splitWhitespace("reasoning", item.Text))
			}
		}
	}
	resp.Reasoning = mergeReasoning(reasoning)
	return resp, nil
}

// decodeHarmonyContent accepts either a plain string or a list of
// {type, text} parts.
func decodeHarmonyContent(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", errs.New(errs.CodeInternal, "malformed output content: %s", err.Error())
		}
		return s, nil
	case '[':
		var parts []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return "", errs.New(errs.CodeInternal, "malformed output content: %s", err.Error())
		}
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String(), nil
	}
	return "", errs.New(errs.CodeInternal, "unsupported output content encoding")
}

func harmonyCallID(index int) string {
	return fmt.Sprintf("call_%d", index)
}
