package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cookareq/cookareq/pkg/errs"
)

// streamAccumulator coalesces SSE chunks into a single synthesized
// response. Tool-call argument fragments are concatenated per (id, index)
// key in arrival order; the id of the first fragment wins for a key.
type streamAccumulator struct {
	content   strings.Builder
	reasoning strings.Builder

	order     []string            // fragment keys in first-seen order
	fragments map[string]*toolAcc // key → accumulated fragments
}

type toolAcc struct {
	id   string
	name string
	args strings.Builder
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{fragments: make(map[string]*toolAcc)}
}

// key identifies one logical tool call across fragments. Providers may omit
// the id on continuation chunks, so index is part of the key.
func fragmentKey(id string, index *int) string {
	idx := 0
	if index != nil {
		idx = *index
	}
	return fmt.Sprintf("%s#%d", id, idx)
}

// add consumes one delta message.
func (a *streamAccumulator) add(delta *wireMessage) {
	if delta == nil {
		return
	}
	if delta.Content != nil {
		a.content.WriteString(*delta.Content)
	}
	if delta.ReasoningContent != nil {
		a.reasoning.WriteString(*delta.ReasoningContent)
	}
	for _, tc := range delta.ToolCalls {
		key := fragmentKey(tc.ID, tc.Index)
		acc, ok := a.fragments[key]
		if !ok {
			// Continuation chunks without an id belong to the fragment
			// already open at this index.
			if tc.ID == "" && tc.Index != nil {
				if existing := a.findByIndex(*tc.Index); existing != nil {
					acc = existing
					ok = true
				}
			}
			if !ok {
				acc = &toolAcc{id: tc.ID}
				a.fragments[key] = acc
				a.order = append(a.order, key)
			}
		}
		if tc.ID != "" && acc.id == "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		acc.args.WriteString(rawFragment(tc.Function.Arguments))
	}
}

// findByIndex returns the open fragment for a stream index, if any.
func (a *streamAccumulator) findByIndex(index int) *toolAcc {
	suffix := fmt.Sprintf("#%d", index)
	for i := len(a.order) - 1; i >= 0; i-- {
		if strings.HasSuffix(a.order[i], suffix) {
			return a.fragments[a.order[i]]
		}
	}
	return nil
}

// rawFragment extracts the literal text of an arguments fragment. Fragments
// arrive as JSON strings ("{\"ri") or occasionally as raw text.
func rawFragment(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}

// response synthesizes the final Response from everything accumulated.
func (a *streamAccumulator) response() (*Response, error) {
	resp := &Response{Content: a.content.String()}
	if r := a.reasoning.String(); r != "" {
		resp.Reasoning = []ReasoningSegment{splitWhitespace("reasoning", r)}
	}
	for i, key := range a.order {
		acc := a.fragments[key]
		args, err := decodeArgumentString(acc.args.String())
		if err != nil {
			return nil, err
		}
		id := acc.id
		if id == "" {
			id = harmonyCallID(i)
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: id, Name: acc.name, Arguments: args})
	}
	return resp, nil
}

// readSSE consumes an SSE body, feeding each chunk to the accumulator and
// forwarding content deltas to onDelta until [DONE] or EOF.
func readSSE(body io.Reader, acc *streamAccumulator, onDelta func(string)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				return nil
			}
			continue
		}
		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return errs.New(errs.CodeInternal, "malformed stream chunk: %s", err.Error())
		}
		if chunk.Error != nil {
			return errs.New(errs.CodeInternal, "provider error: %s", chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta == nil {
				continue
			}
			if choice.Delta.Content != nil && onDelta != nil && *choice.Delta.Content != "" {
				onDelta(*choice.Delta.Content)
			}
			acc.add(choice.Delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return errs.New(errs.CodeInternal, "stream read failed: %s", err.Error())
	}
	return nil
}
