package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookareq/cookareq/pkg/errs"
)

func TestDecodeArgumentsVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"inline object", `{"rid":"DEMO1"}`, map[string]any{"rid": "DEMO1"}},
		{"json string", `"{\"rid\":\"DEMO1\"}"`, map[string]any{"rid": "DEMO1"}},
		{"empty string", `""`, map[string]any{}},
		{"null", `null`, map[string]any{}},
		{"absent", ``, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeArguments(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeArgumentsFailurePreservesRaw(t *testing.T) {
	_, err := decodeArguments(json.RawMessage(`"not json at all"`))
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeValidation))
	env := errs.FromError(err)
	assert.Equal(t, "not json at all", env.Details["raw"])
}

func TestParseResponsePlainMessage(t *testing.T) {
	body := `{"choices":[{"index":0,"message":{"role":"assistant","content":"done"}}]}`
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Empty(t, resp.ToolCalls)
}

func TestParseResponseToolCallStringArguments(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
		{"id":"call_1","type":"function","function":{"name":"get_requirement","arguments":"{\"rid\":\"DEMO1\"}"}}
	]}}]}`
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "get_requirement", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"rid": "DEMO1"}, resp.ToolCalls[0].Arguments)
}

func TestParseResponseToolCallObjectArguments(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","tool_calls":[
		{"id":"call_2","type":"function","function":{"name":"list_labels","arguments":{}}}
	]}}]}`
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, map[string]any{}, resp.ToolCalls[0].Arguments)
}

func TestParseResponseLegacyFunctionCall(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":"",
		"function_call":{"name":"list_requirements","arguments":"{\"page\":1}"}}}]}`
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "list_requirements", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"page": float64(1)}, resp.ToolCalls[0].Arguments)
}

func TestParseResponseHarmonyOutput(t *testing.T) {
	body := `{"output":[
		{"type":"reasoning","text":"  thinking hard "},
		{"type":"function_call","call_id":"fc_1","name":"get_requirement","arguments":"{\"rid\":\"DEMO2\"}"},
		{"type":"message","content":[{"type":"output_text","text":"Looking it up."}]}
	]}`
	resp, err := parseResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "Looking it up.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "fc_1", resp.ToolCalls[0].ID)
	assert.Equal(t, map[string]any{"rid": "DEMO2"}, resp.ToolCalls[0].Arguments)
	require.Len(t, resp.Reasoning, 1)
	assert.Equal(t, "thinking hard", resp.Reasoning[0].Text)
	assert.Equal(t, "  ", resp.Reasoning[0].LeadingWhitespace)
	assert.Equal(t, " ", resp.Reasoning[0].TrailingWhitespace)
}

func TestParseResponseMalformedArgumentsIsValidation(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","tool_calls":[
		{"id":"c","function":{"name":"x","arguments":"{broken"}}
	]}}]}`
	_, err := parseResponse([]byte(body))
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeValidation))
	env := errs.FromError(err)
	assert.Equal(t, "{broken", env.Details["raw"])
}

func TestDecodeReasoningStructuredList(t *testing.T) {
	content := "assistant text"
	msg := &wireMessage{
		Content: &content,
		Reasoning: json.RawMessage(`[
			{"type":"reasoning","text":"first","trailing_whitespace":"\n"},
			{"type":"reasoning","text":"second","leading_whitespace":" "},
			{"type":"commentary","text":"aside"}
		]`),
	}
	resp, err := fromWireMessage(msg)
	require.NoError(t, err)
	require.Len(t, resp.Reasoning, 2)
	assert.Equal(t, "first\n second", resp.Reasoning[0].Text)
	assert.Equal(t, "commentary", resp.Reasoning[1].Type)
}

func TestMergeReasoningPreservesWhitespace(t *testing.T) {
	merged := mergeReasoning([]ReasoningSegment{
		{Type: "reasoning", Text: "a", TrailingWhitespace: "  "},
		{Type: "reasoning", Text: "b", LeadingWhitespace: "\t", TrailingWhitespace: "\n"},
	})
	require.Len(t, merged, 1)
	assert.Equal(t, "a  \tb", merged[0].Text)
	assert.Equal(t, "\n", merged[0].TrailingWhitespace)
}

func TestSplitWhitespaceRoundTrip(t *testing.T) {
	seg := splitWhitespace("reasoning", "\n\t hello world \n")
	assert.Equal(t, "\n\t ", seg.LeadingWhitespace)
	assert.Equal(t, "hello world", seg.Text)
	assert.Equal(t, " \n", seg.TrailingWhitespace)
	assert.Equal(t, "\n\t hello world \n", seg.LeadingWhitespace+seg.Text+seg.TrailingWhitespace)
}
