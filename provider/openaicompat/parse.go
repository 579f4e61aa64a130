package openaicompat

import (
	"encoding/json"
	"fmt"

	"github.com/nevindra/steward"
)

// ParseResponse converts an OpenAI-format ChatResponse to a steward
// ChatResponse, extracting content, tool calls and usage from choices[0].
func ParseResponse(resp ChatResponse) (steward.ChatResponse, error) {
	var out steward.ChatResponse
	if len(resp.Choices) == 0 {
		return out, nil
	}
	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = steward.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to steward ToolCalls.
// Arguments arrive as a JSON string; invalid payloads degrade to "{}" so the
// tool layer can report the problem in-band. Missing call ids are backfilled
// so tool results can still be correlated.
func ParseToolCalls(tcs []ToolCallRequest) []steward.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]steward.ToolCall, 0, len(tcs))
	for i, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out = append(out, steward.ToolCall{ID: id, Name: tc.Function.Name, Args: args})
	}
	return out
}
