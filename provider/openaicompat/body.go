package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/steward"
)

// BuildBody converts steward ChatMessages and a model name into an
// OpenAI-format ChatRequest. System messages stay in the messages array as
// role "system"; assistant tool calls are re-emitted in the canonical
// function-call shape, which strict providers require on replay.
func BuildBody(messages []steward.ChatMessage, tools []steward.ToolDefinition, model string) ChatRequest {
	var msgs []Message
	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{Role: "assistant", Content: m.Content, ToolCalls: tcs})

		case m.Role == "tool":
			msgs = append(msgs, Message{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID})

		default:
			msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
		}
	}

	req := ChatRequest{Model: model, Messages: msgs}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}
	return req
}

// BuildToolDefs converts steward ToolDefinitions to the OpenAI tool format.
func BuildToolDefs(tools []steward.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
