package steward

import "encoding/json"

// --- LLM protocol types ---

// ChatMessage is one entry in a task's conversation history. The JSON shape
// matches the persistent state file: assistant entries may carry tool calls,
// tool entries carry the id of the call they answer.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured request from the LLM to invoke a named tool.
//
// It serialises in the OpenAI function-call shape
// ({"id","type":"function","function":{"name","arguments"}}) because some
// providers reject any other layout when the history is replayed to them.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

type wireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireFunctionCall `json:"function"`
}

func (tc ToolCall) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireToolCall{
		ID:   tc.ID,
		Type: "function",
		Function: wireFunctionCall{
			Name:      tc.Name,
			Arguments: string(tc.Args),
		},
	})
}

func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var w wireToolCall
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	tc.ID = w.ID
	tc.Name = w.Function.Name
	tc.Args = json.RawMessage(w.Function.Arguments)
	return nil
}

type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- ChatMessage constructors ---

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}
