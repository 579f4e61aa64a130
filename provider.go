package steward

import "context"

// Provider abstracts the LLM chat transport. Implementations live under
// provider/ and may be composed with WithRetry.
type Provider interface {
	Name() string
	// Chat sends the full history plus tool schemas and returns the next
	// assistant turn. When req.Tools is non-empty the response may carry
	// ToolCalls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
