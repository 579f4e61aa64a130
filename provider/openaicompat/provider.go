// Package openaicompat implements the steward.Provider contract against any
// OpenAI-compatible chat completions API (OpenAI, OpenRouter, Groq,
// DeepSeek, MiniMax, Ollama, vLLM, …).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/steward"
)

type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// NewProvider creates an OpenAI-compatible chat provider. baseURL is the API
// base (e.g. "https://api.openai.com/v1"); the /chat/completions path is
// appended automatically.
func NewProvider(apiKey, model, baseURL string) *Provider {
	return &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
}

func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the parsed response.
// When req.Tools is non-empty the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req steward.ChatRequest) (steward.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.model)
	payload, err := json.Marshal(body)
	if err != nil {
		return steward.ChatResponse{}, &steward.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return steward.ChatResponse{}, &steward.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return steward.ChatResponse{}, &steward.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return steward.ChatResponse{}, &steward.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: steward.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return steward.ChatResponse{}, &steward.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

var _ steward.Provider = (*Provider)(nil)
