package steward

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EmitFunc receives the decider's output pairs. A non-empty text is a
// candidate final answer (the caller keeps the last one); a non-nil image is
// delivered to the channel immediately.
type EmitFunc func(text string, image []byte) error

// Decider drives the per-task tool-calling conversation with the LLM. One
// Decider serves all tasks; each task id owns an independent history whose
// first entry is the channel's system prompt.
type Decider struct {
	provider Provider
	sandbox  SandboxOps
	dispatch DispatchFunc
	schemas  []ToolDefinition
	maxTurns int
	log      *slog.Logger

	mu        sync.Mutex
	histories map[string][]ChatMessage
}

// NewDecider wires a decider. dispatch is typically (*Dispatcher).Execute,
// possibly wrapped by the observer.
func NewDecider(provider Provider, sandbox SandboxOps, dispatch DispatchFunc, maxTurns int, log *slog.Logger) *Decider {
	if maxTurns <= 0 {
		maxTurns = 25
	}
	if log == nil {
		log = slog.Default()
	}
	return &Decider{
		provider:  provider,
		sandbox:   sandbox,
		dispatch:  dispatch,
		schemas:   ToolSchemas(),
		maxTurns:  maxTurns,
		log:       log.With("component", "decider"),
	}
}

// LoadHistories merges persisted histories in. Called once at startup,
// before any task processes a message.
func (d *Decider) LoadHistories(histories map[string][]ChatMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.histories == nil {
		d.histories = make(map[string][]ChatMessage, len(histories))
	}
	for id, h := range histories {
		d.histories[id] = h
	}
}

// HistorySnapshot returns a copy of the history map for persistence. The
// sandbox manager receives this function at wiring time instead of a raw
// reference to the map.
func (d *Decider) HistorySnapshot() map[string][]ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := make(map[string][]ChatMessage, len(d.histories))
	for id, h := range d.histories {
		snap[id] = append([]ChatMessage(nil), h...)
	}
	return snap
}

// DropHistory discards a task's history. Called when the task is cleaned up
// and when an orphaned container is destroyed.
func (d *Decider) DropHistory(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.histories, taskID)
}

func (d *Decider) history(taskID, systemPrompt string) []ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.histories == nil {
		d.histories = make(map[string][]ChatMessage)
	}
	if _, ok := d.histories[taskID]; !ok {
		prompt := systemPrompt
		if prompt == "" {
			prompt = ChatSystemPrompt
		}
		d.histories[taskID] = []ChatMessage{SystemMessage(prompt)}
	}
	return d.histories[taskID]
}

func (d *Decider) setHistory(taskID string, msgs []ChatMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.histories[taskID] = msgs
}

// HandleMessage appends userText to the task's history and runs the
// tool-calling loop: every turn either ends the conversation (content-only
// response) or executes the requested tool calls in order and feeds the
// results back. Emits the final text, any images as they are produced, and
// a fixed notice when the turn cap is reached.
func (d *Decider) HandleMessage(ctx context.Context, taskID, userText, systemPrompt string, send StreamFunc, emit EmitFunc) error {
	messages := append(d.history(taskID, systemPrompt), UserMessage(userText))
	d.setHistory(taskID, messages)
	d.log.Info("user message", "task", taskID, "text", clip(userText, 200))

	for turn := 0; turn < d.maxTurns; turn++ {
		d.log.Info("calling llm", "task", taskID, "turn", turn+1, "max", d.maxTurns)
		t0 := time.Now()
		resp, err := d.provider.Chat(ctx, ChatRequest{Messages: messages, Tools: d.schemas})
		if err != nil {
			return err
		}
		d.log.Info("llm responded", "task", taskID, "elapsed", time.Since(t0).Round(100*time.Millisecond))

		// The assistant entry is rebuilt from the parsed response rather than
		// echoed from the provider payload, so replayed histories always use
		// the canonical function-call shape.
		assistant := AssistantMessage(resp.Content)
		assistant.ToolCalls = resp.ToolCalls
		messages = append(messages, assistant)
		d.setHistory(taskID, messages)

		if len(resp.ToolCalls) == 0 {
			d.log.Info("final response", "task", taskID, "turn", turn+1, "text", clip(resp.Content, 200))
			if err := d.sandbox.SaveState(); err != nil {
				d.log.Warn("state save failed", "task", taskID, "error", err)
			}
			if resp.Content != "" {
				return emit(resp.Content, nil)
			}
			return nil
		}

		// Tool calls run sequentially: a later call in the same turn may
		// depend on the effects of an earlier one.
		for _, tc := range resp.ToolCalls {
			d.log.Info("tool call", "task", taskID, "tool", tc.Name, "args", clip(string(tc.Args), 200))
			t0 := time.Now()
			text, image := d.dispatch(ctx, taskID, tc.Name, string(tc.Args), send)
			d.log.Info("tool done", "task", taskID, "tool", tc.Name,
				"elapsed", time.Since(t0).Round(100*time.Millisecond), "chars", len(text))
			messages = append(messages, ToolResultMessage(tc.ID, text))
			d.setHistory(taskID, messages)
			if image != nil {
				if err := emit("", image); err != nil {
					return err
				}
			}
		}
	}

	d.log.Warn("turn limit reached", "task", taskID, "max", d.maxTurns)
	if err := d.sandbox.SaveState(); err != nil {
		d.log.Warn("state save failed", "task", taskID, "error", err)
	}
	return emit(MaxTurnsMessage, nil)
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
