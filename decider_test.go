package steward

import (
	"context"
	"strings"
	"testing"
)

func newTestDecider(provider Provider, sb SandboxOps, maxTurns int) *Decider {
	d := &Dispatcher{Sandbox: sb}
	return NewDecider(provider, sb, d.Execute, maxTurns, nil)
}

func collectEmits(t *testing.T, d *Decider, taskID, text, prompt string) (finals []string, images int) {
	t.Helper()
	err := d.HandleMessage(context.Background(), taskID, text, prompt, nil, func(text string, image []byte) error {
		if image != nil {
			images++
			return nil
		}
		if text != "" {
			finals = append(finals, text)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return finals, images
}

func TestHandleMessageSingleTurn(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{{Content: "hi"}}}
	sb := newFakeSandbox()
	d := newTestDecider(provider, sb, 25)

	finals, _ := collectEmits(t, d, "!r:x", "say hi", "You are helpful.")

	if len(finals) != 1 || finals[0] != "hi" {
		t.Fatalf("expected final 'hi', got %v", finals)
	}

	history := d.HistorySnapshot()["!r:x"]
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	if history[0].Role != "system" || history[0].Content != "You are helpful." {
		t.Errorf("bad system entry: %+v", history[0])
	}
	if history[1].Role != "user" || history[1].Content != "say hi" {
		t.Errorf("bad user entry: %+v", history[1])
	}
	if history[2].Role != "assistant" || history[2].Content != "hi" {
		t.Errorf("bad assistant entry: %+v", history[2])
	}
	if sb.saves != 1 {
		t.Errorf("expected 1 state save, got %d", sb.saves)
	}
}

func TestHandleMessageToolRoundTrip(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{
		toolCallResponse("call_1", "read_file", `{"path":"/tmp/x"}`),
		{Content: "contents: A"},
	}}
	sb := newFakeSandbox()
	sb.files["/tmp/x"] = "A"
	d := newTestDecider(provider, sb, 25)

	finals, _ := collectEmits(t, d, "!r:x", "read /tmp/x", "")

	if len(finals) != 1 || finals[0] != "contents: A" {
		t.Fatalf("expected final 'contents: A', got %v", finals)
	}

	history := d.HistorySnapshot()["!r:x"]
	// system, user, assistant+call, tool, assistant.
	if len(history) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(history))
	}
	if history[2].Role != "assistant" || len(history[2].ToolCalls) != 1 {
		t.Fatalf("bad tool-call entry: %+v", history[2])
	}
	if history[3].Role != "tool" || history[3].Content != "A" || history[3].ToolCallID != "call_1" {
		t.Errorf("bad tool result entry: %+v", history[3])
	}
}

func TestHandleMessageTurnLimit(t *testing.T) {
	// A provider that always asks for a tool call never produces a final
	// content turn.
	provider := &fakeProvider{script: []ChatResponse{
		toolCallResponse("c", "run_command", `{"command":"true"}`),
	}}
	sb := newFakeSandbox()
	d := newTestDecider(provider, sb, 4)

	finals, _ := collectEmits(t, d, "t1", "loop forever", "")

	if len(finals) != 1 || !strings.HasPrefix(finals[0], "Reached maximum turns") {
		t.Fatalf("expected turn-limit message, got %v", finals)
	}
	provider.mu.Lock()
	calls := len(provider.requests)
	provider.mu.Unlock()
	if calls != 4 {
		t.Errorf("expected exactly maxTurns=4 LLM calls, got %d", calls)
	}
}

func TestHandleMessageEmitsImages(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{
		toolCallResponse("c1", "take_screenshot", `{"url":"http://localhost:3000"}`),
		{Content: "there you go"},
	}}
	d := newTestDecider(provider, newFakeSandbox(), 25)

	finals, images := collectEmits(t, d, "t1", "screenshot it", "")

	if images != 1 {
		t.Errorf("expected 1 image emit, got %d", images)
	}
	if len(finals) != 1 || finals[0] != "there you go" {
		t.Errorf("expected final text, got %v", finals)
	}
}

func TestHandleMessageDefaultSystemPrompt(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{{Content: "ok"}}}
	d := newTestDecider(provider, newFakeSandbox(), 25)

	collectEmits(t, d, "t1", "hello", "")

	history := d.HistorySnapshot()["t1"]
	if history[0].Content != ChatSystemPrompt {
		t.Error("empty system prompt should fall back to the chat prompt")
	}
}

func TestLoadHistoriesMerges(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{{Content: "again"}}}
	d := newTestDecider(provider, newFakeSandbox(), 25)

	d.LoadHistories(map[string][]ChatMessage{
		"t1": {SystemMessage("old prompt"), UserMessage("before restart"), AssistantMessage("sure")},
	})
	collectEmits(t, d, "t1", "after restart", "ignored: history exists")

	history := d.HistorySnapshot()["t1"]
	if len(history) != 5 {
		t.Fatalf("expected restored history to grow to 5 entries, got %d", len(history))
	}
	if history[0].Content != "old prompt" {
		t.Error("restored system prompt must not be replaced")
	}
}
