package steward

import (
	"context"
	"sort"
	"sync"
)

// fakeProvider replays a scripted sequence of responses and records every
// request it receives.
type fakeProvider struct {
	mu       sync.Mutex
	script   []ChatResponse
	requests []ChatRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.script) == 0 {
		return ChatResponse{Content: "done"}, nil
	}
	resp := p.script[0]
	if len(p.script) > 1 {
		p.script = p.script[1:]
	}
	return resp, nil
}

// lastUserTexts returns the trailing user message of each recorded request,
// in call order.
func (p *fakeProvider) lastUserTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var texts []string
	for _, req := range p.requests {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				texts = append(texts, req.Messages[i].Content)
				break
			}
		}
	}
	return texts
}

// fakeSandbox implements SandboxOps in memory and records destroys and
// executed commands.
type fakeSandbox struct {
	mu         sync.Mutex
	containers map[string]string
	files      map[string]string // path -> content
	execs      []string
	destroyed  []string
	saves      int
	execResult ExecResult
	createErr  error
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		containers: make(map[string]string),
		files:      make(map[string]string),
	}
}

func (s *fakeSandbox) Create(_ context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	if handle, ok := s.containers[taskID]; ok {
		return handle, nil
	}
	handle := "sandbox-" + taskID
	s.containers[taskID] = handle
	return handle, nil
}

func (s *fakeSandbox) Has(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.containers[taskID]
	return ok
}

func (s *fakeSandbox) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.containers))
	for id := range s.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *fakeSandbox) Exec(_ context.Context, _, command string) (ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, command)
	return s.execResult, nil
}

func (s *fakeSandbox) WriteFile(_ context.Context, _, path, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
	return "Wrote " + path, nil
}

func (s *fakeSandbox) ReadFile(_ context.Context, _, path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[path], nil
}

func (s *fakeSandbox) Screenshot(_ context.Context, _, _ string) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (s *fakeSandbox) HostPort(_ context.Context, _ string, _ int) int { return 0 }

func (s *fakeSandbox) Code(_ context.Context, _, _ string, _ CodeOptions) (ExecResult, error) {
	return ExecResult{Stdout: "coded"}, nil
}

func (s *fakeSandbox) CodeStream(ctx context.Context, _, _ string, send StreamFunc, _ CodeOptions) (ExecResult, error) {
	if send != nil {
		send(ctx, "streamed chunk")
	}
	return ExecResult{Stdout: "coded"}, nil
}

func (s *fakeSandbox) Destroy(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, taskID)
	s.destroyed = append(s.destroyed, taskID)
	return nil
}

func (s *fakeSandbox) SaveState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return nil
}

func (s *fakeSandbox) destroyedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.destroyed...)
}

// fakeChannel records deliveries and signals results on a channel so tests
// can wait for processing to finish.
type fakeChannel struct {
	mu      sync.Mutex
	updates []string
	results []string
	errors  []string
	valid   bool
	prompt  string
	done    chan string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{valid: true, prompt: "You are helpful.", done: make(chan string, 16)}
}

func (c *fakeChannel) Start(context.Context) error { return nil }
func (c *fakeChannel) Stop(context.Context) error  { return nil }

func (c *fakeChannel) SendUpdate(_ context.Context, _, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, text)
	return nil
}

func (c *fakeChannel) DeliverResult(_ context.Context, _, text string) error {
	c.mu.Lock()
	c.results = append(c.results, text)
	c.mu.Unlock()
	c.done <- text
	return nil
}

func (c *fakeChannel) DeliverError(_ context.Context, _, errText string) error {
	c.mu.Lock()
	c.errors = append(c.errors, errText)
	c.mu.Unlock()
	c.done <- "error: " + errText
	return nil
}

func (c *fakeChannel) IsValid(context.Context, string) bool { return c.valid }

func (c *fakeChannel) RecoverTasks(context.Context) ([]RecoveredTask, error) { return nil, nil }

func (c *fakeChannel) SystemPrompt() string { return c.prompt }

// toolCallResponse builds an assistant response carrying a single tool call.
func toolCallResponse(id, name, args string) ChatResponse {
	return ChatResponse{ToolCalls: []ToolCall{{ID: id, Name: name, Args: []byte(args)}}}
}
