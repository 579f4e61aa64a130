package steward

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestRunner(provider Provider, sb SandboxOps) *TaskRunner {
	return NewTaskRunner(newTestDecider(provider, sb, 25), sb, nil)
}

func waitResult(t *testing.T, ch *fakeChannel) string {
	t.Helper()
	select {
	case res := <-ch.done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ""
	}
}

func TestEnqueueDeliversResult(t *testing.T) {
	provider := &fakeProvider{script: []ChatResponse{{Content: "hi"}}}
	sb := newFakeSandbox()
	runner := newTestRunner(provider, sb)
	defer runner.Shutdown()
	ch := newFakeChannel()

	if err := runner.Enqueue(context.Background(), "!r:x", "say hi", ch); err != nil {
		t.Fatal(err)
	}
	if got := waitResult(t, ch); got != "hi" {
		t.Fatalf("expected result 'hi', got %q", got)
	}
	if !sb.Has("!r:x") {
		t.Error("container should have been created lazily on first message")
	}
}

func TestEnqueueFIFOWithinTask(t *testing.T) {
	provider := &fakeProvider{} // always replies "done"
	runner := newTestRunner(provider, newFakeSandbox())
	defer runner.Shutdown()
	ch := newFakeChannel()

	const n = 5
	for i := 0; i < n; i++ {
		if err := runner.Enqueue(context.Background(), "t1", fmt.Sprintf("msg-%d", i), ch); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < n; i++ {
		waitResult(t, ch)
	}

	texts := provider.lastUserTexts()
	if len(texts) != n {
		t.Fatalf("expected %d processed messages, got %d", n, len(texts))
	}
	for i, text := range texts {
		if want := fmt.Sprintf("msg-%d", i); text != want {
			t.Errorf("position %d: expected %q, got %q", i, want, text)
		}
	}
}

func TestEnqueueIdempotentWorkerCreation(t *testing.T) {
	runner := newTestRunner(&fakeProvider{}, newFakeSandbox())
	defer runner.Shutdown()
	ch := newFakeChannel()

	runner.Enqueue(context.Background(), "t1", "a", ch)
	runner.Enqueue(context.Background(), "t1", "b", ch)

	runner.mu.Lock()
	workers := len(runner.workers)
	runner.mu.Unlock()
	if workers != 1 {
		t.Fatalf("expected exactly one worker, got %d", workers)
	}
	waitResult(t, ch)
	waitResult(t, ch)
}

func TestDistinctTasksOverlap(t *testing.T) {
	// A provider that blocks the first task until the second task has also
	// entered processing proves the workers run concurrently.
	entered := make(chan string, 2)
	release := make(chan struct{})
	provider := providerFunc(func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		entered <- req.Messages[len(req.Messages)-1].Content
		<-release
		return ChatResponse{Content: "done"}, nil
	})
	runner := newTestRunner(provider, newFakeSandbox())
	defer runner.Shutdown()
	ch := newFakeChannel()

	runner.Enqueue(context.Background(), "t1", "one", ch)
	runner.Enqueue(context.Background(), "t2", "two", ch)

	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("tasks did not overlap: second worker never started")
		}
	}
	close(release)
	waitResult(t, ch)
	waitResult(t, ch)
}

func TestProcessDeliversErrorOnSandboxStart(t *testing.T) {
	sb := newFakeSandbox()
	sb.createErr = &ErrSandboxStart{Handle: "sandbox-t1", Detail: "no space"}
	runner := newTestRunner(&fakeProvider{}, sb)
	defer runner.Shutdown()
	ch := newFakeChannel()

	runner.Enqueue(context.Background(), "t1", "go", ch)
	res := waitResult(t, ch)
	if !strings.Contains(res, "failed to start sandbox") {
		t.Fatalf("expected a start error, got %q", res)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.errors) != 1 {
		t.Fatalf("expected one delivered error, got %v", ch.errors)
	}
}

func TestWorkerSurvivesFailure(t *testing.T) {
	calls := 0
	provider := providerFunc(func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		calls++
		if calls == 1 {
			return ChatResponse{}, &ErrLLM{Provider: "fake", Message: "boom"}
		}
		return ChatResponse{Content: "recovered"}, nil
	})
	runner := newTestRunner(provider, newFakeSandbox())
	defer runner.Shutdown()
	ch := newFakeChannel()

	runner.Enqueue(context.Background(), "t1", "first", ch)
	if res := waitResult(t, ch); res != "error: fake: boom" {
		t.Fatalf("expected delivered error, got %q", res)
	}
	runner.Enqueue(context.Background(), "t1", "second", ch)
	if res := waitResult(t, ch); res != "recovered" {
		t.Fatalf("worker should keep serving after a failure, got %q", res)
	}
}

func TestPreRegisterProtectsFromOrphanSweep(t *testing.T) {
	sb := newFakeSandbox()
	sb.containers["a"] = "sandbox-a"
	sb.containers["b"] = "sandbox-b"
	runner := newTestRunner(&fakeProvider{}, sb)
	defer runner.Shutdown()

	runner.PreRegister("a", newFakeChannel())
	runner.DestroyOrphans(context.Background())

	destroyed := sb.destroyedIDs()
	if len(destroyed) != 1 || destroyed[0] != "b" {
		t.Fatalf("expected exactly b destroyed, got %v", destroyed)
	}
	if !sb.Has("a") {
		t.Error("pre-registered container must survive the sweep")
	}
}

func TestReconcileCleansInvalidTasks(t *testing.T) {
	sb := newFakeSandbox()
	runner := newTestRunner(&fakeProvider{}, sb)
	defer runner.Shutdown()
	ch := newFakeChannel()

	runner.Enqueue(context.Background(), "t1", "go", ch)
	waitResult(t, ch)

	ch.valid = false
	runner.Reconcile(context.Background())

	if runner.Processing("t1") {
		t.Error("invalid task should have been cleaned up")
	}
	if sb.Has("t1") {
		t.Error("invalid task's container should have been destroyed")
	}
}

func TestCleanupIsCompleteAndIdempotent(t *testing.T) {
	sb := newFakeSandbox()
	runner := newTestRunner(&fakeProvider{}, sb)
	ch := newFakeChannel()

	runner.Enqueue(context.Background(), "t1", "go", ch)
	waitResult(t, ch)

	runner.Cleanup(context.Background(), "t1")
	runner.Cleanup(context.Background(), "t1") // second call is a no-op

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.workers)+len(runner.inboxes)+len(runner.channels)+len(runner.processing) != 0 {
		t.Error("cleanup must drop all runtime entries together")
	}
}

// providerFunc adapts a function to the Provider interface.
type providerFunc func(ctx context.Context, req ChatRequest) (ChatResponse, error)

func (f providerFunc) Name() string { return "func" }
func (f providerFunc) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return f(ctx, req)
}
