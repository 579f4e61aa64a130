package steward

import (
	"context"
	"testing"
	"time"
)

func TestWithRetryTransient(t *testing.T) {
	calls := 0
	inner := providerFunc(func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		calls++
		if calls < 3 {
			return ChatResponse{}, &ErrHTTP{Status: 429, Body: "slow down"}
		}
		return ChatResponse{Content: "ok"}, nil
	})
	p := WithRetry(inner, RetryMaxAttempts(5), RetryBaseDelay(time.Millisecond))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok" || calls != 3 {
		t.Errorf("expected success on third attempt, got %q after %d calls", resp.Content, calls)
	}
}

func TestWithRetryGivesUpOnPermanentError(t *testing.T) {
	calls := 0
	inner := providerFunc(func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		calls++
		return ChatResponse{}, &ErrHTTP{Status: 400, Body: "bad request"}
	})
	p := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	inner := providerFunc(func(ctx context.Context, req ChatRequest) (ChatResponse, error) {
		calls++
		return ChatResponse{}, &ErrHTTP{Status: 503, Body: "unavailable"}
	})
	p := WithRetry(inner, RetryMaxAttempts(3), RetryBaseDelay(time.Millisecond))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("7"); d != 7*time.Second {
		t.Errorf("delta-seconds: got %v", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("empty: got %v", d)
	}
	if d := ParseRetryAfter("garbage"); d != 0 {
		t.Errorf("garbage: got %v", d)
	}
}
