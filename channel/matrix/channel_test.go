package matrix

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/nevindra/steward/sandbox"
)

func newTestBot(t *testing.T) (*Bot, *fakeHomeserver) {
	t.Helper()
	hs := &fakeHomeserver{}
	srv := httptest.NewServer(hs.handler())
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	sb := sandbox.NewManager(sandbox.Options{
		StatePath:  filepath.Join(dir, "state.json"),
		IPCBaseDir: filepath.Join(dir, "ipc"),
	}, nil)
	bot := NewBot(Options{Homeserver: srv.URL, User: "bot", Password: "pw"}, nil, sb, nil)
	if err := bot.client.Login(context.Background(), "bot", "pw"); err != nil {
		t.Fatal(err)
	}
	return bot, hs
}

func TestSendUpdateWrapsInCodeBlock(t *testing.T) {
	bot, hs := newTestBot(t)
	ch := bot.Channel("!r:x")

	if err := ch.SendUpdate(context.Background(), "!r:x", "compiling..."); err != nil {
		t.Fatal(err)
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.sent[0]["body"] != "```\ncompiling...\n```" {
		t.Errorf("update must be fenced: %q", hs.sent[0]["body"])
	}
}

func TestDeliverErrorPrefix(t *testing.T) {
	bot, hs := newTestBot(t)
	ch := bot.Channel("!r:x")

	if err := ch.DeliverError(context.Background(), "!r:x", "sandbox died"); err != nil {
		t.Fatal(err)
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.sent[0]["body"] != "Error: sandbox died" {
		t.Errorf("unexpected error body: %q", hs.sent[0]["body"])
	}
}

func TestIsValidTracksMembership(t *testing.T) {
	bot, hs := newTestBot(t)
	ch := bot.Channel("!r:example.org")

	if ch.IsValid(context.Background(), "!r:example.org") {
		t.Error("unknown room must be invalid")
	}
	hs.mu.Lock()
	hs.syncBody = syncWithRoom
	hs.mu.Unlock()
	if _, err := bot.client.Sync(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if !ch.IsValid(context.Background(), "!r:example.org") {
		t.Error("joined room must be valid")
	}
}

func TestSystemPromptIsChatPrompt(t *testing.T) {
	bot, _ := newTestBot(t)
	if bot.Channel("!r:x").SystemPrompt() == "" {
		t.Error("channel must carry the chat system prompt")
	}
}
