// Package matrix is the chat-room channel adapter: one task per room, task
// id = room id. The Bot owns the client connection and event loop; each
// room's egress goes through a per-room Channel value.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nevindra/steward"
	"github.com/nevindra/steward/sandbox"
)

const (
	syncTimeoutMS        = 30_000
	initialSyncTimeoutMS = 10_000
	typingIntervalSec    = 20
)

// Options configures the Bot.
type Options struct {
	Homeserver string
	User       string
	Password   string
}

// Bot bridges room events to the task runner. Rooms joined before the
// initial sync completes are treated as recovered tasks; their containers
// are pre-registered so the orphan sweep spares them.
type Bot struct {
	client  *Client
	runner  *steward.TaskRunner
	sandbox *sandbox.Manager
	opts    Options
	log     *slog.Logger

	synced bool

	mu      sync.Mutex
	typing  map[string]context.CancelFunc
	watched map[string]context.CancelFunc
}

func NewBot(opts Options, runner *steward.TaskRunner, sb *sandbox.Manager, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	return &Bot{
		client:  NewClient(opts.Homeserver, log),
		runner:  runner,
		sandbox: sb,
		opts:    opts,
		log:     log.With("component", "matrix"),
		typing:  make(map[string]context.CancelFunc),
		watched: make(map[string]context.CancelFunc),
	}
}

// Channel returns the adapter bound to one room.
func (b *Bot) Channel(roomID string) *Channel {
	return &Channel{bot: b, roomID: roomID}
}

// Start logs in, performs the initial sync, joins stale invites without a
// greeting, and pre-registers every joined room whose container survived the
// restart. It must run before the orphan sweep.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.client.Login(ctx, b.opts.User, b.opts.Password); err != nil {
		return err
	}
	b.log.Info("initial sync")
	if _, err := b.client.Sync(ctx, initialSyncTimeoutMS); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	// Invites that predate this process are stale: join silently.
	for _, roomID := range b.client.InvitedRooms() {
		b.log.Info("catch-up join (no greeting)", "room", roomID)
		if err := b.client.JoinRoom(ctx, roomID); err != nil {
			b.log.Error("catch-up join failed", "room", roomID, "error", err)
		}
	}

	for _, roomID := range b.client.JoinedRooms() {
		if b.sandbox.Has(roomID) {
			b.log.Info("pre-registering recovered room", "room", roomID)
			b.runner.PreRegister(roomID, b.Channel(roomID))
		}
	}

	b.synced = true
	b.log.Info("initial sync complete, now listening")
	return nil
}

// Loop long-polls the homeserver until ctx is cancelled.
func (b *Bot) Loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		events, err := b.client.Sync(ctx, syncTimeoutMS)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Error("sync failed", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}
		for _, ev := range events {
			b.handleEvent(ctx, ev)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, ev Event) {
	if !b.synced {
		return
	}
	switch ev.Kind {
	case "invite":
		b.onInvite(ctx, ev)
	case "message":
		b.onMessage(ctx, ev)
	case "member":
		b.onMember(ctx, ev)
	}
}

func (b *Bot) onInvite(ctx context.Context, ev Event) {
	b.log.Info("invite", "room", ev.RoomID)
	if err := b.client.JoinRoom(ctx, ev.RoomID); err != nil {
		b.log.Error("join failed", "room", ev.RoomID, "error", err)
		return
	}
	if err := b.client.SendText(ctx, ev.RoomID, "[invite] Ready! Send me a task to get started."); err != nil {
		b.log.Error("greeting failed", "room", ev.RoomID, "error", err)
	}
}

func (b *Bot) onMessage(ctx context.Context, ev Event) {
	if ev.Sender == b.client.UserID() {
		return
	}
	b.log.Info("message", "room", ev.RoomID, "sender", ev.Sender, "text", clip(ev.Body, 80))
	b.startTyping(ev.RoomID)
	b.ensureIPCWatcher(ev.RoomID)
	if err := b.runner.Enqueue(ctx, ev.RoomID, ev.Body, b.Channel(ev.RoomID)); err != nil {
		b.log.Error("enqueue failed", "room", ev.RoomID, "error", err)
	}
}

// onMember destroys the task when the bot is removed, or when the last
// non-bot user leaves (then the bot leaves too).
func (b *Bot) onMember(ctx context.Context, ev Event) {
	if ev.Membership != "leave" && ev.Membership != "ban" {
		return
	}
	if ev.StateKey == b.client.UserID() {
		b.log.Info("bot removed from room, destroying sandbox", "room", ev.RoomID)
		b.teardown(ctx, ev.RoomID, false)
		return
	}
	if len(b.client.NonBotMembers(ev.RoomID)) == 0 {
		b.log.Info("all users left, destroying sandbox and leaving", "room", ev.RoomID)
		b.teardown(ctx, ev.RoomID, true)
	}
}

func (b *Bot) teardown(ctx context.Context, roomID string, leave bool) {
	b.stopTyping(roomID)
	b.stopIPCWatcher(roomID)
	b.runner.Cleanup(ctx, roomID)
	if leave {
		if err := b.client.LeaveRoom(ctx, roomID); err != nil {
			b.log.Error("leave failed", "room", roomID, "error", err)
		}
	}
}

// Stop ends typing indicators and IPC watchers. The client has no session
// to tear down beyond abandoning the sync loop.
func (b *Bot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.typing {
		cancel()
	}
	for _, cancel := range b.watched {
		cancel()
	}
	b.typing = make(map[string]context.CancelFunc)
	b.watched = make(map[string]context.CancelFunc)
}

// --- typing keepalive ---

func (b *Bot) startTyping(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.typing[roomID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.typing[roomID] = cancel
	go func() {
		ticker := time.NewTicker(typingIntervalSec * time.Second)
		defer ticker.Stop()
		for {
			if err := b.client.SendTyping(ctx, roomID, 30_000); err != nil && ctx.Err() == nil {
				b.log.Warn("typing indicator failed", "room", roomID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (b *Bot) stopTyping(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.typing[roomID]; ok {
		cancel()
		delete(b.typing, roomID)
	}
}

// --- IPC event forwarding ---

// ensureIPCWatcher forwards the in-container hook events of a room's
// sandbox into the room. The watcher waits for the IPC directory to appear
// (the container is created lazily on the first processed message).
func (b *Bot) ensureIPCWatcher(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watched[roomID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.watched[roomID] = cancel
	dir := b.sandbox.IPCDir(roomID)
	go func() {
		for {
			if _, err := os.Stat(dir); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
		err := b.sandbox.WatchIPC(ctx, roomID, func(text string) {
			if err := b.client.SendText(ctx, roomID, text); err != nil {
				b.log.Warn("ipc forward failed", "room", roomID, "error", err)
			}
		})
		if err != nil && ctx.Err() == nil {
			b.log.Warn("ipc watcher stopped", "room", roomID, "error", err)
		}
	}()
}

func (b *Bot) stopIPCWatcher(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel, ok := b.watched[roomID]; ok {
		cancel()
		delete(b.watched, roomID)
	}
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Channel is the per-room steward.Channel adapter.
type Channel struct {
	bot    *Bot
	roomID string
}

func (c *Channel) SystemPrompt() string { return steward.ChatSystemPrompt }

// Start and Stop are no-ops: the Bot owns the client lifecycle.
func (c *Channel) Start(ctx context.Context) error { return nil }
func (c *Channel) Stop(ctx context.Context) error  { return nil }

// SendUpdate posts an intermediate fragment wrapped in a fenced code block.
func (c *Channel) SendUpdate(ctx context.Context, taskID, text string) error {
	return c.bot.client.SendText(ctx, c.roomID, "```\n"+text+"\n```")
}

func (c *Channel) DeliverResult(ctx context.Context, taskID, text string) error {
	c.bot.stopTyping(c.roomID)
	return c.bot.client.SendText(ctx, c.roomID, text)
}

func (c *Channel) DeliverError(ctx context.Context, taskID, errText string) error {
	c.bot.stopTyping(c.roomID)
	return c.bot.client.SendText(ctx, c.roomID, "Error: "+errText)
}

// IsValid reports current room membership.
func (c *Channel) IsValid(ctx context.Context, taskID string) bool {
	return c.bot.client.InRoom(taskID)
}

// RecoverTasks returns nothing: chat rooms are recovered via pre-registration
// during Bot.Start, without a replay message.
func (c *Channel) RecoverTasks(ctx context.Context) ([]steward.RecoveredTask, error) {
	return nil, nil
}

// SendImage uploads a PNG and posts it to the room.
func (c *Channel) SendImage(ctx context.Context, taskID string, png []byte) error {
	return c.bot.client.SendImage(ctx, c.roomID, png)
}

var (
	_ steward.Channel     = (*Channel)(nil)
	_ steward.ImageSender = (*Channel)(nil)
)
