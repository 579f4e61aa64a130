package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/nevindra/steward"
)

// Client is a minimal Matrix client-server API client: password login,
// long-poll sync, room membership bookkeeping, message/image egress. Only
// the endpoints the channel needs are implemented.
type Client struct {
	homeserver  string
	accessToken string
	userID      string
	http        *http.Client
	log         *slog.Logger

	mu        sync.Mutex
	nextBatch string
	members   map[string]map[string]bool // room id -> user id -> joined
	invites   map[string]bool
}

func NewClient(homeserver string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		homeserver: homeserver,
		http:       &http.Client{},
		log:        log.With("component", "matrix"),
		members:    make(map[string]map[string]bool),
		invites:    make(map[string]bool),
	}
}

// UserID returns the fully-qualified id the homeserver assigned at login.
func (c *Client) UserID() string { return c.userID }

func (c *Client) endpoint(path string) string {
	return c.homeserver + "/_matrix/client/v3" + path
}

// call performs one authenticated JSON request and decodes the response
// into out when non-nil.
func (c *Client) call(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &steward.ErrHTTP{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Login authenticates with a password and stores the access token.
func (c *Client) Login(ctx context.Context, user, password string) error {
	body := map[string]any{
		"type":       "m.login.password",
		"identifier": map[string]string{"type": "m.id.user", "user": user},
		"password":   password,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		UserID      string `json:"user_id"`
	}
	if err := c.call(ctx, http.MethodPost, c.endpoint("/login"), body, &resp); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	c.accessToken = resp.AccessToken
	c.userID = resp.UserID
	c.log.Info("logged in", "user", c.userID)
	return nil
}

// --- sync ---

type roomEvent struct {
	Type     string          `json:"type"`
	Sender   string          `json:"sender"`
	StateKey *string         `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

type timeline struct {
	Events []roomEvent `json:"events"`
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline timeline `json:"timeline"`
			State    timeline `json:"state"`
		} `json:"join"`
		Invite map[string]struct {
			InviteState timeline `json:"invite_state"`
		} `json:"invite"`
	} `json:"rooms"`
}

// Event is one observation surfaced to the channel loop.
type Event struct {
	Kind       string // "message", "invite", "member"
	RoomID     string
	Sender     string
	Body       string // message text
	StateKey   string // member events: affected user
	Membership string // member events: "join", "leave", "ban", …
}

// Sync long-polls the homeserver and returns the events of one batch,
// updating membership and invite bookkeeping as a side effect.
func (c *Client) Sync(ctx context.Context, timeoutMS int) ([]Event, error) {
	c.mu.Lock()
	since := c.nextBatch
	c.mu.Unlock()

	q := url.Values{}
	q.Set("timeout", strconv.Itoa(timeoutMS))
	if since != "" {
		q.Set("since", since)
	}
	var resp syncResponse
	if err := c.call(ctx, http.MethodGet, c.endpoint("/sync")+"?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	var events []Event
	c.mu.Lock()
	c.nextBatch = resp.NextBatch
	for roomID := range resp.Rooms.Invite {
		if !c.invites[roomID] {
			c.invites[roomID] = true
			events = append(events, Event{Kind: "invite", RoomID: roomID})
		}
	}
	for roomID, room := range resp.Rooms.Join {
		delete(c.invites, roomID)
		if c.members[roomID] == nil {
			c.members[roomID] = make(map[string]bool)
		}
		for _, ev := range append(room.State.Events, room.Timeline.Events...) {
			switch ev.Type {
			case "m.room.member":
				if ev.StateKey == nil {
					continue
				}
				var content struct {
					Membership string `json:"membership"`
				}
				json.Unmarshal(ev.Content, &content)
				c.members[roomID][*ev.StateKey] = content.Membership == "join"
				events = append(events, Event{
					Kind:       "member",
					RoomID:     roomID,
					Sender:     ev.Sender,
					StateKey:   *ev.StateKey,
					Membership: content.Membership,
				})
			case "m.room.message":
				var content struct {
					MsgType string `json:"msgtype"`
					Body    string `json:"body"`
				}
				json.Unmarshal(ev.Content, &content)
				if content.MsgType != "m.text" {
					continue
				}
				events = append(events, Event{
					Kind:   "message",
					RoomID: roomID,
					Sender: ev.Sender,
					Body:   content.Body,
				})
			}
		}
	}
	c.mu.Unlock()
	return events, nil
}

// InvitedRooms returns rooms with a pending invite.
func (c *Client) InvitedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.invites))
	for roomID := range c.invites {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// JoinedRooms returns the rooms the bot is currently joined to.
func (c *Client) JoinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.members))
	for roomID, members := range c.members {
		if members[c.userID] {
			rooms = append(rooms, roomID)
		}
	}
	return rooms
}

// InRoom reports whether the bot is joined to roomID.
func (c *Client) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[roomID][c.userID]
}

// NonBotMembers returns the joined members of a room other than the bot.
func (c *Client) NonBotMembers(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var users []string
	for user, joined := range c.members[roomID] {
		if joined && user != c.userID {
			users = append(users, user)
		}
	}
	return users
}

// JoinRoom accepts an invite (or joins a public room).
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	err := c.call(ctx, http.MethodPost, c.endpoint("/join/"+url.PathEscape(roomID)), map[string]any{}, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.invites, roomID)
	if c.members[roomID] == nil {
		c.members[roomID] = make(map[string]bool)
	}
	c.members[roomID][c.userID] = true
	c.mu.Unlock()
	return nil
}

// LeaveRoom leaves a room and drops its bookkeeping.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	err := c.call(ctx, http.MethodPost,
		c.endpoint("/rooms/"+url.PathEscape(roomID)+"/leave"), map[string]any{}, nil)
	c.mu.Lock()
	delete(c.members, roomID)
	c.mu.Unlock()
	return err
}

// SendText posts a plain m.text message.
func (c *Client) SendText(ctx context.Context, roomID, body string) error {
	return c.sendMessage(ctx, roomID, map[string]any{"msgtype": "m.text", "body": body})
}

func (c *Client) sendMessage(ctx context.Context, roomID string, content map[string]any) error {
	txn := uuid.NewString()
	u := c.endpoint("/rooms/" + url.PathEscape(roomID) + "/send/m.room.message/" + txn)
	return c.call(ctx, http.MethodPut, u, content, nil)
}

// SendTyping sets the typing indicator for timeoutMS.
func (c *Client) SendTyping(ctx context.Context, roomID string, timeoutMS int) error {
	u := c.endpoint("/rooms/" + url.PathEscape(roomID) + "/typing/" + url.PathEscape(c.userID))
	return c.call(ctx, http.MethodPut, u, map[string]any{"typing": true, "timeout": timeoutMS}, nil)
}

// SendImage uploads PNG bytes to the media repository and posts them as an
// m.image message.
func (c *Client) SendImage(ctx context.Context, roomID string, png []byte) error {
	u := c.homeserver + "/_matrix/media/v3/upload?filename=screenshot.png"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(png))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &steward.ErrHTTP{Status: resp.StatusCode, Body: string(raw)}
	}
	var upload struct {
		ContentURI string `json:"content_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		return err
	}
	return c.sendMessage(ctx, roomID, map[string]any{
		"msgtype": "m.image",
		"body":    "screenshot.png",
		"url":     upload.ContentURI,
		"info":    map[string]any{"mimetype": "image/png", "size": len(png)},
	})
}
