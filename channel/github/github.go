// Package github is the code-forge channel adapter: a signed webhook
// listener for issue events on one side, the gh CLI for comments, issue
// state and recovery on the other. Task ids take the form "gh-<number>".
package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/nevindra/steward"
)

// AgentLabel is the issue label that marks a task for the dispatcher.
const AgentLabel = "agent-task"

// TaskQueue is the slice of the TaskRunner the webhook needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID, message string, ch steward.Channel) error
	Processing(taskID string) bool
}

// ghFunc invokes the gh CLI. Injectable for tests.
type ghFunc func(ctx context.Context, args ...string) (string, error)

// Options configures the channel.
type Options struct {
	Port   int
	Secret string // webhook HMAC secret; empty disables signature checks
	Repo   string // "owner/name", used by recovery
}

type Channel struct {
	queue TaskQueue
	opts  Options
	gh    ghFunc
	log   *slog.Logger
	srv   *http.Server
}

func New(queue TaskQueue, opts Options, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		queue: queue,
		opts:  opts,
		log:   log.With("component", "github"),
	}
	c.gh = runGH
	return c
}

func runGH(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (c *Channel) SystemPrompt() string { return steward.ForgeSystemPrompt }

// Start launches the webhook listener.
func (c *Channel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/github", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		c.handleWebhook(w, r)
	})
	c.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", c.opts.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	ln, err := net.Listen("tcp", c.srv.Addr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	go func() {
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("webhook server failed", "error", err)
		}
	}()
	c.log.Info("webhook listening", "port", c.opts.Port)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.srv.Shutdown(sctx)
}

// SendUpdate is a no-op: intermediate output would spam the issue thread.
func (c *Channel) SendUpdate(ctx context.Context, taskID, text string) error { return nil }

func issueNumber(taskID string) string {
	_, num, _ := strings.Cut(taskID, "-")
	return num
}

// DeliverResult posts a completion comment and closes the issue. The close
// happens even when the result describes only partial success; the issue
// thread keeps the full record.
func (c *Channel) DeliverResult(ctx context.Context, taskID, text string) error {
	num := issueNumber(taskID)
	if _, err := c.gh(ctx, "issue", "comment", num, "--body", "✅ Completed — "+text); err != nil {
		return err
	}
	_, err := c.gh(ctx, "issue", "close", num)
	return err
}

func (c *Channel) DeliverError(ctx context.Context, taskID, errText string) error {
	_, err := c.gh(ctx, "issue", "comment", issueNumber(taskID), "--body", "❌ Failed: "+errText)
	return err
}

// IsValid reports whether the issue is still open and still labelled.
func (c *Channel) IsValid(ctx context.Context, taskID string) bool {
	out, err := c.gh(ctx, "issue", "view", issueNumber(taskID), "--json", "state,labels")
	if err != nil {
		return false
	}
	var data struct {
		State  string `json:"state"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return false
	}
	if data.State != "OPEN" {
		return false
	}
	for _, l := range data.Labels {
		if l.Name == AgentLabel {
			return true
		}
	}
	return false
}

// RecoverTasks enumerates open labelled issues, posts a restart notice on
// each and returns them for re-enqueueing.
func (c *Channel) RecoverTasks(ctx context.Context) ([]steward.RecoveredTask, error) {
	if c.opts.Repo == "" {
		c.log.Warn("repo not configured, skipping crash recovery")
		return nil, nil
	}
	out, err := c.gh(ctx, "issue", "list",
		"--repo", c.opts.Repo,
		"--label", AgentLabel,
		"--state", "open",
		"--json", "number,title,body")
	if err != nil {
		return nil, err
	}
	var issues []struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	}
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("parse issue list: %w", err)
	}

	tasks := make([]steward.RecoveredTask, 0, len(issues))
	for _, issue := range issues {
		tasks = append(tasks, steward.RecoveredTask{
			TaskID:  fmt.Sprintf("gh-%d", issue.Number),
			Message: fmt.Sprintf("# %s\n\n%s", issue.Title, issue.Body),
		})
		if _, err := c.gh(ctx, "issue", "comment", fmt.Sprintf("%d", issue.Number),
			"--repo", c.opts.Repo,
			"--body", "🤖 Bot restarted — resuming work on this issue."); err != nil {
			c.log.Error("recovery comment failed", "issue", issue.Number, "error", err)
		}
	}
	c.log.Info("recovery scan complete", "open_tasks", len(tasks))
	return tasks, nil
}

// --- webhook ---

type webhookPayload struct {
	Action string `json:"action"`
	Label  struct {
		Name string `json:"name"`
	} `json:"label"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// verifySignature checks the X-Hub-Signature-256 header against the shared
// secret with a constant-time compare.
func verifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if c.opts.Secret != "" && !verifySignature(c.opts.Secret, body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	switch event := r.Header.Get("X-GitHub-Event"); {
	case event == "issues" && payload.Action == "labeled":
		c.handleLabeled(r.Context(), w, payload)
	case event == "issue_comment" && payload.Action == "created":
		c.handleComment(r.Context(), w, payload)
	default:
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ignored")
	}
}

func (c *Channel) handleLabeled(ctx context.Context, w http.ResponseWriter, payload webhookPayload) {
	if payload.Label.Name != AgentLabel {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ignored label")
		return
	}
	taskID := fmt.Sprintf("gh-%d", payload.Issue.Number)

	// Idempotent entry: a re-label of an issue already being worked on
	// must not enqueue a duplicate task.
	if c.queue.Processing(taskID) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "already processing")
		return
	}

	num := fmt.Sprintf("%d", payload.Issue.Number)
	if _, err := c.gh(ctx, "issue", "comment", num, "--body", "🤖 Working on this issue..."); err != nil {
		c.log.Error("ack comment failed", "issue", num, "error", err)
	}

	message := fmt.Sprintf("Repository: %s\n\n# %s\n\n%s",
		payload.Repository.FullName, payload.Issue.Title, payload.Issue.Body)
	if err := c.queue.Enqueue(ctx, taskID, message, c); err != nil {
		c.log.Error("enqueue failed", "task", taskID, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	c.backfillComments(ctx, taskID, payload.Repository.FullName, num)

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, "Accepted")
}

// backfillComments enqueues each existing non-empty comment body as its own
// message, preserving order, so discussion that predates the label is not
// lost.
func (c *Channel) backfillComments(ctx context.Context, taskID, repo, num string) {
	if repo == "" {
		return
	}
	out, err := c.gh(ctx, "api", fmt.Sprintf("repos/%s/issues/%s/comments", repo, num), "--jq", ".[].body")
	if err != nil {
		c.log.Error("comment backfill failed", "task", taskID, "error", err)
		return
	}
	for _, comment := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(comment) == "" {
			continue
		}
		if err := c.queue.Enqueue(ctx, taskID, strings.TrimSpace(comment), c); err != nil {
			c.log.Error("backfill enqueue failed", "task", taskID, "error", err)
		}
	}
}

func (c *Channel) handleComment(ctx context.Context, w http.ResponseWriter, payload webhookPayload) {
	labelled := false
	for _, l := range payload.Issue.Labels {
		if l.Name == AgentLabel {
			labelled = true
			break
		}
	}
	if !labelled {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "not an agent-task issue")
		return
	}

	// Skip the bot's own output so delivered results don't re-trigger the
	// task in a loop.
	if strings.HasSuffix(payload.Comment.User.Login, "[bot]") || startsWithMarker(payload.Comment.Body) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ignoring bot comment")
		return
	}

	taskID := fmt.Sprintf("gh-%d", payload.Issue.Number)
	if err := c.queue.Enqueue(ctx, taskID, payload.Comment.Body, c); err != nil {
		c.log.Error("enqueue failed", "task", taskID, "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, "Accepted")
}

func startsWithMarker(body string) bool {
	for _, marker := range []string{"✅", "❌", "🤖"} {
		if strings.HasPrefix(body, marker) {
			return true
		}
	}
	return false
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}

var _ steward.Channel = (*Channel)(nil)
