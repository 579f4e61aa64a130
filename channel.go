package steward

import "context"

// RecoveredTask is a task a channel wants replayed after a restart.
type RecoveredTask struct {
	TaskID  string
	Message string
}

// Channel is an external event source and sink. Ingress happens on the
// channel's own loop (it calls TaskRunner.Enqueue); egress happens through
// the methods below, always keyed by task id.
type Channel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// SendUpdate delivers an intermediate progress fragment. May be a no-op.
	SendUpdate(ctx context.Context, taskID, text string) error
	// DeliverResult delivers the final textual answer for one message.
	DeliverResult(ctx context.Context, taskID, text string) error
	DeliverError(ctx context.Context, taskID, errText string) error

	// IsValid reports whether the task still corresponds to a live external
	// entity (room membership, open labelled issue). False triggers cleanup.
	IsValid(ctx context.Context, taskID string) bool

	// RecoverTasks is called once at startup and returns the tasks the
	// channel wants re-enqueued with a replay message.
	RecoverTasks(ctx context.Context) ([]RecoveredTask, error)

	// SystemPrompt is the channel-specific system prompt installed when a
	// task's history is first initialised.
	SystemPrompt() string
}

// ImageSender is an optional Channel capability for binary image egress.
// Channels that cannot carry images (e.g. the code-forge adapter) simply
// don't implement it.
type ImageSender interface {
	SendImage(ctx context.Context, taskID string, png []byte) error
}
