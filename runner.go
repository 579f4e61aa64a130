package steward

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// inboxCapacity bounds the per-task message backlog. A full inbox drops the
// message with an error back to the caller rather than blocking ingress.
const inboxCapacity = 64

// worker is one task's processing goroutine.
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// TaskRunner multiplexes one worker per task id: messages within a task are
// processed strictly in enqueue order while distinct tasks run concurrently.
// Creation and destruction of a task's inbox, worker and channel binding
// happen together under one lock, so the processing set is always exactly
// the set of live tasks.
type TaskRunner struct {
	decider *Decider
	sandbox SandboxOps
	log     *slog.Logger

	mu         sync.Mutex
	inboxes    map[string]chan string
	workers    map[string]*worker
	channels   map[string]Channel
	processing map[string]struct{}
}

func NewTaskRunner(decider *Decider, sandbox SandboxOps, log *slog.Logger) *TaskRunner {
	if log == nil {
		log = slog.Default()
	}
	return &TaskRunner{
		decider:    decider,
		sandbox:    sandbox,
		log:        log.With("component", "runner"),
		inboxes:    make(map[string]chan string),
		workers:    make(map[string]*worker),
		channels:   make(map[string]Channel),
		processing: make(map[string]struct{}),
	}
}

// register creates the inbox/worker/channel-binding triple for a task if it
// does not exist yet. Returns the task's inbox.
func (r *TaskRunner) register(taskID string, ch Channel) chan string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inbox, ok := r.inboxes[taskID]; ok {
		return inbox
	}
	inbox := make(chan string, inboxCapacity)
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}
	r.inboxes[taskID] = inbox
	r.channels[taskID] = ch
	r.processing[taskID] = struct{}{}
	r.workers[taskID] = w
	go r.runWorker(ctx, taskID, inbox, ch, w.done)
	return inbox
}

// Enqueue adds a message to a task's inbox, creating the task on first use.
// A second Enqueue for the same id never spawns a second worker.
func (r *TaskRunner) Enqueue(ctx context.Context, taskID, message string, ch Channel) error {
	inbox := r.register(taskID, ch)
	select {
	case inbox <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("inbox full for task %s", taskID)
	}
}

// PreRegister creates a task's worker without enqueuing anything. Used at
// startup so that recovered containers are in the processing set before the
// orphan sweep runs; the worker idles until a channel pushes a message.
func (r *TaskRunner) PreRegister(taskID string, ch Channel) {
	r.register(taskID, ch)
}

// Processing reports whether the task currently has a live worker.
func (r *TaskRunner) Processing(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processing[taskID]
	return ok
}

func (r *TaskRunner) runWorker(ctx context.Context, taskID string, inbox <-chan string, ch Channel, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-inbox:
			if err := r.process(ctx, taskID, message, ch); err != nil {
				// The channel has already been told; the worker stays up so
				// later messages for this task are still served.
				r.log.Error("task message failed", "task", taskID, "error", err)
			}
		}
	}
}

func (r *TaskRunner) process(ctx context.Context, taskID, message string, ch Channel) error {
	if !r.sandbox.Has(taskID) {
		if _, err := r.sandbox.Create(ctx, taskID); err != nil {
			r.deliverError(ctx, ch, taskID, err)
			return err
		}
	}

	send := func(ctx context.Context, chunk string) error {
		return ch.SendUpdate(ctx, taskID, chunk)
	}

	var finalText string
	emit := func(text string, image []byte) error {
		if image != nil {
			if sender, ok := ch.(ImageSender); ok {
				if err := sender.SendImage(ctx, taskID, image); err != nil {
					r.log.Warn("image delivery failed", "task", taskID, "error", err)
				}
			}
			return nil
		}
		if text != "" {
			finalText = text
		}
		return nil
	}

	if err := r.decider.HandleMessage(ctx, taskID, message, ch.SystemPrompt(), send, emit); err != nil {
		r.deliverError(ctx, ch, taskID, err)
		return err
	}
	if finalText != "" {
		if err := ch.DeliverResult(ctx, taskID, finalText); err != nil {
			r.log.Warn("result delivery failed", "task", taskID, "error", err)
		}
	}
	return nil
}

func (r *TaskRunner) deliverError(ctx context.Context, ch Channel, taskID string, cause error) {
	if err := ch.DeliverError(ctx, taskID, cause.Error()); err != nil {
		r.log.Warn("error delivery failed", "task", taskID, "error", err)
	}
}

// Reconcile asks each bound channel whether its task is still valid and
// cleans up the ones that are not.
func (r *TaskRunner) Reconcile(ctx context.Context) {
	r.mu.Lock()
	bound := make(map[string]Channel, len(r.channels))
	for id, ch := range r.channels {
		bound[id] = ch
	}
	r.mu.Unlock()

	for taskID, ch := range bound {
		if !ch.IsValid(ctx, taskID) {
			r.log.Info("reconcile: cleaning up", "task", taskID)
			r.Cleanup(ctx, taskID)
		}
	}
}

// ReconcileLoop runs Reconcile once per minute until ctx is cancelled.
func (r *TaskRunner) ReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Cleanup cancels a task's worker, drops its runtime entries and destroys
// its container. Safe to call for unknown ids.
func (r *TaskRunner) Cleanup(ctx context.Context, taskID string) {
	r.mu.Lock()
	w := r.workers[taskID]
	delete(r.workers, taskID)
	delete(r.inboxes, taskID)
	delete(r.channels, taskID)
	delete(r.processing, taskID)
	r.mu.Unlock()

	if w != nil {
		w.cancel()
		<-w.done
	}
	if r.sandbox.Has(taskID) {
		if err := r.sandbox.Destroy(ctx, taskID); err != nil {
			r.log.Warn("container destroy failed", "task", taskID, "error", err)
		}
	}
	r.decider.DropHistory(taskID)
}

// DestroyOrphans destroys every container whose task id is not in the
// processing set. Run once at startup, after recovery has pre-registered
// the containers it wants to keep.
func (r *TaskRunner) DestroyOrphans(ctx context.Context) {
	for _, taskID := range r.sandbox.TaskIDs() {
		if r.Processing(taskID) {
			continue
		}
		r.log.Info("destroying orphan container", "task", taskID)
		if err := r.sandbox.Destroy(ctx, taskID); err != nil {
			r.log.Warn("orphan destroy failed", "task", taskID, "error", err)
		}
		r.decider.DropHistory(taskID)
	}
}

// Shutdown stops all workers without destroying containers; they are
// reattached on the next run.
func (r *TaskRunner) Shutdown() {
	r.mu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.cancel()
		<-w.done
	}
}
