package steward

import (
	"fmt"
	"time"
)

// ErrSandboxStart reports that the container runtime refused to spawn a
// sandbox for a task.
type ErrSandboxStart struct {
	Handle string
	Detail string
}

func (e *ErrSandboxStart) Error() string {
	return fmt.Sprintf("failed to start sandbox %s: %s", e.Handle, e.Detail)
}

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
