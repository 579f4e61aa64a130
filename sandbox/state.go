package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nevindra/steward"
)

// persistedState is the on-disk shape of the state file.
type persistedState struct {
	Containers map[string]string                `json:"containers"`
	History    map[string][]steward.ChatMessage `json:"history"`
}

// SaveState serialises the container map plus the decider's history snapshot
// to the state path atomically (write-to-tmp + rename), so a concurrent
// reader never observes a partial file.
func (m *Manager) SaveState() error {
	if m.opts.StatePath == "" {
		return nil
	}
	m.mu.Lock()
	containers := make(map[string]string, len(m.containers))
	for id, handle := range m.containers {
		containers[id] = handle
	}
	m.mu.Unlock()

	state := persistedState{Containers: containers, History: map[string][]steward.ChatMessage{}}
	if m.snapshot != nil {
		state.History = m.snapshot()
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.opts.StatePath), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	tmp := m.opts.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, m.opts.StatePath); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// LoadState reads the state file if present, probes every listed container
// and keeps only those the runtime reports as running. Histories of dropped
// containers are discarded. Returns the surviving histories for the decider.
func (m *Manager) LoadState(ctx context.Context) (map[string][]steward.ChatMessage, error) {
	data, err := os.ReadFile(m.opts.StatePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}

	histories := make(map[string][]steward.ChatMessage)
	m.mu.Lock()
	defer m.mu.Unlock()
	for taskID, handle := range state.Containers {
		rc, out, _ := m.run(ctx, nil, 0, "inspect", "--format", "{{.State.Status}}", handle)
		if rc != 0 || strings.TrimSpace(out) != "running" {
			m.log.Info("dropping stale container from state", "handle", handle, "task", taskID)
			continue
		}
		m.containers[taskID] = handle
		if h, ok := state.History[taskID]; ok {
			histories[taskID] = h
		}
	}
	m.log.Info("state loaded", "live", len(m.containers), "listed", len(state.Containers))
	return histories, nil
}
