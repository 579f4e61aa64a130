package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ipcFiles are the event files the in-container hooks write, paired with
// their formatter.
var ipcFiles = map[string]func(map[string]any) string{
	"notification.json":   formatNotification,
	"event-progress.json": formatProgress,
	"event-result.json":   formatResult,
}

// WatchIPC watches a task's host-side IPC directory and invokes onEvent with
// a formatted line for every event file the in-container hooks write. Files
// are consumed (unlinked) after delivery. Blocks until ctx is cancelled.
//
// The watcher sits on the directory rather than the files so it catches
// creates and the write-then-rename pattern.
func (m *Manager) WatchIPC(ctx context.Context, taskID string, onEvent func(text string)) error {
	dir := m.IPCDir(taskID)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	// Drain anything written before the watch started.
	m.consumeIPC(dir, onEvent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(ev.Name)
			if _, known := ipcFiles[name]; !known {
				continue
			}
			m.consumeIPC(dir, onEvent)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("ipc watcher error", "dir", dir, "error", err)
		}
	}
}

// consumeIPC reads, formats, delivers and unlinks every known event file
// present in dir.
func (m *Manager) consumeIPC(dir string, onEvent func(text string)) {
	for name, format := range ipcFiles {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var data map[string]any
		body := fmt.Sprintf("⚠️ IPC event (%s, could not parse)", name)
		if err := json.Unmarshal(raw, &data); err == nil {
			body = format(data)
		}
		os.Remove(path)
		onEvent(body)
	}
}

func formatNotification(data map[string]any) string {
	ntype, _ := data["notification_type"].(string)
	if ntype == "" {
		ntype = "unknown"
	}
	message, _ := data["message"].(string)
	body := fmt.Sprintf("⚠️ Gemini [%s]: %s", ntype, message)
	if details, ok := data["details"].(map[string]any); ok && len(details) > 0 {
		pretty, _ := json.MarshalIndent(details, "", "  ")
		body += "\nDetails: " + string(pretty)
	}
	return body
}

func formatProgress(data map[string]any) string {
	name, _ := data["tool_name"].(string)
	if name == "" {
		name, _ = data["name"].(string)
	}
	if name == "" {
		name = "unknown"
	}
	return "🔧 Tool completed: " + name
}

func formatResult(data map[string]any) string {
	cli, _ := data["cli"].(string)
	if cli == "" {
		cli = "gemini"
	}
	exit := "?"
	if v, ok := data["exit_code"].(float64); ok {
		exit = fmt.Sprintf("%d", int(v))
	}
	return fmt.Sprintf("✅ Agent finished (%s, exit %s)", cli, exit)
}
