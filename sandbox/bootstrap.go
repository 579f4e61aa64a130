package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// Paths of the bootstrap suite inside the container.
const (
	statusPath       = "/workspace/status.md"
	geminiMDPath     = "/workspace/GEMINI.md"
	geminiConfPath   = "/workspace/.gemini/settings.json"
	afterAgentPath   = "/workspace/.gemini/hooks/after-agent.sh"
	afterToolPath    = "/workspace/.gemini/hooks/after-tool.sh"
	notificationPath = "/workspace/.gemini/hooks/notification.sh"
	qwenWrapperPath  = "/workspace/.qwen-wrapper.sh"
	qwenConfPath     = "/root/.qwen/settings.json"
)

const statusSeed = `# Status

Append-only worklog. Agents append a timestamped line after each run.
`

const geminiMD = `# Workspace

@status.md

Conventions:
- All work happens under /workspace.
- Append progress notes to status.md; never rewrite earlier entries.
- The .ipc directory is reserved for host communication. Do not edit it.
`

const geminiSettings = `{
  "hooks": {
    "AfterAgent": [{"command": "/workspace/.gemini/hooks/after-agent.sh"}],
    "AfterTool": [{"command": "/workspace/.gemini/hooks/after-tool.sh"}],
    "Notification": [{"command": "/workspace/.gemini/hooks/notification.sh"}]
  }
}
`

const afterAgentHook = `#!/bin/sh
# AfterAgent hook: publish the run result to the host and log it.
payload=$(cat)
printf '%s' "$payload" > /workspace/.ipc/event-result.json
printf '%s agent run finished\n' "$(date -u +%Y-%m-%dT%H:%M:%SZ)" >> /workspace/status.md
printf '{"continue": true}'
`

const afterToolHook = `#!/bin/sh
cat > /workspace/.ipc/event-progress.json
printf '{}'
`

const notificationHook = `#!/bin/sh
cat > /workspace/.ipc/notification.json
printf '{}'
`

// qwenWrapper runs the code-writing CLI and writes the completion event
// itself, since qwen has no hook support.
const qwenWrapper = `#!/bin/sh
qwen "$@"
rc=$?
printf '{"cli": "qwen", "exit_code": %d}' "$rc" > /workspace/.ipc/event-result.json
exit $rc
`

const qwenSettings = `{
  "modelProvider": "dashscope",
  "model": "qwen3-coder-plus"
}
`

// writeBootstrap installs the fixed in-container file suite and marks the
// scripts executable.
func (m *Manager) writeBootstrap(ctx context.Context, taskID string) error {
	files := []struct {
		path, content string
	}{
		{statusPath, statusSeed},
		{geminiMDPath, geminiMD},
		{geminiConfPath, geminiSettings},
		{afterAgentPath, afterAgentHook},
		{afterToolPath, afterToolHook},
		{notificationPath, notificationHook},
		{qwenWrapperPath, qwenWrapper},
		{qwenConfPath, qwenSettings},
	}
	for _, f := range files {
		if _, err := m.WriteFile(ctx, taskID, f.path, f.content); err != nil {
			return fmt.Errorf("bootstrap %s: %w", f.path, err)
		}
	}
	scripts := strings.Join([]string{afterAgentPath, afterToolPath, notificationPath, qwenWrapperPath}, " ")
	if res, err := m.Exec(ctx, taskID, "chmod +x "+scripts); err != nil {
		return err
	} else if res.ExitCode != 0 {
		return fmt.Errorf("chmod bootstrap scripts: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}
