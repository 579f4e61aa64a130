package steward

import "encoding/json"

// ToolSchemas returns the tool definitions advertised to the LLM on every
// turn. The set is fixed; dispatch recognises exactly these names.
func ToolSchemas() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "run_command",
			Description: "Run a shell command in the sandbox container. Returns stdout/stderr.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"The shell command to execute"}},"required":["command"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the sandbox container.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute path in the container"},"content":{"type":"string","description":"File content to write"}},"required":["path","content"]}`),
		},
		{
			Name:        "read_file",
			Description: "Read a file from the sandbox container.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Absolute path in the container"}},"required":["path"]}`),
		},
		{
			Name:        "plan",
			Description: "Ask Gemini CLI to plan, analyze, or explain (1M token context). Use for: writing implementation plans, analyzing codebases, first-principles thinking, checking if a solution is the simplest approach. Gemini can read entire repos at once.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"What to plan or analyze. Be specific about goals and constraints."}},"required":["task"]}`),
		},
		{
			Name:        "implement",
			Description: "Ask Qwen Code to write or modify code. Use for: implementing features, fixing bugs, refactoring, writing tests. Pass the plan or requirements in the task description.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"What to implement. Include the plan, specific files, and acceptance criteria."}},"required":["task"]}`),
		},
		{
			Name:        "review",
			Description: "Ask Gemini CLI to review code changes (1M token context). Use after implementation to check for bugs, security issues, missed edge cases, and adherence to project conventions.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"What to review. Reference specific files or describe what changed."}},"required":["task"]}`),
		},
		{
			Name:        "run_tests",
			Description: "Run lint (ruff) and tests (pytest) in the sandbox container. Call this after writing or modifying code to verify the build is clean. Returns pass/fail status and any errors.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory to run tests in. Defaults to /workspace."}}}`),
		},
		{
			Name:        "self_update",
			Description: "Update the bot itself on the VPS host: runs deploy.sh (git pull + rebuild sandbox image + restart service). Use this when the user asks to update the bot, pull latest changes, or restart the service. This operates on the HOST, not inside the sandbox container.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"branch":{"type":"string","description":"Git branch to checkout before pulling. Defaults to current branch (usually main)."}}}`),
		},
		{
			Name:        "take_screenshot",
			Description: "Take a browser screenshot of a URL accessible from inside the container. Use this after starting a web server to see the result.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to screenshot (e.g. http://localhost:3000)"}},"required":["url"]}`),
		},
		{
			Name:        "create_pull_request",
			Description: "Create a git branch, commit all changes, push, and open a GitHub pull request. Returns the PR URL.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"title":{"type":"string","description":"PR title"},"body":{"type":"string","description":"PR body (reference the issue, e.g. 'Closes #42')"}},"required":["title","body"]}`),
		},
	}
}
