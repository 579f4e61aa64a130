package steward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// maxToolOutput is the character cap applied to tool results before they are
// fed back into the conversation.
const maxToolOutput = 10_000

// DispatchFunc resolves one tool call to (text, optional PNG bytes). The
// observer package wraps this signature with instrumentation.
type DispatchFunc func(ctx context.Context, taskID, name, args string, send StreamFunc) (string, []byte)

// SelfDeployer runs the host-side deploy script for the self_update tool.
// The dispatcher only holds the contract; cmd/steward supplies the real one.
type SelfDeployer interface {
	// Deploy pulls the given branch (empty = current), rebuilds the sandbox
	// image and schedules a service restart. Partial output is streamed
	// through send when non-nil.
	Deploy(ctx context.Context, branch string, send StreamFunc) (string, error)
}

// Dispatcher resolves tool names and JSON argument strings to effects on a
// task's sandbox.
type Dispatcher struct {
	Sandbox  SandboxOps
	Deployer SelfDeployer // nil disables self_update
	Log      *slog.Logger
}

// Execute runs one tool call. Unknown names and argument errors are returned
// as text so the LLM can self-correct; only the surrounding machinery fails
// hard.
func (d *Dispatcher) Execute(ctx context.Context, taskID, name, args string, send StreamFunc) (string, []byte) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	var params struct {
		Command string `json:"command"`
		Path    string `json:"path"`
		Content string `json:"content"`
		Task    string `json:"task"`
		Branch  string `json:"branch"`
		URL     string `json:"url"`
		Title   string `json:"title"`
		Body    string `json:"body"`
	}
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			return "Invalid tool arguments: " + err.Error(), nil
		}
	}

	switch name {
	case "run_command":
		res, err := d.Sandbox.Exec(ctx, taskID, params.Command)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		return formatExec(res), nil

	case "write_file":
		out, err := d.Sandbox.WriteFile(ctx, taskID, params.Path, params.Content)
		if err != nil {
			return "Error writing file: " + err.Error(), nil
		}
		return out, nil

	case "read_file":
		out, err := d.Sandbox.ReadFile(ctx, taskID, params.Path)
		if err != nil {
			return "Error reading file: " + err.Error(), nil
		}
		return truncate(out), nil

	case "plan", "implement", "review":
		opts := CodeOptions{CLI: "gemini", AutoAccept: true}
		if name == "implement" {
			opts.CLI = "qwen"
		}
		log.Info("routing sub-agent", "tool", name, "cli", opts.CLI, "task", taskID)
		var res ExecResult
		var err error
		if send != nil {
			res, err = d.Sandbox.CodeStream(ctx, taskID, params.Task, send, opts)
		} else {
			res, err = d.Sandbox.Code(ctx, taskID, params.Task, opts)
		}
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		return formatExec(res), nil

	case "run_tests":
		path := params.Path
		if path == "" {
			path = "/workspace"
		}
		lint, err := d.Sandbox.Exec(ctx, taskID, fmt.Sprintf("cd %s && ruff check .", path))
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		tests, err := d.Sandbox.Exec(ctx, taskID, fmt.Sprintf("cd %s && pytest -v 2>&1 || true", path))
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		status := "PASS"
		if lint.ExitCode != 0 || tests.ExitCode != 0 {
			status = "FAIL"
		}
		lintOut := firstNonEmpty(lint.Stdout, lint.Stderr, "No issues.")
		testOut := firstNonEmpty(tests.Stdout, tests.Stderr, "No output.")
		return truncate(fmt.Sprintf("[%s]\n\n=== Lint (ruff) ===\n%s\n\n=== Tests (pytest) ===\n%s", status, lintOut, testOut)), nil

	case "take_screenshot":
		img, err := d.Sandbox.Screenshot(ctx, taskID, params.URL)
		if err != nil || img == nil {
			return "Screenshot failed.", nil
		}
		return "Screenshot taken successfully.", img

	case "self_update":
		if d.Deployer == nil {
			return "self_update is not available on this deployment.", nil
		}
		out, err := d.Deployer.Deploy(ctx, params.Branch, send)
		if err != nil {
			return "Error: " + err.Error(), nil
		}
		return out, nil

	case "create_pull_request":
		return d.createPullRequest(ctx, taskID, params.Title, params.Body), nil
	}

	return "Unknown tool: " + name, nil
}

// formatExec renders an ExecResult for the conversation: stdout, a STDERR
// section when present, an exit-code line on failure, truncated.
func formatExec(res ExecResult) string {
	out := res.Stdout
	if res.Stderr != "" {
		out += "\nSTDERR:\n" + res.Stderr
	}
	if res.ExitCode != 0 {
		out += fmt.Sprintf("\n[exit code: %d]", res.ExitCode)
	}
	return truncate(out)
}

func truncate(s string) string {
	if len(s) > maxToolOutput {
		return s[:maxToolOutput] + "\n... (truncated)"
	}
	return s
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

var branchSlugRE = regexp.MustCompile(`[^a-z0-9]+`)

// BranchSlug derives a git branch name from a PR title: lowercase,
// non-alphanumeric runs collapsed to "-", trimmed to 50 chars, "agent/"
// prefix.
func BranchSlug(title string) string {
	slug := branchSlugRE.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 50 {
		slug = slug[:50]
	}
	return "agent/" + slug
}

// ShellQuote single-quotes s for safe interpolation into a shell command
// line, escaping embedded single quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// createPullRequest branches, commits, pushes and opens a PR inside the
// task's repository. Returns the PR URL (the last command's stdout) or an
// error description.
func (d *Dispatcher) createPullRequest(ctx context.Context, taskID, title, body string) string {
	res, err := d.Sandbox.Exec(ctx, taskID, "find /workspace -maxdepth 2 -name .git -type d")
	if err != nil {
		return "Error: " + err.Error()
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) == "" {
		return "Error: No git repository found in /workspace or its subdirectories."
	}
	repoDir := strings.TrimSuffix(strings.SplitN(strings.TrimSpace(res.Stdout), "\n", 2)[0], "/.git")

	branch := BranchSlug(title)
	commands := []string{
		"git checkout -b " + branch,
		"git add -A",
		"git commit -m " + ShellQuote(title),
		"git push -u origin " + branch,
		"gh pr create --title " + ShellQuote(title) + " --body " + ShellQuote(body),
	}

	var last ExecResult
	for _, cmd := range commands {
		last, err = d.Sandbox.Exec(ctx, taskID, fmt.Sprintf("cd %s && %s", repoDir, cmd))
		if err != nil {
			return "Error: " + err.Error()
		}
		if last.ExitCode != 0 {
			detail := last.Stderr
			if detail == "" {
				detail = last.Stdout
			}
			return fmt.Sprintf("Failed at `%s` in %s:\n%s", cmd, repoDir, detail)
		}
	}
	return strings.TrimSpace(last.Stdout)
}
