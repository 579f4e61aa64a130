package steward

import (
	"context"
	"strings"
	"testing"
)

func execDispatch(sb SandboxOps, name, args string) (string, []byte) {
	d := &Dispatcher{Sandbox: sb}
	return d.Execute(context.Background(), "t1", name, args, nil)
}

func TestDispatchUnknownTool(t *testing.T) {
	text, img := execDispatch(newFakeSandbox(), "fly_to_moon", `{}`)
	if text != "Unknown tool: fly_to_moon" {
		t.Errorf("expected unknown-tool text, got %q", text)
	}
	if img != nil {
		t.Error("unknown tool must not carry an image")
	}
}

func TestDispatchRunCommandFormatting(t *testing.T) {
	sb := newFakeSandbox()
	sb.execResult = ExecResult{ExitCode: 2, Stdout: "out", Stderr: "bad"}
	text, _ := execDispatch(sb, "run_command", `{"command":"ls"}`)
	for _, want := range []string{"out", "STDERR:\nbad", "[exit code: 2]"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q: %q", want, text)
		}
	}
	if sb.execs[0] != "ls" {
		t.Errorf("expected command forwarded verbatim, got %q", sb.execs[0])
	}
}

func TestDispatchRunCommandSuccessOmitsDecorations(t *testing.T) {
	sb := newFakeSandbox()
	sb.execResult = ExecResult{Stdout: "clean"}
	text, _ := execDispatch(sb, "run_command", `{"command":"true"}`)
	if text != "clean" {
		t.Errorf("successful command should be stdout only, got %q", text)
	}
}

func TestDispatchTruncatesLongOutput(t *testing.T) {
	sb := newFakeSandbox()
	sb.execResult = ExecResult{Stdout: strings.Repeat("x", 20_000)}
	text, _ := execDispatch(sb, "run_command", `{"command":"yes"}`)
	if len(text) > maxToolOutput+len("\n... (truncated)") {
		t.Errorf("output not truncated: %d chars", len(text))
	}
	if !strings.HasSuffix(text, "... (truncated)") {
		t.Error("truncated output must carry the marker")
	}
}

func TestDispatchReadWriteFile(t *testing.T) {
	sb := newFakeSandbox()
	execDispatch(sb, "write_file", `{"path":"/tmp/a","content":"hello"}`)
	if sb.files["/tmp/a"] != "hello" {
		t.Fatalf("write_file did not reach the sandbox: %v", sb.files)
	}
	text, _ := execDispatch(sb, "read_file", `{"path":"/tmp/a"}`)
	if text != "hello" {
		t.Errorf("expected file contents, got %q", text)
	}
}

func TestDispatchSubAgentRouting(t *testing.T) {
	sb := newFakeSandbox()
	d := &Dispatcher{Sandbox: sb}
	var streamed []string
	send := func(_ context.Context, chunk string) error {
		streamed = append(streamed, chunk)
		return nil
	}
	text, _ := d.Execute(context.Background(), "t1", "implement", `{"task":"add feature"}`, send)
	if !strings.Contains(text, "coded") {
		t.Errorf("expected sub-agent output, got %q", text)
	}
	if len(streamed) == 0 {
		t.Error("streaming form must be used when an update sink is available")
	}
}

func TestDispatchRunTestsAggregate(t *testing.T) {
	sb := newFakeSandbox()
	sb.execResult = ExecResult{Stdout: "ok"}
	text, _ := execDispatch(sb, "run_tests", `{}`)
	if !strings.HasPrefix(text, "[PASS]") {
		t.Errorf("expected PASS header, got %q", text)
	}
	if len(sb.execs) != 2 {
		t.Fatalf("expected lint+test commands, got %v", sb.execs)
	}
	if !strings.Contains(sb.execs[0], "ruff check") || !strings.Contains(sb.execs[1], "pytest") {
		t.Errorf("unexpected commands: %v", sb.execs)
	}
	if !strings.Contains(sb.execs[0], "/workspace") {
		t.Error("default path must be /workspace")
	}
}

func TestDispatchScreenshotReturnsImage(t *testing.T) {
	text, img := execDispatch(newFakeSandbox(), "take_screenshot", `{"url":"http://localhost:3000"}`)
	if text != "Screenshot taken successfully." {
		t.Errorf("unexpected text: %q", text)
	}
	if img == nil {
		t.Error("expected PNG bytes")
	}
}

func TestDispatchSelfUpdateUnavailable(t *testing.T) {
	text, _ := execDispatch(newFakeSandbox(), "self_update", `{}`)
	if !strings.Contains(text, "not available") {
		t.Errorf("nil deployer should disable self_update, got %q", text)
	}
}

func TestBranchSlug(t *testing.T) {
	cases := []struct{ title, want string }{
		{"Fix login bug", "agent/fix-login-bug"},
		{"  Weird!!  Chars??  ", "agent/weird-chars"},
		{strings.Repeat("a", 80), "agent/" + strings.Repeat("a", 50)},
	}
	for _, c := range cases {
		if got := BranchSlug(c.title); got != c.want {
			t.Errorf("BranchSlug(%q) = %q, want %q", c.title, got, c.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := ShellQuote("it's here"); got != `'it'\''s here'` {
		t.Errorf("ShellQuote = %q", got)
	}
}

func TestDispatchCreatePullRequest(t *testing.T) {
	sb := &scriptedSandbox{
		fakeSandbox: newFakeSandbox(),
		results: []ExecResult{
			{Stdout: "/workspace/myrepo/.git\n"}, // find
			{}, {}, {}, {},                       // checkout, add, commit, push
			{Stdout: "https://github.com/o/r/pull/1\n"}, // gh pr create
		},
	}
	d := &Dispatcher{Sandbox: sb}
	text, _ := d.Execute(context.Background(), "t1", "create_pull_request",
		`{"title":"Fix login bug","body":"Closes #7"}`, nil)
	if text != "https://github.com/o/r/pull/1" {
		t.Fatalf("expected PR URL, got %q", text)
	}
	cmds := sb.fakeSandbox.execs
	if !strings.Contains(cmds[1], "git checkout -b agent/fix-login-bug") {
		t.Errorf("bad branch command: %q", cmds[1])
	}
	if !strings.Contains(cmds[3], `git commit -m 'Fix login bug'`) {
		t.Errorf("bad commit command: %q", cmds[3])
	}
	for _, cmd := range cmds[1:] {
		if !strings.HasPrefix(cmd, "cd /workspace/myrepo && ") {
			t.Errorf("command not run in repo dir: %q", cmd)
		}
	}
}

func TestDispatchCreatePullRequestNoRepo(t *testing.T) {
	sb := newFakeSandbox()
	sb.execResult = ExecResult{Stdout: ""}
	text, _ := execDispatch(sb, "create_pull_request", `{"title":"x","body":"y"}`)
	if !strings.Contains(text, "No git repository found") {
		t.Errorf("expected missing-repo error, got %q", text)
	}
}

// scriptedSandbox pops a scripted result per Exec call.
type scriptedSandbox struct {
	*fakeSandbox
	results []ExecResult
}

func (s *scriptedSandbox) Exec(ctx context.Context, taskID, command string) (ExecResult, error) {
	s.fakeSandbox.Exec(ctx, taskID, command)
	if len(s.results) == 0 {
		return ExecResult{}, nil
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res, nil
}
