package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/nevindra/steward"
)

// defaultChunkSize is the character threshold at which buffered sub-agent
// output is flushed to the update channel.
const defaultChunkSize = 800

// maxStreamCapture bounds how much sub-agent output is retained for the
// tool result.
const maxStreamCapture = 256 * 1024

// ansiRE matches ANSI CSI escape sequences. Compiled once; streamed chunks
// are plain text.
var ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes CSI escape sequences from s.
func StripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// codeArgv builds the in-container argv for a coding sub-agent run. The task
// text travels as a single argv element; it never touches a shell command
// line. Qwen has no native hook support, so its runs go through the wrapper
// script that writes the completion event file.
func codeArgv(handle, task string, opts steward.CodeOptions) []string {
	argv := []string{"exec", "--workdir", "/workspace", handle}
	if opts.CLI == "qwen" {
		argv = append(argv, qwenWrapperPath)
	} else {
		argv = append(argv, opts.CLI)
	}
	if opts.AutoAccept {
		argv = append(argv, "-y")
	}
	return append(argv, "-p", task)
}

// Code runs a coding sub-agent to completion without streaming, bounded by
// the coding timeout.
func (m *Manager) Code(ctx context.Context, taskID, task string, opts steward.CodeOptions) (steward.ExecResult, error) {
	handle := m.Handle(taskID)
	if handle == "" {
		return steward.ExecResult{}, fmt.Errorf("no container for task %s", taskID)
	}
	rc, stdout, stderr := m.run(ctx, nil, m.opts.CodingTimeout, codeArgv(handle, task, opts)...)
	return steward.ExecResult{ExitCode: rc, Stdout: StripANSI(stdout), Stderr: stderr}, nil
}

// CodeStream runs a coding sub-agent and streams its stdout through send:
// lines are ANSI-stripped, accumulated, and flushed whenever the buffer
// reaches the chunk size, with the remainder flushed at end of stream. The
// run is bounded by the coding timeout; on expiry the process is killed, the
// buffer is flushed and the result carries a timeout error.
func (m *Manager) CodeStream(ctx context.Context, taskID, task string, send steward.StreamFunc, opts steward.CodeOptions) (steward.ExecResult, error) {
	handle := m.Handle(taskID)
	if handle == "" {
		return steward.ExecResult{}, fmt.Errorf("no container for task %s", taskID)
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.CodingTimeout)
	defer cancel()

	argv := codeArgv(handle, task, opts)
	cmd := exec.CommandContext(cctx, m.opts.PodmanPath, argv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return steward.ExecResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderrBuf limitedBuffer
	stderrBuf.limit = maxStreamCapture
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return steward.ExecResult{}, fmt.Errorf("start sub-agent: %w", err)
	}

	var captured strings.Builder
	var chunk strings.Builder
	flush := func() {
		if chunk.Len() == 0 {
			return
		}
		if err := send(ctx, chunk.String()); err != nil {
			m.log.Warn("stream update failed", "handle", handle, "error", err)
		}
		chunk.Reset()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := StripANSI(scanner.Text())
		if captured.Len() < maxStreamCapture {
			captured.WriteString(line)
			captured.WriteByte('\n')
		}
		chunk.WriteString(line)
		chunk.WriteByte('\n')
		if chunk.Len() >= chunkSize {
			flush()
		}
	}
	flush()

	waitErr := cmd.Wait()
	res := steward.ExecResult{Stdout: captured.String(), Stderr: stderrBuf.String()}
	switch {
	case cctx.Err() == context.DeadlineExceeded:
		res.ExitCode = 1
		res.Stderr = fmt.Sprintf("Command timed out after %ds", int(m.opts.CodingTimeout.Seconds()))
	case waitErr != nil:
		if ee, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		} else {
			res.ExitCode = 1
			if res.Stderr == "" {
				res.Stderr = waitErr.Error()
			}
		}
	}
	return res, nil
}

// limitedBuffer captures up to limit bytes and silently discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.buf.Len() < b.limit {
		remaining := b.limit - b.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
