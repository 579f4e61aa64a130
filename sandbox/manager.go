// Package sandbox manages per-task podman containers: lifecycle, command
// execution, streamed coding sub-agents, bootstrap files and the persistent
// task→container state file.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nevindra/steward"
)

// Options configures a Manager. Zero-valued timeouts fall back to the
// defaults below.
type Options struct {
	PodmanPath       string
	Image            string
	StatePath        string
	IPCBaseDir       string
	ScreenshotScript string
	CommandTimeout   time.Duration
	CodingTimeout    time.Duration
	// Env is forwarded into every container (forge token, LLM keys for the
	// in-container CLIs).
	Env map[string]string
}

const (
	defaultCommandTimeout = 120 * time.Second
	defaultCodingTimeout  = 1800 * time.Second
	screenshotTimeout     = 30 * time.Second
	stopTimeout           = 15 * time.Second
)

// runCmdFunc invokes the container runtime CLI. Injectable so tests can run
// without podman.
type runCmdFunc func(ctx context.Context, stdin []byte, timeout time.Duration, args ...string) (int, string, string)

// Manager owns the task→container map. All podman interaction except the
// streaming CodeStream process goes through m.run; the map is guarded by m.mu because distinct task workers touch it
// concurrently.
type Manager struct {
	opts Options
	log  *slog.Logger
	run  runCmdFunc

	mu         sync.Mutex
	containers map[string]string // task id -> container handle

	// snapshot pulls the decider's histories for persistence. Set once at
	// wiring time via SetHistorySource.
	snapshot func() map[string][]steward.ChatMessage
}

// NewManager creates a Manager. Call SetHistorySource before SaveState.
func NewManager(opts Options, log *slog.Logger) *Manager {
	if opts.PodmanPath == "" {
		opts.PodmanPath = "podman"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.CodingTimeout <= 0 {
		opts.CodingTimeout = defaultCodingTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		opts:       opts,
		log:        log.With("component", "sandbox"),
		containers: make(map[string]string),
	}
	m.run = m.runPodman
	return m
}

// SetHistorySource installs the function SaveState uses to serialise
// conversation histories alongside the container map.
func (m *Manager) SetHistorySource(snapshot func() map[string][]steward.ChatMessage) {
	m.snapshot = snapshot
}

// runPodman is the real runtime invocation: argv under the configured
// binary, bounded by timeout, killed on expiry with a synthetic result.
func (m *Manager) runPodman(ctx context.Context, stdin []byte, timeout time.Duration, args ...string) (int, string, string) {
	if timeout <= 0 {
		timeout = m.opts.CommandTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, m.opts.PodmanPath, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return 1, "", fmt.Sprintf("Command timed out after %ds", int(timeout.Seconds()))
	}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return ee.ExitCode(), stdout.String(), stderr.String()
		}
		return 1, stdout.String(), err.Error()
	}
	return 0, stdout.String(), stderr.String()
}

// Handle returns the container handle for a task, or "".
func (m *Manager) Handle(taskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containers[taskID]
}

// Has reports whether the task maps to a container.
func (m *Manager) Has(taskID string) bool { return m.Handle(taskID) != "" }

// TaskIDs returns all task ids present in the container map.
func (m *Manager) TaskIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IPCDir returns the host-side IPC scratch directory for a task's container.
func (m *Manager) IPCDir(taskID string) string {
	return filepath.Join(m.opts.IPCBaseDir, ContainerName(taskID))
}

// Create provisions the container for a task. Idempotent: an existing
// mapping is returned as-is. A fresh container gets the IPC bind mount, the
// forwarded environment and the bootstrap file suite.
func (m *Manager) Create(ctx context.Context, taskID string) (string, error) {
	m.mu.Lock()
	if handle, ok := m.containers[taskID]; ok {
		m.mu.Unlock()
		return handle, nil
	}
	m.mu.Unlock()

	handle := ContainerName(taskID)
	ipcDir := m.IPCDir(taskID)
	if err := os.MkdirAll(ipcDir, 0o755); err != nil {
		return "", &steward.ErrSandboxStart{Handle: handle, Detail: "ipc dir: " + err.Error()}
	}

	args := []string{
		"run", "-d",
		"--name", handle,
		"--shm-size=256m",
		"-v", ipcDir + ":/workspace/.ipc:Z",
	}
	for _, k := range sortedKeys(m.opts.Env) {
		if v := m.opts.Env[k]; v != "" {
			args = append(args, "-e", k+"="+v)
		}
	}
	args = append(args, m.opts.Image, "sleep", "infinity")

	rc, _, stderr := m.run(ctx, nil, 0, args...)
	if rc != 0 {
		return "", &steward.ErrSandboxStart{Handle: handle, Detail: strings.TrimSpace(stderr)}
	}

	m.mu.Lock()
	m.containers[taskID] = handle
	m.mu.Unlock()
	m.log.Info("created container", "handle", handle, "task", taskID)

	if err := m.writeBootstrap(ctx, taskID); err != nil {
		m.log.Warn("bootstrap write failed", "handle", handle, "error", err)
	}
	if err := m.SaveState(); err != nil {
		m.log.Warn("state save failed", "error", err)
	}
	return handle, nil
}

// Exec runs a shell command inside the task's container, bounded by the
// command timeout.
func (m *Manager) Exec(ctx context.Context, taskID, command string) (steward.ExecResult, error) {
	handle := m.Handle(taskID)
	if handle == "" {
		return steward.ExecResult{}, fmt.Errorf("no container for task %s", taskID)
	}
	rc, stdout, stderr := m.run(ctx, nil, 0, "exec", handle, "sh", "-c", command)
	return steward.ExecResult{ExitCode: rc, Stdout: stdout, Stderr: stderr}, nil
}

// WriteFile creates the parent directory, then streams content into path
// through a piped cat so the bytes never touch a shell command line.
func (m *Manager) WriteFile(ctx context.Context, taskID, path, content string) (string, error) {
	handle := m.Handle(taskID)
	if handle == "" {
		return "", fmt.Errorf("no container for task %s", taskID)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "/" {
		m.run(ctx, nil, 0, "exec", handle, "mkdir", "-p", dir)
	}
	rc, _, stderr := m.run(ctx, []byte(content), 0, "exec", "-i", handle, "sh", "-c", "cat > "+path)
	if rc != 0 {
		return "", fmt.Errorf("error writing file: %s", strings.TrimSpace(stderr))
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// ReadFile returns the file's contents or an error carrying stderr.
func (m *Manager) ReadFile(ctx context.Context, taskID, path string) (string, error) {
	res, err := m.Exec(ctx, taskID, "cat "+path)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s", strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// Screenshot renders url with the in-container helper and copies the PNG
// out through the runtime. Returns nil bytes when the helper fails.
func (m *Manager) Screenshot(ctx context.Context, taskID, url string) ([]byte, error) {
	handle := m.Handle(taskID)
	if handle == "" {
		return nil, fmt.Errorf("no container for task %s", taskID)
	}
	const containerPath = "/tmp/screenshot.png"
	rc, _, stderr := m.run(ctx, nil, screenshotTimeout,
		"exec", handle, "node", m.opts.ScreenshotScript, url, containerPath)
	if rc != 0 {
		m.log.Error("screenshot failed", "handle", handle, "stderr", strings.TrimSpace(stderr))
		return nil, nil
	}

	hostPath := filepath.Join(os.TempDir(), "steward-shot-"+uuid.NewString()+".png")
	defer os.Remove(hostPath)
	rc, _, stderr = m.run(ctx, nil, 0, "cp", handle+":"+containerPath, hostPath)
	if rc != 0 {
		m.log.Error("screenshot copy failed", "handle", handle, "stderr", strings.TrimSpace(stderr))
		return nil, nil
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, nil
	}
	return data, nil
}

// HostPort resolves the host port published for a container port, or 0.
func (m *Manager) HostPort(ctx context.Context, taskID string, containerPort int) int {
	handle := m.Handle(taskID)
	if handle == "" {
		return 0
	}
	rc, out, _ := m.run(ctx, nil, 0, "port", handle, strconv.Itoa(containerPort))
	if rc != 0 {
		return 0
	}
	// Output like "0.0.0.0:12345".
	parts := strings.Split(strings.TrimSpace(out), ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0
	}
	return port
}

// Destroy stops and removes a task's container, removes the host IPC dir
// and persists state. Idempotent.
func (m *Manager) Destroy(ctx context.Context, taskID string) error {
	m.mu.Lock()
	handle, ok := m.containers[taskID]
	delete(m.containers, taskID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.run(ctx, nil, stopTimeout, "stop", handle)
	m.run(ctx, nil, stopTimeout, "rm", "-f", handle)
	if err := os.RemoveAll(m.IPCDir(taskID)); err != nil {
		m.log.Warn("ipc dir removal failed", "handle", handle, "error", err)
	}
	m.log.Info("destroyed container", "handle", handle, "task", taskID)
	return m.SaveState()
}

// DestroyAll tears down every container. Used by tooling, not the normal
// shutdown path (containers survive restarts).
func (m *Manager) DestroyAll(ctx context.Context) {
	for _, taskID := range m.TaskIDs() {
		if err := m.Destroy(ctx, taskID); err != nil {
			m.log.Warn("destroy failed", "task", taskID, "error", err)
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ steward.SandboxOps = (*Manager)(nil)
