package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nevindra/steward"
)

// hostRepoDir is where the dispatcher's own checkout lives on the host.
const hostRepoDir = "/home/matrix-tui"

// hostDeployer implements steward.SelfDeployer against the host checkout:
// git pull, sandbox image rebuild, then a delayed service restart so the
// current response can still be delivered.
type hostDeployer struct {
	log *slog.Logger
}

func (d *hostDeployer) runHost(ctx context.Context, send steward.StreamFunc, argv ...string) (int, string) {
	cctx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = hostRepoDir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if send != nil && text != "" {
		if err := send(ctx, text); err != nil {
			d.log.Warn("deploy stream failed", "error", err)
		}
	}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return ee.ExitCode(), text
		}
		return 1, text + "\n" + err.Error()
	}
	return 0, text
}

func (d *hostDeployer) Deploy(ctx context.Context, branch string, send steward.StreamFunc) (string, error) {
	if branch != "" {
		d.log.Info("self_update: checking out branch", "branch", branch)
		if rc, out := d.runHost(ctx, send, "git", "fetch", "origin"); rc != 0 {
			return fmt.Sprintf("git fetch failed (exit %d):\n%s", rc, out), nil
		}
		if rc, out := d.runHost(ctx, send, "git", "checkout", branch); rc != 0 {
			return fmt.Sprintf("git checkout %s failed (exit %d):\n%s", branch, rc, out), nil
		}
	}

	d.log.Info("self_update: git pull")
	rc, pullOut := d.runHost(ctx, send, "git", "pull")
	if rc != 0 {
		return fmt.Sprintf("git pull failed (exit %d):\n%s", rc, pullOut), nil
	}

	d.log.Info("self_update: rebuilding sandbox image")
	if rc, buildOut := d.runHost(ctx, send, "podman", "build", "-t", "steward-sandbox:latest", "-f", "Containerfile", "."); rc != 0 {
		return fmt.Sprintf("git pull OK, but image build failed (exit %d):\n%s", rc, buildOut), nil
	}

	// Restart after a short delay so this result reaches the channel first.
	d.log.Info("self_update: restarting service")
	go func() {
		time.Sleep(2 * time.Second)
		if err := exec.Command("systemctl", "restart", "steward").Run(); err != nil {
			d.log.Error("service restart failed", "error", err)
		}
	}()
	return fmt.Sprintf("git pull:\n%s\n\nImage build: OK\n\nRestarting service in 2s...", pullOut), nil
}
