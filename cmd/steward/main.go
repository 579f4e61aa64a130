// Command steward is the multi-channel coding-agent dispatcher host process.
//
// Startup order is load-bearing: state is loaded and both channels get the
// chance to claim their recovered containers before the orphan sweep runs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/nevindra/steward"
	"github.com/nevindra/steward/channel/github"
	"github.com/nevindra/steward/channel/matrix"
	"github.com/nevindra/steward/internal/config"
	"github.com/nevindra/steward/observer"
	"github.com/nevindra/steward/provider/openaicompat"
	"github.com/nevindra/steward/sandbox"
)

func main() {
	log := setupLogger()
	slog.SetDefault(log)

	cfg := config.Load(os.Getenv("STEWARD_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func setupLogger() *slog.Logger {
	w := os.Stderr
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return slog.New(tint.NewHandler(colorable.NewColorable(w), &tint.Options{
			TimeFormat: time.TimeOnly,
		}))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	// Observability (optional).
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Warn("observer init failed, continuing without", "error", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					log.Warn("observer shutdown failed", "error", err)
				}
			}()
		}
	}

	// Components, leaves first.
	sb := sandbox.NewManager(sandbox.Options{
		PodmanPath:       cfg.Sandbox.PodmanPath,
		Image:            cfg.Sandbox.Image,
		StatePath:        cfg.Sandbox.StatePath,
		IPCBaseDir:       cfg.Sandbox.IPCBaseDir,
		ScreenshotScript: cfg.Sandbox.ScreenshotScript,
		CommandTimeout:   time.Duration(cfg.Sandbox.CommandTimeoutSeconds) * time.Second,
		CodingTimeout:    time.Duration(cfg.Sandbox.CodingTimeoutSeconds) * time.Second,
		Env: map[string]string{
			"GITHUB_TOKEN":      cfg.GitHub.Token,
			"GEMINI_API_KEY":    cfg.Sandbox.GeminiAPIKey,
			"DASHSCOPE_API_KEY": cfg.Sandbox.DashscopeAPIKey,
		},
	}, log)

	provider := steward.WithRetry(observer.WrapProvider(
		openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.APIBase), inst))

	dispatcher := &steward.Dispatcher{
		Sandbox:  sb,
		Deployer: &hostDeployer{log: log},
		Log:      log,
	}
	dispatch := observer.WrapDispatch(dispatcher.Execute, inst)

	decider := steward.NewDecider(provider, sb, dispatch, cfg.Sandbox.MaxAgentTurns, log)
	sb.SetHistorySource(decider.HistorySnapshot)

	runner := steward.NewTaskRunner(decider, sb, log)

	// 1. Load persisted state; merge surviving histories into the decider.
	histories, err := sb.LoadState(ctx)
	if err != nil {
		log.Warn("state load failed, starting fresh", "error", err)
	}
	decider.LoadHistories(histories)

	// 2. Forge channel: recover open labelled issues, start the webhook,
	// re-enqueue the replay messages.
	var forge *github.Channel
	if cfg.GitHub.Token != "" {
		forge = github.New(runner, github.Options{
			Port:   cfg.GitHub.WebhookPort,
			Secret: cfg.GitHub.WebhookSecret,
			Repo:   cfg.GitHub.Repo,
		}, log)
		recovered, err := forge.RecoverTasks(ctx)
		if err != nil {
			log.Error("forge recovery failed", "error", err)
		}
		if err := forge.Start(ctx); err != nil {
			return err
		}
		defer forge.Stop(context.Background())
		for _, task := range recovered {
			if err := runner.Enqueue(ctx, task.TaskID, task.Message, forge); err != nil {
				log.Error("recovery enqueue failed", "task", task.TaskID, "error", err)
			}
		}
	}

	// 3. Chat channel: sync, join stale invites, pre-register rooms whose
	// containers survived so the orphan sweep spares them.
	bot := matrix.NewBot(matrix.Options{
		Homeserver: cfg.Matrix.Homeserver,
		User:       cfg.Matrix.User,
		Password:   cfg.Matrix.Password,
	}, runner, sb, log)
	if err := bot.Start(ctx); err != nil {
		return err
	}
	defer bot.Stop()

	// 4. Everything recoverable is now claimed; sweep the rest.
	runner.DestroyOrphans(ctx)

	// 5. Main loop with background reconciliation. Containers survive
	// shutdown for the next run.
	reconcileCtx, cancelReconcile := context.WithCancel(ctx)
	defer cancelReconcile()
	go runner.ReconcileLoop(reconcileCtx)
	defer runner.Shutdown()

	err = bot.Loop(ctx)
	if ctx.Err() != nil {
		log.Info("shutting down")
		return nil
	}
	return err
}
