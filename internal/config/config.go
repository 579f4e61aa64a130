// Package config loads dispatcher settings: defaults, then an optional TOML
// file, then environment variables (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix   MatrixConfig   `toml:"matrix"`
	LLM      LLMConfig      `toml:"llm"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	GitHub   GitHubConfig   `toml:"github"`
	Observer ObserverConfig `toml:"observer"`
}

type MatrixConfig struct {
	Homeserver string `toml:"homeserver"`
	User       string `toml:"user"`
	Password   string `toml:"password"`
}

type LLMConfig struct {
	APIKey  string `toml:"api_key"`
	APIBase string `toml:"api_base"`
	Model   string `toml:"model"`
}

type SandboxConfig struct {
	PodmanPath            string `toml:"podman_path"`
	Image                 string `toml:"image"`
	CommandTimeoutSeconds int    `toml:"command_timeout_seconds"`
	CodingTimeoutSeconds  int    `toml:"coding_timeout_seconds"`
	MaxAgentTurns         int    `toml:"max_agent_turns"`
	IPCBaseDir            string `toml:"ipc_base_dir"`
	StatePath             string `toml:"state_path"`
	ScreenshotScript      string `toml:"screenshot_script"`
	GeminiAPIKey          string `toml:"gemini_api_key"`
	DashscopeAPIKey       string `toml:"dashscope_api_key"`
}

type GitHubConfig struct {
	Token         string `toml:"token"`
	Repo          string `toml:"repo"`
	WebhookPort   int    `toml:"webhook_port"`
	WebhookSecret string `toml:"webhook_secret"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Matrix: MatrixConfig{Homeserver: "https://matrix.org"},
		LLM:    LLMConfig{APIBase: "https://openrouter.ai/api/v1", Model: "anthropic/claude-haiku-4-5"},
		Sandbox: SandboxConfig{
			PodmanPath:            "podman",
			Image:                 "steward-sandbox:latest",
			CommandTimeoutSeconds: 120,
			CodingTimeoutSeconds:  1800,
			MaxAgentTurns:         25,
			IPCBaseDir:            "/tmp/sandbox-ipc",
			StatePath:             "/home/matrix-tui/state.json",
			ScreenshotScript:      "/opt/playwright/screenshot.js",
		},
		GitHub: GitHubConfig{WebhookPort: 8088},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "steward.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	setStr(&cfg.Matrix.Homeserver, "MATRIX_HOMESERVER")
	setStr(&cfg.Matrix.User, "MATRIX_USER")
	setStr(&cfg.Matrix.Password, "MATRIX_PASSWORD")
	setStr(&cfg.LLM.APIKey, "LLM_API_KEY")
	setStr(&cfg.LLM.APIBase, "LLM_API_BASE")
	setStr(&cfg.LLM.Model, "LLM_MODEL")
	setStr(&cfg.Sandbox.PodmanPath, "PODMAN_PATH")
	setStr(&cfg.Sandbox.Image, "SANDBOX_IMAGE")
	setInt(&cfg.Sandbox.CommandTimeoutSeconds, "COMMAND_TIMEOUT_SECONDS")
	setInt(&cfg.Sandbox.CodingTimeoutSeconds, "CODING_TIMEOUT_SECONDS")
	setInt(&cfg.Sandbox.MaxAgentTurns, "MAX_AGENT_TURNS")
	setStr(&cfg.Sandbox.IPCBaseDir, "IPC_BASE_DIR")
	setStr(&cfg.Sandbox.StatePath, "STATE_PATH")
	setStr(&cfg.Sandbox.ScreenshotScript, "SCREENSHOT_SCRIPT")
	setStr(&cfg.Sandbox.GeminiAPIKey, "GEMINI_API_KEY")
	setStr(&cfg.Sandbox.DashscopeAPIKey, "DASHSCOPE_API_KEY")
	setStr(&cfg.GitHub.Token, "GITHUB_TOKEN")
	setStr(&cfg.GitHub.Repo, "GITHUB_REPO")
	setInt(&cfg.GitHub.WebhookPort, "GITHUB_WEBHOOK_PORT")
	setStr(&cfg.GitHub.WebhookSecret, "GITHUB_WEBHOOK_SECRET")
	if v := os.Getenv("OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

func setStr(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
