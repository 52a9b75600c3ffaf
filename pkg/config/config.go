// Package config loads and watches the workspace engine configuration.
//
// Configuration comes from three layers: built-in defaults, the optional
// engine-config.json in the workspace, and environment variables (with an
// optional .env file loaded once at startup). The file layer can be
// watched for changes so long-running workflows pick up edits.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/codemachine-ai/codemachine/pkg/preset"
)

// Environment variables honored across the system.
const (
	// EnvLogLevel sets the global log level (debug, info, warn, error).
	EnvLogLevel = "CODEMACHINE_LOG_LEVEL"

	// EnvAuthCacheTTL overrides the auth cache TTL, e.g. "30s", "10m".
	EnvAuthCacheTTL = "CODEMACHINE_AUTH_CACHE_TTL"

	// EnvSkipAuth bypasses auth probes entirely (CI and tests).
	EnvSkipAuth = "CODEMACHINE_SKIP_AUTH"

	// EnvMockEngine registers the in-process mock engine.
	EnvMockEngine = "CODEMACHINE_MOCK_ENGINE"
)

// AgentConfig is per-agent configuration from the config file.
type AgentConfig struct {
	// Engine pins this agent to one engine.
	Engine string `json:"engine,omitempty"`

	// Model overrides the model for this agent.
	Model string `json:"model,omitempty"`

	// TimeoutSeconds bounds this agent's run. Zero inherits the default.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// Config is the parsed engine-config.json.
type Config struct {
	// Routing holds the preset/override fields consumed by the resolver.
	preset.ConfigFile

	// FallbackChain is the ordered engine chain tried after the primary.
	// Empty means "registry preference order".
	FallbackChain []string `json:"fallbackChain,omitempty"`

	// MaxAttempts bounds adapter invocations per fallback run.
	MaxAttempts int `json:"maxAttempts,omitempty"`

	// AgentTimeoutSeconds bounds each agent subprocess. Zero disables.
	AgentTimeoutSeconds int `json:"agentTimeoutSeconds,omitempty"`

	// LogLevel is the slog level name; the env var wins over it.
	LogLevel string `json:"logLevel,omitempty"`

	// Agents holds per-agent overrides keyed by agent id.
	Agents map[string]AgentConfig `json:"agents,omitempty"`
}

// SetDefaults fills zero fields with working defaults.
func (c *Config) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the config for contradictions.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.AgentTimeoutSeconds < 0 {
		return fmt.Errorf("agentTimeoutSeconds must not be negative, got %d", c.AgentTimeoutSeconds)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logLevel %q", c.LogLevel)
	}
	for name, p := range c.Presets {
		if p.DefaultEngine == "" && len(p.AgentOverrides) == 0 {
			return fmt.Errorf("preset %q routes nothing: set defaultEngine or agentOverrides", name)
		}
	}
	return nil
}

// Default returns a config with only the defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads the config file at path. A missing file yields the defaults;
// a present but unreadable or invalid file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotenv loads a .env file into the process environment. Existing
// variables win; a missing file is not an error.
func LoadDotenv(dir string) {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to load .env file", "path", path, "error", err)
		}
		return
	}
	slog.Debug("Loaded environment file", "path", path)
}

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// Watch reloads path on change and calls onChange with each valid new
// config. Invalid intermediate states are logged and skipped. Blocks
// until ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}

	var timer *time.Timer
	reloads := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})

		case <-reloads:
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("Ignoring invalid config change", "path", path, "error", err)
				continue
			}
			slog.Info("Reloaded configuration", "path", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}
