package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/scene/internal/notify"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Notify     NotifyConfig
	Escalation EscalationConfig
	Cache      CacheConfig
	Auth       AuthConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir      string
	PollInterval time.Duration
}

type LogConfig struct {
	Level string
}

type NotifyConfig struct {
	Enabled    bool
	Channel    string
	WebhookURL string

	// BaseURL prefixes notification target links. Empty keeps them
	// relative ("/club/{id}").
	BaseURL string
}

type EscalationConfig struct {
	// DurableGuards records fired rules in the store so a restart does not
	// repeat tonight's notifications.
	DurableGuards bool
}

type CacheConfig struct {
	TTL time.Duration
}

type AuthConfig struct {
	// UserID is the signed-in user for feedback and chat. Empty means
	// anonymous.
	UserID string
}

// SlogLevel maps the configured level name onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir:      defaultDataDir(),
			PollInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
		Notify: NotifyConfig{
			Enabled: true,
			Channel: notify.ChannelAuto,
		},
		Cache: CacheConfig{
			TTL: 15 * time.Second,
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "scene-data"
		}
	}
	return filepath.Join(dir, "scene")
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/scene/config.yaml, then applies SCENE_* environment
// overrides. The API token is never read from the file: it comes from
// SCENE_API_TOKEN or the token file in the data directory.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if c.Storage.PollInterval <= 0 {
		return fmt.Errorf("storage.poll_interval must be positive, got %s", c.Storage.PollInterval)
	}
	switch c.Notify.Channel {
	case notify.ChannelAuto, notify.ChannelWebhook, notify.ChannelDesktop, notify.ChannelConsole:
	default:
		return fmt.Errorf("invalid notify.channel %q (want auto, webhook, desktop or console)", c.Notify.Channel)
	}
	if c.Notify.Channel == notify.ChannelWebhook && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.channel is webhook but notify.webhook_url is empty")
	}
	return nil
}
