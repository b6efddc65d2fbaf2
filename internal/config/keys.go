package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SCENE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SCENE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCENE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.poll_interval", typ: kDuration, env: "SCENE_STORAGE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Storage.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "SCENE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "notify.enabled", typ: kBool, env: "SCENE_NOTIFY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Notify.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Notify.Enabled },
	},
	{
		key: "notify.channel", typ: kString, env: "SCENE_NOTIFY_CHANNEL",
		apply:   func(cfg *Config, v any) { cfg.Notify.Channel = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.Channel },
	},
	{
		key: "notify.webhook_url", typ: kString, env: "SCENE_NOTIFY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookURL },
	},
	{
		key: "notify.base_url", typ: kString, env: "SCENE_NOTIFY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.BaseURL },
	},
	{
		key: "escalation.durable_guards", typ: kBool, env: "SCENE_ESCALATION_DURABLE_GUARDS",
		apply:   func(cfg *Config, v any) { cfg.Escalation.DurableGuards = v.(bool) },
		extract: func(cfg Config) any { return cfg.Escalation.DurableGuards },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "SCENE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "auth.user_id", typ: kString, env: "SCENE_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Auth.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.UserID },
	},
}

// parse converts raw into the Go type of s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := s.parse(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
