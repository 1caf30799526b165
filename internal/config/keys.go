package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
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
		key: "server.port", typ: kInt, env: "SIDEKICK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SIDEKICK_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "gemini.base_url", typ: kString, env: "SIDEKICK_GEMINI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.BaseURL },
	},
	{
		key: "gemini.chat_model", typ: kString, env: "SIDEKICK_GEMINI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.ChatModel },
	},
	{
		key: "gemini.stage_model", typ: kString, env: "SIDEKICK_GEMINI_STAGE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.StageModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.StageModel },
	},
	{
		key: "gemini.api_key", typ: kString, env: "SIDEKICK_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SIDEKICK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "pipeline.extract_attempts", typ: kInt, env: "SIDEKICK_PIPELINE_EXTRACT_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ExtractAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.ExtractAttempts },
	},
	{
		key: "pipeline.analyze_attempts", typ: kInt, env: "SIDEKICK_PIPELINE_ANALYZE_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.AnalyzeAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.AnalyzeAttempts },
	},
	{
		key: "pipeline.instruct_attempts", typ: kInt, env: "SIDEKICK_PIPELINE_INSTRUCT_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.InstructAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.InstructAttempts },
	},
	{
		key: "pipeline.stage_backoff", typ: kString, env: "SIDEKICK_PIPELINE_STAGE_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageBackoff = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageBackoff },
	},
	{
		key: "pipeline.model_timeout", typ: kString, env: "SIDEKICK_PIPELINE_MODEL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ModelTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ModelTimeout },
	},
	{
		key: "pipeline.history_window", typ: kInt, env: "SIDEKICK_PIPELINE_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.HistoryWindow },
	},
	{
		key: "pipeline.injection_ttl", typ: kString, env: "SIDEKICK_PIPELINE_INJECTION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.InjectionTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.InjectionTTL },
	},
	{
		key: "timer.enabled", typ: kBool, env: "SIDEKICK_TIMER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Timer.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Timer.Enabled },
	},
	{
		key: "timer.interval", typ: kString, env: "SIDEKICK_TIMER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Timer.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Timer.Interval },
	},
	{
		key: "notify.enabled", typ: kBool, env: "SIDEKICK_NOTIFY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Notify.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Notify.Enabled },
	},
	{
		key: "notify.threshold", typ: kString, env: "SIDEKICK_NOTIFY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Notify.Threshold = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.Threshold },
	},
	{
		key: "notify.check_interval", typ: kString, env: "SIDEKICK_NOTIFY_CHECK_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Notify.CheckInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.CheckInterval },
	},
	{
		key: "notify.topic", typ: kString, env: "SIDEKICK_NOTIFY_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Notify.Topic = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.Topic },
	},
	{
		key: "log.level", typ: kString, env: "SIDEKICK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
