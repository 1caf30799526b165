package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Gemini   GeminiConfig
	Storage  StorageConfig
	Pipeline PipelineConfig
	Timer    TimerConfig
	Notify   NotifyConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type GeminiConfig struct {
	BaseURL    string
	ChatModel  string
	StageModel string
	APIKey     string
}

type StorageConfig struct {
	DataDir string
}

// PipelineConfig governs the post-turn background pipeline. Each stage
// declares its own attempt budget; the backoff base is shared.
type PipelineConfig struct {
	ExtractAttempts  int
	AnalyzeAttempts  int
	InstructAttempts int
	StageBackoff     string
	ModelTimeout     string
	HistoryWindow    int
	InjectionTTL     string
}

type TimerConfig struct {
	Enabled  bool
	Interval string
}

type NotifyConfig struct {
	Enabled       bool
	Threshold     string
	CheckInterval string
	Topic         string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Gemini: GeminiConfig{
			BaseURL:    "https://generativelanguage.googleapis.com",
			ChatModel:  "gemini-2.0-flash",
			StageModel: "gemini-2.0-flash-lite",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Pipeline: PipelineConfig{
			ExtractAttempts:  3,
			AnalyzeAttempts:  3,
			InstructAttempts: 2,
			StageBackoff:     "2s",
			ModelTimeout:     "60s",
			HistoryWindow:    20,
			InjectionTTL:     "24h",
		},
		Timer: TimerConfig{
			Enabled:  true,
			Interval: "2h",
		},
		Notify: NotifyConfig{
			Enabled:       true,
			Threshold:     "6h",
			CheckInterval: "30m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.sidekick.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/sidekick/config.json
// and secrets live in a mode-0600 JSON file under $XDG_DATA_HOME.
//
// Environment variables (SIDEKICK_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret-store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for secrets still empty after env overrides.
	if cfg.Gemini.APIKey == "" {
		if key, err := kc.Get("sidekick", "gemini_api_key"); err == nil && key != "" {
			cfg.Gemini.APIKey = key
		}
	}
	if cfg.Server.APIToken == "" {
		if tok, err := kc.Get("sidekick", "api_token"); err == nil && tok != "" {
			cfg.Server.APIToken = tok
		}
	}

	if cfg.Gemini.APIKey == "" {
		msg := "missing required config: Gemini API key. " +
			"Set it via environment variable SIDEKICK_GEMINI_API_KEY" +
			apiKeyHint()
		return Config{}, fmt.Errorf("%s", msg)
	}

	if err := validateDurations(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateDurations(cfg Config) error {
	for _, d := range []struct {
		key string
		val string
	}{
		{"pipeline.stage_backoff", cfg.Pipeline.StageBackoff},
		{"pipeline.model_timeout", cfg.Pipeline.ModelTimeout},
		{"pipeline.injection_ttl", cfg.Pipeline.InjectionTTL},
		{"timer.interval", cfg.Timer.Interval},
		{"notify.threshold", cfg.Notify.Threshold},
		{"notify.check_interval", cfg.Notify.CheckInterval},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", d.key, err)
		}
	}
	return nil
}

// Duration parses a duration-typed config value that has already passed
// Load validation. Unparseable values (possible only when a Config is built
// by hand) fall back to def.
func Duration(val string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
