// Package config loads galley's configuration from defaults, an optional
// YAML config file, and GALLEY_* environment variables, in that order of
// precedence (later wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Generator GeneratorConfig `yaml:"generator"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Worker    WorkerConfig    `yaml:"worker"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIToken, when set, enables bearer auth on the /v1 routes.
	APIToken string `yaml:"api_token"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type GeneratorConfig struct {
	// Provider selects the generation backend: "openai", "ollama", or
	// "static".
	Provider string `yaml:"provider"`
	// Language the generated recipe is written in. Passed explicitly to the
	// generator; there is no ambient locale.
	Language string `yaml:"language"`
}

type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

type DedupConfig struct {
	LockLease string `yaml:"lock_lease"`
	LockWait  string `yaml:"lock_wait"`
}

type WorkerConfig struct {
	PollInterval string `yaml:"poll_interval"`
	Concurrency  int    `yaml:"concurrency"`
}

type WebhookConfig struct {
	Timeout string `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Generator: GeneratorConfig{
			Provider: "openai",
			Language: "English (British)",
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.5,
			MaxTokens:   1200,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://127.0.0.1:11434",
			Model:   "llama3.1",
			Timeout: "2m",
		},
		Dedup: DedupConfig{
			LockLease: "5s",
			LockWait:  "3s",
		},
		Worker: WorkerConfig{
			PollInterval: "500ms",
			Concurrency:  2,
		},
		Webhook: WebhookConfig{
			Timeout: "5s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "galley")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".galley"
	}
	return filepath.Join(home, ".local", "share", "galley")
}

func defaultConfigPath() string {
	if path := os.Getenv("GALLEY_CONFIG"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "galley", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "galley", "config.yaml")
}

// Load reads configuration from the YAML config file (if present) and
// GALLEY_* environment variables layered over the built-in defaults.
func Load() (Config, error) {
	return loadFrom(defaultConfigPath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Config file is optional.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("GALLEY_HOST", &cfg.Server.Host)
	setInt("GALLEY_PORT", &cfg.Server.Port)
	setString("GALLEY_API_TOKEN", &cfg.Server.APIToken)
	setString("GALLEY_DATA_DIR", &cfg.Storage.DataDir)
	setString("GALLEY_GENERATOR", &cfg.Generator.Provider)
	setString("GALLEY_LANGUAGE", &cfg.Generator.Language)
	setString("GALLEY_OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	setString("GALLEY_OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	setString("GALLEY_OPENAI_MODEL", &cfg.OpenAI.Model)
	setString("GALLEY_OLLAMA_BASE_URL", &cfg.Ollama.BaseURL)
	setString("GALLEY_OLLAMA_MODEL", &cfg.Ollama.Model)
	setInt("GALLEY_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	setString("GALLEY_LOG_LEVEL", &cfg.Log.Level)
}

func validate(cfg Config) error {
	switch cfg.Generator.Provider {
	case "static", "ollama":
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key. " +
				"Set it via environment variable GALLEY_OPENAI_API_KEY or openai.api_key in the config file, " +
				"or select the offline generator with GALLEY_GENERATOR=static")
		}
	default:
		return fmt.Errorf("unknown generator provider %q (want \"openai\", \"ollama\", or \"static\")", cfg.Generator.Provider)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	return nil
}

// Duration parses a duration string from the config, falling back to def
// when the value is empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
