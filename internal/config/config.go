package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/subosito/gotenv"
)

var (
	ErrMissingAPIKey     = errors.New("GEMINI_API_KEY or GEMINI_API_KEY_PARAM is required")
	ErrMissingPromptPath = errors.New("SYSTEM_PROMPT_PATH is required")
)

// Config is read once at startup and treated as immutable afterwards.
type Config struct {
	APIKey      string `env:"GEMINI_API_KEY"`
	APIKeyParam string `env:"GEMINI_API_KEY_PARAM"`

	// DefaultModel is left empty when unset; the chat service owns the fallback.
	DefaultModel string        `env:"GEMINI_MODEL"`
	BaseURL      string        `env:"GEMINI_BASE_URL"`
	HTTPTimeout  time.Duration `env:"GEMINI_HTTP_TIMEOUT" envDefault:"0s"`

	SystemPromptPath string `env:"SYSTEM_PROMPT_PATH" envDefault:"system_prompt.txt"`

	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:"127.0.0.1:5000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// SecretGetter resolves a named secret, e.g. from SSM Parameter Store.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// LoadDotEnv applies a .env file over the process environment. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	err := gotenv.OverLoad(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load %s: %w", path, err)
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.APIKeyParam = strings.TrimSpace(cfg.APIKeyParam)
	cfg.DefaultModel = strings.TrimSpace(cfg.DefaultModel)
	cfg.SystemPromptPath = strings.TrimSpace(cfg.SystemPromptPath)

	if cfg.APIKey == "" && cfg.APIKeyParam == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.SystemPromptPath == "" {
		return nil, ErrMissingPromptPath
	}
	if cfg.HTTPTimeout < 0 {
		return nil, fmt.Errorf("config: GEMINI_HTTP_TIMEOUT must not be negative, got %s", cfg.HTTPTimeout)
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveAPIKey prefers the key from the environment and only falls back to
// the secret store when APIKeyParam is set.
func (c *Config) ResolveAPIKey(ctx context.Context, secrets SecretGetter) (string, error) {
	if c.APIKey != "" {
		return c.APIKey, nil
	}
	if c.APIKeyParam == "" {
		return "", ErrMissingAPIKey
	}
	if secrets == nil {
		return "", errors.New("config: secret getter must not be nil")
	}
	key, err := secrets.GetSecret(ctx, c.APIKeyParam)
	if err != nil {
		return "", fmt.Errorf("config: resolve api key: %w", err)
	}
	return key, nil
}

// LoadSystemPrompt reads the prompt file verbatim.
func LoadSystemPrompt(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read system prompt: %w", err)
	}
	return string(b), nil
}

func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: invalid LOG_LEVEL %q: %w", s, err)
	}
	return lvl, nil
}
