package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mindmeld/handler"
	"mindmeld/internal/config"
	"mindmeld/internal/integrations/gemini"
	"mindmeld/internal/integrations/paramstore"
	"mindmeld/internal/metrics"
	"mindmeld/internal/usecase"
)

// New wires the relay from cfg and returns the root HTTP handler. All state it
// builds is read-only once New returns.
func New(ctx context.Context, cfg *config.Config) (http.Handler, error) {
	systemPrompt, err := config.LoadSystemPrompt(cfg.SystemPromptPath)
	if err != nil {
		return nil, err
	}

	apiKey, err := resolveAPIKey(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// A zero timeout leaves long streams bounded only by the request context.
	opts := []gemini.Option{gemini.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout})}
	if cfg.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
	}
	llm, err := gemini.NewClient(ctx, apiKey, opts...)
	if err != nil {
		return nil, err
	}

	chat, err := usecase.NewChatService(llm, systemPrompt, cfg.DefaultModel)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "chat relay configured", "model", chat.DefaultModel())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	h, err := handler.NewHandler(chat, handler.WithMetrics(metrics.New(reg), reg))
	if err != nil {
		return nil, err
	}
	return h.Routes(), nil
}

// NewLogger returns a JSON logger at the given level that tags request-scoped
// records with their correlation ID.
func NewLogger(level string) *slog.Logger {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(handler.LogHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// resolveAPIKey only touches AWS when the key is not in the environment.
func resolveAPIKey(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.APIKey != "" {
		return cfg.ResolveAPIKey(ctx, nil)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("app: load aws config: %w", err)
	}
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return "", fmt.Errorf("app: create ssm client: %w", err)
	}
	return cfg.ResolveAPIKey(ctx, ssmClient)
}
