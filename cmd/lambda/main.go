package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambdaurl"

	"mindmeld/internal/app"
	"mindmeld/internal/config"
)

// Serves the relay behind a Lambda function URL configured with
// InvokeMode RESPONSE_STREAM so /chat-stream events reach the client as they
// are produced.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(app.NewLogger(cfg.LogLevel))

	routes, err := app.New(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to initialize relay", "err", err)
		os.Exit(1)
	}

	lambdaurl.Start(routes)
}
