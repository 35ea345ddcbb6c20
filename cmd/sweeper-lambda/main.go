package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/execution-hub/convoflow/internal/app"
	"github.com/execution-hub/convoflow/internal/config"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := app.NewLogger(cfg.Log)

	// The container is reused across invocations; the wired graph lives with it.
	a, err := app.New(ctx, cfg, logger, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire application")
	}

	h := newHandler(a.Sweeper, logger)
	lambda.Start(h.Handle)
}
