package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/execution-hub/convoflow/internal/application/sweeper"
)

// ticker runs one sweep.
type ticker interface {
	Tick(ctx context.Context) (*sweeper.Summary, error)
}

type handler struct {
	sweeper ticker
	logger  zerolog.Logger
}

func newHandler(s ticker, logger zerolog.Logger) *handler {
	return &handler{sweeper: s, logger: logger.With().Str("component", "sweeper-lambda").Logger()}
}

// Handle runs one sweep per scheduled event and returns its summary.
func (h *handler) Handle(ctx context.Context, event events.CloudWatchEvent) (*sweeper.Summary, error) {
	log := h.logger.With().Str("event_id", event.ID).Logger()
	sum, err := h.sweeper.Tick(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep failed")
		return nil, err
	}
	log.Info().
		Int("candidates", sum.Candidates).
		Int("failures", sum.Failures).
		Msg("sweep finished")
	return sum, nil
}
