package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/convoflow/internal/application/sweeper"
)

type stubTicker struct {
	sum   *sweeper.Summary
	err   error
	calls int
}

func (s *stubTicker) Tick(_ context.Context) (*sweeper.Summary, error) {
	s.calls++
	return s.sum, s.err
}

func TestHandle(t *testing.T) {
	event := events.CloudWatchEvent{ID: "evt-1", Source: "aws.events", DetailType: "Scheduled Event"}

	t.Run("returns summary", func(t *testing.T) {
		stub := &stubTicker{sum: &sweeper.Summary{Candidates: 3, Idled: 2, Expired: 1}}
		h := newHandler(stub, zerolog.Nop())

		sum, err := h.Handle(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, 1, stub.calls)
		assert.Equal(t, 3, sum.Candidates)
		assert.Equal(t, 2, sum.Idled)
	})

	t.Run("propagates list failure", func(t *testing.T) {
		stub := &stubTicker{err: errors.New("store down")}
		h := newHandler(stub, zerolog.Nop())

		sum, err := h.Handle(context.Background(), event)
		require.Error(t, err)
		assert.Nil(t, sum)
	})
}
