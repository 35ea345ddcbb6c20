package closure

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/convoflow/internal/application/arbiter"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
	"github.com/execution-hub/convoflow/internal/infrastructure/memory"
)

func setup(t *testing.T, cfg Config) (*Consumer, *arbiter.Service, *conversation.Conversation) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	arb := arbiter.NewService(store, nil, zerolog.Nop(), nil, arbiter.Config{MaxLifetime: time.Hour})
	c, _, err := arb.Open(ctx, "O1", "a::b")
	require.NoError(t, err)
	d, err := arb.Propose(ctx, arbiter.Proposal{ConversationID: c.ID, ExpectedVersion: 1, To: conversation.StatusProgress, Proposer: conversation.ActorAgent})
	require.NoError(t, err)
	consumer, err := NewConsumer(arb, cfg, zerolog.Nop())
	require.NoError(t, err)
	return consumer, arb, d.Conversation
}

func TestSubmit_Threshold(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		wantClosed bool
	}{
		{"below threshold is ignored", 0.5, false},
		{"at threshold closes", 0.8, true},
		{"above threshold closes", 0.95, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer, _, c := setup(t, Config{})
			d, err := consumer.Submit(context.Background(), Signal{ConversationID: c.ID, ExpectedVersion: c.Version, Confidence: tt.confidence})
			require.NoError(t, err)
			if !tt.wantClosed {
				assert.Nil(t, d)
				return
			}
			require.NotNil(t, d)
			assert.True(t, d.Accepted)
			assert.Equal(t, conversation.StatusUserClosed, d.Conversation.Status)
			assert.Equal(t, conversation.ActorAgent, d.Transition.ChangedBy)
			assert.Equal(t, "closure detected", d.Transition.Reason)
		})
	}
}

func TestSubmit_StaleSignalConflicts(t *testing.T) {
	consumer, _, c := setup(t, Config{Threshold: 0.5})
	d, err := consumer.Submit(context.Background(), Signal{ConversationID: c.ID, ExpectedVersion: c.Version - 1, Confidence: 0.9})
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, conversation.OutcomeVersionConflict, d.Conflict)
}

func TestSubmit_Policy(t *testing.T) {
	consumer, _, c := setup(t, Config{Policy: "confidence > 0.9 && turns_user >= 2"})
	ctx := context.Background()

	d, err := consumer.Submit(ctx, Signal{
		ConversationID: c.ID, ExpectedVersion: c.Version, Confidence: 0.95,
		Features: map[string]interface{}{"turns": map[string]interface{}{"user": 1.0}},
	})
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = consumer.Submit(ctx, Signal{
		ConversationID: c.ID, ExpectedVersion: c.Version, Confidence: 0.95, Reason: "said goodbye",
		Features: map[string]interface{}{"turns": map[string]interface{}{"user": 3.0}},
	})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.Accepted)
	assert.Equal(t, "said goodbye", d.Transition.Reason)
}

func TestNewConsumer_InvalidPolicy(t *testing.T) {
	_, err := NewConsumer(nil, Config{Policy: "confidence >"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestSubmit_Validation(t *testing.T) {
	consumer, _, c := setup(t, Config{})
	_, err := consumer.Submit(context.Background(), Signal{ConversationID: c.ID, Confidence: 1.5})
	assert.ErrorIs(t, err, ErrInvalidConfidence)

	withPolicy, err := NewConsumer(nil, Config{Policy: "confidence + 1"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = withPolicy.Submit(context.Background(), Signal{ConversationID: c.ID, Confidence: 0.9})
	assert.Error(t, err)
}
