package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

func TestSignAndVerifyTransition(t *testing.T) {
	from := conversation.StatusProgress
	tr := &conversation.StateTransition{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		FromStatus:     &from,
		ToStatus:       conversation.StatusUserClosed,
		Version:        6,
		ChangedBy:      conversation.ActorAgent,
		Reason:         "customer said goodbye",
		CreatedAt:      time.Now(),
	}
	key := []byte("0123456789abcdef")

	sig, err := SignTransition(tr, key)
	require.NoError(t, err)
	tr.Signature = sig

	ok, err := VerifyTransitionSignature(tr, key)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("tampered row fails", func(t *testing.T) {
		tampered := *tr
		tampered.ToStatus = conversation.StatusExpired
		ok, err := VerifyTransitionSignature(&tampered, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		ok, err := VerifyTransitionSignature(tr, []byte("other"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unsigned row is not verified", func(t *testing.T) {
		unsigned := *tr
		unsigned.Signature = nil
		ok, err := VerifyTransitionSignature(&unsigned, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCursorAfter(t *testing.T) {
	now := time.Now()
	a := &conversation.StateTransition{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), CreatedAt: now}
	b := &conversation.StateTransition{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), CreatedAt: now}
	c := &Cursor{CreatedAt: a.CreatedAt, ID: a.ID}

	assert.False(t, c.After(a))
	assert.True(t, c.After(b))
	assert.True(t, (*Cursor)(nil).After(a))
	assert.False(t, c.After(&conversation.StateTransition{ID: uuid.New(), CreatedAt: now.Add(-time.Second)}))
}
