package conversation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSessionKey(t *testing.T) {
	t.Run("order independent", func(t *testing.T) {
		a, err := BuildSessionKey("wa:+B", "wa:+A")
		require.NoError(t, err)
		b, err := BuildSessionKey("wa:+A", "wa:+B")
		require.NoError(t, err)
		assert.Equal(t, "wa:+A::wa:+B", a)
		assert.Equal(t, a, b)
	})

	t.Run("rejects blank or identical endpoints", func(t *testing.T) {
		_, err := BuildSessionKey("", "wa:+B")
		assert.ErrorIs(t, err, ErrInvalidSessionKey)
		_, err = BuildSessionKey("wa:+A", "  ")
		assert.ErrorIs(t, err, ErrInvalidSessionKey)
		_, err = BuildSessionKey("wa:+A", "wa:+A")
		assert.ErrorIs(t, err, ErrInvalidSessionKey)
	})
}

func TestNewConversation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, err := NewConversation("O1", "wa:+A::wa:+B", now, 24*time.Hour)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, c.ID)
	assert.Equal(t, uuid.Version(7), c.ID.Version())
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, int64(1), c.Version)
	assert.Equal(t, now, c.StartedAt)
	require.NotNil(t, c.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *c.ExpiresAt)

	noDeadline, err := NewConversation("O1", "k", now, 0)
	require.NoError(t, err)
	assert.Nil(t, noDeadline.ExpiresAt)
	assert.False(t, noDeadline.PastDeadline(now.Add(1000*time.Hour)))
}

func TestConversation_Clone(t *testing.T) {
	rank := 60
	until := time.Now()
	c := &Conversation{ID: uuid.New(), Status: StatusProgress, IntentRank: &rank, IntentUntil: &until}
	cp := c.Clone()
	*cp.IntentRank = 10
	assert.Equal(t, 60, *c.IntentRank)
	assert.Nil(t, (*Conversation)(nil).Clone())
}

func snapshot(status Status, version int64, updated time.Time) *Conversation {
	return &Conversation{ID: uuid.New(), Status: status, Version: version, UpdatedAt: updated}
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("commits matching version and legal edge", func(t *testing.T) {
		c := snapshot(StatusProgress, 5, now)
		outcome, reason := Classify(c, &TransitionRequest{ExpectedVersion: 5, To: StatusIdleTimeout, At: now})
		assert.Equal(t, OutcomeCommitted, outcome)
		assert.Equal(t, RejectNone, reason)
	})

	t.Run("version mismatch wins over illegal edge", func(t *testing.T) {
		c := snapshot(StatusExpired, 9, now)
		outcome, reason := Classify(c, &TransitionRequest{ExpectedVersion: 8, To: StatusAgentClosed, At: now})
		assert.Equal(t, OutcomeVersionConflict, outcome)
		assert.Equal(t, RejectVersionMoved, reason)
	})

	t.Run("illegal edge on current version", func(t *testing.T) {
		c := snapshot(StatusExpired, 9, now)
		outcome, reason := Classify(c, &TransitionRequest{ExpectedVersion: 9, To: StatusAgentClosed, At: now})
		assert.Equal(t, OutcomeIllegalTransition, outcome)
		assert.Equal(t, RejectIllegalEdge, reason)
	})

	t.Run("yields to a higher unexpired intent", func(t *testing.T) {
		c := snapshot(StatusProgress, 5, now)
		rank := Rank(StatusUserClosed)
		until := now.Add(time.Second)
		c.IntentRank, c.IntentUntil = &rank, &until

		outcome, reason := Classify(c, &TransitionRequest{ExpectedVersion: 5, To: StatusIdleTimeout, Rank: Rank(StatusIdleTimeout), At: now})
		assert.Equal(t, OutcomeVersionConflict, outcome)
		assert.Equal(t, RejectYieldedToIntent, reason)

		outcome, _ = Classify(c, &TransitionRequest{ExpectedVersion: 5, To: StatusUserClosed, Rank: rank, At: now})
		assert.Equal(t, OutcomeCommitted, outcome)

		outcome, _ = Classify(c, &TransitionRequest{ExpectedVersion: 5, To: StatusIdleTimeout, Rank: Rank(StatusIdleTimeout), At: now.Add(2 * time.Second)})
		assert.Equal(t, OutcomeCommitted, outcome, "expired intents no longer block")
	})

	t.Run("activity after cutoff blocks idle transitions", func(t *testing.T) {
		c := snapshot(StatusProgress, 5, now)
		cutoff := now.Add(-time.Minute)
		outcome, reason := Classify(c, &TransitionRequest{ExpectedVersion: 5, To: StatusIdleTimeout, At: now, IdleCutoff: &cutoff})
		assert.Equal(t, OutcomeVersionConflict, outcome)
		assert.Equal(t, RejectRecentActivity, reason)
	})
}

func TestApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rank := 60
	c := snapshot(StatusProgress, 5, now.Add(-time.Hour))
	c.IntentRank = &rank

	Apply(c, &TransitionRequest{To: StatusUserClosed, At: now})
	assert.Equal(t, StatusUserClosed, c.Status)
	assert.Equal(t, int64(6), c.Version)
	assert.Equal(t, now, c.UpdatedAt)
	require.NotNil(t, c.EndedAt)
	assert.Nil(t, c.IntentRank)
}

func TestIntentAllowed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := snapshot(StatusProgress, 5, now)
	assert.True(t, IntentAllowed(c, &IntentRequest{ExpectedVersion: 5, Rank: 40, At: now}))
	assert.False(t, IntentAllowed(c, &IntentRequest{ExpectedVersion: 4, Rank: 40, At: now}))

	rank := 60
	until := now.Add(time.Second)
	c.IntentRank, c.IntentUntil = &rank, &until
	assert.False(t, IntentAllowed(c, &IntentRequest{ExpectedVersion: 5, Rank: 40, At: now}))
	assert.True(t, IntentAllowed(c, &IntentRequest{ExpectedVersion: 5, Rank: 60, At: now}))
	assert.True(t, IntentAllowed(c, &IntentRequest{ExpectedVersion: 5, Rank: 40, At: until}))

	done := snapshot(StatusExpired, 5, now)
	assert.False(t, IntentAllowed(done, &IntentRequest{ExpectedVersion: 5, Rank: 60, At: now}))
}

func TestSweepQuery_Matches(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := SweepQuery{Now: now, IdleBefore: now.Add(-10 * time.Minute), ExpireIdleBefore: now.Add(-time.Hour)}

	assert.True(t, q.Matches(snapshot(StatusProgress, 1, now.Add(-11*time.Minute))))
	assert.False(t, q.Matches(snapshot(StatusProgress, 1, now.Add(-time.Minute))))
	assert.False(t, q.Matches(snapshot(StatusPending, 1, now.Add(-11*time.Minute))))
	assert.True(t, q.Matches(snapshot(StatusIdleTimeout, 1, now.Add(-2*time.Hour))))
	assert.False(t, q.Matches(snapshot(StatusExpired, 1, now.Add(-2*time.Hour))))

	deadline := now.Add(-time.Second)
	fresh := snapshot(StatusProgress, 1, now)
	fresh.ExpiresAt = &deadline
	assert.True(t, q.Matches(fresh))
}
