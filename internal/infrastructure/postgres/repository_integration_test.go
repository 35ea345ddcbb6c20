//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
	"github.com/execution-hub/convoflow/internal/migrations"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(ctx, pool, migrations.FS))
	_, err = pool.Exec(ctx, `TRUNCATE TABLE conversation_state_transitions, messages, conversations CASCADE`)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func createConversation(t *testing.T, repo *ConversationRepository, now time.Time) *conversation.Conversation {
	t.Helper()
	c, err := conversation.NewConversation("O1", "wa:+A::wa:+B", now, time.Hour)
	require.NoError(t, err)
	got, created, err := repo.ResolveOrCreate(context.Background(), c, conversation.NewCreationTransition(c))
	require.NoError(t, err)
	require.True(t, created)
	return got
}

func TestConversationRepository_ResolveOrCreateConverges(t *testing.T) {
	pool := newTestPool(t)
	repo := NewConversationRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var wg sync.WaitGroup
	ids := make([]string, 6)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := conversation.NewConversation("O1", "wa:+A::wa:+B", now, time.Hour)
			if !assert.NoError(t, err) {
				return
			}
			got, _, err := repo.ResolveOrCreate(ctx, c, conversation.NewCreationTransition(c))
			if assert.NoError(t, err) {
				ids[i] = got.ID.String()
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(1) FROM conversations`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestConversationRepository_TryTransition(t *testing.T) {
	pool := newTestPool(t)
	repo := NewConversationRepository(pool)
	auditRepo := NewAuditRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	c := createConversation(t, repo, now)

	req := func(to conversation.Status, expected int64, at time.Time) *conversation.TransitionRequest {
		snap := *c
		snap.Version = expected
		return &conversation.TransitionRequest{
			ConversationID:  c.ID,
			ExpectedVersion: expected,
			To:              to,
			Rank:            conversation.Rank(to),
			At:              at,
			Audit:           conversation.NewStateTransition(&snap, to, conversation.ActorSystem, "integration", at),
		}
	}

	res, err := repo.TryTransition(ctx, req(conversation.StatusProgress, 1, now.Add(time.Second)))
	require.NoError(t, err)
	require.True(t, res.Committed())
	assert.Equal(t, int64(2), res.Conversation.Version)

	t.Run("stale version conflicts", func(t *testing.T) {
		res, err := repo.TryTransition(ctx, req(conversation.StatusAgentClosed, 1, now.Add(2*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, conversation.OutcomeVersionConflict, res.Outcome)
		assert.Equal(t, conversation.RejectVersionMoved, res.Reason)
	})

	t.Run("illegal edge", func(t *testing.T) {
		res, err := repo.TryTransition(ctx, req(conversation.StatusPending, 2, now.Add(2*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, conversation.OutcomeIllegalTransition, res.Outcome)
	})

	t.Run("intent blocks lower rank", func(t *testing.T) {
		ok, err := repo.AnnounceIntent(ctx, &conversation.IntentRequest{
			ConversationID: c.ID, ExpectedVersion: 2, Rank: conversation.Rank(conversation.StatusUserClosed),
			Until: now.Add(time.Minute), At: now.Add(2 * time.Second),
		})
		require.NoError(t, err)
		require.True(t, ok)

		res, err := repo.TryTransition(ctx, req(conversation.StatusIdleTimeout, 2, now.Add(3*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, conversation.RejectYieldedToIntent, res.Reason)

		res, err = repo.TryTransition(ctx, req(conversation.StatusUserClosed, 2, now.Add(3*time.Second)))
		require.NoError(t, err)
		require.True(t, res.Committed())
		assert.Nil(t, res.Conversation.IntentRank)
		assert.NotNil(t, res.Conversation.EndedAt)
	})

	history, err := auditRepo.ListByConversation(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, tr := range history {
		assert.Equal(t, int64(i+1), tr.Version)
	}

	page, next, err := auditRepo.Query(ctx, audit.QueryFilter{ConversationID: &c.ID}, nil, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	require.NotNil(t, next)
}

func TestMessageRepository_DuplicateDetected(t *testing.T) {
	pool := newTestPool(t)
	repo := NewConversationRepository(pool)
	messages := NewMessageRepository(pool)
	ctx := context.Background()
	c := createConversation(t, repo, time.Now().UTC())

	require.NoError(t, messages.InsertMessage(ctx, conversation.NewMessage("SM123", c.ID, conversation.DirectionInbound, "hi", time.Now())))
	err := messages.InsertMessage(ctx, conversation.NewMessage("SM123", c.ID, conversation.DirectionInbound, "hi", time.Now()))
	assert.ErrorIs(t, err, conversation.ErrDuplicateMessage)
}
