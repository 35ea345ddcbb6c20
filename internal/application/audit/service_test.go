package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/convoflow/internal/application/arbiter"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
	"github.com/execution-hub/convoflow/internal/infrastructure/memory"
)

var testKey = []byte("audit-key")

func seed(t *testing.T, store *memory.Store, sessions int) []uuid.UUID {
	t.Helper()
	ctx := context.Background()
	arb := arbiter.NewService(store, nil, zerolog.Nop(), testKey, arbiter.Config{})
	ids := make([]uuid.UUID, 0, sessions)
	for i := 0; i < sessions; i++ {
		c, _, err := arb.Open(ctx, "O1", "a::"+uuid.NewString())
		require.NoError(t, err)
		_, err = arb.Propose(ctx, arbiter.Proposal{ConversationID: c.ID, ExpectedVersion: 1, To: conversation.StatusProgress, Proposer: conversation.ActorAgent})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	return ids
}

func TestQuery_PagesThroughFeed(t *testing.T) {
	store := memory.New()
	seed(t, store, 3)
	s := NewService(store, zerolog.Nop(), testKey)
	ctx := context.Background()

	seen := map[uuid.UUID]bool{}
	var last time.Time
	cursor := ""
	for page := 0; page < 10; page++ {
		res, err := s.Query(ctx, QueryParams{Limit: 4, Cursor: cursor})
		require.NoError(t, err)
		for _, tr := range res.Transitions {
			assert.False(t, seen[tr.ID], "row repeated across pages")
			seen[tr.ID] = true
			assert.False(t, tr.CreatedAt.Before(last))
			last = tr.CreatedAt
		}
		if !res.Pagination.HasMore {
			break
		}
		require.NotNil(t, res.Pagination.Cursor)
		cursor = *res.Pagination.Cursor
	}
	assert.Len(t, seen, 6)
}

func TestQuery_Filters(t *testing.T) {
	store := memory.New()
	ids := seed(t, store, 2)
	s := NewService(store, zerolog.Nop(), testKey)

	status := conversation.StatusProgress
	res, err := s.Query(context.Background(), QueryParams{ConversationID: &ids[0], ToStatus: &status})
	require.NoError(t, err)
	require.Len(t, res.Transitions, 1)
	assert.Equal(t, ids[0], res.Transitions[0].ConversationID)

	_, err = s.Query(context.Background(), QueryParams{Cursor: "%%%"})
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestHistoryAndVerify(t *testing.T) {
	store := memory.New()
	ids := seed(t, store, 1)
	s := NewService(store, zerolog.Nop(), testKey)
	ctx := context.Background()

	trs, err := s.History(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, trs, 2)
	assert.Equal(t, int64(1), trs[0].Version)
	assert.Equal(t, int64(2), trs[1].Version)

	res, err := s.Verify(ctx, trs[1].ID)
	require.NoError(t, err)
	assert.True(t, res.Verified)

	wrongKey := NewService(store, zerolog.Nop(), []byte("other"))
	res, err = wrongKey.Verify(ctx, trs[1].ID)
	require.NoError(t, err)
	assert.False(t, res.Verified)

	_, err = s.Verify(ctx, uuid.New())
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	empty, err := s.History(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCursorRoundTrip(t *testing.T) {
	store := memory.New()
	seed(t, store, 1)
	s := NewService(store, zerolog.Nop(), nil)
	res, err := s.Query(context.Background(), QueryParams{Limit: 1})
	require.NoError(t, err)
	require.NotNil(t, res.Pagination.Cursor)

	c, err := DecodeCursor(*res.Pagination.Cursor)
	require.NoError(t, err)
	assert.Equal(t, res.Transitions[0].ID, c.ID)
}
