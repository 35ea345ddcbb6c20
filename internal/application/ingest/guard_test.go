package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
	"github.com/execution-hub/convoflow/internal/domain/conversation/mocks"
	"github.com/execution-hub/convoflow/internal/infrastructure/memory"
)

func TestIngest_InsertsOnceUnderRedelivery(t *testing.T) {
	g := NewGuard(memory.New(), zerolog.Nop())
	ctx := context.Background()
	convID := uuid.New()

	const deliveries = 20
	results := make([]*Result, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Ingest(ctx, "SM1", convID, conversation.DirectionInbound, "hello")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	inserted := 0
	var first uuid.UUID
	for _, r := range results {
		require.NotNil(t, r)
		if r.Inserted {
			inserted++
			first = r.Message.ID
		}
	}
	assert.Equal(t, 1, inserted)
	for _, r := range results {
		assert.Equal(t, first, r.Message.ID)
	}
}

func TestIngest_Validation(t *testing.T) {
	g := NewGuard(memory.New(), zerolog.Nop())
	_, err := g.Ingest(context.Background(), "  ", uuid.New(), conversation.DirectionInbound, "")
	assert.ErrorIs(t, err, ErrMissingExternalID)
	_, err = g.Ingest(context.Background(), "SM1", uuid.New(), "sideways", "")
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	g := NewGuard(memory.New(), zerolog.Nop())
	ctx := context.Background()

	_, found, err := g.Lookup(ctx, "SM1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = g.Ingest(ctx, "SM1", uuid.New(), conversation.DirectionOutbound, "hi")
	require.NoError(t, err)
	m, found, err := g.Lookup(ctx, "SM1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, conversation.DirectionOutbound, m.Direction)
}

func TestIngest_StorageErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	messages := mocks.NewMockMessageStore(ctrl)
	g := NewGuard(messages, zerolog.Nop())
	down := fmt.Errorf("%w: boom", conversation.ErrStorageUnavailable)

	messages.EXPECT().InsertMessage(gomock.Any(), gomock.Any()).Return(down)
	_, err := g.Ingest(context.Background(), "SM1", uuid.New(), conversation.DirectionInbound, "")
	assert.ErrorIs(t, err, conversation.ErrStorageUnavailable)

	messages.EXPECT().GetMessageByExternalID(gomock.Any(), "SM1").Return(nil, down)
	_, _, err = g.Lookup(context.Background(), "SM1")
	assert.ErrorIs(t, err, conversation.ErrStorageUnavailable)
}
