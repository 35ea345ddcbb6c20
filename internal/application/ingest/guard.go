package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

var ErrMissingExternalID = errors.New("external message id is required")

// Result reports whether this call stored the message. When it did not, Message
// is the copy stored by the first delivery.
type Result struct {
	Inserted bool                  `json:"inserted"`
	Message  *conversation.Message `json:"message"`
}

// Guard ensures each external message is processed once. The store's
// uniqueness constraint decides; reads are only a shortcut.
type Guard struct {
	messages conversation.MessageStore
	logger   zerolog.Logger
	now      func() time.Time
}

func NewGuard(messages conversation.MessageStore, logger zerolog.Logger) *Guard {
	return &Guard{
		messages: messages,
		logger:   logger.With().Str("service", "ingest").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest inserts the message and detects redelivery from the insert itself.
func (g *Guard) Ingest(ctx context.Context, externalID string, conversationID uuid.UUID, direction conversation.Direction, body string) (*Result, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, ErrMissingExternalID
	}
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: %q", conversation.ErrInvalidDirection, direction)
	}

	msg := conversation.NewMessage(externalID, conversationID, direction, body, g.now())
	err := g.messages.InsertMessage(ctx, msg)
	if err == nil {
		return &Result{Inserted: true, Message: msg}, nil
	}
	if !errors.Is(err, conversation.ErrDuplicateMessage) {
		return nil, fmt.Errorf("failed to ingest message: %w", err)
	}

	existing, err := g.messages.GetMessageByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load duplicate message: %w", err)
	}
	g.logger.Debug().
		Str("external_message_id", externalID).
		Str("conversation_id", existing.ConversationID.String()).
		Msg("duplicate delivery ignored")
	return &Result{Inserted: false, Message: existing}, nil
}

// Lookup returns the stored message for externalID, if any.
func (g *Guard) Lookup(ctx context.Context, externalID string) (*conversation.Message, bool, error) {
	m, err := g.messages.GetMessageByExternalID(ctx, strings.TrimSpace(externalID))
	if errors.Is(err, conversation.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}
