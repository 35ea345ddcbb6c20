package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

// Cursor marks a position in the ascending (created_at, id) transition feed.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        uuid.UUID `json:"id"`
}

// QueryFilter narrows the transition feed.
type QueryFilter struct {
	ConversationID *uuid.UUID
	ToStatus       *conversation.Status
	ChangedBy      *conversation.Actor
	Since          *time.Time
	Until          *time.Time
}

// Repository reads the audit trail. Rows are written by the conversation
// store inside the same atomic write as the status change they record.
type Repository interface {
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*conversation.StateTransition, error)
	GetByID(ctx context.Context, id uuid.UUID) (*conversation.StateTransition, error)
	// Query returns rows after cursor in ascending order and the cursor of the
	// last row when more rows may follow.
	Query(ctx context.Context, filter QueryFilter, cursor *Cursor, limit int) ([]*conversation.StateTransition, *Cursor, error)
}

// Matches reports whether tr satisfies the filter.
func (f QueryFilter) Matches(tr *conversation.StateTransition) bool {
	if f.ConversationID != nil && tr.ConversationID != *f.ConversationID {
		return false
	}
	if f.ToStatus != nil && tr.ToStatus != *f.ToStatus {
		return false
	}
	if f.ChangedBy != nil && tr.ChangedBy != *f.ChangedBy {
		return false
	}
	if f.Since != nil && tr.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && tr.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

// After reports whether tr sorts strictly after the cursor position.
func (c *Cursor) After(tr *conversation.StateTransition) bool {
	if c == nil {
		return true
	}
	if tr.CreatedAt.Equal(c.CreatedAt) {
		return tr.ID.String() > c.ID.String()
	}
	return tr.CreatedAt.After(c.CreatedAt)
}
