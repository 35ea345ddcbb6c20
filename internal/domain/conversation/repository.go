package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Store,MessageStore

// Store persists conversations. Every status change goes through TryTransition,
// a single atomic conditional write that also appends the audit row.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// ResolveOrCreate returns the active conversation for (OwnerID, SessionKey)
	// or inserts c together with its creation audit row. Concurrent callers
	// converge on one row.
	ResolveOrCreate(ctx context.Context, c *Conversation, created *StateTransition) (*Conversation, bool, error)
	TryTransition(ctx context.Context, req *TransitionRequest) (*TransitionResult, error)
	AnnounceIntent(ctx context.Context, req *IntentRequest) (bool, error)
	// RecordActivity advances updated_at on a non-terminal row without a version bump.
	RecordActivity(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ListSweepCandidates(ctx context.Context, q SweepQuery) ([]*Conversation, error)
}

// MessageStore persists messages, unique by external message id.
type MessageStore interface {
	// InsertMessage returns ErrDuplicateMessage when the external id already exists.
	InsertMessage(ctx context.Context, m *Message) error
	GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*Message, error)
}
