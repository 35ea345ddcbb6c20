package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

// MessageRepository implements conversation.MessageStore.
type MessageRepository struct {
	pool *pgxpool.Pool
}

var _ conversation.MessageStore = (*MessageRepository)(nil)

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// InsertMessage writes unconditionally and lets the unique constraint on
// external_message_id detect redeliveries.
func (r *MessageRepository) InsertMessage(ctx context.Context, m *conversation.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, external_message_id, conversation_id, direction, body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, m.ID, m.ExternalMessageID, m.ConversationID, m.Direction, m.Body, m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return conversation.ErrDuplicateMessage
		}
		return unavailable("insert message", err)
	}
	return nil
}

func (r *MessageRepository) GetMessageByExternalID(ctx context.Context, externalID string) (*conversation.Message, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, external_message_id, conversation_id, direction, body, created_at
		FROM messages WHERE external_message_id=$1
	`, externalID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, unavailable("get message", err)
	}
	if m == nil {
		return nil, conversation.ErrNotFound
	}
	return m, nil
}

func (r *MessageRepository) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*conversation.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, external_message_id, conversation_id, direction, body, created_at
		FROM messages WHERE conversation_id=$1 ORDER BY created_at ASC LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	defer rows.Close()
	var out []*conversation.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("scan message", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (*conversation.Message, error) {
	var m conversation.Message
	if err := row.Scan(&m.ID, &m.ExternalMessageID, &m.ConversationID, &m.Direction, &m.Body, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}
