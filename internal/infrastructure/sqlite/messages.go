package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const messageColumns = `id, external_message_id, conversation_id, direction, body, created_at`

func (s *Store) InsertMessage(ctx context.Context, m *conversation.Message) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.ExternalMessageID, m.ConversationID.String(), string(m.Direction), m.Body, nanos(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return conversation.ErrDuplicateMessage
		}
		return unavailable("insert message", err)
	}
	return nil
}

func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*conversation.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_message_id = ?`, externalID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, unavailable("get message", err)
	}
	if m == nil {
		return nil, conversation.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?
	`, conversationID.String(), limit)
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

func scanMessage(row scanner) (*conversation.Message, error) {
	var (
		m                  conversation.Message
		id, conversationID string
		direction          string
		createdAt          int64
	)
	if err := row.Scan(&id, &m.ExternalMessageID, &conversationID, &direction, &m.Body, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	if m.ConversationID, err = uuid.Parse(conversationID); err != nil {
		return nil, fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}
	m.Direction = conversation.Direction(direction)
	m.CreatedAt = fromNanos(createdAt)
	return &m, nil
}
