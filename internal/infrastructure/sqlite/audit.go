package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const transitionColumns = `id, conversation_id, from_status, to_status, version, changed_by, reason, signature, created_at`

func insertTransition(ctx context.Context, q queryer, tr *conversation.StateTransition) error {
	var from any
	if tr.FromStatus != nil {
		from = string(*tr.FromStatus)
	}
	_, err := q.ExecContext(ctx, `INSERT INTO conversation_state_transitions (`+transitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID.String(), tr.ConversationID.String(), from, string(tr.ToStatus), tr.Version, string(tr.ChangedBy), tr.Reason, tr.Signature, nanos(tr.CreatedAt))
	if err != nil {
		return unavailable("insert transition", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*conversation.StateTransition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM conversation_state_transitions WHERE id = ?`, id.String())
	tr, err := scanTransition(row)
	if err != nil {
		return nil, unavailable("get transition", err)
	}
	if tr == nil {
		return nil, conversation.ErrNotFound
	}
	return tr, nil
}

func (s *Store) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*conversation.StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transitionColumns+` FROM conversation_state_transitions
		WHERE conversation_id = ? ORDER BY version ASC
	`, conversationID.String())
	if err != nil {
		return nil, unavailable("list transitions", err)
	}
	defer rows.Close()
	return collectTransitions(rows)
}

func (s *Store) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*conversation.StateTransition, *audit.Cursor, error) {
	query := `SELECT ` + transitionColumns + ` FROM conversation_state_transitions WHERE 1=1`
	var args []any
	if filter.ConversationID != nil {
		query += ` AND conversation_id = ?`
		args = append(args, filter.ConversationID.String())
	}
	if filter.ToStatus != nil {
		query += ` AND to_status = ?`
		args = append(args, string(*filter.ToStatus))
	}
	if filter.ChangedBy != nil {
		query += ` AND changed_by = ?`
		args = append(args, string(*filter.ChangedBy))
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, nanos(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, nanos(*filter.Until))
	}
	if cursor != nil {
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		at := nanos(cursor.CreatedAt)
		args = append(args, at, at, cursor.ID.String())
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, unavailable("query transitions", err)
	}
	defer rows.Close()
	trs, err := collectTransitions(rows)
	if err != nil {
		return nil, nil, err
	}
	var next *audit.Cursor
	if len(trs) > limit {
		trs = trs[:limit]
		last := trs[len(trs)-1]
		next = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return trs, next, nil
}

func collectTransitions(rows *sql.Rows) ([]*conversation.StateTransition, error) {
	var out []*conversation.StateTransition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, unavailable("scan transition", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read transitions", err)
	}
	return out, nil
}

func scanTransition(row scanner) (*conversation.StateTransition, error) {
	var (
		tr                 conversation.StateTransition
		id, conversationID string
		from               sql.NullString
		to, changedBy      string
		createdAt          int64
	)
	if err := row.Scan(&id, &conversationID, &from, &to, &tr.Version, &changedBy, &tr.Reason, &tr.Signature, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var err error
	if tr.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid transition id %q: %w", id, err)
	}
	if tr.ConversationID, err = uuid.Parse(conversationID); err != nil {
		return nil, fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}
	if from.Valid {
		st := conversation.Status(from.String)
		tr.FromStatus = &st
	}
	tr.ToStatus = conversation.Status(to)
	tr.ChangedBy = conversation.Actor(changedBy)
	tr.CreatedAt = fromNanos(createdAt)
	return &tr, nil
}
