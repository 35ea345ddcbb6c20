package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const transitionColumns = `id, conversation_id, from_status, to_status, version, changed_by, reason, signature, created_at`

// AuditRepository implements audit.Repository over conversation_state_transitions.
type AuditRepository struct {
	pool *pgxpool.Pool
}

var _ audit.Repository = (*AuditRepository)(nil)

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// insertTransition runs inside the caller's transaction so the audit row
// commits or rolls back with the status change.
func insertTransition(ctx context.Context, q execer, tr *conversation.StateTransition) error {
	_, err := q.Exec(ctx, `
		INSERT INTO conversation_state_transitions (`+transitionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, tr.ID, tr.ConversationID, tr.FromStatus, tr.ToStatus, tr.Version, tr.ChangedBy, tr.Reason, tr.Signature, tr.CreatedAt)
	if err != nil {
		return unavailable("insert transition", err)
	}
	return nil
}

func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*conversation.StateTransition, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+transitionColumns+` FROM conversation_state_transitions WHERE id=$1`, id)
	tr, err := scanTransition(row)
	if err != nil {
		return nil, unavailable("get transition", err)
	}
	if tr == nil {
		return nil, conversation.ErrNotFound
	}
	return tr, nil
}

func (r *AuditRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*conversation.StateTransition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transitionColumns+` FROM conversation_state_transitions
		WHERE conversation_id=$1 ORDER BY version ASC
	`, conversationID)
	if err != nil {
		return nil, unavailable("list transitions", err)
	}
	defer rows.Close()
	return collectTransitions(rows)
}

func (r *AuditRepository) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*conversation.StateTransition, *audit.Cursor, error) {
	query := `SELECT ` + transitionColumns + ` FROM conversation_state_transitions`
	args := []interface{}{}
	idx := 1
	if filter.ConversationID != nil {
		query += " WHERE conversation_id=$" + itoa(idx)
		args = append(args, *filter.ConversationID)
		idx++
	}
	if filter.ToStatus != nil {
		query += addWhere(query) + " to_status=$" + itoa(idx)
		args = append(args, *filter.ToStatus)
		idx++
	}
	if filter.ChangedBy != nil {
		query += addWhere(query) + " changed_by=$" + itoa(idx)
		args = append(args, *filter.ChangedBy)
		idx++
	}
	if filter.Since != nil {
		query += addWhere(query) + " created_at >= $" + itoa(idx)
		args = append(args, *filter.Since)
		idx++
	}
	if filter.Until != nil {
		query += addWhere(query) + " created_at <= $" + itoa(idx)
		args = append(args, *filter.Until)
		idx++
	}
	if cursor != nil {
		query += addWhere(query) + " (created_at, id) > ($" + itoa(idx) + ", $" + itoa(idx+1) + ")"
		args = append(args, cursor.CreatedAt, cursor.ID)
		idx += 2
	}

	// One extra row tells whether another page exists.
	query += " ORDER BY created_at ASC, id ASC LIMIT $" + itoa(idx)
	args = append(args, limit+1)

	rows, err := r.pool.Query(ctx, query, args...)
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

func collectTransitions(rows pgx.Rows) ([]*conversation.StateTransition, error) {
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

func scanTransition(row pgx.Row) (*conversation.StateTransition, error) {
	var tr conversation.StateTransition
	if err := row.Scan(&tr.ID, &tr.ConversationID, &tr.FromStatus, &tr.ToStatus, &tr.Version, &tr.ChangedBy, &tr.Reason, &tr.Signature, &tr.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &tr, nil
}
