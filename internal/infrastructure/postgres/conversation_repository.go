package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const conversationColumns = `id, owner_id, session_key, status, version, started_at, updated_at, ended_at, expires_at, context, metadata, intent_rank, intent_until`

// resolveAttempts bounds the insert/read loop when the active row keeps closing underneath us.
const resolveAttempts = 3

// ConversationRepository implements conversation.Store on Postgres.
type ConversationRepository struct {
	pool *pgxpool.Pool
}

var _ conversation.Store = (*ConversationRepository)(nil)

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
	c, err := scanConversation(row)
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	if c == nil {
		return nil, conversation.ErrNotFound
	}
	return c, nil
}

func (r *ConversationRepository) ResolveOrCreate(ctx context.Context, c *conversation.Conversation, created *conversation.StateTransition) (*conversation.Conversation, bool, error) {
	for attempt := 0; attempt < resolveAttempts; attempt++ {
		inserted, err := r.insertIfAbsent(ctx, c, created)
		if err != nil {
			return nil, false, err
		}
		if inserted {
			return c, true, nil
		}
		row := r.pool.QueryRow(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE owner_id=$1 AND session_key=$2 AND status = ANY($3::text[])
		`, c.OwnerID, c.SessionKey, conversation.StatusStrings(conversation.ActiveStatuses))
		existing, err := scanConversation(row)
		if err != nil {
			return nil, false, unavailable("read active conversation", err)
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, unavailable("resolve conversation", errors.New("active conversation changed during resolve"))
}

// insertIfAbsent relies on the partial unique index over active rows; a
// concurrent winner turns the insert into a no-op.
func (r *ConversationRepository) insertIfAbsent(ctx context.Context, c *conversation.Conversation, created *conversation.StateTransition) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, unavailable("begin transaction", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT DO NOTHING
	`, c.ID, c.OwnerID, c.SessionKey, c.Status, c.Version, c.StartedAt, c.UpdatedAt, c.EndedAt, c.ExpiresAt, nullJSON(c.Context), nullJSON(c.Metadata), c.IntentRank, c.IntentUntil)
	if err != nil {
		return false, unavailable("insert conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if created != nil {
		if err := insertTransition(ctx, tx, created); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, unavailable("commit conversation", err)
	}
	return true, nil
}

func (r *ConversationRepository) TryTransition(ctx context.Context, req *conversation.TransitionRequest) (*conversation.TransitionResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer rollback(ctx, tx)

	var endedAt *time.Time
	if req.To.IsTerminal() {
		at := req.At.UTC()
		endedAt = &at
	}
	row := tx.QueryRow(ctx, `
		UPDATE conversations
		SET status=$1, version=version+1, updated_at=$2, ended_at=COALESCE($3, ended_at), intent_rank=NULL, intent_until=NULL
		WHERE id=$4 AND version=$5 AND status = ANY($6::text[])
		  AND (intent_rank IS NULL OR intent_until <= $2 OR intent_rank <= $7)
		  AND ($8::timestamptz IS NULL OR updated_at <= $8)
		RETURNING `+conversationColumns,
		req.To, req.At.UTC(), endedAt, req.ConversationID, req.ExpectedVersion,
		conversation.StatusStrings(conversation.LegalSources(req.To)), req.Rank, req.IdleCutoff)
	updated, err := scanConversation(row)
	if err != nil {
		return nil, unavailable("update conversation", err)
	}
	if updated == nil {
		rollback(ctx, tx)
		return r.classifyRejected(ctx, req)
	}
	if req.Audit != nil {
		if err := insertTransition(ctx, tx, req.Audit); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit transition", err)
	}
	return &conversation.TransitionResult{Outcome: conversation.OutcomeCommitted, Conversation: updated}, nil
}

// classifyRejected explains a conditional write that matched no row.
func (r *ConversationRepository) classifyRejected(ctx context.Context, req *conversation.TransitionRequest) (*conversation.TransitionResult, error) {
	current, err := r.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	outcome, reason := conversation.Classify(current, req)
	if outcome == conversation.OutcomeCommitted {
		// The guard that blocked the write cleared before this read (an intent
		// expired). Report a lost race so the caller re-reads.
		outcome, reason = conversation.OutcomeVersionConflict, conversation.RejectVersionMoved
	}
	return &conversation.TransitionResult{Outcome: outcome, Reason: reason, Conversation: current}, nil
}

func (r *ConversationRepository) AnnounceIntent(ctx context.Context, req *conversation.IntentRequest) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations SET intent_rank=$1, intent_until=$2
		WHERE id=$3 AND version=$4 AND status = ANY($5::text[])
		  AND (intent_rank IS NULL OR intent_until <= $6 OR intent_rank <= $1)
	`, req.Rank, req.Until.UTC(), req.ConversationID, req.ExpectedVersion,
		conversation.StatusStrings(conversation.ActiveStatuses), req.At.UTC())
	if err != nil {
		return false, unavailable("announce intent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ConversationRepository) RecordActivity(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations SET updated_at=GREATEST(updated_at, $2)
		WHERE id=$1 AND status = ANY($3::text[])
	`, id, at.UTC(), conversation.StatusStrings(conversation.ActiveStatuses))
	if err != nil {
		return false, unavailable("record activity", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ConversationRepository) ListSweepCandidates(ctx context.Context, q conversation.SweepQuery) ([]*conversation.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status IN ('PENDING','PROGRESS','IDLE_TIMEOUT')
		  AND ((expires_at IS NOT NULL AND expires_at <= $1)
		    OR (status='PROGRESS' AND updated_at <= $2)
		    OR (status IN ('PENDING','IDLE_TIMEOUT') AND updated_at <= $3))
		ORDER BY updated_at ASC
		LIMIT $4
	`, q.Now.UTC(), q.IdleBefore.UTC(), q.ExpireIdleBefore.UTC(), q.Limit)
	if err != nil {
		return nil, unavailable("list sweep candidates", err)
	}
	defer rows.Close()
	var out []*conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, unavailable("scan sweep candidate", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list sweep candidates", err)
	}
	return out, nil
}

func scanConversation(row pgx.Row) (*conversation.Conversation, error) {
	var c conversation.Conversation
	if err := row.Scan(&c.ID, &c.OwnerID, &c.SessionKey, &c.Status, &c.Version, &c.StartedAt, &c.UpdatedAt, &c.EndedAt, &c.ExpiresAt, &c.Context, &c.Metadata, &c.IntentRank, &c.IntentUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
