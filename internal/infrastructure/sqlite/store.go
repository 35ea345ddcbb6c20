package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

// Store is a single-node SQLite implementation of the conversation, message
// and audit stores. Timestamps are stored as unix nanoseconds so range
// predicates compare numerically.
type Store struct {
	db *sql.DB
}

var (
	_ conversation.Store        = (*Store)(nil)
	_ conversation.MessageStore = (*Store)(nil)
	_ audit.Repository          = (*Store)(nil)
)

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers; conditional writes stay atomic.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			ended_at INTEGER,
			expires_at INTEGER,
			context TEXT,
			metadata TEXT,
			intent_rank INTEGER,
			intent_until INTEGER
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_session
			ON conversations(owner_id, session_key)
			WHERE status IN ('PENDING','PROGRESS','IDLE_TIMEOUT')`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			external_message_id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_state_transitions (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			from_status TEXT,
			to_status TEXT NOT NULL,
			version INTEGER NOT NULL,
			changed_by TEXT NOT NULL,
			reason TEXT NOT NULL,
			signature BLOB,
			created_at INTEGER NOT NULL,
			UNIQUE (conversation_id, version),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_feed ON conversation_state_transitions(created_at, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

const conversationColumns = `id, owner_id, session_key, status, version, started_at, updated_at, ended_at, expires_at, context, metadata, intent_rank, intent_until`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q queryer, id uuid.UUID) (*conversation.Conversation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	c, err := scanConversation(row)
	if err != nil {
		return nil, unavailable("get conversation", err)
	}
	if c == nil {
		return nil, conversation.ErrNotFound
	}
	return c, nil
}

func (s *Store) ResolveOrCreate(ctx context.Context, c *conversation.Conversation, created *conversation.StateTransition) (*conversation.Conversation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, c.ID.String(), c.OwnerID, c.SessionKey, string(c.Status), c.Version, nanos(c.StartedAt), nanos(c.UpdatedAt),
		nanosPtr(c.EndedAt), nanosPtr(c.ExpiresAt), nullText(c.Context), nullText(c.Metadata), c.IntentRank, nanosPtr(c.IntentUntil))
	if err != nil {
		return nil, false, unavailable("insert conversation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		row := tx.QueryRowContext(ctx, `
			SELECT `+conversationColumns+` FROM conversations
			WHERE owner_id = ? AND session_key = ? AND status IN ('PENDING','PROGRESS','IDLE_TIMEOUT')
		`, c.OwnerID, c.SessionKey)
		existing, err := scanConversation(row)
		if err != nil {
			return nil, false, unavailable("read active conversation", err)
		}
		if existing == nil {
			return nil, false, unavailable("resolve conversation", errors.New("conflicting row is not active"))
		}
		return existing, false, nil
	}
	if created != nil {
		if err := insertTransition(ctx, tx, created); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, unavailable("commit conversation", err)
	}
	return c, true, nil
}

func (s *Store) TryTransition(ctx context.Context, req *conversation.TransitionRequest) (*conversation.TransitionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	sources := conversation.LegalSources(req.To)
	if len(sources) == 0 {
		current, err := getConversation(ctx, tx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		outcome, reason := conversation.Classify(current, req)
		return &conversation.TransitionResult{Outcome: outcome, Reason: reason, Conversation: current}, nil
	}

	at := nanos(req.At)
	var endedAt any
	if req.To.IsTerminal() {
		endedAt = at
	}
	var cutoff any
	if req.IdleCutoff != nil {
		cutoff = nanos(*req.IdleCutoff)
	}
	args := []any{string(req.To), at, endedAt, req.ConversationID.String(), req.ExpectedVersion}
	for _, st := range sources {
		args = append(args, string(st))
	}
	args = append(args, at, req.Rank, cutoff, cutoff)

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, version = version + 1, updated_at = ?, ended_at = COALESCE(?, ended_at), intent_rank = NULL, intent_until = NULL
		WHERE id = ? AND version = ? AND status IN (`+placeholders(len(sources))+`)
		  AND (intent_rank IS NULL OR intent_until <= ? OR intent_rank <= ?)
		  AND (? IS NULL OR updated_at <= ?)
	`, args...)
	if err != nil {
		return nil, unavailable("update conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable("update conversation", err)
	}

	current, err := getConversation(ctx, tx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		outcome, reason := conversation.Classify(current, req)
		if outcome == conversation.OutcomeCommitted {
			outcome, reason = conversation.OutcomeVersionConflict, conversation.RejectVersionMoved
		}
		return &conversation.TransitionResult{Outcome: outcome, Reason: reason, Conversation: current}, nil
	}
	if req.Audit != nil {
		if err := insertTransition(ctx, tx, req.Audit); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit transition", err)
	}
	return &conversation.TransitionResult{Outcome: conversation.OutcomeCommitted, Conversation: current}, nil
}

func (s *Store) AnnounceIntent(ctx context.Context, req *conversation.IntentRequest) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET intent_rank = ?, intent_until = ?
		WHERE id = ? AND version = ? AND status IN ('PENDING','PROGRESS','IDLE_TIMEOUT')
		  AND (intent_rank IS NULL OR intent_until <= ? OR intent_rank <= ?)
	`, req.Rank, nanos(req.Until), req.ConversationID.String(), req.ExpectedVersion, nanos(req.At), req.Rank)
	if err != nil {
		return false, unavailable("announce intent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("announce intent", err)
	}
	return n == 1, nil
}

func (s *Store) RecordActivity(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status IN ('PENDING','PROGRESS','IDLE_TIMEOUT')
	`, nanos(at), id.String())
	if err != nil {
		return false, unavailable("record activity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("record activity", err)
	}
	return n == 1, nil
}

func (s *Store) ListSweepCandidates(ctx context.Context, q conversation.SweepQuery) ([]*conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE status IN ('PENDING','PROGRESS','IDLE_TIMEOUT')
		  AND ((expires_at IS NOT NULL AND expires_at <= ?)
		    OR (status = 'PROGRESS' AND updated_at <= ?)
		    OR (status IN ('PENDING','IDLE_TIMEOUT') AND updated_at <= ?))
		ORDER BY updated_at ASC
		LIMIT ?
	`, nanos(q.Now), nanos(q.IdleBefore), nanos(q.ExpireIdleBefore), q.Limit)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*conversation.Conversation, error) {
	var (
		c                               conversation.Conversation
		id, status                      string
		startedAt, updatedAt            int64
		endedAt, expiresAt, intentUntil sql.NullInt64
		intentRank                      sql.NullInt64
		contextJSON, metadataJSON       sql.NullString
	)
	if err := row.Scan(&id, &c.OwnerID, &c.SessionKey, &status, &c.Version, &startedAt, &updatedAt, &endedAt, &expiresAt, &contextJSON, &metadataJSON, &intentRank, &intentUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid conversation id %q: %w", id, err)
	}
	c.ID = parsed
	c.Status = conversation.Status(status)
	c.StartedAt = fromNanos(startedAt)
	c.UpdatedAt = fromNanos(updatedAt)
	c.EndedAt = fromNullNanos(endedAt)
	c.ExpiresAt = fromNullNanos(expiresAt)
	c.IntentUntil = fromNullNanos(intentUntil)
	if intentRank.Valid {
		r := int(intentRank.Int64)
		c.IntentRank = &r
	}
	if contextJSON.Valid {
		c.Context = []byte(contextJSON.String)
	}
	if metadataJSON.Valid {
		c.Metadata = []byte(metadataJSON.String)
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", conversation.ErrStorageUnavailable, op, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
