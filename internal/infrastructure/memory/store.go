package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

// Store is an in-memory conversation store for tests and single-process runs.
// The mutex stands in for the row-level atomicity a database provides; callers
// still coordinate only through the conditional writes below.
type Store struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*conversation.Conversation
	active        map[string]uuid.UUID
	messages      map[string]*conversation.Message
	transitions   []*conversation.StateTransition
}

var (
	_ conversation.Store        = (*Store)(nil)
	_ conversation.MessageStore = (*Store)(nil)
	_ audit.Repository          = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		conversations: make(map[uuid.UUID]*conversation.Conversation),
		active:        make(map[string]uuid.UUID),
		messages:      make(map[string]*conversation.Message),
	}
}

func activeKey(ownerID, sessionKey string) string {
	return ownerID + "|" + sessionKey
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) ResolveOrCreate(ctx context.Context, c *conversation.Conversation, created *conversation.StateTransition) (*conversation.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := activeKey(c.OwnerID, c.SessionKey)
	if id, ok := s.active[key]; ok {
		return s.conversations[id].Clone(), false, nil
	}
	s.conversations[c.ID] = c.Clone()
	s.active[key] = c.ID
	if created != nil {
		s.appendTransition(created)
	}
	return c.Clone(), true, nil
}

func (s *Store) TryTransition(ctx context.Context, req *conversation.TransitionRequest) (*conversation.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[req.ConversationID]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	outcome, reason := conversation.Classify(c, req)
	if outcome != conversation.OutcomeCommitted {
		return &conversation.TransitionResult{Outcome: outcome, Reason: reason, Conversation: c.Clone()}, nil
	}
	conversation.Apply(c, req)
	if c.IsTerminal() {
		delete(s.active, activeKey(c.OwnerID, c.SessionKey))
	}
	if req.Audit != nil {
		s.appendTransition(req.Audit)
	}
	return &conversation.TransitionResult{Outcome: outcome, Conversation: c.Clone()}, nil
}

func (s *Store) AnnounceIntent(ctx context.Context, req *conversation.IntentRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[req.ConversationID]
	if !ok {
		return false, conversation.ErrNotFound
	}
	if !conversation.IntentAllowed(c, req) {
		return false, nil
	}
	rank := req.Rank
	until := req.Until.UTC()
	c.IntentRank = &rank
	c.IntentUntil = &until
	return true, nil
}

func (s *Store) RecordActivity(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return false, conversation.ErrNotFound
	}
	if c.IsTerminal() {
		return false, nil
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at.UTC()
	}
	return true, nil
}

func (s *Store) ListSweepCandidates(ctx context.Context, q conversation.SweepQuery) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conversation.Conversation
	for _, c := range s.conversations {
		if q.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) InsertMessage(ctx context.Context, m *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[m.ExternalMessageID]; exists {
		return conversation.ErrDuplicateMessage
	}
	cp := *m
	s.messages[m.ExternalMessageID] = &cp
	return nil
}

func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[externalID]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conversation.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*conversation.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conversation.StateTransition
	for _, tr := range s.transitions {
		if tr.ConversationID == conversationID {
			out = append(out, cloneTransition(tr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*conversation.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tr := range s.transitions {
		if tr.ID == id {
			return cloneTransition(tr), nil
		}
	}
	return nil, conversation.ErrNotFound
}

func (s *Store) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*conversation.StateTransition, *audit.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*conversation.StateTransition
	for _, tr := range s.transitions {
		if filter.Matches(tr) && cursor.After(tr) {
			matched = append(matched, tr)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	var next *audit.Cursor
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		next = &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	out := make([]*conversation.StateTransition, len(matched))
	for i, tr := range matched {
		out[i] = cloneTransition(tr)
	}
	return out, next, nil
}

func (s *Store) appendTransition(tr *conversation.StateTransition) {
	s.transitions = append(s.transitions, cloneTransition(tr))
}

func cloneTransition(tr *conversation.StateTransition) *conversation.StateTransition {
	cp := *tr
	if tr.FromStatus != nil {
		from := *tr.FromStatus
		cp.FromStatus = &from
	}
	cp.Signature = append([]byte(nil), tr.Signature...)
	return &cp
}
