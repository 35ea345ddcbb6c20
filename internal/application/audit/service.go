package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Service reads the transition audit trail.
type Service struct {
	repo    audit.Repository
	logger  zerolog.Logger
	signKey []byte
}

// NewService creates a new audit service
func NewService(repo audit.Repository, logger zerolog.Logger, signKey []byte) *Service {
	return &Service{
		repo:    repo,
		signKey: signKey,
		logger:  logger.With().Str("service", "audit").Logger(),
	}
}

// QueryParams represents query parameters for the transition feed
type QueryParams struct {
	ConversationID *uuid.UUID
	ToStatus       *conversation.Status
	ChangedBy      *conversation.Actor
	Since          *time.Time
	Until          *time.Time
	Cursor         string
	Limit          int
}

// QueryResult represents one page of the feed
type QueryResult struct {
	Transitions []*conversation.StateTransition `json:"transitions"`
	Pagination  Pagination                      `json:"pagination"`
}

// Pagination holds pagination information
type Pagination struct {
	Cursor  *string `json:"cursor,omitempty"`
	HasMore bool    `json:"hasMore"`
	Count   int     `json:"count"`
}

// Query pages through transitions in ascending (created_at, id) order.
func (s *Service) Query(ctx context.Context, params QueryParams) (*QueryResult, error) {
	if params.Limit <= 0 {
		params.Limit = defaultLimit
	}
	if params.Limit > maxLimit {
		params.Limit = maxLimit
	}

	var cursor *audit.Cursor
	if params.Cursor != "" {
		c, err := DecodeCursor(params.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCursor, err)
		}
		cursor = c
	}

	filter := audit.QueryFilter{
		ConversationID: params.ConversationID,
		ToStatus:       params.ToStatus,
		ChangedBy:      params.ChangedBy,
		Since:          params.Since,
		Until:          params.Until,
	}
	trs, next, err := s.repo.Query(ctx, filter, cursor, params.Limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query transitions")
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	if trs == nil {
		trs = []*conversation.StateTransition{}
	}

	result := &QueryResult{
		Transitions: trs,
		Pagination: Pagination{
			Count:   len(trs),
			HasMore: next != nil,
		},
	}
	if next != nil {
		encoded, err := EncodeCursor(next)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to encode cursor")
		} else {
			result.Pagination.Cursor = &encoded
		}
	}
	return result, nil
}

// History returns every transition of one conversation in version order.
func (s *Service) History(ctx context.Context, conversationID uuid.UUID) ([]*conversation.StateTransition, error) {
	trs, err := s.repo.ListByConversation(ctx, conversationID)
	if err != nil {
		s.logger.Error().Err(err).
			Str("conversation_id", conversationID.String()).
			Msg("failed to get conversation history")
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	if trs == nil {
		trs = []*conversation.StateTransition{}
	}
	return trs, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*conversation.StateTransition, error) {
	tr, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get transition: %w", err)
	}
	return tr, nil
}

// VerifyResult reports whether a row's signature matches its contents.
type VerifyResult struct {
	TransitionID uuid.UUID `json:"transitionId"`
	Verified     bool      `json:"verified"`
	Message      string    `json:"message"`
}

func (s *Service) Verify(ctx context.Context, id uuid.UUID) (*VerifyResult, error) {
	tr, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result := &VerifyResult{TransitionID: id}
	if len(s.signKey) == 0 {
		result.Message = "Signing is not configured"
		return result, nil
	}

	verified, err := audit.VerifyTransitionSignature(tr, s.signKey)
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}
	result.Verified = verified
	if verified {
		result.Message = "Transition integrity verified"
	} else {
		result.Message = "Transition signature mismatch - possible tampering detected"
		s.logger.Warn().
			Str("transition_id", id.String()).
			Msg("transition signature verification failed")
	}
	return result, nil
}

// EncodeCursor encodes a cursor to base64 string
func EncodeCursor(c *audit.Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeCursor decodes a base64 string to cursor
func DecodeCursor(s string) (*audit.Cursor, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var c audit.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
