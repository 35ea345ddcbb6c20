package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/convoflow/internal/application/arbiter"
	"github.com/execution-hub/convoflow/internal/application/ingest"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const defaultAttempts = 3

// Responder produces the agent's reply to a new inbound message.
type Responder interface {
	Respond(ctx context.Context, c *conversation.Conversation, m *conversation.Message) error
}

// Arbiter is the part of the arbiter the inbound path drives.
type Arbiter interface {
	Open(ctx context.Context, ownerID, sessionKey string) (*conversation.Conversation, bool, error)
	Propose(ctx context.Context, p arbiter.Proposal) (*arbiter.Decision, error)
}

// Request is one message crossing the channel boundary.
type Request struct {
	OwnerID           string                 `json:"owner_id"`
	From              string                 `json:"from"`
	To                string                 `json:"to"`
	ExternalMessageID string                 `json:"external_message_id"`
	Direction         conversation.Direction `json:"direction"`
	Body              string                 `json:"body"`
}

// Result describes what handling the message did.
type Result struct {
	Duplicate    bool                       `json:"duplicate"`
	Created      bool                       `json:"created"`
	Responded    bool                       `json:"responded"`
	Conversation *conversation.Conversation `json:"conversation,omitempty"`
	Message      *conversation.Message      `json:"message"`
}

type Service struct {
	store     conversation.Store
	guard     *ingest.Guard
	arbiter   Arbiter
	responder Responder
	logger    zerolog.Logger
	attempts  int
	now       func() time.Time
}

// NewService wires the inbound path. responder may be nil.
func NewService(store conversation.Store, guard *ingest.Guard, arb Arbiter, responder Responder, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		guard:     guard,
		arbiter:   arb,
		responder: responder,
		logger:    logger.With().Str("service", "inbound").Logger(),
		attempts:  defaultAttempts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleInbound attaches the message to the active conversation for its
// session and moves the lifecycle forward. Redeliveries have no side effects.
func (s *Service) HandleInbound(ctx context.Context, req Request) (*Result, error) {
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("%w: %q", conversation.ErrInvalidDirection, req.Direction)
	}
	if req.ExternalMessageID == "" {
		return nil, ingest.ErrMissingExternalID
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", conversation.ErrInvalidSessionKey)
	}

	if existing, found, err := s.guard.Lookup(ctx, req.ExternalMessageID); err != nil {
		return nil, err
	} else if found {
		return &Result{Duplicate: true, Message: existing}, nil
	}

	sessionKey, err := conversation.BuildSessionKey(req.From, req.To)
	if err != nil {
		return nil, err
	}
	conv, created, err := s.arbiter.Open(ctx, req.OwnerID, sessionKey)
	if err != nil {
		return nil, err
	}

	ingested, err := s.guard.Ingest(ctx, req.ExternalMessageID, conv.ID, req.Direction, req.Body)
	if err != nil {
		return nil, err
	}
	if !ingested.Inserted {
		return &Result{Duplicate: true, Message: ingested.Message}, nil
	}

	log := s.logger.With().
		Str("conversation_id", conv.ID.String()).
		Str("external_message_id", req.ExternalMessageID).
		Str("direction", string(req.Direction)).
		Logger()

	conv, err = s.advance(ctx, conv, req.Direction, log)
	if err != nil {
		return nil, err
	}

	res := &Result{Created: created, Conversation: conv, Message: ingested.Message}
	if conv.IsTerminal() {
		log.Warn().Str("status", string(conv.Status)).Msg("message attached to closed conversation")
		return res, nil
	}
	if req.Direction == conversation.DirectionInbound && s.responder != nil {
		if err := s.responder.Respond(ctx, conv, ingested.Message); err != nil {
			log.Error().Err(err).Msg("responder failed")
		} else {
			res.Responded = true
		}
	}
	return res, nil
}

// advance applies the message's effect on the lifecycle, re-reading after lost races.
func (s *Service) advance(ctx context.Context, conv *conversation.Conversation, dir conversation.Direction, log zerolog.Logger) (*conversation.Conversation, error) {
	for i := 0; i < s.attempts; i++ {
		if conv.IsTerminal() {
			return conv, nil
		}
		to, by, ok := target(conv.Status, dir)
		if !ok {
			active, err := s.store.RecordActivity(ctx, conv.ID, s.now())
			if err != nil {
				return nil, err
			}
			if active {
				return s.store.Get(ctx, conv.ID)
			}
		} else {
			d, err := s.arbiter.Propose(ctx, arbiter.Proposal{
				ConversationID:  conv.ID,
				ExpectedVersion: conv.Version,
				To:              to,
				Proposer:        by,
				Reason:          "message " + string(dir),
			})
			if err != nil {
				return nil, err
			}
			if d.Accepted {
				return d.Conversation, nil
			}
			log.Debug().Str("reason", string(d.Reason)).Msg("lifecycle advance lost race")
		}
		next, err := s.store.Get(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		conv = next
	}
	log.Warn().Int("attempts", s.attempts).Msg("lifecycle advance gave up")
	return conv, nil
}

// target is the transition a message implies for the current status.
func target(status conversation.Status, dir conversation.Direction) (conversation.Status, conversation.Actor, bool) {
	switch {
	case dir == conversation.DirectionInbound && status == conversation.StatusIdleTimeout:
		return conversation.StatusProgress, conversation.ActorUser, true
	case dir == conversation.DirectionOutbound && (status == conversation.StatusPending || status == conversation.StatusIdleTimeout):
		return conversation.StatusProgress, conversation.ActorAgent, true
	}
	return "", "", false
}

// IsClientError reports whether err stems from a malformed request.
func IsClientError(err error) bool {
	return errors.Is(err, conversation.ErrInvalidSessionKey) ||
		errors.Is(err, ingest.ErrMissingExternalID) ||
		errors.Is(err, conversation.ErrInvalidDirection)
}
