package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/execution-hub/convoflow/internal/domain/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const defaultIntentTTL = 5 * time.Second

// Publisher receives every committed audit row. Implementations must not block.
type Publisher interface {
	Publish(tr *conversation.StateTransition)
}

// Proposal asks for one status change at a known version.
type Proposal struct {
	ConversationID  uuid.UUID
	ExpectedVersion int64
	To              conversation.Status
	Proposer        conversation.Actor
	Reason          string
	// IdleCutoff makes the proposal lose to activity recorded after it.
	IdleCutoff *time.Time
}

// Decision is the arbiter's answer. Rejections are values, not errors.
type Decision struct {
	Accepted     bool                          `json:"accepted"`
	NewVersion   int64                         `json:"newVersion,omitempty"`
	Conflict     conversation.Outcome          `json:"conflict,omitempty"`
	Reason       conversation.RejectReason     `json:"reason,omitempty"`
	Yielded      bool                          `json:"yielded,omitempty"`
	Conversation *conversation.Conversation    `json:"conversation,omitempty"`
	Transition   *conversation.StateTransition `json:"transition,omitempty"`
}

// Err maps a rejection to its sentinel; nil when accepted.
func (d *Decision) Err() error {
	if d == nil || d.Accepted {
		return nil
	}
	switch d.Conflict {
	case conversation.OutcomeIllegalTransition:
		return conversation.ErrIllegalTransition
	default:
		return conversation.ErrVersionConflict
	}
}

type Config struct {
	IntentTTL   time.Duration
	MaxLifetime time.Duration
}

// Service arbitrates concurrent proposers through the store's conditional write.
type Service struct {
	store     conversation.Store
	publisher Publisher
	logger    zerolog.Logger
	signKey   []byte
	intentTTL time.Duration
	lifetime  time.Duration
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates a new arbiter. publisher may be nil.
func NewService(store conversation.Store, publisher Publisher, logger zerolog.Logger, signKey []byte, cfg Config) *Service {
	ttl := cfg.IntentTTL
	if ttl <= 0 {
		ttl = defaultIntentTTL
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("service", "arbiter").Logger(),
		signKey:   signKey,
		intentTTL: ttl,
		lifetime:  cfg.MaxLifetime,
		tracer:    otel.Tracer("convoflow/arbiter"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open resolves the active conversation for (ownerID, sessionKey), creating it
// when none exists. Concurrent callers converge on one row.
func (s *Service) Open(ctx context.Context, ownerID, sessionKey string) (*conversation.Conversation, bool, error) {
	c, err := conversation.NewConversation(ownerID, sessionKey, s.now(), s.lifetime)
	if err != nil {
		return nil, false, err
	}
	created := conversation.NewCreationTransition(c)
	if err := s.sign(created); err != nil {
		return nil, false, err
	}
	resolved, isNew, err := s.store.ResolveOrCreate(ctx, c, created)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	if isNew {
		s.logger.Info().
			Str("conversation_id", resolved.ID.String()).
			Str("owner_id", ownerID).
			Msg("conversation created")
		s.publish(created)
	}
	return resolved, isNew, nil
}

// Propose attempts one transition. Stale versions, illegal edges and
// higher-priority intents come back as rejected decisions.
func (s *Service) Propose(ctx context.Context, p Proposal) (*Decision, error) {
	if !p.Proposer.Valid() {
		return nil, fmt.Errorf("%w: %q", conversation.ErrInvalidActor, p.Proposer)
	}

	ctx, span := s.tracer.Start(ctx, "arbiter.propose", trace.WithAttributes(
		attribute.String("conversation.id", p.ConversationID.String()),
		attribute.Int64("conversation.expected_version", p.ExpectedVersion),
		attribute.String("conversation.to_status", string(p.To)),
		attribute.String("conversation.proposer", string(p.Proposer)),
	))
	defer span.End()

	d, err := s.propose(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("decision.accepted", d.Accepted),
		attribute.String("decision.conflict", string(d.Conflict)),
		attribute.String("decision.reason", string(d.Reason)),
	)
	return d, nil
}

func (s *Service) propose(ctx context.Context, p Proposal) (*Decision, error) {
	log := s.logger.With().
		Str("conversation_id", p.ConversationID.String()).
		Int64("expected_version", p.ExpectedVersion).
		Str("to_status", string(p.To)).
		Str("proposer", string(p.Proposer)).
		Logger()

	current, err := s.store.Get(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if current.Version != p.ExpectedVersion {
		log.Debug().Int64("current_version", current.Version).Msg("stale proposal")
		return rejected(conversation.OutcomeVersionConflict, conversation.RejectVersionMoved, current), nil
	}
	if !conversation.CanTransition(current.Status, p.To) {
		log.Warn().Str("from_status", string(current.Status)).Msg("illegal transition proposed")
		return rejected(conversation.OutcomeIllegalTransition, conversation.RejectIllegalEdge, current), nil
	}

	at := s.now()
	rank := conversation.Rank(p.To)
	if conversation.AnnouncesIntent(p.To) {
		announced, err := s.store.AnnounceIntent(ctx, &conversation.IntentRequest{
			ConversationID:  p.ConversationID,
			ExpectedVersion: p.ExpectedVersion,
			Rank:            rank,
			Until:           at.Add(s.intentTTL),
			At:              at,
		})
		if err != nil {
			return nil, err
		}
		if !announced {
			log.Debug().Msg("intent not announced")
		}
	}

	tr := conversation.NewStateTransition(current, p.To, p.Proposer, p.Reason, at)
	if err := s.sign(tr); err != nil {
		return nil, err
	}

	res, err := s.store.TryTransition(ctx, &conversation.TransitionRequest{
		ConversationID:  p.ConversationID,
		ExpectedVersion: p.ExpectedVersion,
		To:              p.To,
		Rank:            rank,
		At:              at,
		IdleCutoff:      p.IdleCutoff,
		Audit:           tr,
	})
	if err != nil {
		log.Error().Err(err).Msg("transition write failed")
		return nil, err
	}

	if !res.Committed() {
		d := rejected(res.Outcome, res.Reason, res.Conversation)
		if res.Outcome == conversation.OutcomeIllegalTransition {
			log.Warn().Str("reason", string(res.Reason)).Msg("transition rejected as illegal")
		} else {
			log.Debug().Str("reason", string(res.Reason)).Bool("yielded", d.Yielded).Msg("transition lost race")
		}
		return d, nil
	}

	log.Info().
		Str("from_status", string(current.Status)).
		Int64("new_version", res.Conversation.Version).
		Msg("transition committed")
	s.publish(tr)

	return &Decision{
		Accepted:     true,
		NewVersion:   res.Conversation.Version,
		Conversation: res.Conversation,
		Transition:   tr,
	}, nil
}

// Advance re-reads and re-proposes after version conflicts until the
// transition commits, turns illegal, or attempts run out.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, to conversation.Status, by conversation.Actor, reason string, attempts int) (*Decision, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var last *Decision
	for i := 0; i < attempts; i++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		d, err := s.Propose(ctx, Proposal{
			ConversationID:  id,
			ExpectedVersion: current.Version,
			To:              to,
			Proposer:        by,
			Reason:          reason,
		})
		if err != nil {
			return nil, err
		}
		if d.Accepted || d.Conflict == conversation.OutcomeIllegalTransition {
			return d, nil
		}
		last = d
	}
	return last, nil
}

func (s *Service) sign(tr *conversation.StateTransition) error {
	if len(s.signKey) == 0 {
		return nil
	}
	sig, err := audit.SignTransition(tr, s.signKey)
	if err != nil {
		return fmt.Errorf("failed to sign transition: %w", err)
	}
	tr.Signature = sig
	return nil
}

func (s *Service) publish(tr *conversation.StateTransition) {
	if s.publisher != nil {
		s.publisher.Publish(tr)
	}
}

func rejected(outcome conversation.Outcome, reason conversation.RejectReason, snapshot *conversation.Conversation) *Decision {
	return &Decision{
		Conflict:     outcome,
		Reason:       reason,
		Yielded:      reason == conversation.RejectYieldedToIntent,
		Conversation: snapshot,
	}
}
