package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/execution-hub/convoflow/internal/application/arbiter"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

// Proposer submits transitions on the sweeper's behalf.
type Proposer interface {
	Propose(ctx context.Context, p arbiter.Proposal) (*arbiter.Decision, error)
}

type Config struct {
	Interval    time.Duration
	IdleAfter   time.Duration
	ExpireAfter time.Duration
	BatchSize   int
}

// Summary counts what one tick did.
type Summary struct {
	Candidates   int `json:"candidates"`
	Idled        int `json:"idled"`
	Expired      int `json:"expired"`
	RacesAvoided int `json:"races_avoided"`
	Illegal      int `json:"illegal"`
	Failures     int `json:"failures"`
}

// Sweeper proposes IDLE_TIMEOUT and EXPIRED for stale conversations. Every
// proposal uses the version read at selection, so any number of sweepers may
// run against the same store.
type Sweeper struct {
	store    conversation.Store
	proposer Proposer
	cfg      Config
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(store conversation.Store, proposer Proposer, cfg Config, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Sweeper{
		store:    store,
		proposer: proposer,
		cfg:      cfg,
		logger:   logger.With().Str("service", "sweeper").Logger(),
		tracer:   otel.Tracer("convoflow/sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("sweep tick failed")
			}
		}
	}
}

// Tick runs one sweep. Only a failure to list candidates is returned; per-row
// failures are counted in the summary.
func (s *Sweeper) Tick(ctx context.Context) (*Summary, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.tick")
	defer span.End()

	now := s.now()
	idleBefore := now.Add(-s.cfg.IdleAfter)
	expireBefore := now.Add(-s.cfg.ExpireAfter)
	candidates, err := s.store.ListSweepCandidates(ctx, conversation.SweepQuery{
		Now:              now,
		IdleBefore:       idleBefore,
		ExpireIdleBefore: expireBefore,
		Limit:            s.cfg.BatchSize,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sum := &Summary{Candidates: len(candidates)}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		p := arbiter.Proposal{
			ConversationID:  c.ID,
			ExpectedVersion: c.Version,
			Proposer:        conversation.ActorSystem,
		}
		switch {
		case c.PastDeadline(now):
			p.To, p.Reason = conversation.StatusExpired, "max lifetime reached"
		case c.Status == conversation.StatusProgress:
			p.To, p.Reason, p.IdleCutoff = conversation.StatusIdleTimeout, "idle", &idleBefore
		default:
			p.To, p.Reason, p.IdleCutoff = conversation.StatusExpired, "no activity", &expireBefore
		}
		s.apply(ctx, sum, c, p)
	}

	span.SetAttributes(
		attribute.Int("sweep.candidates", sum.Candidates),
		attribute.Int("sweep.idled", sum.Idled),
		attribute.Int("sweep.expired", sum.Expired),
		attribute.Int("sweep.races_avoided", sum.RacesAvoided),
	)
	if sum.Candidates > 0 {
		s.logger.Info().
			Int("candidates", sum.Candidates).
			Int("idled", sum.Idled).
			Int("expired", sum.Expired).
			Int("races_avoided", sum.RacesAvoided).
			Int("failures", sum.Failures).
			Msg("sweep completed")
	}
	return sum, nil
}

func (s *Sweeper) apply(ctx context.Context, sum *Summary, c *conversation.Conversation, p arbiter.Proposal) {
	d, err := s.proposer.Propose(ctx, p)
	if err != nil {
		sum.Failures++
		s.logger.Error().Err(err).Str("conversation_id", c.ID.String()).Msg("sweep proposal failed")
		return
	}
	switch {
	case d.Accepted && p.To == conversation.StatusIdleTimeout:
		sum.Idled++
	case d.Accepted:
		sum.Expired++
	case d.Conflict == conversation.OutcomeIllegalTransition:
		sum.Illegal++
	default:
		sum.RacesAvoided++
		s.logger.Debug().
			Str("conversation_id", c.ID.String()).
			Int64("expected_version", c.Version).
			Str("reason", string(d.Reason)).
			Msg("race avoided")
	}
}
