package closure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/convoflow/internal/application/arbiter"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const defaultThreshold = 0.8

var ErrInvalidConfidence = errors.New("confidence must be between 0 and 1")

// Proposer submits the closure on the detector's behalf.
type Proposer interface {
	Propose(ctx context.Context, p arbiter.Proposal) (*arbiter.Decision, error)
}

// Signal is the detector's verdict that the user is done.
type Signal struct {
	ConversationID  uuid.UUID              `json:"conversation_id"`
	ExpectedVersion int64                  `json:"expected_version"`
	Confidence      float64                `json:"confidence"`
	Reason          string                 `json:"reason"`
	Features        map[string]interface{} `json:"features,omitempty"`
}

type Config struct {
	Threshold float64
	// Policy is an optional boolean expression over confidence and the signal features.
	Policy string
}

// Consumer turns confident closure signals into USER_CLOSED proposals.
type Consumer struct {
	proposer  Proposer
	threshold float64
	policy    *govaluate.EvaluableExpression
	logger    zerolog.Logger
}

func NewConsumer(proposer Proposer, cfg Config, logger zerolog.Logger) (*Consumer, error) {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	c := &Consumer{
		proposer:  proposer,
		threshold: threshold,
		logger:    logger.With().Str("service", "closure").Logger(),
	}
	if expr := strings.TrimSpace(cfg.Policy); expr != "" {
		compiled, err := govaluate.NewEvaluableExpression(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid closure policy: %w", err)
		}
		c.policy = compiled
	}
	return c, nil
}

// Submit proposes USER_CLOSED when the signal clears the threshold and policy.
// A nil decision means the signal was ignored.
func (c *Consumer) Submit(ctx context.Context, sig Signal) (*arbiter.Decision, error) {
	if sig.Confidence < 0 || sig.Confidence > 1 {
		return nil, ErrInvalidConfidence
	}
	log := c.logger.With().
		Str("conversation_id", sig.ConversationID.String()).
		Float64("confidence", sig.Confidence).
		Logger()

	if sig.Confidence < c.threshold {
		log.Debug().Float64("threshold", c.threshold).Msg("closure signal below threshold")
		return nil, nil
	}
	if c.policy != nil {
		ok, err := c.evaluate(sig)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Debug().Msg("closure signal rejected by policy")
			return nil, nil
		}
	}

	reason := sig.Reason
	if reason == "" {
		reason = "closure detected"
	}
	return c.proposer.Propose(ctx, arbiter.Proposal{
		ConversationID:  sig.ConversationID,
		ExpectedVersion: sig.ExpectedVersion,
		To:              conversation.StatusUserClosed,
		Proposer:        conversation.ActorAgent,
		Reason:          reason,
	})
}

func (c *Consumer) evaluate(sig Signal) (bool, error) {
	params := map[string]interface{}{}
	flatten("", sig.Features, params)
	params["confidence"] = sig.Confidence

	result, err := c.policy.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate closure policy: %w", err)
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("closure policy did not evaluate to boolean")
	}
	return v, nil
}

// flatten exposes nested features as underscore joined names (turns.user becomes turns_user).
func flatten(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}
