package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Actor identifies the kind of proposer behind a transition.
type Actor string

const (
	ActorUser       Actor = "user"
	ActorAgent      Actor = "agent"
	ActorSystem     Actor = "system"
	ActorSupervisor Actor = "supervisor"
)

// Valid reports whether a is one of the known proposer kinds.
func (a Actor) Valid() bool {
	switch a {
	case ActorUser, ActorAgent, ActorSystem, ActorSupervisor:
		return true
	}
	return false
}

// StateTransition is the audit row appended with every accepted transition.
type StateTransition struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	FromStatus     *Status   `json:"fromStatus,omitempty"`
	ToStatus       Status    `json:"toStatus"`
	Version        int64     `json:"version"`
	ChangedBy      Actor     `json:"changedBy"`
	Reason         string    `json:"reason,omitempty"`
	Signature      []byte    `json:"signature,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewStateTransition builds the audit row for moving c to `to`.
// The row carries the version the conversation reaches once committed.
func NewStateTransition(c *Conversation, to Status, by Actor, reason string, at time.Time) *StateTransition {
	from := c.Status
	return &StateTransition{
		ID:             uuid.New(),
		ConversationID: c.ID,
		FromStatus:     &from,
		ToStatus:       to,
		Version:        c.Version + 1,
		ChangedBy:      by,
		Reason:         reason,
		CreatedAt:      at.UTC(),
	}
}

// NewCreationTransition builds the version-1 audit row written when c is created.
func NewCreationTransition(c *Conversation) *StateTransition {
	return &StateTransition{
		ID:             uuid.New(),
		ConversationID: c.ID,
		ToStatus:       c.Status,
		Version:        c.Version,
		ChangedBy:      ActorSystem,
		Reason:         "conversation created",
		CreatedAt:      c.StartedAt,
	}
}

// TransitionRequest is one conditional write against a conversation.
type TransitionRequest struct {
	ConversationID  uuid.UUID
	ExpectedVersion int64
	To              Status
	Rank            int
	At              time.Time
	// IdleCutoff, when set, requires the row not to have seen activity after it.
	IdleCutoff *time.Time
	Audit      *StateTransition
}

// IntentRequest publishes a short-lived priority hint without bumping the version.
type IntentRequest struct {
	ConversationID  uuid.UUID
	ExpectedVersion int64
	Rank            int
	Until           time.Time
	At              time.Time
}

// Outcome is the result class of a conditional write.
type Outcome string

const (
	OutcomeCommitted         Outcome = "COMMITTED"
	OutcomeVersionConflict   Outcome = "VERSION_CONFLICT"
	OutcomeIllegalTransition Outcome = "ILLEGAL_TRANSITION"
)

// RejectReason details why a write was not committed.
type RejectReason string

const (
	RejectNone            RejectReason = ""
	RejectVersionMoved    RejectReason = "version_moved"
	RejectIllegalEdge     RejectReason = "illegal_edge"
	RejectYieldedToIntent RejectReason = "yielded_to_intent"
	RejectRecentActivity  RejectReason = "recent_activity"
)

// TransitionResult reports the outcome together with the row as the store saw it:
// the committed row on success, the current snapshot otherwise.
type TransitionResult struct {
	Outcome      Outcome
	Reason       RejectReason
	Conversation *Conversation
}

// Committed reports whether the write was applied.
func (r *TransitionResult) Committed() bool {
	return r != nil && r.Outcome == OutcomeCommitted
}

// Classify decides what a conditional write does against the current row.
// Version mismatch is checked before edge legality so stale callers always
// see a conflict rather than an illegal transition.
func Classify(current *Conversation, req *TransitionRequest) (Outcome, RejectReason) {
	if current.Version != req.ExpectedVersion {
		return OutcomeVersionConflict, RejectVersionMoved
	}
	if !CanTransition(current.Status, req.To) {
		return OutcomeIllegalTransition, RejectIllegalEdge
	}
	if current.IntentBlocks(req.Rank, req.At) {
		return OutcomeVersionConflict, RejectYieldedToIntent
	}
	if req.IdleCutoff != nil && current.UpdatedAt.After(*req.IdleCutoff) {
		return OutcomeVersionConflict, RejectRecentActivity
	}
	return OutcomeCommitted, RejectNone
}

// Apply mutates c as a committed transition would.
func Apply(c *Conversation, req *TransitionRequest) {
	c.Status = req.To
	c.Version++
	c.UpdatedAt = req.At.UTC()
	if req.To.IsTerminal() {
		at := req.At.UTC()
		c.EndedAt = &at
	}
	c.IntentRank = nil
	c.IntentUntil = nil
}

// IntentAllowed reports whether an intent of req.Rank may replace the current hint.
func IntentAllowed(current *Conversation, req *IntentRequest) bool {
	if current.Version != req.ExpectedVersion || current.IsTerminal() {
		return false
	}
	if current.IntentRank == nil || current.IntentUntil == nil {
		return true
	}
	return !current.IntentUntil.After(req.At) || *current.IntentRank <= req.Rank
}

// SweepQuery selects rows the expiry sweeper may act on.
type SweepQuery struct {
	Now time.Time
	// IdleBefore selects PROGRESS rows without activity since this instant.
	IdleBefore time.Time
	// ExpireIdleBefore selects PENDING and IDLE_TIMEOUT rows without activity since this instant.
	ExpireIdleBefore time.Time
	Limit            int
}

// Matches reports whether c is a sweep candidate for q.
func (q SweepQuery) Matches(c *Conversation) bool {
	if c.IsTerminal() {
		return false
	}
	if c.PastDeadline(q.Now) {
		return true
	}
	switch c.Status {
	case StatusProgress:
		return !c.UpdatedAt.After(q.IdleBefore)
	case StatusPending, StatusIdleTimeout:
		return !c.UpdatedAt.After(q.ExpireIdleBefore)
	}
	return false
}
