package conversation

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionKeySeparator joins the two endpoints of a session key.
const SessionKeySeparator = "::"

// Conversation is the durable lifecycle record mutated by concurrent proposers.
type Conversation struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     string          `json:"ownerId"`
	SessionKey  string          `json:"sessionKey"`
	Status      Status          `json:"status"`
	Version     int64           `json:"version"`
	StartedAt   time.Time       `json:"startedAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	ExpiresAt   *time.Time      `json:"expiresAt,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	IntentRank  *int            `json:"intentRank,omitempty"`
	IntentUntil *time.Time      `json:"intentUntil,omitempty"`
}

// NewConversation builds a PENDING conversation at version 1.
// A zero maxLifetime leaves the conversation without an absolute deadline.
func NewConversation(ownerID, sessionKey string, now time.Time, maxLifetime time.Duration) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	c := &Conversation{
		ID:         id,
		OwnerID:    ownerID,
		SessionKey: sessionKey,
		Status:     StatusPending,
		Version:    1,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if maxLifetime > 0 {
		deadline := now.Add(maxLifetime)
		c.ExpiresAt = &deadline
	}
	return c, nil
}

// IsTerminal reports whether the conversation has ended.
func (c *Conversation) IsTerminal() bool {
	return c.Status.IsTerminal()
}

// PastDeadline reports whether the absolute lifetime has elapsed at now.
func (c *Conversation) PastDeadline(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// IntentBlocks reports whether an unexpired intent outranks rank at now.
func (c *Conversation) IntentBlocks(rank int, now time.Time) bool {
	if c.IntentRank == nil || c.IntentUntil == nil {
		return false
	}
	return *c.IntentRank > rank && c.IntentUntil.After(now)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.EndedAt = cloneTime(c.EndedAt)
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.IntentUntil = cloneTime(c.IntentUntil)
	if c.IntentRank != nil {
		r := *c.IntentRank
		out.IntentRank = &r
	}
	out.Context = append(json.RawMessage(nil), c.Context...)
	out.Metadata = append(json.RawMessage(nil), c.Metadata...)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// BuildSessionKey derives the order-independent key for a pair of endpoints.
func BuildSessionKey(from, to string) (string, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" || from == to {
		return "", ErrInvalidSessionKey
	}
	parts := []string{from, to}
	sort.Strings(parts)
	return strings.Join(parts, SessionKeySeparator), nil
}

// Direction tells whether a message came from the end user or was sent to them.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Message is a single ingested message, unique by ExternalMessageID.
type Message struct {
	ID                uuid.UUID `json:"id"`
	ExternalMessageID string    `json:"externalMessageId"`
	ConversationID    uuid.UUID `json:"conversationId"`
	Direction         Direction `json:"direction"`
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"createdAt"`
}

// NewMessage builds a message bound to a conversation.
func NewMessage(externalID string, conversationID uuid.UUID, direction Direction, body string, now time.Time) *Message {
	return &Message{
		ID:                uuid.New(),
		ExternalMessageID: externalID,
		ConversationID:    conversationID,
		Direction:         direction,
		Body:              body,
		CreatedAt:         now.UTC(),
	}
}
