package sse

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

const (
	// EventTransition is the SSE event name for committed transitions.
	EventTransition = "transition"

	clientBuffer = 100
)

var ErrClientNotFound = errors.New("SSE client not found")

// Message is one event written to a stream.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is an open stream. A nil ConversationID receives every transition.
type Client struct {
	ID             string
	ConversationID *uuid.UUID
	ConnectedAt    time.Time
	Messages       chan *Message
}

func NewClient(conversationID *uuid.UUID) *Client {
	return &Client{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ConnectedAt:    time.Now().UTC(),
		Messages:       make(chan *Message, clientBuffer),
	}
}

func (c *Client) wants(tr *conversation.StateTransition) bool {
	return c.ConversationID == nil || *c.ConversationID == tr.ConversationID
}

// Hub fans committed transitions out to stream clients. Slow clients drop
// events instead of blocking the writer that committed them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	dropped int64
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.Messages)
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for full client buffers.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Publish delivers tr to every interested client.
func (h *Hub) Publish(tr *conversation.StateTransition) {
	data, err := json.Marshal(tr)
	if err != nil {
		return
	}
	msg := &Message{
		ID:        tr.ID.String(),
		Event:     EventTransition,
		Data:      data,
		Timestamp: tr.CreatedAt,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if !c.wants(tr) {
			continue
		}
		if !trySend(c, msg) {
			h.dropped++
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Messages)
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.Messages <- msg:
		return true
	default:
		return false
	}
}
