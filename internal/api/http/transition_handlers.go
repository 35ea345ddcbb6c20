package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	appAudit "github.com/execution-hub/convoflow/internal/application/audit"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
	"github.com/execution-hub/convoflow/internal/infrastructure/sse"
)

// queryTransitions serves the ascending analytics feed.
func (s *Server) queryTransitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := appAudit.QueryParams{
		Cursor: q.Get("cursor"),
		Limit:  parseLimit(r, 50, 200),
	}
	if v := q.Get("conversation_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid conversation_id")
			return
		}
		params.ConversationID = &id
	}
	if v := q.Get("to_status"); v != "" {
		st, err := conversation.ParseStatus(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
		params.ToStatus = &st
	}
	if v := q.Get("changed_by"); v != "" {
		actor := conversation.Actor(v)
		if !actor.Valid() {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid changed_by")
			return
		}
		params.ChangedBy = &actor
	}
	since, err := parseTimeQuery(r, "since")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "since must be RFC3339")
		return
	}
	until, err := parseTimeQuery(r, "until")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "until must be RFC3339")
		return
	}
	params.Since, params.Until = since, until

	res, err := s.auditSvc.Query(contextFromRequest(r), params)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getTransition(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transitionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transitionId")
		return
	}
	tr, err := s.auditSvc.Get(contextFromRequest(r), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

func (s *Server) verifyTransition(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transitionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transitionId")
		return
	}
	res, err := s.auditSvc.Verify(contextFromRequest(r), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// streamTransitions pushes committed transitions as server-sent events,
// optionally narrowed to one conversation.
func (s *Server) streamTransitions(w http.ResponseWriter, r *http.Request) {
	var filter *uuid.UUID
	if v := r.URL.Query().Get("conversation_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid conversation_id")
			return
		}
		filter = &id
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := sse.NewClient(filter)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// Send an initial comment to flush headers and keep the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.Messages:
			if !open {
				return
			}
			_, _ = w.Write([]byte("id: " + msg.ID + "\nevent: " + msg.Event + "\ndata: "))
			_, _ = w.Write(msg.Data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

