package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/convoflow/internal/application/arbiter"
	appAudit "github.com/execution-hub/convoflow/internal/application/audit"
	"github.com/execution-hub/convoflow/internal/application/closure"
	"github.com/execution-hub/convoflow/internal/application/inbound"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
	"github.com/execution-hub/convoflow/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	store      conversation.Store
	messages   conversation.MessageStore
	arbiterSvc *arbiter.Service
	inboundSvc *inbound.Service
	closureSvc *closure.Consumer
	auditSvc   *appAudit.Service
	sseHub     *sse.Hub
	logger     zerolog.Logger
}

func NewServer(
	store conversation.Store,
	messages conversation.MessageStore,
	arbiterSvc *arbiter.Service,
	inboundSvc *inbound.Service,
	closureSvc *closure.Consumer,
	auditSvc *appAudit.Service,
	sseHub *sse.Hub,
	logger zerolog.Logger,
) *Server {
	return &Server{
		store:      store,
		messages:   messages,
		arbiterSvc: arbiterSvc,
		inboundSvc: inboundSvc,
		closureSvc: closureSvc,
		auditSvc:   auditSvc,
		sseHub:     sseHub,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		// Streams outlive the request timeout.
		r.Get("/transitions/stream", s.streamTransitions)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/messages", s.ingestMessage)

			r.Get("/conversations/{conversationId}", s.getConversation)
			r.Get("/conversations/{conversationId}/transitions", s.listConversationTransitions)
			r.Post("/conversations/{conversationId}/transitions", s.proposeTransition)
			r.Get("/conversations/{conversationId}/messages", s.listMessages)
			r.Post("/conversations/{conversationId}/closure-signals", s.submitClosureSignal)

			r.Get("/transitions", s.queryTransitions)
			r.Get("/transitions/{transitionId}", s.getTransition)
			r.Get("/transitions/{transitionId}/verify", s.verifyTransition)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps domain sentinels onto status codes.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, conversation.ErrStorageUnavailable):
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("storage unavailable")
		respondError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage unavailable")
	case inbound.IsClientError(err),
		errors.Is(err, conversation.ErrInvalidActor),
		errors.Is(err, closure.ErrInvalidConfidence),
		errors.Is(err, appAudit.ErrInvalidCursor):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// respondDecision writes 200 for accepted, 409 for conflicts and 422 for illegal edges.
func respondDecision(w http.ResponseWriter, d *arbiter.Decision) {
	status := http.StatusOK
	switch {
	case d.Accepted:
	case d.Conflict == conversation.OutcomeIllegalTransition:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusConflict
	}
	respondJSON(w, status, d)
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func contextFromRequest(r *http.Request) context.Context {
	return r.Context()
}

func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func parseTimeQuery(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
