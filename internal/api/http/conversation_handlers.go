package httpapi

import (
	"net/http"

	"github.com/execution-hub/convoflow/internal/application/arbiter"
	"github.com/execution-hub/convoflow/internal/application/closure"
	"github.com/execution-hub/convoflow/internal/application/inbound"
	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

type transitionProposeRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	ToStatus        string `json:"to_status"`
	Proposer        string `json:"proposer"`
	Reason          string `json:"reason,omitempty"`
}

type closureSignalRequest struct {
	ExpectedVersion int64                  `json:"expected_version"`
	Confidence      float64                `json:"confidence"`
	Reason          string                 `json:"reason,omitempty"`
	Features        map[string]interface{} `json:"features,omitempty"`
}

func (s *Server) ingestMessage(w http.ResponseWriter, r *http.Request) {
	var req inbound.Request
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	res, err := s.inboundSvc.HandleInbound(contextFromRequest(r), req)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid conversationId")
		return
	}
	c, err := s.store.Get(contextFromRequest(r), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) listConversationTransitions(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid conversationId")
		return
	}
	trs, err := s.auditSvc.History(contextFromRequest(r), id)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"conversation_id": id, "transitions": trs})
}

// proposeTransition is the manual override. It goes through the same
// conditional write as every automated proposer.
func (s *Server) proposeTransition(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid conversationId")
		return
	}
	var req transitionProposeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	to, err := conversation.ParseStatus(req.ToStatus)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	proposer := conversation.Actor(req.Proposer)
	if proposer == "" {
		proposer = conversation.ActorSupervisor
	}
	switch proposer {
	case conversation.ActorSupervisor, conversation.ActorAgent, conversation.ActorUser:
	default:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "proposer must be supervisor, agent or user")
		return
	}
	if req.ExpectedVersion <= 0 {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "expected_version is required")
		return
	}

	d, err := s.arbiterSvc.Propose(contextFromRequest(r), arbiter.Proposal{
		ConversationID:  id,
		ExpectedVersion: req.ExpectedVersion,
		To:              to,
		Proposer:        proposer,
		Reason:          req.Reason,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondDecision(w, d)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid conversationId")
		return
	}
	limit := parseLimit(r, 100, 500)
	msgs, err := s.messages.ListMessages(contextFromRequest(r), id, limit)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*conversation.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"conversation_id": id, "messages": msgs})
}

func (s *Server) submitClosureSignal(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "conversationId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid conversationId")
		return
	}
	var req closureSignalRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	d, err := s.closureSvc.Submit(contextFromRequest(r), closure.Signal{
		ConversationID:  id,
		ExpectedVersion: req.ExpectedVersion,
		Confidence:      req.Confidence,
		Reason:          req.Reason,
		Features:        req.Features,
	})
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if d == nil {
		respondJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": false, "ignored": true})
		return
	}
	respondDecision(w, d)
}

