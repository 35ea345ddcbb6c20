package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"time"

	"github.com/execution-hub/convoflow/internal/domain/conversation"
)

type signaturePayload struct {
	TransitionID   string `json:"transitionId"`
	ConversationID string `json:"conversationId"`
	FromStatus     string `json:"fromStatus,omitempty"`
	ToStatus       string `json:"toStatus"`
	Version        int64  `json:"version"`
	ChangedBy      string `json:"changedBy"`
	Reason         string `json:"reason,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

func buildSignaturePayload(tr *conversation.StateTransition) signaturePayload {
	payload := signaturePayload{
		TransitionID:   tr.ID.String(),
		ConversationID: tr.ConversationID.String(),
		ToStatus:       string(tr.ToStatus),
		Version:        tr.Version,
		ChangedBy:      string(tr.ChangedBy),
		Reason:         tr.Reason,
		CreatedAt:      tr.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if tr.FromStatus != nil {
		payload.FromStatus = string(*tr.FromStatus)
	}
	return payload
}

// SignTransition generates an HMAC signature for the audit row.
func SignTransition(tr *conversation.StateTransition, key []byte) ([]byte, error) {
	data, err := json.Marshal(buildSignaturePayload(tr))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyTransitionSignature verifies the HMAC signature for the audit row.
func VerifyTransitionSignature(tr *conversation.StateTransition, key []byte) (bool, error) {
	if len(tr.Signature) == 0 {
		return false, nil
	}
	expected, err := SignTransition(tr, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, tr.Signature), nil
}
