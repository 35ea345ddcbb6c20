package conversation

import "errors"

var (
	ErrNotFound           = errors.New("conversation not found")
	ErrVersionConflict    = errors.New("conversation version conflict")
	ErrIllegalTransition  = errors.New("illegal conversation status transition")
	ErrDuplicateMessage   = errors.New("message already ingested")
	ErrStorageUnavailable = errors.New("conversation storage unavailable")
	ErrInvalidSessionKey  = errors.New("invalid session key")
	ErrInvalidActor       = errors.New("invalid transition actor")
	ErrInvalidDirection   = errors.New("invalid message direction")
)
