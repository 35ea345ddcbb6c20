package audit

import "errors"

var ErrInvalidCursor = errors.New("invalid cursor")
