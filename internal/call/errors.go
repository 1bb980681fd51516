package call

import "errors"

var (
	ErrBusy              = errors.New("call: a session is already in progress")
	ErrNoSession         = errors.New("call: no session")
	ErrInvalidState      = errors.New("call: action not valid in current state")
	ErrInvalidTransition = errors.New("call: invalid status transition")
	ErrClosed            = errors.New("call: controller closed")
	ErrMediaDenied       = errors.New("call: media unavailable or denied")
)
