package chat

import "errors"

var (
	ErrEmptyInput      = errors.New("chat: message has no text and no attachments")
	ErrRequestInFlight = errors.New("chat: a request is already in flight")
	ErrNothingToReload = errors.New("chat: no user message to reload")
	ErrNothingToResume = errors.New("chat: nothing to resume")
	ErrClosed          = errors.New("chat: session closed")
)
