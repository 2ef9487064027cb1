package domain

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotJoined       = errors.New("connection has not joined a room")
	ErrStore           = errors.New("history store failure")
	ErrStaleRecipient  = errors.New("recipient is no longer connected")
	ErrUnknownEvent    = errors.New("unknown event")
	ErrMalformedEvent  = errors.New("malformed event")
)
