package errors

import "errors"

// Client errors.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrEmptyMessage = errors.New("message content is empty")
	ErrNoRoom       = errors.New("conversation has no room")
	ErrNoSession    = errors.New("no active session")
	ErrSelfCall     = errors.New("cannot call yourself")
	ErrPeerOffline  = errors.New("user is offline")
	ErrCallBusy     = errors.New("a call is already in progress")
	ErrNoCall       = errors.New("no call in progress")
	ErrNoMedia      = errors.New("no local media")
)

// Server/transport errors.
var (
	ErrAPIRequest      = errors.New("API request failed")
	ErrAPIResponse     = errors.New("unexpected API response")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotConnected    = errors.New("realtime connection unavailable")
	ErrPublishRejected = errors.New("publish rejected")
	ErrNotSent         = errors.New("message not sent")
	ErrNegotiation     = errors.New("call negotiation failed")
)
