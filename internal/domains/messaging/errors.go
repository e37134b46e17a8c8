package messaging

import "errors"

var (
	ErrBlocked = errors.New("conversation is blocked")
	// ErrNetworkFailed wraps a backend failure; nothing was stored locally.
	ErrNetworkFailed = errors.New("message could not be delivered")
	ErrRateLimited   = errors.New("too many messages, slow down")
	ErrViewClosed    = errors.New("conversation view is closed")
)
