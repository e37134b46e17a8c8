package session

import "errors"

var (
	ErrAuthFailure     = errors.New("authentication failed")
	ErrNotLoggedIn     = errors.New("session is not logged in")
	ErrIdentitySwapped = errors.New("session identity is swapped")
	ErrSwapInProgress  = errors.New("identity swap already in progress")
	ErrSameIdentity    = errors.New("swap target is the current identity")
	ErrNoSwap          = errors.New("no identity swap to restore")
	ErrRestoreMismatch = errors.New("restore identity does not match swap")
	ErrRestoreFailed   = errors.New("identity restore failed")
)
