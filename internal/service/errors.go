package service

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidLinkToken deliberately collapses not-found, expired,
	// already-used and audience-mismatch so callers cannot probe token
	// state. The audit trail keeps the specific reason.
	ErrInvalidLinkToken = errors.New("link token expired or invalid")

	ErrAlreadyLinked   = errors.New("account already linked")
	ErrNotLinked       = errors.New("account not linked")
	ErrInvalidRedirect = errors.New("redirect uri not allowed")
	ErrRateLimited     = errors.New("too many attempts")

	ErrTemporarilyUnavailable = errors.New("temporarily unavailable, try again")
)
