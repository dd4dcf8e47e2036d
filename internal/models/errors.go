package models

import "errors"

// Chat core error kinds. Callers wrap them with context and match with errors.Is.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotAMember         = errors.New("not a member")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrAlreadyMember      = errors.New("already a member")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNotFound           = errors.New("not found")
	ErrStoreUnavailable   = errors.New("store unavailable")
)
