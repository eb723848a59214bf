// Package service implements the messaging core orchestration: conversation
// lifecycle, message lifecycle, unread bookkeeping and realtime notification.
// Persistence always precedes notification; notification failures never roll
// back persistence.
package service

import (
	"errors"
	"fmt"
)

// The three caller-facing failure kinds. Membership is part of existence:
// non-members of a conversation get ErrNotFound, never ErrForbidden, to avoid
// leaking that the conversation exists.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports malformed or invariant-violating input. Recovered
// at the transport boundary as a 400 with the reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, v ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, v...)}
}
