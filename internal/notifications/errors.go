package notifications

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a notification does not exist or is not
	// addressed to the caller.
	ErrNotFound = errors.New("notification not found")
	// ErrDuplicateKey is returned by Insert when the id is already stored.
	ErrDuplicateKey = errors.New("notification already exists")
	// ErrMalformed is the root of every decode failure.
	ErrMalformed = errors.New("malformed change message")
)

// DecodeError describes why a broker payload was rejected.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode: %s", e.Reason)
	}
	return fmt.Sprintf("decode: %s: %s", e.Field, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }
