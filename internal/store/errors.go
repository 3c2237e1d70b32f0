package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when no principal is signed in.
	ErrUnauthenticated = errors.New("store: no authenticated principal")
	// ErrUnsupported is returned for mutations the store was not configured for.
	ErrUnsupported = errors.New("store: operation not supported")
	// ErrNotFound is returned when a mutation targets an id missing from the collection.
	ErrNotFound = errors.New("store: entity not found")

	errEmptyResult       = errors.New("service returned no entity")
	errFabricateMismatch = errors.New("fabricated entity does not carry the temporary id")
)

// Error is a coded store failure. Codes are "<store>.<operation>.<reason>".
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the machine-readable code.
func (e *Error) Code() string {
	return e.code
}

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// userMessage prefers the message a service meant for people over the wrapped chain.
func userMessage(err error) string {
	var messenger interface{ UserMessage() string }
	if errors.As(err, &messenger) {
		if message := messenger.UserMessage(); message != "" {
			return message
		}
	}
	return err.Error()
}
