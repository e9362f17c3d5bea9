package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a slug, tournament or version does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the capability secret is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict marks a version mismatch on commit.
	ErrConflict = errors.New("version conflict")
	// ErrNotBound is returned by session operations that require LoadState first.
	ErrNotBound = errors.New("session not bound: call LoadState first")
)

// TransportError wraps a failure talking to the store or the push channel.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a TransportError unless it already carries one of the
// package sentinels or is nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrConflict) {
		return err
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
