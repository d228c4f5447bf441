package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies playback failures by how they are handled.
type ErrorKind int

const (
	// ErrKindInitialization indicates the vendor device failed to come up
	ErrKindInitialization ErrorKind = iota
	// ErrKindAuthentication indicates an invalid or expired token; never retried
	ErrKindAuthentication
	// ErrKindAccount indicates an insufficient account tier; never retried
	ErrKindAccount
	// ErrKindPlayback indicates a transient device or command failure
	ErrKindPlayback
	// ErrKindRateLimit indicates a vendor 429; retried with backoff
	ErrKindRateLimit
	// ErrKindValidation indicates malformed local input; never retried
	ErrKindValidation
	// ErrKindNetwork indicates a generic fetch failure; retried like playback
	ErrKindNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindInitialization:
		return "initialization"
	case ErrKindAuthentication:
		return "authentication"
	case ErrKindAccount:
		return "account"
	case ErrKindPlayback:
		return "playback"
	case ErrKindRateLimit:
		return "rate_limit"
	case ErrKindValidation:
		return "validation"
	case ErrKindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// PlaybackError carries a taxonomy kind alongside the underlying cause.
type PlaybackError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PlaybackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// NewError builds a PlaybackError without an underlying cause.
func NewError(kind ErrorKind, message string) *PlaybackError {
	return &PlaybackError{Kind: kind, Message: message}
}

// WrapError builds a PlaybackError wrapping an underlying cause.
func WrapError(kind ErrorKind, message string, err error) *PlaybackError {
	return &PlaybackError{Kind: kind, Message: message, Err: err}
}

// KindOf returns the taxonomy kind of err, or ErrKindPlayback when the error
// is not a PlaybackError (unexpected failures collapse to the closest entry).
func KindOf(err error) ErrorKind {
	var pe *PlaybackError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrKindPlayback
}

// Retryable reports whether the error kind may be retried locally.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrKindPlayback, ErrKindNetwork, ErrKindRateLimit:
		return true
	default:
		return false
	}
}

// RequiresReauth reports whether the error demands a fresh login and a
// cleared snapshot.
func RequiresReauth(err error) bool {
	return KindOf(err) == ErrKindAuthentication
}
