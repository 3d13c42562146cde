package common

import "errors"

// Error kinds shared by the server and the client side of the chat layer.
// Callers match them with errors.Is; producers wrap them with %w.
var (
	// ErrTransient marks a network or server failure that may succeed on retry.
	ErrTransient = errors.New("transient network error")
	// ErrValidation marks malformed caller input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrSessionResolutionFailed is returned when the store could not resolve or create a chat.
	ErrSessionResolutionFailed = errors.New("session resolution failed")
	// ErrSessionNotFound means a resolved session id could not be loaded back.
	ErrSessionNotFound = errors.New("session not found")
	// ErrCancelled is caller initiated abandonment, not a failure.
	ErrCancelled = errors.New("cancelled")
	// ErrForbidden means the caller is not a participant.
	ErrForbidden = errors.New("forbidden")
)

// IsRetryable reports whether err is worth another attempt at the caller's discretion.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrCancelled):
		return false
	}
	return true
}
