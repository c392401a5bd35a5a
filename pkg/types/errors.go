package types

import "errors"

// ErrorKind distinguishes the failure classes surfaced by a session.
type ErrorKind string

const (
	// ErrorTransient covers network/service failures that the retry
	// controller may retry before they become visible.
	ErrorTransient ErrorKind = "transient"
	// ErrorAborted marks a deliberate cancellation. Never retried.
	ErrorAborted ErrorKind = "aborted"
	// ErrorExecution is the provider's error_during_execution result.
	ErrorExecution ErrorKind = "execution"
	// ErrorMaxTurns is the provider's error_max_turns result.
	ErrorMaxTurns ErrorKind = "max_turns"
	// ErrorMaxBudget is the provider's hard error_max_budget_usd result.
	// Distinct from the soft budget warning, which is not an error.
	ErrorMaxBudget ErrorKind = "max_budget_usd"
	// ErrorStructuredOutput is the provider's
	// error_max_structured_output_retries result.
	ErrorStructuredOutput ErrorKind = "structured_output"
)

// SessionError is an error with a classified kind, surfaced in snapshots.
type SessionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *SessionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewSessionError builds a SessionError from a kind and message.
func NewSessionError(kind ErrorKind, message string) *SessionError {
	return &SessionError{Kind: kind, Message: message}
}

// Fatal reports whether the error kind must not be retried.
func (e *SessionError) Fatal() bool {
	switch e.Kind {
	case ErrorAborted, ErrorExecution, ErrorMaxTurns, ErrorMaxBudget, ErrorStructuredOutput:
		return true
	}
	return false
}

// AsSessionError unwraps err to a *SessionError if one is in its chain.
func AsSessionError(err error) (*SessionError, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
