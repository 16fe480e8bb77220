package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the target is absent or outside the caller's tenant.
	ErrNotFound = errors.New("not found")
	// ErrConstraint marks a storage constraint violation reported by a
	// mutation collaborator.
	ErrConstraint = errors.New("constraint violation")
)

// UnauthorizedError indicates a missing, malformed, expired or revoked
// credential.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	if e.Reason == "" {
		return "authentication required"
	}
	return e.Reason
}

// ForbiddenError indicates an authenticated actor denied by policy.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("%s not permitted", e.Action)
}

// ValidationError describes a malformed payload. Candidates is set when the
// caller can pick from a list of valid alternatives.
type ValidationError struct {
	Field      string
	Message    string
	Candidates []AssigneeCandidate
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// RateLimitedError carries the number of seconds until the window resets.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %d seconds", e.RetryAfterSeconds)
}

// Invalid is shorthand for a field-level ValidationError.
func Invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
