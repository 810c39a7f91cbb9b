// Package fault holds the error taxonomy shared by the planners, the mutators
// and the HTTP layer.
package fault

import "errors"

type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.parent }

// ErrAuthorization covers anonymous callers and cross-tenant access.
var ErrAuthorization = errors.New("permission denied")

// ErrNotFoundOrForbidden is returned when a row is missing or owned by another
// tenant. It also matches ErrAuthorization.
var ErrNotFoundOrForbidden error = &kindError{msg: "not found or permission denied", parent: ErrAuthorization}

// ErrNotLoggedIn is the authorization fault raised for anonymous principals.
var ErrNotLoggedIn error = &kindError{msg: "user must be logged in for this operation", parent: ErrAuthorization}

// ErrInvariantViolation signals stale caller state or corrupted data.
var ErrInvariantViolation = errors.New("invariant violation")

// ErrKeySpaceExhausted is raised by the sort key generator when no key fits
// between two neighbours.
var ErrKeySpaceExhausted error = &kindError{msg: "sort key space exhausted", parent: ErrInvariantViolation}

var (
	ErrDuplicateEntry     = errors.New("duplicate entry")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Code returns the stable wire code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFoundOrForbidden):
		return "NOT_FOUND"
	case errors.Is(err, ErrAuthorization):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrKeySpaceExhausted):
		return "KEY_SPACE_EXHAUSTED"
	case errors.Is(err, ErrInvariantViolation):
		return "INVARIANT_VIOLATION"
	case errors.Is(err, ErrDuplicateEntry):
		return "DUPLICATE_ENTRY"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrInvalidCredentials):
		return "INVALID_CREDENTIALS"
	default:
		return "INTERNAL_ERROR"
	}
}

// FromCode rebuilds an error that matches the sentinel behind code, keeping
// message as its text. Unknown codes map to a plain error.
func FromCode(code, message string) error {
	var kind error
	switch code {
	case "":
		return nil
	case "NOT_FOUND":
		kind = ErrNotFoundOrForbidden
	case "UNAUTHORIZED":
		kind = ErrAuthorization
	case "KEY_SPACE_EXHAUSTED":
		kind = ErrKeySpaceExhausted
	case "INVARIANT_VIOLATION":
		kind = ErrInvariantViolation
	case "DUPLICATE_ENTRY":
		kind = ErrDuplicateEntry
	case "VALIDATION_ERROR":
		kind = ErrValidation
	case "INVALID_CREDENTIALS":
		kind = ErrInvalidCredentials
	default:
		return errors.New(message)
	}
	return &kindError{msg: message, parent: kind}
}
