package app

import (
	"errors"
	"fmt"
	"net/http"

	"notetree/api/internal/auth"
	"notetree/api/internal/export"
	"notetree/api/internal/fault"
	"notetree/api/internal/gitrepo"
	"notetree/api/internal/session"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError turns an error into the status and body of an error response.
// Only DomainError and validation faults expose their own message.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrSessionNotFound), errors.Is(err, fault.ErrNotLoggedIn):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, fault.ErrInvalidCredentials):
		return http.StatusUnauthorized, fault.Code(err), "Invalid email or password", nil
	case errors.Is(err, fault.ErrNotFoundOrForbidden):
		return http.StatusNotFound, fault.Code(err), "Not found", nil
	case errors.Is(err, fault.ErrAuthorization):
		return http.StatusForbidden, fault.Code(err), "Forbidden", nil
	case errors.Is(err, fault.ErrValidation), errors.Is(err, gitrepo.ErrInvalidPath):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, fault.ErrDuplicateEntry):
		return http.StatusConflict, fault.Code(err), "Already exists", nil
	case errors.Is(err, fault.ErrInvariantViolation), errors.Is(err, fault.ErrKeySpaceExhausted):
		return http.StatusConflict, fault.Code(err), err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrUploadUnavailable):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "Server error", nil
}
