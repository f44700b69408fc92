package app

import (
	"fmt"
	"net/http"
)

// Error codes surfaced in the body of failed API responses. Codes with
// a single call site ("PROJECT_EXISTS", "GLOBAL_CONTEXT_NOT_FOUND",
// "AI_TYPE_MISMATCH", ...) stay inline where they are raised.
const (
	codeNotFound   = "NOT_FOUND"
	codeValidation = "VALIDATION_ERROR"
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

// notFound reports a missing project, context or session.
func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, codeNotFound, message, nil)
}

// validationError rejects bad input at the boundary, before it can
// reach the sync core.
func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, codeValidation, message, nil)
}
