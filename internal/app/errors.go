package app

import (
	"errors"
	"fmt"
	"net/http"

	"frameline/api/internal/store"
)

const (
	CodeNotFound         = "NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeExpired          = "EXPIRED"
	CodeExhausted        = "EXHAUSTED"
	CodePasswordRequired = "PASSWORD_REQUIRED"
	CodePasswordInvalid  = "PASSWORD_INVALID"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeConflict         = "CONFLICT"
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

func errNotFound(what string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, what+" not found", nil)
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

func errExpired(message string) *DomainError {
	return domainError(http.StatusGone, CodeExpired, message, nil)
}

func errExhausted() *DomainError {
	return domainError(http.StatusGone, CodeExhausted, "link already used", nil)
}

func errPasswordRequired() *DomainError {
	return domainError(http.StatusUnauthorized, CodePasswordRequired, "password required", nil)
}

func errPasswordInvalid() *DomainError {
	return domainError(http.StatusUnauthorized, CodePasswordInvalid, "password invalid", nil)
}

func errInvalidInput(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidInput, message, details)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, nil)
}

// IsKind reports whether err is a DomainError with the given code.
func IsKind(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}

// lookupErr turns a store miss into a NotFound for what and wraps anything
// else.
func lookupErr(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return errNotFound(what)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
