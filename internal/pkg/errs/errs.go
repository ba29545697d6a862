/*
Package errs provides custom error types and application-level error code constants.

This file defines the CustomError struct, which implements the standard Go error interface
and carries a business code, a wire reason, a user-friendly message, and an HTTP status code.
*/
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chatrelay/internal/pkg/logx"
)

// CustomError is the custom error structure used throughout the application.
type CustomError struct {
	// Code is the business error code (see constants definition).
	Code int

	// Reason is the stable machine-readable name sent on the socket (e.g. "ExpiredToken").
	Reason string

	// Message is the user-friendly error description.
	Message string

	// Status is the HTTP status code corresponding to this error.
	Status int
}

// Error implements the standard Go error interface.
func (e CustomError) Error() string {
	return fmt.Sprintf("Error Code %d (%s): %s", e.Code, e.Reason, e.Message)
}

// NewError constructs a *CustomError from a predefined error code.
// The optional details are printf arguments for message templates containing verbs.
// An unknown code yields ErrUnknown.
func NewError(code int, details ...any) *CustomError {
	templateErr, ok := errorMap[code]

	if !ok {
		logx.Error(
			fmt.Errorf("attempted to create an error with an unknown code in errorMap"),
			"Unknown error code requested",
			"requested_code", code,
		)

		unknownErr := errorMap[ErrUnknown]
		return &unknownErr
	}

	customErr := templateErr

	if customErr.Status == 0 {
		customErr.Status = http.StatusOK
	}

	if code == ErrUnknown && len(details) > 0 {
		if originalErr, ok := details[0].(error); ok {
			logx.Error(originalErr, "Handling ErrUnknown with underlying error")
		}
	} else if len(details) > 0 {
		if strings.Contains(customErr.Message, "%") {
			customErr.Message = fmt.Sprintf(customErr.Message, details...)
		} else {
			logx.Warn("Details provided for error, but message template has no formatting placeholders. Details ignored.")
		}
	}

	return &customErr
}

// FromReason rebuilds a *CustomError from its wire reason, as received in an ack or error event.
// Unknown reasons map to ErrUnknown with the reason kept so callers can still report it.
func FromReason(reason string) *CustomError {
	for code, tmpl := range errorMap {
		if tmpl.Reason == reason {
			return NewError(code)
		}
	}

	unknown := errorMap[ErrUnknown]
	if reason != "" {
		unknown.Reason = reason
	}
	return &unknown
}

// CodeOf returns the business code carried by err, or ErrUnknown.
func CodeOf(err error) int {
	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr.Code
	}
	return ErrUnknown
}

// Is reports whether err is a CustomError with the given code.
func Is(err error, code int) bool {
	var customErr *CustomError
	return errors.As(err, &customErr) && customErr.Code == code
}

// IsAuth reports whether err belongs to the authentication family.
func IsAuth(err error) bool {
	switch CodeOf(err) {
	case ErrAuthInvalidToken, ErrAuthExpiredToken, ErrAuthMissingToken, ErrAuthRequired:
		return true
	}
	return false
}
