// pkg/pam_err/classification.go
//
// Error classification for the REST and proxy surfaces. Categories map to
// HTTP status codes; Vault response errors keep Vault's own status and
// messages so they can be relayed to the UI verbatim.

package pam_err

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	cerr "github.com/cockroachdb/errors"
	"github.com/hashicorp/vault/api"
)

// ErrorCategory classifies errors for appropriate handling
type ErrorCategory int

const (
	CategoryInternal ErrorCategory = iota
	CategoryValidation
	CategoryUnauthorized
	CategoryForbidden
	CategoryNotFound
	CategoryConflict
	CategoryGone
	CategoryRateLimited
	CategoryUpstream
)

// ClassifiedError wraps an error with a category and a client-safe message.
type ClassifiedError struct {
	Category ErrorCategory
	Message  string
	Cause    error
}

func (e *ClassifiedError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code for this error category.
func (e *ClassifiedError) HTTPStatus() int {
	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryGone:
		return http.StatusGone
	case CategoryRateLimited:
		return http.StatusTooManyRequests
	case CategoryUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func NewValidationError(format string, args ...any) error {
	return &ClassifiedError{Category: CategoryValidation, Message: fmt.Sprintf(format, args...)}
}

func NewUnauthorizedError(message string) error {
	return &ClassifiedError{Category: CategoryUnauthorized, Message: message}
}

func NewForbiddenError(message string, cause error) error {
	return &ClassifiedError{Category: CategoryForbidden, Message: message, Cause: cause}
}

func NewNotFoundError(format string, args ...any) error {
	return &ClassifiedError{Category: CategoryNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(message string, cause error) error {
	return &ClassifiedError{Category: CategoryConflict, Message: message, Cause: cause}
}

func NewGoneError(message string) error {
	return &ClassifiedError{Category: CategoryGone, Message: message}
}

func NewRateLimitedError() error {
	return &ClassifiedError{Category: CategoryRateLimited, Message: http.StatusText(http.StatusTooManyRequests)}
}

func NewUpstreamError(message string, cause error) error {
	return &ClassifiedError{Category: CategoryUpstream, Message: message, Cause: cause}
}

// Status returns the HTTP status for any error.
func Status(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.HTTPStatus()
	}
	var vaultErr *api.ResponseError
	if errors.As(err, &vaultErr) && vaultErr.StatusCode >= 400 {
		return vaultErr.StatusCode
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Messages returns the client-facing messages for err. Internal errors are
// reduced to a generic message; their detail stays in the logs.
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		if classified.Category == CategoryInternal {
			return []string{http.StatusText(http.StatusInternalServerError)}
		}
		if classified.Category == CategoryUpstream {
			if msgs := vaultMessages(classified.Cause); len(msgs) > 0 {
				return msgs
			}
		}
		return []string{classified.Message}
	}
	if msgs := vaultMessages(err); len(msgs) > 0 {
		return msgs
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return []string{"upstream timeout"}
	}
	return []string{http.StatusText(http.StatusInternalServerError)}
}

func vaultMessages(err error) []string {
	var vaultErr *api.ResponseError
	if !errors.As(err, &vaultErr) {
		return nil
	}
	if len(vaultErr.Errors) > 0 {
		return append([]string(nil), vaultErr.Errors...)
	}
	return []string{http.StatusText(vaultErr.StatusCode)}
}

// IsClientError reports whether err should be logged at warn rather than error.
func IsClientError(err error) bool {
	s := Status(err)
	return s >= 400 && s < 500
}

// WrapInternal marks err as a server fault, keeping the stack.
func WrapInternal(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Category: CategoryInternal, Message: msg, Cause: cerr.WithStack(err)}
}
