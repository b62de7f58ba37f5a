package apperr

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error {
	return New(CodeValidation, msg)
}

func NotParticipant() error {
	return New(CodeNotParticipant, "not a participant of this conversation")
}

func Forbidden(msg string) error {
	return New(CodeForbidden, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func AlreadyExists(msg string) error {
	return New(CodeAlreadyExists, msg)
}

func Unauthenticated(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func Persistence(cause error) error {
	return Wrap(CodePersistenceFailure, "persistence failure", cause)
}

func TransportDropped(cause error) error {
	return Wrap(CodeTransportDropped, "transport dropped", cause)
}

func RateLimited() error {
	return New(CodeRateLimited, "rate limit exceeded")
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// CodeOf classifies err. Errors outside the taxonomy are INTERNAL.
func CodeOf(err error) Code {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func Retryable(err error) bool {
	return err != nil && CodeOf(err).Retryable()
}

// Public renders err as the {code, message} object clients receive.
// Causes are not exposed.
func Public(err error) *AppError {
	if ae, ok := As(err); ok {
		return &AppError{Code: ae.Code, Message: ae.Message}
	}
	return &AppError{Code: CodeInternal, Message: "internal error"}
}
