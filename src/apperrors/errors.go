package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorises pipeline outcomes that are not a successful tap.
type Kind string

const (
	KindRecognitionFailure  Kind = "recognition_failure"
	KindParseMiss           Kind = "parse_miss"
	KindRateLimited         Kind = "rate_limited"
	KindDuplicateQuestion   Kind = "duplicate_question"
	KindOracleFailure       Kind = "oracle_failure"
	KindNoConfidentAnswer   Kind = "no_confident_answer"
	KindInjectorUnavailable Kind = "injector_unavailable"
	KindSessionEnded        Kind = "session_ended"
	KindInvalidState        Kind = "invalid_state"
	KindUnauthorized        Kind = "unauthorized"
	KindInternal            Kind = "internal"
)

// Error is a classified failure. Cause is kept for errors.Is/As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NewRecognitionFailure(message string, cause error) *Error {
	return New(KindRecognitionFailure, message, cause)
}

func NewParseMiss(message string) *Error {
	return New(KindParseMiss, message, nil)
}

func NewRateLimited(message string) *Error {
	return New(KindRateLimited, message, nil)
}

func NewDuplicateQuestion(message string) *Error {
	return New(KindDuplicateQuestion, message, nil)
}

func NewOracleFailure(message string, cause error) *Error {
	return New(KindOracleFailure, message, cause)
}

func NewNoConfidentAnswer(message string) *Error {
	return New(KindNoConfidentAnswer, message, nil)
}

// NewInjectorUnavailable is surfaced to the operator, so message should say
// what to enable.
func NewInjectorUnavailable(message string, cause error) *Error {
	return New(KindInjectorUnavailable, message, cause)
}

func NewSessionEnded(message string) *Error {
	return New(KindSessionEnded, message, nil)
}

func NewInvalidState(message string) *Error {
	return New(KindInvalidState, message, nil)
}

func NewUnauthorized(message string, cause error) *Error {
	return New(KindUnauthorized, message, cause)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Expected reports kinds that are routine no-op outcomes rather than failures.
func Expected(kind Kind) bool {
	switch kind {
	case KindParseMiss, KindRateLimited, KindDuplicateQuestion, KindSessionEnded:
		return true
	default:
		return false
	}
}

// StatusCode maps an error to an HTTP status for the control API.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindInvalidState:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInjectorUnavailable:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindOracleFailure:
		return http.StatusBadGateway
	case KindRecognitionFailure, KindParseMiss, KindNoConfidentAnswer:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
