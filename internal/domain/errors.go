package domain

import "fmt"

// Kind is the error-kind taxonomy of spec.md §7.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindStateConflict      Kind = "STATE_CONFLICT"
	KindExchangeUnavailable Kind = "EXCHANGE_UNAVAILABLE"
	KindRateLimit          Kind = "RATE_LIMIT"
	KindTimeout            Kind = "TIMEOUT"
	KindAuth               Kind = "AUTH"
	KindBadRequest         Kind = "BAD_REQUEST"
	KindDuplicateOrder     Kind = "DUPLICATE_ORDER"
	KindInsufficientFunds  Kind = "INSUFFICIENT_FUNDS"
	KindOrderNotFound      Kind = "ORDER_NOT_FOUND"
	KindInternal           Kind = "INTERNAL"
)

// Error is a tagged, retryability-carrying error value (spec.md §7, §9
// "Exceptions as control flow").
type Error struct {
	Kind        Kind
	Message     string
	Retryable   bool
	RetryAfterMs int64
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a non-retryable Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Retryable builds a retryable Error of the given kind.
func Retryable(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Wrap builds an Error carrying a cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if asError(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether err is a *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if asError(err, &e) {
		return e.Retryable
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
