package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"

	// CodeInsufficientStock is returned when a conditional stock decrement matches no row.
	CodeInsufficientStock Code = "INSUFFICIENT_STOCK"
	// CodeGateway wraps payment gateway failures worth re-issuing: throttling,
	// provider outages and calls whose outcome is unknown.
	CodeGateway Code = "GATEWAY_ERROR"
	// CodeGatewayRejected is a definitive provider refusal; re-issuing the same call cannot succeed.
	CodeGatewayRejected Code = "GATEWAY_REJECTED"
	// CodeSignature marks a webhook whose signature could not be verified.
	CodeSignature Code = "SIGNATURE_INVALID"
)

type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

func meta(status int, retryable bool, public string, details bool) Metadata {
	return Metadata{HTTPStatus: status, Retryable: retryable, PublicMessage: public, DetailsAllowed: details}
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:        meta(http.StatusBadRequest, false, "validation failed", true),
	CodeUnauthorized:      meta(http.StatusUnauthorized, false, "authentication required", false),
	CodeForbidden:         meta(http.StatusForbidden, false, "access denied", false),
	CodeNotFound:          meta(http.StatusNotFound, false, "resource not found", false),
	CodeConflict:          meta(http.StatusConflict, false, "conflict detected", false),
	CodeStateConflict:     meta(http.StatusUnprocessableEntity, false, "state transition disallowed", true),
	CodeIdempotency:       meta(http.StatusConflict, false, "idempotency key reused", true),
	CodeRateLimit:         meta(http.StatusTooManyRequests, false, "rate limit exceeded", false),
	CodeInternal:          meta(http.StatusInternalServerError, true, "internal server error", false),
	CodeDependency:        meta(http.StatusServiceUnavailable, true, "dependency unavailable", true),
	CodeInsufficientStock: meta(http.StatusConflict, false, "insufficient stock", true),
	CodeGateway:           meta(http.StatusBadGateway, true, "payment provider unavailable", false),
	CodeGatewayRejected:   meta(http.StatusBadGateway, false, "payment provider rejected the request", false),
	CodeSignature:         meta(http.StatusBadRequest, false, "signature verification failed", false),
}

func MetadataFor(code Code) Metadata {
	if m, ok := metadataByCode[code]; ok {
		return m
	}
	return metadataByCode[CodeInternal]
}

// Error is a coded failure. The code decides the HTTP mapping; message and
// cause stay internal unless the code allows details.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a code to err. A nil err yields a plain coded error.
func Wrap(code Code, err error, message string) *Error {
	e := New(code, message)
	e.cause = err
	return e
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.code))
	b.WriteString(": ")
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is lets a bare coded error act as a sentinel: errors.Is(err, New(CodeNotFound, ""))
// matches any CodeNotFound in the chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.message == "" && t.code == e.code
}

// As returns the outermost coded error in the chain.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of the outermost coded error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	return As(err).Code()
}

func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// IsRetryable reports whether a caller may safely repeat the failed operation.
// Uncoded errors count as internal and are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(CodeOf(err)).Retryable
}
