package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindUpstream        Kind = "upstream"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindSizeLimit       Kind = "size_limit"
	KindUnsupportedType Kind = "unsupported_media_type"
	KindNotImplemented  Kind = "not_implemented"
	KindConflict        Kind = "conflict"
	KindFormat          Kind = "format"
	KindInternal        Kind = "internal"
)

// Error is a service-level error carrying a machine-readable kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Kinded is implemented by typed errors from lower layers that know how they
// should surface to clients.
type Kinded interface {
	ErrorKind() Kind
}

// KindOf returns the kind of the first *Error or Kinded error in err's chain,
// or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindInternal
}

// HTTPStatus maps an error kind to its HTTP status and API error code.
func HTTPStatus(kind Kind) (int, string) {
	switch kind {
	case KindValidation, KindFormat:
		return http.StatusBadRequest, ErrCodeInvalidInput
	case KindNotFound:
		return http.StatusNotFound, ErrCodeNotFound
	case KindUpstream:
		return http.StatusBadGateway, ErrCodeUpstream
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout, ErrCodeUpstreamTimeout
	case KindSizeLimit:
		return http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge
	case KindUnsupportedType:
		return http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType
	case KindNotImplemented:
		return http.StatusNotImplemented, ErrCodeNotImplemented
	case KindConflict:
		return http.StatusConflict, ErrCodeConflict
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}
