// Package apperr classifies failures into the small set of kinds the request
// boundary reports to clients.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable category of a failure.
type Kind string

const (
	KindDecode             Kind = "decode_error"
	KindValidation         Kind = "validation_error"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindNotFound           Kind = "not_found"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal_error"
)

// Sentinels for errors.Is checks against any wrapped Error of the same kind.
var (
	ErrDecode             = &Error{Kind: KindDecode}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

// Error wraps a cause with its kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error of the given kind with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromContext converts a finished context into a timeout error. Cancellation by
// the caller is reported as a timeout as well since the request did not complete.
func FromContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return nil
}

// KindOf returns the kind of the first Error in err's chain. Bare context
// deadline errors count as timeouts; everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// HTTPStatus maps a kind onto the status code the boundary responds with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindDecode:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
