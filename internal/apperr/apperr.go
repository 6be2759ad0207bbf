// Package apperr defines the error taxonomy surfaced by the run pipeline.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an error for status mapping and transcript naming.
type Kind int

const (
	KindInternal Kind = iota
	KindAuth
	KindAccessDenied
	KindNotFound
	KindValidation
	KindToolResolution
	KindUpstream
	KindAborted
)

// String returns the name recorded in transcripts and error frames.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindAccessDenied:
		return "AccessDenied"
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "ValidationError"
	case KindToolResolution:
		return "ToolResolutionError"
	case KindUpstream:
		return "UpstreamError"
	case KindAborted:
		return "AbortError"
	default:
		return "InternalError"
	}
}

// HTTPStatus maps the kind to a response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindAborted:
		// nginx's "client closed request"; only ever seen in logs
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Error is a categorized pipeline error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Name returns the taxonomy name, e.g. "ToolResolutionError".
func (e *Error) Name() string {
	return e.Kind.String()
}

// HTTPStatus returns the response status for this error.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// PublicMessage is safe to return to callers.
func (e *Error) PublicMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.String()
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Auth reports a missing or invalid credential.
func Auth(format string, args ...any) *Error { return newf(KindAuth, format, args...) }

// AccessDenied reports a cross-workspace access attempt.
func AccessDenied(format string, args ...any) *Error { return newf(KindAccessDenied, format, args...) }

// NotFound reports an unknown agent, version, provider or run.
func NotFound(format string, args ...any) *Error { return newf(KindNotFound, format, args...) }

// Validation reports a malformed request or unsupported configuration.
func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }

// ToolResolution reports a missing tool server or tool name.
func ToolResolution(format string, args ...any) *Error {
	return newf(KindToolResolution, format, args...)
}

// Upstream wraps a model backend failure.
func Upstream(cause error) *Error {
	return &Error{Kind: KindUpstream, Message: "model backend error", Cause: cause}
}

// Aborted reports a run cancelled by its caller.
func Aborted(cause error) *Error {
	return &Error{Kind: KindAborted, Message: "run aborted", Cause: cause}
}

// Wrap attaches kind and message to cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err. Context cancellation maps to KindAborted;
// anything uncategorized is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindAborted
	}
	return KindInternal
}

// Normalize returns err as an *Error, categorizing it with KindOf.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	kind := KindOf(err)
	if kind == KindAborted {
		return Aborted(err)
	}
	return &Error{Kind: kind, Cause: err}
}
