// Package apperr defines the error taxonomy shared by the generation
// pipeline and the HTTP surface, mirroring the flat sentinel-error style
// used across the rest of this codebase.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure from the taxonomy. Kind values are
// stable strings so they can be logged, compared in tests, and surfaced
// to clients without leaking Go type information.
type Kind string

const (
	InvalidRequest         Kind = "InvalidRequest"
	UnsupportedModel       Kind = "UnsupportedModel"
	QuotaExceeded          Kind = "QuotaExceeded"
	QuotaIO                Kind = "QuotaIO"
	UploadNetwork          Kind = "UploadNetwork"
	UploadTimeout          Kind = "UploadTimeout"
	UploadAuth             Kind = "UploadAuth"
	UploadCommitFailed     Kind = "UploadCommitFailed"
	UpstreamProtocolError  Kind = "UpstreamProtocolError"
	UpstreamGenerationFail Kind = "UpstreamGenerationFailed"
	PollTimeout            Kind = "PollTimeout"
	ResultExtractionFailed Kind = "ResultExtractionFailed"
	TaskNotFound           Kind = "TaskNotFound"
	TaskNotCompleted       Kind = "TaskNotCompleted"
	TaskCancelFailed       Kind = "TaskCancelFailed"
	TaskDeleteFailed       Kind = "TaskDeleteFailed"
	Cancelled              Kind = "Cancelled"
)

// Error is the concrete error type carrying a Kind plus context. Wrapped
// errors (Unwrap) let callers still use errors.Is/As against upstream
// causes (e.g. a *url.Error from a failed upload PUT).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error carrying cause as its Unwrap target.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts the Kind of err, if it (or something it wraps) is an
// *Error. ok is false for plain errors.
func As(err error) (kind Kind, ok bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// HTTPStatus maps a Kind to the status code the HTTP surface should
// respond with. Kinds with no client-facing meaning (e.g. Cancelled)
// fall through to 500 — callers that need the "not an error" reading of
// Cancelled should check for it before formatting a response.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidRequest, UnsupportedModel:
		return http.StatusBadRequest
	case QuotaExceeded:
		return http.StatusTooManyRequests
	case TaskNotFound:
		return http.StatusNotFound
	case TaskNotCompleted, TaskCancelFailed, TaskDeleteFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
