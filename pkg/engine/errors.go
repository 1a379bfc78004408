package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies failures reported by the registry clients.
type ErrorKind string

const (
	// ErrorKindNotFound indicates the resource does not exist.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindForbidden indicates the token may not perform the operation.
	ErrorKindForbidden ErrorKind = "forbidden"

	// ErrorKindUnprocessable indicates the registry rejected the patch body.
	ErrorKindUnprocessable ErrorKind = "unprocessable"

	// ErrorKindRequestFailed indicates a transport failure or an unexpected
	// HTTP status. StatusCode is 0 when no response was received.
	ErrorKindRequestFailed ErrorKind = "request_failed"

	// ErrorKindInvalidResponse indicates the response could not be decoded or
	// failed validation.
	ErrorKindInvalidResponse ErrorKind = "invalid_response"
)

// Validate checks if the error kind is a known value.
func (k ErrorKind) Validate() error {
	switch k {
	case ErrorKindNotFound, ErrorKindForbidden, ErrorKindUnprocessable,
		ErrorKindRequestFailed, ErrorKindInvalidResponse:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// AllErrorKinds returns every kind a registry client can report.
func AllErrorKinds() []ErrorKind {
	return []ErrorKind{
		ErrorKindNotFound,
		ErrorKindForbidden,
		ErrorKindUnprocessable,
		ErrorKindRequestFailed,
		ErrorKindInvalidResponse,
	}
}

// ResourceError is the single error type returned by lot and asset clients.
type ResourceError struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// StatusCode is the HTTP status code, or 0 when not applicable.
	StatusCode int `json:"status_code,omitempty"`

	// Resource is the resource type the call targeted.
	Resource ResourceType `json:"resource,omitempty"`

	// ID is the resource id the call targeted.
	ID string `json:"id,omitempty"`

	// Message is the raw message reported by the registry.
	Message string `json:"message,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface. Server errors are summarized so that
// upstream response bodies never end up verbatim in logs or in the ledger.
func (e *ResourceError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Resource != "" || e.ID != "" {
		fmt.Fprintf(&b, " %s %s", e.Resource, e.ID)
	}
	if msg := e.Summary(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// Summary returns the message to surface to callers.
func (e *ResourceError) Summary() string {
	if e.StatusCode >= http.StatusInternalServerError {
		return fmt.Sprintf("server error: %d", e.StatusCode)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return ""
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Is matches another ResourceError with the same kind.
func (e *ResourceError) Is(target error) bool {
	t, ok := target.(*ResourceError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewResourceError creates a classified resource error.
func NewResourceError(kind ErrorKind, resource ResourceType, id string, err error) *ResourceError {
	return &ResourceError{
		Kind:     kind,
		Resource: resource,
		ID:       id,
		Err:      err,
	}
}

// WithStatus adds the HTTP status code to the error.
func (e *ResourceError) WithStatus(code int) *ResourceError {
	e.StatusCode = code
	return e
}

// WithMessage adds the registry message to the error.
func (e *ResourceError) WithMessage(msg string) *ResourceError {
	e.Message = msg
	return e
}

// KindOf returns the kind of a resource error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var e *ResourceError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound returns true if the error reports a missing resource.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrorKindNotFound
}

// IsForbidden returns true if the error reports a forbidden operation.
func IsForbidden(err error) bool {
	return KindOf(err) == ErrorKindForbidden
}

// IsRequestFailed returns true if the error reports a failed request.
func IsRequestFailed(err error) bool {
	return KindOf(err) == ErrorKindRequestFailed
}

// FailureMessage renders an error the way it is stored and logged.
func FailureMessage(err error) string {
	var e *ResourceError
	if errors.As(err, &e) {
		return e.Summary()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	// ErrTransientFailure is returned by AssetGuard.CheckAll when an asset
	// could not be fetched. The availability of the assets is unknown.
	ErrTransientFailure = errors.New("transient failure while fetching assets")

	// ErrLedgerCorruption indicates the ledger was asked to resolve a lot
	// that has no record. It is a logic error and aborts the cycle.
	ErrLedgerCorruption = errors.New("ledger corruption")
)
