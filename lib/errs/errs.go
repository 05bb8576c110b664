// Package errs defines the error taxonomy shared by the services and its mapping to HTTP responses.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the client.
type Kind int

// Kinds of error. Upstream is a structured error returned by the blockchain API.
const (
	Internal Kind = iota
	Validation
	Auth
	NotFound
	Upstream
	MethodNotAllowed
)

// GenericMessage is the only message ever rendered for unclassified failures.
const GenericMessage = "Internal server error"

// Error is a classified error. Details holds field level validation messages. Cause is logged, never rendered.
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// String returns the HTTP reason phrase used in the error field of responses.
func (k Kind) String() string {
	return http.StatusText(k.Status())
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case Validation, Upstream:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// NewValidation returns a Validation error. When details are given they are rendered instead of the message.
func NewValidation(message string, details ...string) *Error {
	return &Error{Kind: Validation, Message: message, Details: details}
}

// NewAuth returns an Auth error.
func NewAuth(message string) *Error {
	return &Error{Kind: Auth, Message: message}
}

// NewNotFound returns a NotFound error for a request no route matches, ie. "Cannot GET /x".
func NewNotFound(method, path string) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf("Cannot %s %s", method, path)}
}

// NewMethodNotAllowed returns a MethodNotAllowed error for a route that does not accept method.
func NewMethodNotAllowed(method, path string) *Error {
	return &Error{Kind: MethodNotAllowed, Message: fmt.Sprintf("Cannot %s %s", method, path)}
}

// NewUpstream returns an Upstream error carrying the message extracted from the third party response.
func NewUpstream(message string, cause error) *Error {
	return &Error{Kind: Upstream, Message: message, Cause: cause}
}

// NewInternal returns an Internal error with a message that is safe to show to the client.
func NewInternal(message string, cause error) *Error {
	return &Error{Kind: Internal, Message: message, Cause: cause}
}

// From classifies any error. Unclassified errors become Internal with the generic message.
func From(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return &Error{Kind: Internal, Message: GenericMessage, Cause: err}
}

// Is reports whether err is classified with kind k.
func Is(err error, k Kind) bool {
	var e *Error

	return errors.As(err, &e) && e.Kind == k
}

// Body is the flat error object returned to clients.
type Body struct {
	StatusCode int         `json:"statusCode"`
	Message    interface{} `json:"message"`
	Error      string      `json:"error,omitempty"`
}

// Body renders the error for the client.
func (e *Error) Body() Body {
	b := Body{StatusCode: e.Kind.Status(), Message: e.Message}

	if len(e.Details) > 0 {
		b.Message = e.Details
	}
	// unclassified failures carry no reason phrase, only the generic message
	if !(e.Kind == Internal && e.Message == GenericMessage) {
		b.Error = e.Kind.String()
	}

	return b
}
