// Package apierr provides the gateway's error taxonomy and its JSON
// rendering. Every error that reaches a caller is an *Error: the HTTP status
// is derived from its Kind, or taken verbatim from the upstream for
// KindUpstream.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/valyala/fasthttp"
)

// Kind classifies a gateway error.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindUnknownSupplier
	KindMethodNotAllowed
	KindUpstream
	KindUpstreamUnavailable
)

// ErrorType constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeUnknownSupplier     = "unknown_supplier"
	CodeMethodNotAllowed    = "method_not_allowed"
	CodeProviderError       = "provider_error"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeInternalError       = "internal_error"
)

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// Err is the underlying cause. It is never rendered to callers.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements providers.StatusCoder.
func (e *Error) HTTPStatus() int { return e.Status }

// Type returns the OpenAI-style error type string for the kind.
func (e *Error) Type() string {
	switch e.Kind {
	case KindUnauthorized:
		return TypeAuthenticationErr
	case KindUnknownSupplier, KindMethodNotAllowed:
		return TypeInvalidRequest
	case KindUpstream, KindUpstreamUnavailable:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

// Code returns the machine-readable code for the kind.
func (e *Error) Code() string {
	switch e.Kind {
	case KindUnauthorized:
		return CodeInvalidAPIKey
	case KindUnknownSupplier:
		return CodeUnknownSupplier
	case KindMethodNotAllowed:
		return CodeMethodNotAllowed
	case KindUpstream:
		return CodeProviderError
	case KindUpstreamUnavailable:
		return CodeUpstreamUnavailable
	default:
		return CodeInternalError
	}
}

// Unauthorized reports a missing or empty bearer credential.
func Unauthorized() *Error {
	return &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Message: "missing API key"}
}

// UnknownSupplier reports a routing target outside the supported set.
func UnknownSupplier(name string) *Error {
	return &Error{
		Kind:    KindUnknownSupplier,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("unsupported supplier %q", name),
	}
}

// MethodNotAllowed reports a non-POST request.
func MethodNotAllowed(method string) *Error {
	return &Error{
		Kind:    KindMethodNotAllowed,
		Status:  http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("method %s not allowed, only POST is accepted", method),
	}
}

// Upstream reports an upstream that answered with a non-success status, or
// could not be reached (status 500). The status is forwarded to the caller.
func Upstream(status int, err error) *Error {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	return &Error{
		Kind:    KindUpstream,
		Status:  status,
		Message: fmt.Sprintf("upstream request failed (status %d)", status),
		Err:     err,
	}
}

// UpstreamUnavailable reports that every attempted endpoint failed.
func UpstreamUnavailable(err error) *Error {
	return &Error{
		Kind:    KindUpstreamUnavailable,
		Status:  http.StatusInternalServerError,
		Message: "all upstream endpoints failed",
		Err:     err,
	}
}

// Internal reports an unexpected failure while processing a request.
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Message: "internal processing error",
		Err:     err,
	}
}

// From classifies err. A nil error yields nil; anything that is not an
// *Error is wrapped as Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

type envelope struct {
	Error string `json:"error"`
	Type  string `json:"type"`
	Code  string `json:"code"`
}

// Body renders err as the JSON error object returned to callers. Only the
// message is exposed, never the wrapped cause.
func Body(err error) []byte {
	e := From(err)
	if e == nil {
		e = Internal(nil)
	}
	body, _ := json.Marshal(envelope{Error: e.Message, Type: e.Type(), Code: e.Code()})
	return body
}

// Write writes err as a JSON error response.
func Write(ctx *fasthttp.RequestCtx, err error) {
	e := From(err)
	if e == nil {
		e = Internal(nil)
	}
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(e))
}
