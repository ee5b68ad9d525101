// Package providers defines the contract every upstream inference supplier
// implements and the request/response types shared by the gateway, the
// response cache and the provider sub-packages.
//
// Each supplier adapter lives in its own sub-package:
//   - passthrough: OpenAI-compatible upstreams (openai, groq, mistral); the
//     canonical body is forwarded verbatim.
//   - gemini: Google Gemini; canonical requests and responses are
//     translated to and from the native generateContent shape.
//
// The supplier set is closed; see the registry sub-package.
package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nulpointcorp/edge-gateway/pkg/apierr"
)

// Supplier identifies an upstream inference provider.
type Supplier string

const (
	SupplierOpenAI  Supplier = "openai"
	SupplierGroq    Supplier = "groq"
	SupplierMistral Supplier = "mistral"
	SupplierGemini  Supplier = "gemini"
)

// DefaultSupplier is used when neither the path nor the supplier header names one.
const DefaultSupplier = SupplierOpenAI

// Suppliers lists every supported supplier in a stable order.
var Suppliers = []Supplier{SupplierOpenAI, SupplierGroq, SupplierMistral, SupplierGemini}

// ParseSupplier reports whether s names a supported supplier.
func ParseSupplier(s string) (Supplier, bool) {
	for _, sup := range Suppliers {
		if string(sup) == s {
			return sup, true
		}
	}
	return "", false
}

const (
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
)

// ProviderTimeout bounds how long an upstream may take to send response
// headers. Streamed bodies are not bounded by it.
const ProviderTimeout = 30 * time.Second

// ErrNoProbeKey is returned by HealthCheck when no probe credential is
// configured for the provider.
var ErrNoProbeKey = errors.New("no probe key configured")

// Provider is the contract every supplier adapter satisfies.
//
// Handle never returns an error: every failure is rendered as a JSON error
// Response at the provider boundary.
type Provider interface {
	Name() Supplier
	Handle(ctx context.Context, req *Request, credential string) *Response
	HealthCheck(ctx context.Context) error
}

// AttemptObserver receives one call per upstream attempt. endpoint is
// "primary" or "fallback"; outcome is "success", "http_<status>" or "transport".
type AttemptObserver interface {
	ObserveUpstreamAttempt(supplier, endpoint, outcome string, dur time.Duration)
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Request is an inbound request buffered once. The body is shared by every
// reader and must not be modified.
type Request struct {
	Method string
	Scheme string
	Host   string
	Path   string
	Query  string
	Header http.Header
	body   []byte
}

// NewRequest copies body so the Request stays valid after the server has
// recycled its own buffers.
func NewRequest(method, scheme, host, path string, header http.Header, body []byte) *Request {
	if header == nil {
		header = make(http.Header)
	}
	return &Request{
		Method: method,
		Scheme: scheme,
		Host:   host,
		Path:   path,
		Header: header,
		body:   append([]byte(nil), body...),
	}
}

// Body returns the raw request bytes. Callers must treat them as read-only.
func (r *Request) Body() []byte { return r.body }

// BodyReader returns a fresh reader over the buffered body.
func (r *Request) BodyReader() io.Reader { return bytes.NewReader(r.body) }

// Credential returns the bearer token from the Authorization header, or ""
// when it is absent or not a bearer credential.
func (r *Request) Credential() string {
	return ParseBearer(r.Header.Get("Authorization"))
}

// ParseBearer extracts the token from an "Authorization: Bearer <token>" value.
func ParseBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Response is what a provider hands back to the gateway. Exactly one of Body
// and Stream is used; Stream is set for streamed upstream bodies and must be
// closed by whoever consumes it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// IsStream reports whether the body is streamed.
func (r *Response) IsStream() bool { return r.Stream != nil }

// ContentType returns the Content-Type header.
func (r *Response) ContentType() string { return r.Header.Get("Content-Type") }

// JSONResponse builds a buffered JSON response.
func JSONResponse(status int, body []byte) *Response {
	h := make(http.Header)
	h.Set("Content-Type", ContentTypeJSON)
	return &Response{StatusCode: status, Header: h, Body: body}
}

// StreamResponse builds a streamed event-stream response.
func StreamResponse(status int, stream io.ReadCloser) *Response {
	h := make(http.Header)
	h.Set("Content-Type", ContentTypeEventStream)
	h.Set("Cache-Control", "no-cache")
	return &Response{StatusCode: status, Header: h, Stream: stream}
}

// ErrorResponse renders err through the apierr taxonomy.
func ErrorResponse(err error) *Response {
	e := apierr.From(err)
	if e == nil {
		e = apierr.Internal(nil)
	}
	return JSONResponse(e.Status, apierr.Body(e))
}

type (
	// Message is a single canonical conversation turn.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ChatRequest is the canonical chat-completion body. Optional numeric
	// fields are pointers so an explicit zero can be told apart from absence.
	// Counts are plain JSON numbers, so 1024.0 is accepted as well as 1024.
	ChatRequest struct {
		Model       string    `json:"model,omitempty"`
		Messages    []Message `json:"messages"`
		Stream      bool      `json:"stream,omitempty"`
		Temperature *float64  `json:"temperature,omitempty"`
		MaxTokens   *float64  `json:"max_tokens,omitempty"`
		TopP        *float64  `json:"top_p,omitempty"`
		TopLogprobs *float64  `json:"top_logprobs,omitempty"`
	}

	// ChoiceMessage is the message of one canonical choice.
	ChoiceMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Choice is one canonical completion choice.
	Choice struct {
		Message ChoiceMessage `json:"message"`
	}

	// CanonicalResponse is the success shape every provider produces or
	// translates into.
	CanonicalResponse struct {
		Choices []Choice `json:"choices"`
	}
)

// NewHTTPClient returns the client used for upstream calls. Only the wait for
// response headers is bounded so long streams are not cut off.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = ProviderTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
		},
	}
}

// TransportError strips the request URL from err. Some upstreams carry the
// credential in the query string and *url.Error would otherwise print it.
func TransportError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s: %w", strings.ToLower(uerr.Op), uerr.Err)
	}
	return err
}
