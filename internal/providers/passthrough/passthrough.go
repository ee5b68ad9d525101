// Package passthrough provides the provider for OpenAI-compatible upstreams
// (OpenAI, Groq, Mistral). The canonical body is already in the upstream's
// native shape, so it is forwarded byte for byte and the upstream body is
// relayed back unchanged.
package passthrough

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
	"github.com/nulpointcorp/edge-gateway/pkg/apierr"
)

// Default upstream endpoints.
const (
	OpenAIURL  = "https://api.openai.com/v1/chat/completions"
	GroqURL    = "https://api.groq.com/openai/v1/chat/completions"
	MistralURL = "https://api.mistral.ai/v1/chat/completions"
)

const (
	defaultAuthHeader = "Authorization"
	defaultAuthScheme = "Bearer "

	// errorDrainLimit caps how much of an upstream error body is read before
	// the connection is released.
	errorDrainLimit = 64 << 10
)

// Provider forwards canonical requests to one fixed OpenAI-compatible URL.
type Provider struct {
	name       providers.Supplier
	url        string
	authHeader string
	authScheme string
	probeKey   string

	client   *http.Client
	sdk      openaiSDK.Client
	observer providers.AttemptObserver
	log      *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithAuthHeader overrides the header and scheme prefix used to carry the
// credential, e.g. ("api-key", "").
func WithAuthHeader(header, scheme string) Option {
	return func(p *Provider) {
		p.authHeader = header
		p.authScheme = scheme
	}
}

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithProbeKey sets the key used by HealthCheck. Caller credentials are
// never used for probes.
func WithProbeKey(key string) Option {
	return func(p *Provider) { p.probeKey = key }
}

// WithObserver registers an observer for upstream attempts.
func WithObserver(o providers.AttemptObserver) Option {
	return func(p *Provider) { p.observer = o }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a pass-through Provider.
//
//   - name: supplier identity used in logs and metrics.
//   - url: full chat-completions URL the body is POSTed to.
func New(name providers.Supplier, url string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		url:        url,
		authHeader: defaultAuthHeader,
		authScheme: defaultAuthScheme,
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		p.client = providers.NewHTTPClient(providers.ProviderTimeout)
	}
	if p.log == nil {
		p.log = slog.Default()
	}

	p.sdk = openaiSDK.NewClient(
		option.WithAPIKey(p.probeKey),
		option.WithBaseURL(apiBase(p.url)),
		option.WithHTTPClient(p.client),
		option.WithMaxRetries(0),
	)
	return p
}

func (p *Provider) Name() providers.Supplier { return p.name }

// URL returns the upstream chat-completions URL.
func (p *Provider) URL() string { return p.url }

// HealthCheck lists models with the probe key.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.probeKey == "" {
		return providers.ErrNoProbeKey
	}
	if _, err := p.sdk.Models.List(ctx); err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, providers.TransportError(err))
	}
	return nil
}

// Handle forwards req to the upstream. Errors are rendered as JSON error
// responses; nothing is returned to the caller unclassified.
func (p *Provider) Handle(ctx context.Context, req *providers.Request, credential string) *providers.Response {
	resp, err := p.forward(ctx, req, credential)
	if err != nil {
		return providers.ErrorResponse(err)
	}
	return resp
}

func (p *Provider) forward(ctx context.Context, req *providers.Request, credential string) (*providers.Response, error) {
	if credential == "" {
		return nil, apierr.Unauthorized()
	}

	stream := wantsStream(req.Body())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, req.BodyReader())
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("%s: build request: %w", p.name, err))
	}
	httpReq.Header.Set("Content-Type", providers.ContentTypeJSON)
	httpReq.Header.Set(p.authHeader, p.authScheme+credential)
	if stream {
		httpReq.Header.Set("Accept", providers.ContentTypeEventStream)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		err = providers.TransportError(err)
		p.observe("transport", time.Since(start))
		p.log.WarnContext(ctx, "upstream_unreachable",
			slog.String("supplier", string(p.name)),
			slog.String("error", err.Error()),
		)
		return nil, apierr.Upstream(0, fmt.Errorf("%s: %w", p.name, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorDrainLimit))
		_ = resp.Body.Close()
		p.observe(fmt.Sprintf("http_%d", resp.StatusCode), time.Since(start))
		p.log.WarnContext(ctx, "upstream_error",
			slog.String("supplier", string(p.name)),
			slog.Int("status", resp.StatusCode),
		)
		return nil, apierr.Upstream(resp.StatusCode, fmt.Errorf("%s: upstream status %d", p.name, resp.StatusCode))
	}
	p.observe("success", time.Since(start))

	if stream {
		return providers.StreamResponse(http.StatusOK, resp.Body), nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Upstream(0, fmt.Errorf("%s: read body: %w", p.name, err))
	}
	return providers.JSONResponse(http.StatusOK, body), nil
}

func (p *Provider) observe(outcome string, dur time.Duration) {
	if p.observer != nil {
		p.observer.ObserveUpstreamAttempt(string(p.name), "primary", outcome, dur)
	}
}

// wantsStream reports whether the canonical body asks for a streamed reply.
// An undecodable body is forwarded as non-streaming and left for the
// upstream to reject.
func wantsStream(body []byte) bool {
	var peek struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return false
	}
	return peek.Stream
}

// apiBase derives the SDK base URL from a chat-completions URL.
func apiBase(url string) string {
	return strings.TrimSuffix(strings.TrimSuffix(url, "/"), "/chat/completions")
}
