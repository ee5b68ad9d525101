// Package gemini provides the translating provider for Google Gemini.
//
// Gemini does not speak the canonical chat-completion shape: requests are
// rewritten into generateContent payloads, the credential travels as the
// "key" query parameter, and responses are folded back into the canonical
// choices array. Two endpoints are configured; each is tried once, in order.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
	"github.com/nulpointcorp/edge-gateway/pkg/apierr"
)

const (
	// DefaultBaseURL is the models collection both endpoints default to.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	// DefaultModel is used when the canonical request names no model.
	DefaultModel = "gemini-1.5-flash"

	providerName    = providers.SupplierGemini
	errorDrainLimit = 64 << 10
)

// Provider implements providers.Provider for Gemini.
type Provider struct {
	primaryURL   string
	fallbackURL  string
	defaultModel string
	probeKey     string

	client   *http.Client
	sdk      *genai.Client
	observer providers.AttemptObserver
	log      *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the primary models URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.primaryURL = u }
}

// WithFallbackURL overrides the secondary models URL.
func WithFallbackURL(u string) Option {
	return func(p *Provider) { p.fallbackURL = u }
}

// WithDefaultModel overrides the model used when the request names none.
func WithDefaultModel(m string) Option {
	return func(p *Provider) { p.defaultModel = m }
}

// WithProbeKey sets the key used by HealthCheck.
func WithProbeKey(key string) Option {
	return func(p *Provider) { p.probeKey = key }
}

// WithHTTPClient overrides the upstream HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithObserver registers an observer for upstream attempts.
func WithObserver(o providers.AttemptObserver) Option {
	return func(p *Provider) { p.observer = o }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a Gemini Provider. The GenAI SDK client used for health probes
// is only built when a probe key is configured.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	if ctx == nil {
		return nil, errors.New("gemini: context must not be nil")
	}
	p := &Provider{
		primaryURL:   DefaultBaseURL,
		fallbackURL:  DefaultBaseURL,
		defaultModel: DefaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	p.primaryURL = strings.TrimSuffix(p.primaryURL, "/")
	p.fallbackURL = strings.TrimSuffix(p.fallbackURL, "/")
	if p.client == nil {
		p.client = providers.NewHTTPClient(providers.ProviderTimeout)
	}
	if p.log == nil {
		p.log = slog.Default()
	}

	if p.probeKey != "" {
		base, ver := splitBaseURLAndVersion(strings.TrimSuffix(p.primaryURL, "/models"))
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      p.probeKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPClient:  p.client,
			HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: probe client: %w", err)
		}
		p.sdk = client
	}

	return p, nil
}

func (p *Provider) Name() providers.Supplier { return providerName }

// HealthCheck lists one model with the probe key.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.sdk == nil {
		return providers.ErrNoProbeKey
	}
	_, err := p.sdk.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// Handle translates req, calls generateContent with fallback and translates
// the answer back. Every failure, including a panic, ends up as a JSON error
// response.
func (p *Provider) Handle(ctx context.Context, req *providers.Request, credential string) (resp *providers.Response) {
	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(ctx, "gemini_panic", slog.Any("panic", r))
			resp = providers.ErrorResponse(apierr.Internal(fmt.Errorf("gemini: panic: %v", r)))
		}
	}()

	out, err := p.generate(ctx, req, credential)
	if err != nil {
		return providers.ErrorResponse(err)
	}
	return out
}

type endpoint struct {
	name string
	url  string
}

func (p *Provider) generate(ctx context.Context, req *providers.Request, credential string) (*providers.Response, error) {
	if credential == "" {
		return nil, apierr.Unauthorized()
	}

	in, err := decodeRequest(req.Body())
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(translateRequest(in))
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("gemini: encode request: %w", err))
	}

	model := in.Model
	if model == "" {
		model = p.defaultModel
	}

	endpoints := []endpoint{
		{name: "primary", url: p.primaryURL},
		{name: "fallback", url: p.fallbackURL},
	}

	var errs []error
	for _, ep := range endpoints {
		body, err := p.try(ctx, ep, model, credential, payload)
		if err == nil {
			return translateResponse(body)
		}
		p.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("supplier", string(providerName)),
			slog.String("endpoint", ep.name),
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("%s: %w", ep.name, err))
	}

	return nil, apierr.UpstreamUnavailable(errors.Join(errs...))
}

// try performs one generateContent call and returns the body of a 2xx reply.
// Returned errors never contain the request URL, which carries the key.
func (p *Provider) try(ctx context.Context, ep endpoint, model, credential string, payload []byte) ([]byte, error) {
	target := ep.url + "/" + escapeModel(model) + ":generateContent?key=" + url.QueryEscape(credential)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.New("build request: invalid endpoint URL")
	}
	httpReq.Header.Set("Content-Type", providers.ContentTypeJSON)

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.observe(ep.name, "transport", time.Since(start))
		return nil, providers.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorDrainLimit))
		p.observe(ep.name, fmt.Sprintf("http_%d", resp.StatusCode), time.Since(start))
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.observe(ep.name, "transport", time.Since(start))
		return nil, fmt.Errorf("read body: %w", err)
	}
	p.observe(ep.name, "success", time.Since(start))
	return body, nil
}

// escapeModel escapes each segment of a model name, keeping the slashes of
// names such as tunedModels/x.
func escapeModel(model string) string {
	segs := strings.Split(model, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (p *Provider) observe(endpoint, outcome string, dur time.Duration) {
	if p.observer != nil {
		p.observer.ObserveUpstreamAttempt(string(providerName), endpoint, outcome, dur)
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return providers.TransportError(err)
}
