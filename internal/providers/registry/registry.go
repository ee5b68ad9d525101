// Package registry maps supplier identifiers to provider instances.
//
// The mapping is closed: exactly the suppliers listed in providers.Suppliers
// are served, each by one instance built at startup and shared by every
// request.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/edge-gateway/internal/config"
	"github.com/nulpointcorp/edge-gateway/internal/providers"
	geminiprov "github.com/nulpointcorp/edge-gateway/internal/providers/gemini"
	"github.com/nulpointcorp/edge-gateway/internal/providers/passthrough"
	"github.com/nulpointcorp/edge-gateway/pkg/apierr"
)

// Registry resolves supplier identifiers. It is read-only after construction.
type Registry struct {
	byName map[providers.Supplier]providers.Provider
}

// Options are the shared collaborators handed to every provider.
type Options struct {
	Observer   providers.AttemptObserver
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// New builds the four providers from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Registry, error) {
	client := opts.HTTPClient
	if client == nil {
		client = providers.NewHTTPClient(cfg.ProviderTimeout)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	passthroughs := []struct {
		name providers.Supplier
		up   config.UpstreamConfig
	}{
		{providers.SupplierOpenAI, cfg.OpenAI},
		{providers.SupplierGroq, cfg.Groq},
		{providers.SupplierMistral, cfg.Mistral},
	}

	all := make([]providers.Provider, 0, len(providers.Suppliers))
	for _, e := range passthroughs {
		all = append(all, passthrough.New(e.name, e.up.URL,
			passthrough.WithHTTPClient(client),
			passthrough.WithProbeKey(e.up.ProbeKey),
			passthrough.WithObserver(opts.Observer),
			passthrough.WithLogger(log),
		))
	}

	gem, err := geminiprov.New(ctx,
		geminiprov.WithBaseURL(cfg.Gemini.URL),
		geminiprov.WithFallbackURL(cfg.Gemini.FallbackURL),
		geminiprov.WithDefaultModel(cfg.Gemini.DefaultModel),
		geminiprov.WithProbeKey(cfg.Gemini.ProbeKey),
		geminiprov.WithHTTPClient(client),
		geminiprov.WithObserver(opts.Observer),
		geminiprov.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	all = append(all, gem)

	return FromProviders(all...)
}

// FromProviders builds a registry over already constructed providers. Every
// supported supplier must be covered exactly once.
func FromProviders(ps ...providers.Provider) (*Registry, error) {
	r := &Registry{byName: make(map[providers.Supplier]providers.Provider, len(ps))}
	for _, p := range ps {
		name := p.Name()
		if _, ok := providers.ParseSupplier(string(name)); !ok {
			return nil, fmt.Errorf("registry: unsupported supplier %q", name)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("registry: duplicate supplier %q", name)
		}
		r.byName[name] = p
	}
	for _, s := range providers.Suppliers {
		if _, ok := r.byName[s]; !ok {
			return nil, fmt.Errorf("registry: missing supplier %q", s)
		}
	}
	return r, nil
}

// Resolve returns the provider for id, or an UnknownSupplier error.
func (r *Registry) Resolve(id string) (providers.Provider, error) {
	s, ok := providers.ParseSupplier(id)
	if !ok {
		return nil, apierr.UnknownSupplier(id)
	}
	return r.byName[s], nil
}

// All returns every provider in providers.Suppliers order.
func (r *Registry) All() []providers.Provider {
	out := make([]providers.Provider, 0, len(r.byName))
	for _, s := range providers.Suppliers {
		out = append(out, r.byName[s])
	}
	return out
}
