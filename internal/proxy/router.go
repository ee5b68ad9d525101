package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the edge dispatcher.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full request handler: management routes on GET, every
// other request through the edge dispatcher, all behind the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()
	// A POST to a management path is an edge request like any other.
	r.HandleMethodNotAllowed = false
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}
	r.NotFound = g.dispatch

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		securityHeaders,
	)
}

// NewServer wraps handler in a fasthttp.Server. Write timeouts are left
// unset so long streams are not cut off.
func NewServer(handler fasthttp.RequestHandler, maxBodySize int) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            handler,
		Name:               "edge-gateway",
		ReadTimeout:        60 * time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: maxBodySize,
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": statusOK})
		return
	}
	writeJSON(ctx, g.health.Snapshot(ctx))
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK(ctx) {
		writeJSON(ctx, map[string]string{"status": statusOK})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
