// Package proxy is the edge request dispatcher.
//
// The Gateway accepts any POST, takes the API version and the supplier from
// the path (falling back to the "supplier" header and then to openai),
// resolves the provider and either calls it directly or, for version v2,
// goes through the response cache.
//
// Key design constraints:
//   - The gateway holds no per-request state between requests.
//   - Cache, metrics and request logging are optional and nil-safe.
//   - Upstream calls run on a context derived from the gateway's base
//     context and are cancelled once the response has been written.
//   - Streamed bodies are relayed chunk by chunk, flushing after each read.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/cache"
	"github.com/nulpointcorp/edge-gateway/internal/logger"
	"github.com/nulpointcorp/edge-gateway/internal/metrics"
	"github.com/nulpointcorp/edge-gateway/internal/providers"
	"github.com/nulpointcorp/edge-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const streamChunkSize = 32 << 10

// Resolver maps a supplier id to its provider.
type Resolver interface {
	Resolve(id string) (providers.Provider, error)
}

// GatewayOptions holds the optional collaborators of a Gateway.
type GatewayOptions struct {
	// Cache serves version v2 requests. When nil every request goes to the
	// provider directly.
	Cache *cache.ResponseCache

	// Health backs GET /health and GET /readiness.
	Health *HealthChecker

	Metrics    *metrics.Registry
	RequestLog *logger.Logger
	Logger     *slog.Logger
}

// Gateway is the edge dispatcher. All dependencies are injected so they can
// be replaced with doubles in tests.
type Gateway struct {
	resolver Resolver
	cache    *cache.ResponseCache
	health   *HealthChecker
	metrics  *metrics.Registry
	reqLog   *logger.Logger
	baseCtx  context.Context
	log      *slog.Logger
}

// NewGateway creates a Gateway. baseCtx parents every upstream call.
func NewGateway(baseCtx context.Context, resolver Resolver, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if resolver == nil {
		panic("gateway: resolver must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		resolver: resolver,
		cache:    opts.Cache,
		health:   opts.Health,
		metrics:  opts.Metrics,
		reqLog:   opts.RequestLog,
		baseCtx:  baseCtx,
		log:      log,
	}
}

// exchange carries the per-request facts needed once the response is done.
type exchange struct {
	start    time.Time
	version  string
	supplier string
	path     string
	reqBytes int
	resolved bool
}

// dispatch handles every edge request.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx) {
	ex := exchange{
		start:    time.Now(),
		path:     string(ctx.Path()),
		reqBytes: len(ctx.PostBody()),
	}
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	method := string(ctx.Method())
	if method != fasthttp.MethodPost {
		g.fail(ctx, ex, apierr.MethodNotAllowed(method))
		return
	}

	ex.version, ex.supplier = parseRoute(ex.path, string(ctx.Request.Header.Peek(supplierHeader)))

	p, err := g.resolver.Resolve(ex.supplier)
	if err != nil {
		g.fail(ctx, ex, err)
		return
	}
	ex.resolved = true

	req := providers.NewRequest(
		method,
		string(ctx.URI().Scheme()),
		string(ctx.Host()),
		ex.path,
		requestHeader(&ctx.Request.Header),
		ctx.PostBody(),
	)
	req.Query = string(ctx.URI().QueryString())

	upstreamCtx, cancel := context.WithCancel(g.baseCtx)

	var resp *providers.Response
	if ex.version == cachedVersion && g.cache != nil {
		resp = g.cache.Handle(upstreamCtx, req, p.Name(), p)
	} else {
		resp = p.Handle(upstreamCtx, req, req.Credential())
	}
	if resp == nil {
		cancel()
		g.fail(ctx, ex, apierr.Internal(errors.New("provider returned no response")))
		return
	}

	writeHeader(ctx, resp)
	outcome := resp.Header.Get(cache.HeaderCache)

	if !resp.IsStream() {
		cancel()
		ctx.SetBody(resp.Body)
		g.finish(ex, resp.StatusCode, outcome, false, len(resp.Body))
		return
	}

	stream := resp.Stream
	status := resp.StatusCode
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer stream.Close()

		n, err := relay(w, stream)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.log.Warn("stream_relay_interrupted",
				slog.String("supplier", ex.supplier),
				slog.Int64("bytes", n),
				slog.String("error", err.Error()),
			)
		}
		g.finish(ex, status, outcome, true, int(n))
	})
}

// fail writes err and accounts for the request.
func (g *Gateway) fail(ctx *fasthttp.RequestCtx, ex exchange, err error) {
	apierr.Write(ctx, err)
	status := ctx.Response.StatusCode()
	if e := apierr.From(err); e != nil && e.Kind == apierr.KindInternal {
		g.log.Error("dispatch_failed",
			slog.String("path", ex.path),
			slog.String("error", err.Error()),
		)
	}
	g.finish(ex, status, "", false, len(ctx.Response.Body()))
}

// finish records metrics and the request log entry. It runs exactly once per
// request: inline for buffered bodies, at stream end otherwise.
func (g *Gateway) finish(ex exchange, status int, outcome string, stream bool, respBytes int) {
	dur := time.Since(ex.start)

	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("edge", status, dur, ex.reqBytes, respBytes)
		if ex.resolved {
			g.metrics.RecordRequest(ex.supplier, versionLabel(ex.version), status, outcome, dur)
		}
	}

	if g.reqLog != nil {
		g.reqLog.Log(logger.RequestLog{
			Supplier:  ex.supplier,
			Version:   ex.version,
			Path:      ex.path,
			Status:    uint16(status),
			LatencyMs: uint32(dur.Milliseconds()),
			Cache:     outcome,
			Stream:    stream,
		})
	}
}

// relay copies src to w, flushing after every read so event-stream chunks
// reach the client as they arrive.
func relay(w *bufio.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, streamChunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			if err := w.Flush(); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// hopHeaders are owned by the server and never copied from a provider response.
var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Length":    {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

func writeHeader(ctx *fasthttp.RequestCtx, resp *providers.Response) {
	ctx.SetStatusCode(resp.StatusCode)
	for name, values := range resp.Header {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		ctx.Response.Header.Del(name)
		for _, v := range values {
			ctx.Response.Header.Add(name, v)
		}
	}
	if ct := resp.ContentType(); ct != "" {
		ctx.SetContentType(ct)
	}
}

// requestHeader copies the inbound headers so they survive the request ctx.
func requestHeader(h *fasthttp.RequestHeader) http.Header {
	out := make(http.Header)
	h.VisitAll(func(k, v []byte) {
		out.Add(string(k), string(v))
	})
	return out
}

// versionLabel keeps the metrics label set bounded: any version other than
// the cached one is reported as "other" unless it is v1.
func versionLabel(v string) string {
	switch v {
	case "v1", cachedVersion:
		return v
	default:
		return "other"
	}
}
