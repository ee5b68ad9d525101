package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

const (
	// DefaultTTL is how long a cached response stays fresh.
	DefaultTTL = 300 * time.Second

	// DefaultMaxStreamBytes caps how much of a streamed body is captured for
	// caching. Longer streams are relayed but not cached.
	DefaultMaxStreamBytes = 4 << 20

	// HeaderCache reports the cache outcome on v2 responses.
	HeaderCache = "X-Cache"
)

// Cache outcomes, as reported in HeaderCache and to the Observer.
const (
	OutcomeHit    = "HIT"
	OutcomeMiss   = "MISS"
	OutcomeBypass = "BYPASS"
)

// Detacher schedules work that outlives the request.
type Detacher interface {
	Go(parent context.Context, name string, fn func(ctx context.Context) error) error
}

// Observer receives cache operation counts. op is one of "hit", "miss",
// "bypass", "set_ok", "set_error", "write_dropped".
type Observer interface {
	ObserveCacheOp(op string)
}

// Options configure a ResponseCache.
type Options struct {
	TTL            time.Duration
	MaxStreamBytes int
	Exclusions     *ExclusionList
	Observer       Observer
	Logger         *slog.Logger
}

// ResponseCache is a read-through, write-behind cache around a provider
// call. Identical concurrent misses may both call the provider and both
// write; entries for the same key are interchangeable.
type ResponseCache struct {
	store     Cache
	writer    Detacher
	ttl       time.Duration
	maxStream int
	exclude   *ExclusionList
	observer  Observer
	log       *slog.Logger
}

// NewResponseCache wires a ResponseCache over store. Background writes are
// scheduled on writer.
func NewResponseCache(store Cache, writer Detacher, opts Options) *ResponseCache {
	c := &ResponseCache{
		store:     store,
		writer:    writer,
		ttl:       opts.TTL,
		maxStream: opts.MaxStreamBytes,
		exclude:   opts.Exclusions,
		observer:  opts.Observer,
		log:       opts.Logger,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.maxStream <= 0 {
		c.maxStream = DefaultMaxStreamBytes
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Handle serves req from the store when possible and otherwise calls p,
// caching a status-200 answer in the background. The response is returned
// without waiting for the write.
func (c *ResponseCache) Handle(ctx context.Context, req *providers.Request, supplier providers.Supplier, p providers.Provider) *providers.Response {
	if c.exclude.Len() > 0 && c.exclude.Matches(modelOf(req.Body())) {
		c.observe("bypass")
		return withOutcome(p.Handle(ctx, req, req.Credential()), OutcomeBypass)
	}

	key := KeyFor(req, supplier).String()

	if raw, ok := c.store.Get(ctx, key); ok {
		entry, err := DecodeEntry(raw)
		if err == nil {
			c.observe("hit")
			c.log.DebugContext(ctx, "cache_hit", slog.String("supplier", string(supplier)))
			return withOutcome(entry.Response(), OutcomeHit)
		}
		c.log.WarnContext(ctx, "cache_entry_invalid",
			slog.String("supplier", string(supplier)),
			slog.String("error", err.Error()),
		)
	}
	c.observe("miss")

	resp := p.Handle(ctx, req, req.Credential())
	if resp.StatusCode != http.StatusOK {
		return withOutcome(resp, OutcomeMiss)
	}

	if resp.IsStream() {
		resp.Stream = c.capture(ctx, key, resp.ContentType(), resp.Stream)
		return withOutcome(resp, OutcomeMiss)
	}

	c.writeBehind(ctx, key, NewEntry(resp.ContentType(), bytes.Clone(resp.Body), c.ttl))
	return withOutcome(resp, OutcomeMiss)
}

func (c *ResponseCache) writeBehind(ctx context.Context, key string, entry Entry) {
	raw, err := entry.Encode()
	if err != nil {
		c.observe("set_error")
		c.log.WarnContext(ctx, "write_behind_failed", slog.String("error", err.Error()))
		return
	}

	err = c.writer.Go(ctx, "cache_write", func(wctx context.Context) error {
		if err := c.store.Set(wctx, key, raw, c.ttl); err != nil {
			c.observe("set_error")
			c.log.WarnContext(wctx, "write_behind_failed", slog.String("error", err.Error()))
			return nil
		}
		c.observe("set_ok")
		return nil
	})
	if err != nil {
		c.observe("write_dropped")
		c.log.WarnContext(ctx, "write_behind_dropped", slog.String("error", err.Error()))
	}
}

// capture wraps a streamed body so that it is cached once the client has
// read it to EOF. Streams that are cut short or exceed the size cap are not
// cached.
func (c *ResponseCache) capture(ctx context.Context, key, contentType string, src io.ReadCloser) io.ReadCloser {
	return &teeStream{
		src:   src,
		limit: c.maxStream,
		done: func(body []byte) {
			c.writeBehind(ctx, key, NewEntry(contentType, body, c.ttl))
		},
	}
}

func (c *ResponseCache) observe(op string) {
	if c.observer != nil {
		c.observer.ObserveCacheOp(op)
	}
}

// teeStream copies everything read from src into buf and calls done with
// the full body on the first clean EOF.
type teeStream struct {
	src   io.ReadCloser
	buf   bytes.Buffer
	limit int
	over  bool
	once  sync.Once
	done  func(body []byte)
}

func (t *teeStream) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && !t.over {
		if t.buf.Len()+n > t.limit {
			t.over = true
			t.buf = bytes.Buffer{}
		} else {
			t.buf.Write(p[:n])
		}
	}
	if err == io.EOF && !t.over {
		t.once.Do(func() { t.done(bytes.Clone(t.buf.Bytes())) })
	}
	return n, err
}

func (t *teeStream) Close() error {
	return t.src.Close()
}

func withOutcome(resp *providers.Response, outcome string) *providers.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderCache, outcome)
	return resp
}

// modelOf extracts the "model" field for exclusion matching. Bodies that do
// not decode have no model.
func modelOf(body []byte) string {
	var peek struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return ""
	}
	return peek.Model
}
