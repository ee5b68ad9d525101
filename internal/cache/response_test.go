package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/background"
	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

// --- fakes ---

type fakeProvider struct {
	calls  atomic.Int32
	handle func(req *providers.Request) *providers.Response
}

func (f *fakeProvider) Name() providers.Supplier { return providers.SupplierOpenAI }
func (f *fakeProvider) HealthCheck(context.Context) error { return nil }
func (f *fakeProvider) Handle(_ context.Context, req *providers.Request, _ string) *providers.Response {
	f.calls.Add(1)
	return f.handle(req)
}

func okProvider(body string) *fakeProvider {
	return &fakeProvider{handle: func(*providers.Request) *providers.Response {
		return providers.JSONResponse(http.StatusOK, []byte(body))
	}}
}

// inlineDetacher runs writes synchronously so tests can assert on the store
// right after Handle returns.
type inlineDetacher struct{}

func (inlineDetacher) Go(parent context.Context, _ string, fn func(context.Context) error) error {
	return fn(context.WithoutCancel(parent))
}

type fullDetacher struct{}

func (fullDetacher) Go(context.Context, string, func(context.Context) error) error {
	return background.ErrFull
}

type countingObserver struct {
	mu  sync.Mutex
	ops map[string]int
}

func (o *countingObserver) ObserveCacheOp(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops == nil {
		o.ops = make(map[string]int)
	}
	o.ops[op]++
}

func (o *countingObserver) count(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ops[op]
}

type failingStore struct{ Cache }

func (failingStore) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func v2Request(body string) *providers.Request {
	h := make(http.Header)
	h.Set("Authorization", "Bearer sk-test")
	return providers.NewRequest(http.MethodPost, "https", "edge.test", "/v2/openai", h, []byte(body))
}

func newTestResponseCache(t *testing.T, opts Options) (*ResponseCache, *MemoryCache) {
	t.Helper()
	store := NewMemoryCache(context.Background())
	t.Cleanup(store.Close)
	return NewResponseCache(store, inlineDetacher{}, opts), store
}

const reqBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"Hello"}]}`

// --- tests ---

func TestDeriveHash(t *testing.T) {
	// sha256("") and sha256("abc") from FIPS 180-2.
	if got := DeriveHash(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("DeriveHash(empty) = %s", got)
	}
	if got := DeriveHash([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("DeriveHash(abc) = %s", got)
	}
	if DeriveHash([]byte(reqBody)) != DeriveHash([]byte(reqBody)) {
		t.Error("DeriveHash is not deterministic")
	}
	if DeriveHash([]byte(reqBody)) == DeriveHash([]byte(reqBody+" ")) {
		t.Error("a single extra byte must change the hash")
	}
}

func TestKeyFor(t *testing.T) {
	req := v2Request(reqBody)
	k := KeyFor(req, providers.SupplierGemini)

	want := "https://edge.test/post/v2/openai/gemini/" + DeriveHash([]byte(reqBody))
	if k.String() != want {
		t.Fatalf("key = %q, want %q", k.String(), want)
	}
	if len(k.Hash) != 64 || strings.ToLower(k.Hash) != k.Hash {
		t.Errorf("hash must be 64 lowercase hex chars, got %q", k.Hash)
	}
	if KeyFor(req, providers.SupplierGroq).String() == want {
		t.Error("supplier must be part of the key")
	}
}

func TestResponseCache_MissThenHit(t *testing.T) {
	obs := &countingObserver{}
	rc, _ := newTestResponseCache(t, Options{Observer: obs})
	p := okProvider(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`)

	first := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
	if first.StatusCode != http.StatusOK || first.Header.Get(HeaderCache) != OutcomeMiss {
		t.Fatalf("first call: status %d, X-Cache %q", first.StatusCode, first.Header.Get(HeaderCache))
	}

	second := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second call: status %d", second.StatusCode)
	}
	if second.Header.Get(HeaderCache) != OutcomeHit {
		t.Fatalf("second call should be a hit, got %q", second.Header.Get(HeaderCache))
	}
	if string(second.Body) != string(first.Body) {
		t.Errorf("cached body differs:\n got %s\nwant %s", second.Body, first.Body)
	}
	if second.Header.Get("Cache-Control") != "max-age=300" {
		t.Errorf("Cache-Control = %q", second.Header.Get("Cache-Control"))
	}
	if second.ContentType() != providers.ContentTypeJSON {
		t.Errorf("Content-Type = %q", second.ContentType())
	}
	if p.calls.Load() != 1 {
		t.Fatalf("provider called %d times, want 1", p.calls.Load())
	}
	if obs.count("miss") != 1 || obs.count("hit") != 1 || obs.count("set_ok") != 1 {
		t.Errorf("unexpected observed ops %v", obs.ops)
	}
}

func TestResponseCache_DifferentBodiesDoNotCollide(t *testing.T) {
	rc, _ := newTestResponseCache(t, Options{})
	p := okProvider(`{}`)

	rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
	rc.Handle(context.Background(), v2Request(reqBody+"\n"), providers.SupplierOpenAI, p)

	if p.calls.Load() != 2 {
		t.Fatalf("provider called %d times, want 2", p.calls.Load())
	}
}

func TestResponseCache_NonOKNeverCached(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			rc, store := newTestResponseCache(t, Options{})
			p := &fakeProvider{handle: func(*providers.Request) *providers.Response {
				return providers.JSONResponse(status, []byte(`{"error":"x"}`))
			}}

			for i := 0; i < 2; i++ {
				resp := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
				if resp.StatusCode != status {
					t.Fatalf("status %d, want %d", resp.StatusCode, status)
				}
			}
			if p.calls.Load() != 2 {
				t.Fatalf("provider called %d times, want 2", p.calls.Load())
			}
			if store.Len() != 0 {
				t.Fatalf("non-200 response was stored")
			}
		})
	}
}

func TestResponseCache_UndecodableEntryIsMiss(t *testing.T) {
	rc, store := newTestResponseCache(t, Options{})
	req := v2Request(reqBody)
	key := KeyFor(req, providers.SupplierOpenAI).String()
	_ = store.Set(context.Background(), key, []byte("garbage"), time.Minute)

	p := okProvider(`{"ok":true}`)
	resp := rc.Handle(context.Background(), req, providers.SupplierOpenAI, p)

	if p.calls.Load() != 1 {
		t.Fatal("provider must be called when the stored entry is unreadable")
	}
	if resp.Header.Get(HeaderCache) != OutcomeMiss {
		t.Errorf("X-Cache = %q", resp.Header.Get(HeaderCache))
	}
	raw, _ := store.Get(context.Background(), key)
	if _, err := DecodeEntry(raw); err != nil {
		t.Errorf("bad entry was not replaced: %v", err)
	}
}

func TestResponseCache_StoreFailuresAreSwallowed(t *testing.T) {
	obs := &countingObserver{}
	rc := NewResponseCache(failingStore{}, inlineDetacher{}, Options{Observer: obs})
	p := okProvider(`{"ok":true}`)

	resp := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
	if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"ok":true}` {
		t.Fatalf("store failure leaked into the response: %d %s", resp.StatusCode, resp.Body)
	}
	if obs.count("set_error") != 1 {
		t.Errorf("set_error = %d, want 1", obs.count("set_error"))
	}
}

func TestResponseCache_DroppedWrite(t *testing.T) {
	obs := &countingObserver{}
	store := NewMemoryCache(context.Background())
	defer store.Close()
	rc := NewResponseCache(store, fullDetacher{}, Options{Observer: obs})

	resp := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, okProvider(`{}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if obs.count("write_dropped") != 1 || store.Len() != 0 {
		t.Errorf("expected a dropped write, ops %v, len %d", obs.ops, store.Len())
	}
}

func TestResponseCache_WriteIsDetached(t *testing.T) {
	store := NewMemoryCache(context.Background())
	defer store.Close()
	g := background.New(4, time.Second, nil)
	rc := NewResponseCache(store, g, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	rc.Handle(ctx, v2Request(reqBody), providers.SupplierOpenAI, okProvider(`{"ok":1}`))
	cancel()

	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if store.Len() != 1 {
		t.Fatal("write must complete even after the request context is cancelled")
	}
}

func TestResponseCache_ProviderResultIsNotAliased(t *testing.T) {
	rc, store := newTestResponseCache(t, Options{})
	req := v2Request(reqBody)

	resp := rc.Handle(context.Background(), req, providers.SupplierOpenAI, okProvider(`{"n":1}`))
	copy(resp.Body, `{"n":2}`)

	raw, _ := store.Get(context.Background(), KeyFor(req, providers.SupplierOpenAI).String())
	entry, err := DecodeEntry(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Body) != `{"n":1}` {
		t.Fatalf("stored body aliases the response: %s", entry.Body)
	}
}

func TestResponseCache_StreamCachedAtEOF(t *testing.T) {
	const events = "data: {\"x\":1}\n\ndata: [DONE]\n\n"
	rc, _ := newTestResponseCache(t, Options{})
	p := &fakeProvider{handle: func(*providers.Request) *providers.Response {
		return providers.StreamResponse(http.StatusOK, io.NopCloser(strings.NewReader(events)))
	}}

	first := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
	if !first.IsStream() {
		t.Fatal("expected a streamed miss")
	}
	got, _ := io.ReadAll(first.Stream)
	_ = first.Stream.Close()
	if string(got) != events {
		t.Fatalf("stream modified: %q", got)
	}

	second := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
	if second.Header.Get(HeaderCache) != OutcomeHit {
		t.Fatalf("expected hit after a complete stream, got %q", second.Header.Get(HeaderCache))
	}
	if string(second.Body) != events || second.ContentType() != providers.ContentTypeEventStream {
		t.Errorf("unexpected replay %q (%s)", second.Body, second.ContentType())
	}
	if p.calls.Load() != 1 {
		t.Fatalf("provider called %d times", p.calls.Load())
	}
}

func TestResponseCache_PartialStreamNotCached(t *testing.T) {
	rc, store := newTestResponseCache(t, Options{})
	p := &fakeProvider{handle: func(*providers.Request) *providers.Response {
		return providers.StreamResponse(http.StatusOK, io.NopCloser(strings.NewReader("data: partial\n\n")))
	}}

	resp := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
	buf := make([]byte, 4)
	_, _ = resp.Stream.Read(buf)
	_ = resp.Stream.Close()

	if store.Len() != 0 {
		t.Fatal("a stream closed before EOF must not be cached")
	}
}

func TestResponseCache_OversizedStreamNotCached(t *testing.T) {
	rc, store := newTestResponseCache(t, Options{MaxStreamBytes: 8})
	p := &fakeProvider{handle: func(*providers.Request) *providers.Response {
		return providers.StreamResponse(http.StatusOK, io.NopCloser(strings.NewReader(strings.Repeat("x", 64))))
	}}

	resp := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
	got, _ := io.ReadAll(resp.Stream)
	if len(got) != 64 {
		t.Fatalf("oversized stream must still be relayed in full, got %d bytes", len(got))
	}
	if store.Len() != 0 {
		t.Fatal("oversized stream must not be cached")
	}
}

func TestResponseCache_Exclusions(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4o"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	obs := &countingObserver{}
	rc, store := newTestResponseCache(t, Options{Exclusions: el, Observer: obs})
	p := okProvider(`{}`)

	for i := 0; i < 2; i++ {
		resp := rc.Handle(context.Background(), v2Request(reqBody), providers.SupplierOpenAI, p)
		if resp.Header.Get(HeaderCache) != OutcomeBypass {
			t.Fatalf("X-Cache = %q, want BYPASS", resp.Header.Get(HeaderCache))
		}
	}
	if p.calls.Load() != 2 || store.Len() != 0 {
		t.Fatalf("excluded model was cached: calls %d, len %d", p.calls.Load(), store.Len())
	}
	if obs.count("bypass") != 2 {
		t.Errorf("bypass = %d", obs.count("bypass"))
	}
}
