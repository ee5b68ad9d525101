package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

// --- helpers ---

const okReply = `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello there"}]}}]}`

func newRequest(body string) *providers.Request {
	return providers.NewRequest(http.MethodPost, "https", "edge.test", "/v1/gemini", nil, []byte(body))
}

func newTestProvider(t *testing.T, primary, fallback string, opts ...Option) *Provider {
	t.Helper()
	opts = append([]Option{WithBaseURL(primary), WithFallbackURL(fallback)}, opts...)
	p, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) ObserveUpstreamAttempt(_, endpoint, outcome string, _ time.Duration) {
	o.outcomes = append(o.outcomes, endpoint+":"+outcome)
}

func decodeCanonical(t *testing.T, body []byte) providers.CanonicalResponse {
	t.Helper()
	var out providers.CanonicalResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("response is not canonical JSON: %v (%s)", err, body)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("expected exactly one choice, got %d", len(out.Choices))
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// --- translation ---

func TestTranslateRequest_Roles(t *testing.T) {
	cases := []struct {
		name  string
		in    []providers.Message
		roles []string
		texts []string
	}{
		{
			name:  "leading system turn dropped",
			in:    []providers.Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "Hi"}},
			roles: []string{"user"},
			texts: []string{"Hi"},
		},
		{
			name: "only the first entry is dropped",
			in: []providers.Message{
				{Role: "assistant", Content: "a"},
				{Role: "system", Content: "b"},
				{Role: "user", Content: "c"},
			},
			roles: []string{"model", "user"},
			texts: []string{"b", "c"},
		},
		{
			name: "user first is kept",
			in: []providers.Message{
				{Role: "user", Content: "q"},
				{Role: "assistant", Content: "a"},
				{Role: "user", Content: "q2"},
			},
			roles: []string{"user", "model", "user"},
			texts: []string{"q", "a", "q2"},
		},
		{
			name:  "single non-user turn leaves nothing",
			in:    []providers.Message{{Role: "system", Content: "x"}},
			roles: []string{},
			texts: []string{},
		},
		{
			name:  "empty conversation",
			in:    []providers.Message{},
			roles: []string{},
			texts: []string{},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := translateRequest(&providers.ChatRequest{Messages: c.in})
			if len(got.Contents) != len(c.roles) {
				t.Fatalf("expected %d contents, got %d", len(c.roles), len(got.Contents))
			}
			for i, ct := range got.Contents {
				if ct.Role != c.roles[i] {
					t.Errorf("contents[%d].role = %q, want %q", i, ct.Role, c.roles[i])
				}
				if len(ct.Parts) != 1 || ct.Parts[0].Text == nil || *ct.Parts[0].Text != c.texts[i] {
					t.Errorf("contents[%d] has unexpected parts %+v", i, ct.Parts)
				}
			}
		})
	}
}

func TestTranslateRequest_Defaults(t *testing.T) {
	got := translateRequest(&providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "x"}}})
	want := generationConfig{Temperature: 0.9, MaxOutputTokens: 4096, TopP: 0.95, TopK: 32}
	if got.GenerationConfig != want {
		t.Fatalf("defaults = %+v, want %+v", got.GenerationConfig, want)
	}
}

func TestTranslateRequest_ExplicitValues(t *testing.T) {
	got := translateRequest(&providers.ChatRequest{
		Messages:    []providers.Message{{Role: "user", Content: "x"}},
		Temperature: ptr(0.0),
		MaxTokens:   ptr(128.0),
		TopP:        ptr(0.5),
		TopLogprobs: ptr(3.0),
	})
	want := generationConfig{Temperature: 0, MaxOutputTokens: 128, TopP: 0.5, TopK: 3}
	if got.GenerationConfig != want {
		t.Fatalf("config = %+v, want %+v", got.GenerationConfig, want)
	}
}

func TestFirstText(t *testing.T) {
	empty := ""
	hello := "hello"
	cases := []struct {
		name string
		in   generateResponse
		want string
	}{
		{"no candidates", generateResponse{}, NoContentPlaceholder},
		{"nil content", generateResponse{Candidates: []candidate{{}}}, NoContentPlaceholder},
		{"no parts", generateResponse{Candidates: []candidate{{Content: &content{}}}}, NoContentPlaceholder},
		{"missing text", generateResponse{Candidates: []candidate{{Content: &content{Parts: []part{{}}}}}}, NoContentPlaceholder},
		{"empty text kept", generateResponse{Candidates: []candidate{{Content: &content{Parts: []part{{Text: &empty}}}}}}, ""},
		{"text", generateResponse{Candidates: []candidate{{Content: &content{Parts: []part{{Text: &hello}}}}}}, "hello"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := firstText(c.in); got != c.want {
				t.Errorf("firstText = %q, want %q", got, c.want)
			}
		})
	}
}

// --- Handle ---

func TestProvider_Handle_Success(t *testing.T) {
	var sent generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "g-key" {
			t.Errorf("credential not sent as key param: %q", got)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header must not be forwarded to gemini")
		}
		if err := json.NewDecoder(r.Body).Decode(&sent); err != nil {
			t.Errorf("decode upstream body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, okReply)
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	p := newTestProvider(t, srv.URL+"/models", srv.URL+"/unused", WithObserver(obs))
	body := `{"model":"gemini-2.5-flash","messages":[{"role":"system","content":"s"},{"role":"user","content":"Hi"}]}`
	resp := p.Handle(context.Background(), newRequest(body), "g-key")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	if resp.ContentType() != providers.ContentTypeJSON {
		t.Errorf("unexpected content type %q", resp.ContentType())
	}
	out := decodeCanonical(t, resp.Body)
	if out.Choices[0].Message.Role != "model" || out.Choices[0].Message.Content != "Hello there" {
		t.Errorf("unexpected choice %+v", out.Choices[0].Message)
	}
	if len(sent.Contents) != 1 || sent.Contents[0].Role != "user" {
		t.Errorf("unexpected upstream contents %+v", sent.Contents)
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != "primary:success" {
		t.Errorf("unexpected attempts %v", obs.outcomes)
	}
}

func TestProvider_Handle_FloatCounts(t *testing.T) {
	var sent generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&sent); err != nil {
			t.Errorf("decode upstream body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, okReply)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL+"/models", srv.URL+"/unused")
	body := `{"messages":[{"role":"user","content":"Hi"}],"max_tokens":1024.0,"top_logprobs":32.0}`
	resp := p.Handle(context.Background(), newRequest(body), "g-key")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	if sent.GenerationConfig.MaxOutputTokens != 1024 || sent.GenerationConfig.TopK != 32 {
		t.Errorf("unexpected generation config %+v", sent.GenerationConfig)
	}
}

func TestProvider_Handle_DefaultModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/"+DefaultModel+":generateContent") {
			t.Errorf("default model not used: %q", r.URL.Path)
		}
		fmt.Fprint(w, okReply)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, srv.URL)
	resp := p.Handle(context.Background(), newRequest(`{"messages":[{"role":"user","content":"x"}]}`), "k")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestProvider_Handle_ModelWithSlash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/tunedModels/my%20model:generateContent" {
			t.Errorf("unexpected path %q", r.URL.EscapedPath())
		}
		fmt.Fprint(w, okReply)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, srv.URL)
	body := `{"model":"tunedModels/my model","messages":[{"role":"user","content":"x"}]}`
	resp := p.Handle(context.Background(), newRequest(body), "k")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestProvider_Handle_FallbackOnUpstreamError(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		fmt.Fprint(w, okReply)
	}))
	defer fallback.Close()

	obs := &recordingObserver{}
	p := newTestProvider(t, primary.URL, fallback.URL, WithObserver(obs))
	resp := p.Handle(context.Background(), newRequest(`{"messages":[{"role":"user","content":"x"}]}`), "k")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from fallback, got %d: %s", resp.StatusCode, resp.Body)
	}
	if primaryCalls.Load() != 1 || fallbackCalls.Load() != 1 {
		t.Fatalf("expected one call each, got primary=%d fallback=%d", primaryCalls.Load(), fallbackCalls.Load())
	}
	want := []string{"primary:http_500", "fallback:success"}
	if strings.Join(obs.outcomes, ",") != strings.Join(want, ",") {
		t.Errorf("attempts = %v, want %v", obs.outcomes, want)
	}
}

func TestProvider_Handle_FallbackOnTransportError(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, okReply)
	}))
	defer fallback.Close()

	p := newTestProvider(t, deadURL, fallback.URL)
	resp := p.Handle(context.Background(), newRequest(`{"messages":[{"role":"user","content":"x"}]}`), "k")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from fallback, got %d: %s", resp.StatusCode, resp.Body)
	}
}

func TestProvider_Handle_BothEndpointsFail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL+"/a", srv.URL+"/b")
	resp := p.Handle(context.Background(), newRequest(`{"messages":[{"role":"user","content":"x"}]}`), "secret-key")

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Fatalf("each endpoint must be tried exactly once, got %d calls", calls.Load())
	}
	if strings.Contains(string(resp.Body), "secret-key") {
		t.Fatal("credential leaked into error body")
	}
	var m map[string]any
	if err := json.Unmarshal(resp.Body, &m); err != nil || m["error"] == "" {
		t.Fatalf("expected JSON error body, got %s", resp.Body)
	}
}

func TestProvider_Handle_MissingCredential(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, srv.URL)
	resp := p.Handle(context.Background(), newRequest(`{"messages":[]}`), "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if calls.Load() != 0 {
		t.Fatalf("upstream must not be called, got %d calls", calls.Load())
	}
}

func TestProvider_Handle_MalformedRequest(t *testing.T) {
	for _, body := range []string{`not json`, `{"model":"x"}`} {
		t.Run(body, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
			}))
			defer srv.Close()

			p := newTestProvider(t, srv.URL, srv.URL)
			resp := p.Handle(context.Background(), newRequest(body), "k")
			if resp.StatusCode != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", resp.StatusCode)
			}
			if calls.Load() != 0 {
				t.Fatalf("upstream must not be called for a malformed body")
			}
		})
	}
}

func TestProvider_Handle_NonJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>oops</html>")
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, srv.URL)
	resp := p.Handle(context.Background(), newRequest(`{"messages":[{"role":"user","content":"x"}]}`), "k")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestProvider_Handle_PlaceholderWhenNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, srv.URL)
	resp := p.Handle(context.Background(), newRequest(`{"messages":[{"role":"user","content":"x"}]}`), "k")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decodeCanonical(t, resp.Body).Choices[0].Message.Content; got != NoContentPlaceholder {
		t.Errorf("expected placeholder, got %q", got)
	}
}

func TestProvider_Handle_StreamFlagIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "stream") {
			t.Errorf("stream flag leaked upstream: %s", body)
		}
		fmt.Fprint(w, okReply)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL, srv.URL)
	resp := p.Handle(context.Background(), newRequest(`{"stream":true,"messages":[{"role":"user","content":"x"}]}`), "k")
	if resp.IsStream() {
		t.Fatal("gemini responses are never streamed")
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestProvider_HealthCheck_NoProbeKey(t *testing.T) {
	p := newTestProvider(t, DefaultBaseURL, DefaultBaseURL)
	if err := p.HealthCheck(context.Background()); !errors.Is(err, providers.ErrNoProbeKey) {
		t.Fatalf("expected ErrNoProbeKey, got %v", err)
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in, base, ver string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"https://proxy.local/gemini/v1", "https://proxy.local/gemini/", "v1"},
		{"https://proxy.local", "https://proxy.local/", ""},
		{"https://proxy.local/custom", "https://proxy.local/custom/", ""},
	}
	for _, c := range cases {
		base, ver := splitBaseURLAndVersion(c.in)
		if base != c.base || ver != c.ver {
			t.Errorf("splitBaseURLAndVersion(%q) = (%q, %q), want (%q, %q)", c.in, base, ver, c.base, c.ver)
		}
	}
}
