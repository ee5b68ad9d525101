// Command upstream runs lightweight HTTP servers that stand in for the
// gateway's suppliers. It is used for end-to-end and load testing without
// real credentials.
//
// Listeners:
//
//	OpenAI-compatible (openai, groq, mistral)  :19001  POST */chat/completions
//	Gemini                                     :19003  POST /{v1beta,v1}/models/{model}:generateContent
//
// Point the gateway at them with:
//
//	OPENAI_URL=http://localhost:19001/v1/chat/completions
//	GROQ_URL=http://localhost:19001/openai/v1/chat/completions
//	MISTRAL_URL=http://localhost:19001/v1/chat/completions
//	GEMINI_URL=http://localhost:19003/v1beta/models
//	GEMINI_FALLBACK_URL=http://localhost:19003/v1/models
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS        artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE        fraction [0,1] of requests answered with HTTP 500 (default 0)
//	MOCK_STREAM_WORDS      words per generated response (default 10)
//	MOCK_GEMINI_PRIMARY_DOWN=1  the v1beta Gemini endpoint always answers 503
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock upstreams",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
		slog.Bool("gemini_primary_down", cfg.GeminiPrimaryDown),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := map[string]*http.Server{
		"openai-compatible": newServer(":"+portFromEnv("PORT_OPENAI", 19001), newChatCompletionsHandler(cfg)),
		"gemini":            newServer(":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, srv := range servers {
		g.Go(func() error {
			log.Info("mock upstream listening", slog.String("upstream", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down mock upstreams")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(sctx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("mock upstream failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("mock upstreams stopped")
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
