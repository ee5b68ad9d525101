package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler simulates the Gemini generateContent API on both the
// v1beta (primary) and v1 (fallback) prefixes:
//
//	POST /{version}/models/{model}:generateContent?key=...
//	GET  /{version}/models?key=...    (model listing, used by health probes)
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	for _, version := range []string{"v1beta", "v1"} {
		primary := version == "v1beta"

		mux.HandleFunc("/"+version+"/models/", func(w http.ResponseWriter, r *http.Request) {
			if primary && cfg.GeminiPrimaryDown {
				writeGeminiError(w, http.StatusServiceUnavailable, "mock: primary endpoint down")
				return
			}
			if !strings.HasSuffix(r.URL.Path, ":generateContent") {
				writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
				return
			}
			if r.Method != http.MethodPost {
				writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if r.URL.Query().Get("key") == "" {
				writeGeminiError(w, http.StatusForbidden, "mock: API key missing")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGenerateContent(w, r, cfg, modelFromPath(r.URL.Path))
		})

		mux.HandleFunc("/"+version+"/models", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"models": []map[string]any{
					{"name": "models/gemini-1.5-flash", "displayName": "Gemini 1.5 Flash"},
					{"name": "models/gemini-2.5-flash", "displayName": "Gemini 2.5 Flash"},
				},
			})
		})
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGenerateContent(w http.ResponseWriter, r *http.Request, cfg Config, model string) {
	var req struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Contents) == 0 {
		writeGeminiError(w, http.StatusBadRequest, "mock: contents required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": fakeSentence(cfg.StreamWords)}},
			},
			"finishReason": "STOP",
			"index":        0,
		}},
		"usageMetadata": map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": cfg.StreamWords,
			"totalTokenCount":      10 + cfg.StreamWords,
		},
		"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
		"modelVersion": model,
	})
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  http.StatusText(status),
		},
	})
}

// modelFromPath pulls the model out of /{version}/models/{model}:generateContent.
func modelFromPath(path string) string {
	_, rest, ok := strings.Cut(path, "/models/")
	if !ok {
		return ""
	}
	model, _, _ := strings.Cut(rest, ":")
	return model
}
