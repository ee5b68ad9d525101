package gemini

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/nulpointcorp/edge-gateway/internal/providers"
	"github.com/nulpointcorp/edge-gateway/pkg/apierr"
)

// Generation defaults applied when the canonical request leaves a field out.
const (
	defaultTemperature     = 0.9
	defaultMaxOutputTokens = 4096
	defaultTopP            = 0.95
	defaultTopK            = 32
)

// NoContentPlaceholder replaces a missing candidate text in the canonical
// response.
const NoContentPlaceholder = "No content available"

var (
	roleUser  = string(genai.RoleUser)
	roleModel = string(genai.RoleModel)
)

// decodeRequest parses the canonical body. A body without a messages array
// is malformed.
func decodeRequest(body []byte) (*providers.ChatRequest, error) {
	var in providers.ChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, apierr.Internal(fmt.Errorf("gemini: decode request: %w", err))
	}
	if in.Messages == nil {
		return nil, apierr.Internal(errors.New("gemini: request has no messages"))
	}
	return &in, nil
}

// translateRequest maps a canonical request onto generateContent.
//
// "user" stays "user" and every other role becomes "model". The native API
// wants the conversation to open with a user turn, so the first translated
// entry is dropped when it is not one. Only that single entry is dropped.
func translateRequest(in *providers.ChatRequest) *generateRequest {
	contents := make([]content, 0, len(in.Messages))
	for _, m := range in.Messages {
		role := roleModel
		if m.Role == roleUser {
			role = roleUser
		}
		text := m.Content
		contents = append(contents, content{Role: role, Parts: []part{{Text: &text}}})
	}
	if len(contents) > 0 && contents[0].Role != roleUser {
		contents = contents[1:]
	}

	cfg := generationConfig{
		Temperature:     defaultTemperature,
		MaxOutputTokens: defaultMaxOutputTokens,
		TopP:            defaultTopP,
		TopK:            defaultTopK,
	}
	if in.Temperature != nil {
		cfg.Temperature = *in.Temperature
	}
	if in.MaxTokens != nil {
		cfg.MaxOutputTokens = int(*in.MaxTokens)
	}
	if in.TopP != nil {
		cfg.TopP = *in.TopP
	}
	// top_logprobs is the closest canonical knob to topK.
	if in.TopLogprobs != nil {
		cfg.TopK = int(*in.TopLogprobs)
	}

	return &generateRequest{Contents: contents, GenerationConfig: cfg}
}

// translateResponse converts a successful generateContent body into the
// canonical shape.
func translateResponse(body []byte) (*providers.Response, error) {
	var native generateResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return nil, apierr.Internal(fmt.Errorf("gemini: decode response: %w", err))
	}

	out, err := json.Marshal(providers.CanonicalResponse{
		Choices: []providers.Choice{{
			Message: providers.ChoiceMessage{Role: roleModel, Content: firstText(native)},
		}},
	})
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("gemini: encode response: %w", err))
	}
	return providers.JSONResponse(http.StatusOK, out), nil
}

// firstText returns the first candidate's first text part. An empty string
// is a valid answer; only a missing one falls back to the placeholder.
func firstText(r generateResponse) string {
	if len(r.Candidates) == 0 {
		return NoContentPlaceholder
	}
	c := r.Candidates[0].Content
	if c == nil || len(c.Parts) == 0 || c.Parts[0].Text == nil {
		return NoContentPlaceholder
	}
	return *c.Parts[0].Text
}
