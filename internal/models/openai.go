package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
)

// OpenAIGenerator speaks the OpenAI chat-completions dialect, which also
// covers OpenRouter, Together, Ollama's compat endpoint, and similar
// runtimes. Model keys are routed through the catalog: the key's provider
// selects the endpoint, the key's name is the upstream model id.
type OpenAIGenerator struct {
	catalog   *config.Catalog
	providers map[string]config.ProviderConfig
	client    *http.Client
	logger    *slog.Logger
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	N           int             `json:"n,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIGenerator builds a generator over the given provider endpoints.
func NewOpenAIGenerator(catalog *config.Catalog, providers map[string]config.ProviderConfig, logger *slog.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{
		catalog:   catalog,
		providers: providers,
		client:    &http.Client{Timeout: 120 * time.Second},
		logger:    logger.With("component", "generator"),
	}
}

// Generate performs one upstream call. Transport failures map to
// GeneratorUnavailable, deadline hits to GeneratorTimeout; retrying is the
// caller's policy.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	entry, ok := g.catalog.Models[req.ModelKey]
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidInput, "model %q not in allow-list", req.ModelKey)
	}
	provider, ok := g.providers[entry.Provider]
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalidInput, "provider %q not configured", entry.Provider)
	}

	n := req.NSamples
	if n < 1 {
		n = 1
	}
	body := openAIRequest{
		Model:       entry.Name,
		Messages:    []openAIMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		N:           n,
		Stream:      false,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BaseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.KindGeneratorTimeout, "generator call timed out", err)
		}
		return nil, apperr.Wrap(apperr.KindGeneratorUnavailable, "generator unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGeneratorUnavailable, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr openAIError
		_ = json.Unmarshal(respBody, &apiErr)
		g.logger.Warn("generator error response",
			"model", req.ModelKey,
			"status", resp.StatusCode,
			"type", apiErr.Error.Type,
		)
		return nil, apperr.Newf(apperr.KindGeneratorUnavailable, "API error %d: %s", resp.StatusCode, apiErr.Error.Message)
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, apperr.Wrap(apperr.KindGeneratorUnavailable, "unmarshal response", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, apperr.New(apperr.KindGeneratorUnavailable, "no choices in response")
	}

	texts := make([]string, 0, len(apiResp.Choices))
	for _, c := range apiResp.Choices {
		texts = append(texts, c.Message.Content)
	}
	return &GenerateResponse{
		Texts:     texts,
		TokensIn:  apiResp.Usage.PromptTokens,
		TokensOut: apiResp.Usage.CompletionTokens,
		CostUSD:   g.catalog.Cost(req.ModelKey, apiResp.Usage.PromptTokens, apiResp.Usage.CompletionTokens),
	}, nil
}
