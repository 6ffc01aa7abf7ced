// Package models adapts external LLM runtimes behind the Generator
// contract. The rest of the system never speaks to a model endpoint
// directly.
package models

import (
	"context"
)

// GenerateRequest is one generation call. NSamples > 1 requests
// self-consistency samples; cost scales with the sample count.
type GenerateRequest struct {
	ModelKey    string
	Prompt      string
	Temperature float64
	MaxTokens   int
	NSamples    int
}

// GenerateResponse carries the sampled texts and usage accounting.
type GenerateResponse struct {
	Texts     []string
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// Generator is the executor's view of an LLM runtime.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	return f(ctx, req)
}
