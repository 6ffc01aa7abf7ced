package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Catalog is the model allow-list loaded from models.toml. A model_key is
// valid only if it appears here.
type Catalog struct {
	Models map[string]ModelEntry `toml:"models"`
}

// ModelEntry describes one allow-listed model.
type ModelEntry struct {
	Provider      string `toml:"provider"`
	Name          string `toml:"name"`
	ContextWindow int    `toml:"context_window"`
	// Prices are USD per million tokens.
	CostInput  float64 `toml:"cost_input"`
	CostOutput float64 `toml:"cost_output"`
}

// LoadCatalog parses the TOML model catalog.
func LoadCatalog(path string) (*Catalog, error) {
	var cat Catalog
	if _, err := toml.DecodeFile(path, &cat); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(cat.Models) == 0 {
		return nil, fmt.Errorf("model catalog %s lists no models", path)
	}
	for key, m := range cat.Models {
		if m.Provider == "" {
			return nil, fmt.Errorf("model %s: provider required", key)
		}
		if m.CostInput < 0 || m.CostOutput < 0 {
			return nil, fmt.Errorf("model %s: negative cost", key)
		}
	}
	return &cat, nil
}

// Allowed reports whether a model_key is in the allow-list.
func (c *Catalog) Allowed(modelKey string) bool {
	_, ok := c.Models[modelKey]
	return ok
}

// Keys returns the allow-listed model keys in unspecified order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.Models))
	for k := range c.Models {
		keys = append(keys, k)
	}
	return keys
}

// Cost computes USD cost for a token split against the catalog prices.
// Unknown models cost zero; the allow-list check happens upstream.
func (c *Catalog) Cost(modelKey string, tokensIn, tokensOut int) float64 {
	m, ok := c.Models[modelKey]
	if !ok {
		return 0
	}
	return float64(tokensIn)*m.CostInput/1_000_000 + float64(tokensOut)*m.CostOutput/1_000_000
}
