// Package pricing estimates agent session cost from token usage when the
// agent does not report a cost itself.
package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelPricing is USD per 1K tokens.
type ModelPricing struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheRead  float64 `yaml:"cache_read"`
	CacheWrite float64 `yaml:"cache_write"`
}

type Table struct {
	Providers map[string]map[string]ModelPricing
}

type Tokens struct {
	Input      int
	Output     int
	CacheRead  int
	CacheWrite int
}

// Default is used when no pricing file is configured.
func Default() *Table {
	return &Table{Providers: map[string]map[string]ModelPricing{
		"anthropic": {
			"claude-opus":   {Input: 0.015, Output: 0.075, CacheRead: 0.0015, CacheWrite: 0.01875},
			"claude-sonnet": {Input: 0.003, Output: 0.015, CacheRead: 0.0003, CacheWrite: 0.00375},
			"claude-haiku":  {Input: 0.0008, Output: 0.004, CacheRead: 0.00008, CacheWrite: 0.001},
		},
	}}
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var providers map[string]map[string]ModelPricing
	if err := yaml.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Providers: providers}, nil
}

// Lookup finds the price for model, trying an exact match and then the
// longest configured prefix so dated model ids resolve to their family.
func (t *Table) Lookup(provider, model string) (ModelPricing, bool) {
	if t == nil || t.Providers == nil {
		return ModelPricing{}, false
	}
	models, ok := t.Providers[provider]
	if !ok {
		return ModelPricing{}, false
	}
	if p, ok := models[model]; ok {
		return p, true
	}
	best := ""
	for name := range models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return models[best], true
}

// Cost calculates total cost for a request. Prices are per 1K tokens.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	return t.Estimate(provider, model, Tokens{Input: inputTokens, Output: outputTokens})
}

// Estimate prices every token class. Unknown models cost 0.
func (t *Table) Estimate(provider, model string, tok Tokens) float64 {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	per := func(n int, price float64) float64 { return float64(n) / 1000.0 * price }
	return per(tok.Input, p.Input) +
		per(tok.Output, p.Output) +
		per(tok.CacheRead, p.CacheRead) +
		per(tok.CacheWrite, p.CacheWrite)
}
