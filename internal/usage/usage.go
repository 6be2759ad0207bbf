// Package usage prices token usage with a static per-model table.
package usage

import (
	"strings"
	"sync"

	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

// Cost represents pricing for a model (USD per million tokens).
type Cost struct {
	Input       float64 `json:"input" yaml:"input"`
	CachedInput float64 `json:"cached_input" yaml:"cached_input"`
	Output      float64 `json:"output" yaml:"output"`
}

// Estimate calculates the cost of u. InputTokens includes cached tokens;
// those are billed at CachedInput and the rest at Input.
func (c Cost) Estimate(u models.Usage) float64 {
	cached := u.CachedInputTokens
	if cached > u.InputTokens {
		cached = u.InputTokens
	}
	uncached := u.InputTokens - cached
	total := float64(uncached)*c.Input +
		float64(cached)*c.CachedInput +
		float64(u.OutputTokens)*c.Output
	return total / 1_000_000
}

// DefaultPrices is the built-in table, keyed by model name.
var DefaultPrices = map[string]Cost{
	"gpt-5":            {Input: 1.25, CachedInput: 0.125, Output: 10},
	"gpt-5-mini":       {Input: 0.25, CachedInput: 0.025, Output: 2},
	"gpt-5-nano":       {Input: 0.05, CachedInput: 0.005, Output: 0.4},
	"gpt-4.1":          {Input: 2, CachedInput: 0.5, Output: 8},
	"gpt-4.1-mini":     {Input: 0.4, CachedInput: 0.1, Output: 1.6},
	"gpt-4.1-nano":     {Input: 0.1, CachedInput: 0.025, Output: 0.4},
	"gpt-4o":           {Input: 2.5, CachedInput: 1.25, Output: 10},
	"gpt-4o-mini":      {Input: 0.15, CachedInput: 0.075, Output: 0.6},
	"o3":               {Input: 2, CachedInput: 0.5, Output: 8},
	"o4-mini":          {Input: 1.1, CachedInput: 0.275, Output: 4.4},
	"claude-opus-4":    {Input: 15, CachedInput: 1.5, Output: 75},
	"claude-sonnet-4":  {Input: 3, CachedInput: 0.3, Output: 15},
	"claude-haiku-4-5": {Input: 1, CachedInput: 0.1, Output: 5},
	"claude-3-5-haiku": {Input: 0.8, CachedInput: 0.08, Output: 4},
	"gemini-2.5-pro":   {Input: 1.25, CachedInput: 0.31, Output: 10},
	"gemini-2.5-flash": {Input: 0.3, CachedInput: 0.075, Output: 2.5},
	"gemini-2.0-flash": {Input: 0.1, CachedInput: 0.025, Output: 0.4},
}

// PriceTable looks up model prices. The zero value is not usable; use
// NewPriceTable.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]Cost
}

// NewPriceTable creates a table seeded with DefaultPrices and then
// overrides, which win on conflict.
func NewPriceTable(overrides map[string]Cost) *PriceTable {
	t := &PriceTable{prices: make(map[string]Cost, len(DefaultPrices)+len(overrides))}
	for k, v := range DefaultPrices {
		t.prices[k] = v
	}
	for k, v := range overrides {
		t.prices[strings.ToLower(k)] = v
	}
	return t
}

// Lookup returns the price of model. Dated snapshots such as
// "gpt-4o-2024-08-06" resolve to their base entry.
func (t *PriceTable) Lookup(model string) (Cost, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.prices[model]; ok {
		return c, true
	}

	best, bestLen := Cost{}, 0
	for name, c := range t.prices {
		if len(name) <= bestLen || !strings.HasPrefix(model, name) {
			continue
		}
		rest := model[len(name):]
		if len(rest) >= 2 && rest[0] == '-' && rest[1] >= '0' && rest[1] <= '9' {
			best, bestLen = c, len(name)
		}
	}
	return best, bestLen > 0
}

// Estimate prices u for model. ok is false when the model is unknown.
func (t *PriceTable) Estimate(model string, u models.Usage) (cost float64, ok bool) {
	c, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}
	return c.Estimate(u), true
}
