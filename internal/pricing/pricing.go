// Package pricing provides per-model cost estimation for token usage.
package pricing

import "sync"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing is applied to models missing from the table. It matches the
// Sonnet-class rate so unknown models are never billed as free.
var DefaultPricing = ModelPricing{InputPer1M: 3.00, OutputPer1M: 15.00}

// knownModels is the pricing table as of Aug 2026. Add new models as needed.
var knownModels = map[string]ModelPricing{
	// Anthropic
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-3-opus":     {15.00, 75.00},
	"claude-opus-4":     {15.00, 75.00},
	"claude-3-haiku":    {0.25, 1.25},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	// Gemini
	"gemini-1.5-pro":   {1.25, 5.00},
	"gemini-2.5-flash": {0.075, 0.30},
}

var (
	overridesMu sync.RWMutex
	overrides   map[string]ModelPricing
)

// SetOverrides replaces the configured pricing overrides. Overrides take
// precedence over the built-in table and may add models it does not know.
func SetOverrides(table map[string]ModelPricing) {
	copied := make(map[string]ModelPricing, len(table))
	for model, p := range table {
		copied[model] = p
	}
	overridesMu.Lock()
	overrides = copied
	overridesMu.Unlock()
}

// Lookup returns the pricing for model, falling back to DefaultPricing for
// unknown models, and whether the model was known.
func Lookup(model string) (ModelPricing, bool) {
	overridesMu.RLock()
	p, ok := overrides[model]
	overridesMu.RUnlock()
	if ok {
		return p, true
	}
	p, ok = knownModels[model]
	if !ok {
		return DefaultPricing, false
	}
	return p, true
}

// Cost returns the USD cost for the given token counts.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, _ := Lookup(model)
	return (float64(inputTokens)/1_000_000)*p.InputPer1M +
		(float64(outputTokens)/1_000_000)*p.OutputPer1M
}
