// Package pricing converts token counts into USD using a per-model price
// table quoted per 1000 tokens.
package pricing

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultModel prices any model missing from the table.
const DefaultModel = "gpt-4o-mini"

// Price is USD per 1000 tokens.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

type Breakdown struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	TotalCost  float64 `json:"total_cost"`
}

// DefaultPrices returns a fresh copy of the built-in price list.
func DefaultPrices() map[string]Price {
	return map[string]Price{
		"gpt-4o":                  {Input: 0.005, Output: 0.015},
		"gpt-4o-mini":             {Input: 0.00015, Output: 0.0006},
		"gpt-4.1":                 {Input: 0.002, Output: 0.008},
		"gpt-4.1-mini":            {Input: 0.0004, Output: 0.0016},
		"gpt-3.5-turbo":           {Input: 0.0015, Output: 0.002},
		"llama3-8b-8192":          {Input: 0.0005, Output: 0.0008},
		"gemma2-9b-it":            {Input: 0.0002, Output: 0.0002},
		"llama-3.3-70b-versatile": {Input: 0.0009, Output: 0.0009},
		"gemini-2.0-flash":        {Input: 0.00075, Output: 0.003},
	}
}

// Table is immutable after construction and safe for concurrent use.
type Table struct {
	prices       map[string]Price
	defaultModel string
}

// NewTable merges overrides over the built-in prices. defaultModel must
// resolve to an entry of the merged table.
func NewTable(overrides map[string]Price, defaultModel string) (*Table, error) {
	prices := DefaultPrices()
	for model, price := range overrides {
		key := normalizeModel(model)
		if key == "" {
			return nil, fmt.Errorf("pricing model name cannot be empty")
		}
		if !validPrice(price.Input) || !validPrice(price.Output) {
			return nil, fmt.Errorf("pricing for %q must be non-negative finite numbers", model)
		}
		prices[key] = price
	}

	defaultModel = normalizeModel(defaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	if _, ok := prices[defaultModel]; !ok {
		return nil, fmt.Errorf("default pricing model %q is not in the price table", defaultModel)
	}
	return &Table{prices: prices, defaultModel: defaultModel}, nil
}

// Default returns the built-in table with gpt-4o-mini as the fallback.
func Default() *Table {
	return &Table{prices: DefaultPrices(), defaultModel: DefaultModel}
}

// Resolve returns the entry that prices model and the name it was found
// under. Unknown models resolve to the default entry.
func (t *Table) Resolve(model string) (string, Price) {
	key := normalizeModel(model)
	if price, ok := t.prices[key]; ok {
		return key, price
	}
	return t.defaultModel, t.prices[t.defaultModel]
}

// Known reports whether model has its own entry.
func (t *Table) Known(model string) bool {
	_, ok := t.prices[normalizeModel(model)]
	return ok
}

// Cost never fails: unknown models are priced at the default entry.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) Breakdown {
	_, price := t.Resolve(model)
	in := float64(max(inputTokens, 0)) / 1000 * price.Input
	out := float64(max(outputTokens, 0)) / 1000 * price.Output
	return Breakdown{InputCost: in, OutputCost: out, TotalCost: in + out}
}

func (t *Table) DefaultModel() string {
	return t.defaultModel
}

// Models lists priced models in lexical order.
func (t *Table) Models() []string {
	models := make([]string, 0, len(t.prices))
	for model := range t.prices {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

func validPrice(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
