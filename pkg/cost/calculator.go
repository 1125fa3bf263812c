package cost

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/snow-ghost/usagemeter/pkg/usage"
)

var thousand = decimal.NewFromInt(1000)

// Pricing is the price of 1K tokens for one model
type Pricing struct {
	InputPer1K  decimal.Decimal `json:"input_per_1k"`
	OutputPer1K decimal.Decimal `json:"output_per_1k"`
}

// NewPricing builds a Pricing from configuration floats
func NewPricing(inputPer1K, outputPer1K float64) Pricing {
	return Pricing{
		InputPer1K:  decimal.NewFromFloat(inputPer1K),
		OutputPer1K: decimal.NewFromFloat(outputPer1K),
	}
}

// CostResult represents the calculated cost breakdown
type CostResult struct {
	InputCost    usage.Micros `json:"input_cost"`
	OutputCost   usage.Micros `json:"output_cost"`
	TotalCost    usage.Micros `json:"total_cost"`
	Currency     string       `json:"currency"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
}

// CalcCost calculates the cost of tokensIn and tokensOut at p.
// Each side is rounded to the nearest micro unit before summing.
func CalcCost(tokensIn, tokensOut int64, p Pricing) (inputCost, outputCost, total usage.Micros) {
	inputCost = usage.MicrosFromDecimal(decimal.NewFromInt(tokensIn).Mul(p.InputPer1K).Div(thousand))
	outputCost = usage.MicrosFromDecimal(decimal.NewFromInt(tokensOut).Mul(p.OutputPer1K).Div(thousand))
	return inputCost, outputCost, inputCost + outputCost
}

// Table maps models to prices. Lookups try "provider:model", then the bare
// model name, then the default price if one is set.
type Table struct {
	currency string
	prices   map[string]Pricing
	fallback *Pricing
}

// NewTable creates a price table. Keys are matched case-insensitively.
func NewTable(currency string, prices map[string]Pricing) *Table {
	if currency == "" {
		currency = "USD"
	}
	t := &Table{
		currency: currency,
		prices:   make(map[string]Pricing, len(prices)),
	}
	for k, p := range prices {
		t.prices[normalizeKey(k)] = p
	}
	return t
}

// WithDefault sets the price used for models missing from the table
func (t *Table) WithDefault(p Pricing) *Table {
	t.fallback = &p
	return t
}

// Currency returns the table's currency code
func (t *Table) Currency() string {
	return t.currency
}

// Len returns the number of priced models
func (t *Table) Len() int {
	return len(t.prices)
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Lookup finds the pricing for a provider/model pair
func (t *Table) Lookup(provider, model string) (Pricing, bool) {
	if t == nil {
		return Pricing{}, false
	}
	if p, ok := t.prices[normalizeKey(provider+":"+model)]; ok {
		return p, true
	}
	if p, ok := t.prices[normalizeKey(model)]; ok {
		return p, true
	}
	if t.fallback != nil {
		return *t.fallback, true
	}
	return Pricing{}, false
}

// CalcCostForModel prices a token count for a specific model
func (t *Table) CalcCostForModel(provider, model string, tokensIn, tokensOut int64) (*CostResult, error) {
	p, ok := t.Lookup(provider, model)
	if !ok {
		return nil, fmt.Errorf("model %s not found in price table", model)
	}

	inputCost, outputCost, total := CalcCost(tokensIn, tokensOut, p)
	return &CostResult{
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    total,
		Currency:     t.currency,
		InputTokens:  tokensIn,
		OutputTokens: tokensOut,
	}, nil
}

// Fill prices a record that arrived without a cost. A zero cost counts as
// missing; records of unknown models are returned unchanged.
func (t *Table) Fill(rec usage.Record) (usage.Record, bool) {
	if rec.Cost != 0 {
		return rec, false
	}
	res, err := t.CalcCostForModel(rec.Provider, rec.Model, rec.TokensIn, rec.TokensOut)
	if err != nil {
		return rec, false
	}
	rec.Cost = res.TotalCost
	return rec, true
}

// FormatCostHeader formats a cost for the X-Cost-Total response header
func FormatCostHeader(amount usage.Micros, currency string) string {
	return fmt.Sprintf("%s;currency=%s", amount, currency)
}
