package config

import "fmt"

// ModelPrice is the per-1000-token price for a model, in USD.
type ModelPrice struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// modelPrices is the static price table consulted by the iteration
// engine's cost computation step (§4.5 step 9). Narrowed from the
// teacher's tier/role lookup-table style (cost_tier.go) down to a
// model→price table, since the cost-calculator proper is an external
// collaborator out of scope; only the inline price lookup is needed here.
var modelPrices = map[string]ModelPrice{
	"claude-opus":   {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	"claude-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-haiku":  {PromptPer1K: 0.0008, CompletionPer1K: 0.004},
	"gpt-4o":        {PromptPer1K: 0.005, CompletionPer1K: 0.015},
	"gpt-4o-mini":   {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
}

// PriceFor returns the price entry for model, or false if unknown.
func PriceFor(model string) (ModelPrice, bool) {
	p, ok := modelPrices[model]
	return p, ok
}

// EstimateCostUSD computes the dollar cost of a completion given
// separately counted prompt and completion tokens. Returns 0, false if
// the model is not in the price table.
func EstimateCostUSD(model string, promptTokens, completionTokens int) (float64, bool) {
	p, ok := PriceFor(model)
	if !ok {
		return 0, false
	}
	cost := float64(promptTokens)/1000*p.PromptPer1K + float64(completionTokens)/1000*p.CompletionPer1K
	return cost, true
}

// FormatPriceTable renders the table for operator display, matching the
// teacher's FormatTierRoleTable column-alignment convention.
func FormatPriceTable() string {
	out := ""
	for _, model := range []string{"claude-opus", "claude-sonnet", "claude-haiku", "gpt-4o", "gpt-4o-mini"} {
		p := modelPrices[model]
		out += fmt.Sprintf("  %-16s prompt=$%.5f/1k  completion=$%.5f/1k\n", model+":", p.PromptPer1K, p.CompletionPer1K)
	}
	return out
}
