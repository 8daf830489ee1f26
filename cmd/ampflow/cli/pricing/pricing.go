// Package pricing estimates per-iteration LLM cost from token counts.
// Prices are per million tokens in USD and track the agent's published
// model list; unknown models cost zero rather than guessing.
package pricing

import "strings"

// modelPrice is USD per one million tokens.
type modelPrice struct {
	Prompt     float64
	Completion float64
}

// priceTable maps model aliases (as they appear in telemetry) to prices.
// Aliases match by prefix so dated snapshots of a model resolve too.
var priceTable = map[string]modelPrice{
	"default":    {Prompt: 3.00, Completion: 15.00},
	"smart":      {Prompt: 15.00, Completion: 75.00},
	"fast":       {Prompt: 0.25, Completion: 1.25},
	"gpt-5":      {Prompt: 1.25, Completion: 10.00},
	"gpt-4o":     {Prompt: 2.50, Completion: 10.00},
	"o3":         {Prompt: 2.00, Completion: 8.00},
	"gemini-2.5": {Prompt: 1.25, Completion: 10.00},
}

// Cost returns the estimated USD cost for one iteration, or zero when the
// model is unknown or tokens are absent.
func Cost(model string, promptTokens, completionTokens int64) float64 {
	price, ok := lookup(model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*price.Prompt + float64(completionTokens)/1e6*price.Completion
}

// Known reports whether a model has a price entry.
func Known(model string) bool {
	_, ok := lookup(model)
	return ok
}

func lookup(model string) (modelPrice, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return modelPrice{}, false
	}
	if price, ok := priceTable[model]; ok {
		return price, true
	}
	for alias, price := range priceTable {
		if strings.HasPrefix(model, alias) {
			return price, true
		}
	}
	return modelPrice{}, false
}
