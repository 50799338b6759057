package llm

import "strings"

// rate is USD per 1M tokens, split by direction.
type rate struct {
	prompt     float64
	completion float64
}

// Published list prices, approximate; update as providers reprice.
// The openrouter entry is a placeholder blended across its catalog.
var costTable = []struct {
	provider string
	substr   string // matched case-insensitively against the model name; "" matches any
	rate     rate
}{
	{"openai", "gpt-4o-mini", rate{0.15, 0.60}},
	{"openai", "gpt-4", rate{2.50, 10.00}},
	{"openai", "", rate{0.15, 0.60}},
	{"anthropic", "haiku", rate{1.00, 5.00}},
	{"anthropic", "sonnet", rate{3.00, 15.00}},
	{"anthropic", "opus", rate{3.00, 15.00}},
	{"anthropic", "", rate{1.00, 5.00}},
	{"openrouter", "", rate{1.00, 2.00}},
}

// Unknown providers are priced at gpt-4o-mini rates so the routing
// comparison never sees a free option.
var fallbackRate = rate{0.15, 0.60}

const perMillion = 1e6

// Completions here skew heavily toward prompt tokens, so the blended rate
// used for routing weights the prompt side accordingly.
const blendedPromptWeight = 0.75

// EstimateCost prices one completed request in USD.
func EstimateCost(provider, model string, promptTokens, completionTokens int) float64 {
	r := lookupRate(provider, model)

	return (float64(promptTokens)*r.prompt + float64(completionTokens)*r.completion) / perMillion
}

// blendedCostPerMToken collapses a model's two rates into one comparable
// per-1M-token figure for routing decisions.
func blendedCostPerMToken(provider, model string) float64 {
	r := lookupRate(provider, model)

	return r.prompt*blendedPromptWeight + r.completion*(1-blendedPromptWeight)
}

func lookupRate(provider, model string) rate {
	model = strings.ToLower(model)

	for _, e := range costTable {
		if e.provider == provider && (e.substr == "" || strings.Contains(model, e.substr)) {
			return e.rate
		}
	}

	return fallbackRate
}
