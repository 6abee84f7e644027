package pricing

import "github.com/davidbz/tollgate/internal/domain"

const (
	charsPerToken    = 4
	perMessageTokens = 4 // role and formatting
	baseTokens       = 3
)

// EstimateTokens approximates the prompt token count of a payload.
func EstimateTokens(payload domain.Payload) int64 {
	var total int64
	for _, m := range payload.Messages {
		total += int64(len(m.Content)) / charsPerToken
		total += perMessageTokens
	}
	return total + baseTokens
}

// OutputEstimate returns the output token budget used for pricing: the
// payload's max_tokens when set, otherwise the provider's default.
func OutputEstimate(payload domain.Payload, rate Rate) int64 {
	if payload.MaxTokens > 0 {
		return int64(payload.MaxTokens)
	}
	return rate.DefaultOutputTokens
}

// EstimatePayload prices a payload against a table using the token heuristics above.
func EstimatePayload(table *Table, provider string, payload domain.Payload) (CostEstimate, error) {
	rate, err := table.Rate(provider)
	if err != nil {
		return CostEstimate{}, err
	}
	return EstimateCost(table, provider, EstimateTokens(payload), OutputEstimate(payload, rate), payload.Class)
}
