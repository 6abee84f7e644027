package openai

import (
	"context"
	"fmt"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/pricing"
)

const defaultOutputTokens = 512

// RateFor returns the per-million-token rate of a supported model.
func RateFor(model string) (pricing.Rate, error) {
	var input, output string
	switch model {
	case "gpt-4":
		input, output = "30", "60"
	case "gpt-4-turbo":
		input, output = "10", "30"
	case "gpt-3.5-turbo":
		input, output = "0.50", "1.50"
	default:
		return pricing.Rate{}, fmt.Errorf("%w: openai model %s has no rate", domain.ErrUnknownProvider, model)
	}

	return pricing.Rate{
		InputPerMillion:     domain.MustParseMicros(input),
		OutputPerMillion:    domain.MustParseMicros(output),
		DefaultOutputTokens: defaultOutputTokens,
	}, nil
}

// RegisterPricing prices the "openai" provider at the served model's rate
// unless the loaded table already does.
func RegisterPricing(ctx context.Context, registry *pricing.Registry, model string) error {
	rate, err := RateFor(model)
	if err != nil {
		return err
	}
	if _, err := registry.EnsureRate(ctx, providerName, rate); err != nil {
		return fmt.Errorf("failed to register openai pricing: %w", err)
	}
	return nil
}
