package echo

import (
	"context"
	"fmt"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/pricing"
)

const defaultOutputTokens = 256

// RegisterPricing prices echo calls unless the loaded table already does.
// Echo is nominally priced so the payment path can be exercised end to end.
func RegisterPricing(ctx context.Context, registry *pricing.Registry) error {
	if _, err := registry.EnsureRate(ctx, providerName, pricing.Rate{
		InputPerMillion:     domain.MustParseMicros("0.50"),
		OutputPerMillion:    domain.MustParseMicros("1.50"),
		DefaultOutputTokens: defaultOutputTokens,
	}); err != nil {
		return fmt.Errorf("failed to register echo pricing: %w", err)
	}
	return nil
}
