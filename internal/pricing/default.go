package pricing

import "github.com/davidbz/tollgate/internal/domain"

const (
	defaultOutputTokens = 256

	classBatchBps    = 5_000
	classPriorityBps = 15_000
)

// DefaultTable returns the built-in pricing table used when no file is configured.
// Provider adapters add or override their own rates at startup.
func DefaultTable(currency string) Table {
	if currency == "" {
		currency = "USD"
	}

	return Table{
		Currency: currency,
		Providers: map[string]Rate{
			"echo": {
				InputPerMillion:     domain.MustParseMicros("0.50"),
				OutputPerMillion:    domain.MustParseMicros("1.50"),
				DefaultOutputTokens: defaultOutputTokens,
			},
		},
		Classes: map[string]int64{
			ClassStandard: bpsDenominator,
			"batch":       classBatchBps,
			"priority":    classPriorityBps,
		},
	}
}
