// Package pricing maps (provider, token counts, request class) to a cost in micro-units.
// Estimation is pure: given the same table snapshot it always returns the same amount.
package pricing

import (
	"fmt"
	"math"
	"math/big"

	"github.com/davidbz/tollgate/internal/domain"
)

const (
	tokensPerMillion = 1_000_000
	bpsDenominator   = 10_000

	// ClassStandard is the request class used when none, or an unknown one, is given.
	ClassStandard = "standard"
)

// Rate holds per-million-token prices for one provider.
type Rate struct {
	InputPerMillion     domain.Micros `json:"input_per_million"`
	OutputPerMillion    domain.Micros `json:"output_per_million"`
	DefaultOutputTokens int64         `json:"default_output_tokens"`
}

// Table is an immutable pricing snapshot. Tables are never mutated once
// published to a Registry; changes produce a new version.
type Table struct {
	Version   int64            `json:"version"`
	Currency  string           `json:"currency"`
	Providers map[string]Rate  `json:"providers"`
	Classes   map[string]int64 `json:"classes"` // request class -> multiplier in basis points
}

// Breakdown itemizes an estimate.
type Breakdown struct {
	InputUnits         int64         `json:"input_units"`
	OutputUnits        int64         `json:"output_units"`
	Input              domain.Micros `json:"input"`
	Output             domain.Micros `json:"output"`
	ClassMultiplierBps int64         `json:"class_multiplier_bps"`
}

// CostEstimate is the result of pricing one call.
type CostEstimate struct {
	Amount         domain.Micros `json:"amount"`
	Currency       string        `json:"currency"`
	Breakdown      Breakdown     `json:"breakdown"`
	PricingVersion int64         `json:"pricing_version"`
}

// Validate checks that the table can price calls.
func (t *Table) Validate() error {
	if t.Currency == "" {
		return fmt.Errorf("%w: pricing table currency is required", domain.ErrInvalidRequest)
	}
	if len(t.Providers) == 0 {
		return fmt.Errorf("%w: pricing table has no providers", domain.ErrInvalidRequest)
	}
	for id, rate := range t.Providers {
		if id == "" {
			return fmt.Errorf("%w: empty provider id", domain.ErrInvalidRequest)
		}
		if rate.InputPerMillion < 0 || rate.OutputPerMillion < 0 || rate.DefaultOutputTokens < 0 {
			return fmt.Errorf("%w: negative rate for provider %s", domain.ErrInvalidRequest, id)
		}
	}
	for class, bps := range t.Classes {
		if bps <= 0 {
			return fmt.Errorf("%w: class %s multiplier must be positive", domain.ErrInvalidRequest, class)
		}
	}
	return nil
}

// Rate returns the rate for a provider.
func (t *Table) Rate(provider string) (Rate, error) {
	rate, ok := t.Providers[provider]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
	}
	return rate, nil
}

func (t *Table) classMultiplier(class string) int64 {
	if bps, ok := t.Classes[class]; ok {
		return bps
	}
	if bps, ok := t.Classes[ClassStandard]; ok {
		return bps
	}
	return bpsDenominator
}

// clone returns a deep copy with the given version.
func (t *Table) clone(version int64) *Table {
	out := &Table{
		Version:   version,
		Currency:  t.Currency,
		Providers: make(map[string]Rate, len(t.Providers)),
		Classes:   make(map[string]int64, len(t.Classes)),
	}
	for k, v := range t.Providers {
		out.Providers[k] = v
	}
	for k, v := range t.Classes {
		out.Classes[k] = v
	}
	return out
}

// EstimateCost prices a call against a table snapshot. Each component is
// rounded up to the next micro-unit. The only error is ErrUnknownProvider.
func EstimateCost(
	table *Table,
	provider string,
	inputUnits int64,
	outputUnitsEstimate int64,
	requestClass string,
) (CostEstimate, error) {
	rate, err := table.Rate(provider)
	if err != nil {
		return CostEstimate{}, err
	}

	if inputUnits < 0 {
		inputUnits = 0
	}
	if outputUnitsEstimate < 0 {
		outputUnitsEstimate = 0
	}

	multiplier := table.classMultiplier(requestClass)

	input := componentCost(inputUnits, rate.InputPerMillion, multiplier)
	output := componentCost(outputUnitsEstimate, rate.OutputPerMillion, multiplier)

	return CostEstimate{
		Amount:   input + output,
		Currency: table.Currency,
		Breakdown: Breakdown{
			InputUnits:         inputUnits,
			OutputUnits:        outputUnitsEstimate,
			Input:              input,
			Output:             output,
			ClassMultiplierBps: multiplier,
		},
		PricingVersion: table.Version,
	}, nil
}

// componentCost returns ceil(units * perMillion * bps / (1e6 * 1e4)), saturating on overflow.
func componentCost(units int64, perMillion domain.Micros, multiplierBps int64) domain.Micros {
	if units == 0 || perMillion == 0 {
		return 0
	}

	total := new(big.Int).SetInt64(units)
	total.Mul(total, big.NewInt(int64(perMillion)))
	total.Mul(total, big.NewInt(multiplierBps))

	divisor := big.NewInt(tokensPerMillion * bpsDenominator)
	quotient, remainder := new(big.Int).QuoRem(total, divisor, new(big.Int))
	if remainder.Sign() > 0 {
		quotient.Add(quotient, big.NewInt(1))
	}

	if !quotient.IsInt64() {
		return domain.Micros(math.MaxInt64)
	}
	return domain.Micros(quotient.Int64())
}
