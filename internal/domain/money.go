package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the number of micro-units in one unit of the settlement currency.
const MicrosPerUnit = 1_000_000

const microsExp = -6

// Micros is a fixed-point amount in micro-units of the settlement currency.
type Micros int64

// MicrosFromDecimal converts a decimal amount to micro-units, rounding half away from zero.
func MicrosFromDecimal(d decimal.Decimal) Micros {
	return Micros(d.Shift(-microsExp).Round(0).IntPart())
}

// ParseMicros parses a decimal string such as "0.0223" into micro-units.
func ParseMicros(s string) (Micros, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return MicrosFromDecimal(d), nil
}

// MustParseMicros is ParseMicros for constants and tests.
func MustParseMicros(s string) Micros {
	m, err := ParseMicros(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the amount as a decimal in whole units.
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), microsExp)
}

// String formats the amount with six fractional digits.
func (m Micros) String() string {
	return m.Decimal().StringFixed(-microsExp)
}

// MarshalJSON encodes the amount as a decimal string to avoid float rounding on the wire.
func (m Micros) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (m *Micros) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("amount must be a string or number: %w", err)
		}
		s = n.String()
	}

	parsed, err := ParseMicros(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MulBpsCeil returns m * bps / 10000 rounded up to the next micro-unit.
func (m Micros) MulBpsCeil(bps int64) Micros {
	if m <= 0 || bps <= 0 {
		return 0
	}
	const bpsDenominator = 10_000
	return Micros((int64(m)*bps + bpsDenominator - 1) / bpsDenominator)
}

// UnmarshalText parses a decimal string, letting amounts come from env vars and YAML.
func (m *Micros) UnmarshalText(text []byte) error {
	parsed, err := ParseMicros(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
