package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidbz/tollgate/internal/domain"
)

type rateFile struct {
	InputPerMillion     string `yaml:"input_per_million"`
	OutputPerMillion    string `yaml:"output_per_million"`
	DefaultOutputTokens int64  `yaml:"default_output_tokens"`
}

type tableFile struct {
	Currency  string              `yaml:"currency"`
	Providers map[string]rateFile `yaml:"providers"`
	Classes   map[string]int64    `yaml:"classes"`
}

// LoadTable reads a pricing table from a YAML file. Environment variables in
// the file are expanded. An empty path returns DefaultTable.
func LoadTable(path, currency string) (Table, error) {
	if path == "" {
		return DefaultTable(currency), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("reading pricing table: %w", err)
	}

	return ParseTable(os.ExpandEnv(string(data)))
}

// ParseTable decodes a YAML pricing table. Prices are decimal strings in
// whole currency units per million tokens.
func ParseTable(data string) (Table, error) {
	var file tableFile
	if err := yaml.Unmarshal([]byte(data), &file); err != nil {
		return Table{}, fmt.Errorf("parsing pricing table: %w", err)
	}

	table := Table{
		Currency:  file.Currency,
		Providers: make(map[string]Rate, len(file.Providers)),
		Classes:   file.Classes,
	}
	if table.Classes == nil {
		table.Classes = map[string]int64{ClassStandard: bpsDenominator}
	}

	for id, rf := range file.Providers {
		input, err := parseAmount(rf.InputPerMillion)
		if err != nil {
			return Table{}, fmt.Errorf("provider %s input price: %w", id, err)
		}
		output, err := parseAmount(rf.OutputPerMillion)
		if err != nil {
			return Table{}, fmt.Errorf("provider %s output price: %w", id, err)
		}
		table.Providers[id] = Rate{
			InputPerMillion:     input,
			OutputPerMillion:    output,
			DefaultOutputTokens: rf.DefaultOutputTokens,
		}
	}

	if err := table.Validate(); err != nil {
		return Table{}, err
	}
	return table, nil
}

func parseAmount(s string) (domain.Micros, error) {
	if s == "" {
		return 0, nil
	}
	return domain.ParseMicros(s)
}
