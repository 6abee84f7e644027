package pricing_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/pricing"
)

func testTable() pricing.Table {
	return pricing.Table{
		Currency: "USD",
		Providers: map[string]pricing.Rate{
			"test": {
				InputPerMillion:     domain.MustParseMicros("30"),
				OutputPerMillion:    domain.MustParseMicros("60"),
				DefaultOutputTokens: 100,
			},
			"tiny": {
				InputPerMillion:  domain.MustParseMicros("0.000001"),
				OutputPerMillion: 0,
			},
		},
		Classes: map[string]int64{
			pricing.ClassStandard: 10_000,
			"batch":               5_000,
		},
	}
}

func TestEstimateCost(t *testing.T) {
	table := testTable()

	tests := []struct {
		name         string
		provider     string
		input        int64
		output       int64
		class        string
		expectedCost domain.Micros
		expectError  error
	}{
		{
			name:         "should price known provider",
			provider:     "test",
			input:        1000,
			output:       500,
			class:        pricing.ClassStandard,
			expectedCost: domain.MustParseMicros("0.06"), // 0.03 input + 0.03 output
		},
		{
			name:         "should apply class multiplier",
			provider:     "test",
			input:        1000,
			output:       500,
			class:        "batch",
			expectedCost: domain.MustParseMicros("0.03"),
		},
		{
			name:         "should fall back to standard for unknown class",
			provider:     "test",
			input:        1000,
			output:       500,
			class:        "mystery",
			expectedCost: domain.MustParseMicros("0.06"),
		},
		{
			name:         "should round partial micro-units up",
			provider:     "tiny",
			input:        1,
			expectedCost: 1,
		},
		{
			name:         "zero tokens cost nothing",
			provider:     "test",
			expectedCost: 0,
		},
		{
			name:        "unknown provider returns error",
			provider:    "nope",
			input:       10,
			expectError: domain.ErrUnknownProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			estimate, err := pricing.EstimateCost(&table, tt.provider, tt.input, tt.output, tt.class)

			if tt.expectError != nil {
				require.ErrorIs(t, err, tt.expectError)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.expectedCost, estimate.Amount)
			require.Equal(t, estimate.Amount, estimate.Breakdown.Input+estimate.Breakdown.Output)
			require.Equal(t, "USD", estimate.Currency)
		})
	}

	t.Run("should be deterministic for the same snapshot", func(t *testing.T) {
		first, err := pricing.EstimateCost(&table, "test", 1234, 567, "batch")
		require.NoError(t, err)
		second, err := pricing.EstimateCost(&table, "test", 1234, 567, "batch")
		require.NoError(t, err)
		require.Equal(t, first, second)
	})
}

func TestFeeSchedule(t *testing.T) {
	original := domain.MustParseMicros("0.03")
	optimized := domain.MustParseMicros("0.021")

	t.Run("flat fee reproduces the settle scenario", func(t *testing.T) {
		fees := pricing.FeeSchedule{FlatMicros: domain.MustParseMicros("0.0013")}

		require.Equal(t, domain.MustParseMicros("0.0013"), fees.Fee(original, optimized))
		require.Equal(t, domain.MustParseMicros("0.0223"), fees.Total(original, optimized))
	})

	t.Run("savings share is charged on avoided cost", func(t *testing.T) {
		fees := pricing.FeeSchedule{SavingsBps: 630}
		require.Equal(t, domain.Micros(567), fees.Fee(original, optimized))
	})

	t.Run("should round shares up", func(t *testing.T) {
		fees := pricing.FeeSchedule{SavingsBps: 630}
		require.Equal(t, domain.Micros(1), fees.Fee(2, 1))
	})

	t.Run("should apply minimum", func(t *testing.T) {
		fees := pricing.FeeSchedule{CostBps: 100, MinMicros: 500}
		require.Equal(t, domain.Micros(500), fees.Fee(original, optimized))
	})

	t.Run("no savings when optimized costs more", func(t *testing.T) {
		fees := pricing.FeeSchedule{SavingsBps: 630}
		require.Equal(t, domain.Micros(0), fees.Fee(optimized, original))
	})
}

func TestEstimateTokens(t *testing.T) {
	t.Run("should count chars, message overhead and base", func(t *testing.T) {
		payload := domain.Payload{Messages: []domain.Message{{Role: "user", Content: "hello world!"}}}
		require.Equal(t, int64(10), pricing.EstimateTokens(payload))
	})

	t.Run("empty payload has only base overhead", func(t *testing.T) {
		require.Equal(t, int64(3), pricing.EstimateTokens(domain.Payload{}))
	})

	t.Run("output estimate prefers max tokens", func(t *testing.T) {
		rate := pricing.Rate{DefaultOutputTokens: 100}
		require.Equal(t, int64(100), pricing.OutputEstimate(domain.Payload{}, rate))
		require.Equal(t, int64(7), pricing.OutputEstimate(domain.Payload{MaxTokens: 7}, rate))
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("should version swapped tables and keep history", func(t *testing.T) {
		registry, err := pricing.NewRegistry(testTable(), 2)
		require.NoError(t, err)
		require.Equal(t, int64(1), registry.Current().Version)

		next := testTable()
		next.Providers["test"] = pricing.Rate{InputPerMillion: domain.MustParseMicros("1")}
		swapped, err := registry.Swap(ctx, next)
		require.NoError(t, err)
		require.Equal(t, int64(2), swapped.Version)
		require.Equal(t, swapped, registry.Current())

		old, ok := registry.Version(1)
		require.True(t, ok)
		require.Equal(t, domain.MustParseMicros("30"), old.Providers["test"].InputPerMillion)

		_, err = registry.Swap(ctx, testTable())
		require.NoError(t, err)

		_, ok = registry.Version(1)
		require.False(t, ok, "oldest version should be evicted")
	})

	t.Run("swap should not alias the caller's table", func(t *testing.T) {
		registry, err := pricing.NewRegistry(testTable(), 0)
		require.NoError(t, err)

		table := testTable()
		_, err = registry.Swap(ctx, table)
		require.NoError(t, err)

		table.Providers["test"] = pricing.Rate{}
		require.Equal(t, domain.MustParseMicros("30"), registry.Current().Providers["test"].InputPerMillion)
	})

	t.Run("should reject invalid tables", func(t *testing.T) {
		registry, err := pricing.NewRegistry(testTable(), 0)
		require.NoError(t, err)

		_, err = registry.Swap(ctx, pricing.Table{Currency: "USD"})
		require.ErrorIs(t, err, domain.ErrInvalidRequest)
		require.Equal(t, int64(1), registry.Current().Version)
	})

	t.Run("register rate publishes a new version", func(t *testing.T) {
		registry, err := pricing.NewRegistry(testTable(), 0)
		require.NoError(t, err)

		err = registry.RegisterRate(ctx, "echo", pricing.Rate{InputPerMillion: 1})
		require.NoError(t, err)
		require.Equal(t, int64(2), registry.Current().Version)
		require.Equal(t, []string{"echo", "test", "tiny"}, registry.Providers())

		require.Error(t, registry.RegisterRate(ctx, "", pricing.Rate{}))
	})

	t.Run("ensure rate keeps an existing price", func(t *testing.T) {
		registry, err := pricing.NewRegistry(testTable(), 0)
		require.NoError(t, err)

		added, err := registry.EnsureRate(ctx, "test", pricing.Rate{InputPerMillion: 1})
		require.NoError(t, err)
		require.False(t, added)
		require.Equal(t, domain.MustParseMicros("30"), registry.Current().Providers["test"].InputPerMillion)

		added, err = registry.EnsureRate(ctx, "echo", pricing.Rate{InputPerMillion: 1})
		require.NoError(t, err)
		require.True(t, added)
		require.Equal(t, int64(2), registry.Current().Version)
	})

	t.Run("readers see complete snapshots during swaps", func(t *testing.T) {
		registry, err := pricing.NewRegistry(testTable(), 0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 200; j++ {
					table := registry.Current()
					_, estimateErr := pricing.EstimateCost(table, "test", 10, 10, "")
					if estimateErr != nil {
						t.Errorf("unexpected error: %v", estimateErr)
						return
					}
				}
			}()
		}
		for i := 0; i < 50; i++ {
			_, swapErr := registry.Swap(ctx, testTable())
			require.NoError(t, swapErr)
		}
		wg.Wait()
		require.Equal(t, int64(51), registry.Current().Version)
	})
}

func TestParseTable(t *testing.T) {
	t.Run("should parse decimal prices", func(t *testing.T) {
		table, err := pricing.ParseTable(`
currency: USD
providers:
  openai:
    input_per_million: "2.50"
    output_per_million: "10"
    default_output_tokens: 512
classes:
  standard: 10000
  priority: 15000
`)
		require.NoError(t, err)
		require.Equal(t, domain.MustParseMicros("2.5"), table.Providers["openai"].InputPerMillion)
		require.Equal(t, domain.MustParseMicros("10"), table.Providers["openai"].OutputPerMillion)
		require.Equal(t, int64(512), table.Providers["openai"].DefaultOutputTokens)
		require.Equal(t, int64(15_000), table.Classes["priority"])
	})

	t.Run("should reject bad prices", func(t *testing.T) {
		_, err := pricing.ParseTable(`
currency: USD
providers:
  openai:
    input_per_million: "abc"
`)
		require.Error(t, err)
	})

	t.Run("empty path loads the default table", func(t *testing.T) {
		table, err := pricing.LoadTable("", "EUR")
		require.NoError(t, err)
		require.Equal(t, "EUR", table.Currency)
		require.Contains(t, table.Providers, "echo")
	})
}
