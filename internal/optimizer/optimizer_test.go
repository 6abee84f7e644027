package optimizer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/optimizer"
	"github.com/davidbz/tollgate/internal/pricing"
)

const redundantPrompt = "Please could you kindly summarize the quarterly revenue report for the board. " +
	"Please could you kindly summarize the quarterly revenue report for the board. " +
	"It is important to note that the report covers three regions and highlights growth in the northern market. " +
	"Basically I want you to focus on the numbers."

func testTable() *pricing.Table {
	return &pricing.Table{
		Version:  1,
		Currency: "USD",
		Providers: map[string]pricing.Rate{
			"test": {
				InputPerMillion:     domain.MustParseMicros("30"),
				OutputPerMillion:    domain.MustParseMicros("60"),
				DefaultOutputTokens: 200,
			},
		},
		Classes: map[string]int64{pricing.ClassStandard: 10_000},
	}
}

func payload(content string) domain.Payload {
	return domain.Payload{
		Model:    "test-model",
		Messages: []domain.Message{{Role: "user", Content: content}},
	}
}

func ptr(v float64) *float64 { return &v }

func slowConfig() optimizer.Config {
	return optimizer.Config{
		Population:     10,
		Generations:    6,
		MaxEvaluations: 200,
		Deadline:       time.Minute,
	}
}

func TestOptimizer_Optimize(t *testing.T) {
	ctx := context.Background()

	t.Run("should reduce cost of a redundant prompt without losing accuracy", func(t *testing.T) {
		opt := optimizer.New(slowConfig(), nil)

		res, err := opt.Optimize(ctx, optimizer.Request{
			Provider: "test",
			Payload:  payload(redundantPrompt),
			Table:    testTable(),
		})
		require.NoError(t, err)
		require.NoError(t, res.Err())

		require.True(t, res.Applied)
		require.Less(t, res.Selected.Cost, res.Original.Cost)
		require.GreaterOrEqual(t, res.Selected.Accuracy, optimizer.DefaultAccuracyFloor)
		require.NotEmpty(t, res.Selected.Operators)
		require.False(t, res.Selected.Payload.Equal(res.Original.Payload))
		require.InDelta(t, 1.0, res.Original.Accuracy, 1e-9)
		require.Equal(t, 0, res.Original.Seq)

		summary := res.Summary()
		require.True(t, summary.Applied)
		require.Equal(t, res.Evaluations, summary.Evaluations)
		require.Less(t, summary.OptimizedTokens, summary.OriginalTokens)
	})

	t.Run("chosen candidate meets the floor or is the original", func(t *testing.T) {
		opt := optimizer.New(slowConfig(), nil)

		prompts := []string{
			redundantPrompt,
			"Translate to French: the cat sits on the mat.",
			"List   three    prime numbers.\n\n\n\nThen    explain   why.",
			"x",
		}
		floors := []float64{0.5, 0.9, 0.95, 0.99, 1.0}

		for _, prompt := range prompts {
			for _, floor := range floors {
				original := payload(prompt)
				res, err := opt.Optimize(ctx, optimizer.Request{
					Provider:    "test",
					Payload:     original,
					Table:       testTable(),
					MinAccuracy: &floor,
				})
				require.NoError(t, err)

				if res.Applied {
					require.GreaterOrEqual(t, res.Selected.Accuracy, floor)
					require.Less(t, res.Selected.Cost, res.Original.Cost)
				} else {
					require.True(t, res.Selected.Payload.Equal(original))
				}
			}
		}
	})

	t.Run("should honor an explicit zero floor", func(t *testing.T) {
		opt := optimizer.New(slowConfig(), nil)

		res, err := opt.Optimize(ctx, optimizer.Request{
			Provider:    "test",
			Payload:     payload(redundantPrompt),
			Table:       testTable(),
			MinAccuracy: ptr(0),
		})
		require.NoError(t, err)
		require.Zero(t, res.AccuracyFloor)
		require.Zero(t, res.Summary().AccuracyFloor)
		require.True(t, res.Applied)

		unset, err := opt.Optimize(ctx, optimizer.Request{
			Provider: "test",
			Payload:  payload(redundantPrompt),
			Table:    testTable(),
		})
		require.NoError(t, err)
		require.InDelta(t, optimizer.DefaultAccuracyFloor, unset.AccuracyFloor, 1e-9)
	})

	t.Run("front members are not dominated by any evaluated candidate", func(t *testing.T) {
		opt := optimizer.New(slowConfig(), nil)

		res, err := opt.Optimize(ctx, optimizer.Request{
			Provider: "test",
			Payload:  payload(redundantPrompt),
			Table:    testTable(),
		})
		require.NoError(t, err)
		require.NotEmpty(t, res.Front)

		for _, member := range res.Front {
			for _, other := range res.Evaluated {
				require.False(t, other.Dominates(member),
					"front member seq %d dominated by seq %d", member.Seq, other.Seq)
			}
		}
	})

	t.Run("should be deterministic for the same request", func(t *testing.T) {
		cfg := slowConfig()
		cfg.Seed = 42

		req := optimizer.Request{Provider: "test", Payload: payload(redundantPrompt), Table: testTable()}

		first, err := optimizer.New(cfg, nil).Optimize(ctx, req)
		require.NoError(t, err)
		second, err := optimizer.New(cfg, nil).Optimize(ctx, req)
		require.NoError(t, err)

		require.Equal(t, first.Evaluations, second.Evaluations)
		require.Equal(t, first.Selected.Seq, second.Selected.Seq)
		require.True(t, first.Selected.Payload.Equal(second.Selected.Payload))
	})

	t.Run("should return original when the savings target cannot be met", func(t *testing.T) {
		opt := optimizer.New(slowConfig(), nil)
		original := payload(redundantPrompt)

		res, err := opt.Optimize(ctx, optimizer.Request{
			Provider:      "test",
			Payload:       original,
			Table:         testTable(),
			MinSavingsBps: 9_000,
		})
		require.NoError(t, err)
		require.False(t, res.Applied)
		require.True(t, res.Selected.Payload.Equal(original))
		require.Equal(t, res.Original.Cost, res.Selected.Cost)
	})

	t.Run("should report budget exhaustion with best so far", func(t *testing.T) {
		cfg := slowConfig()
		cfg.MaxEvaluations = 3
		opt := optimizer.New(cfg, nil)

		res, err := opt.Optimize(ctx, optimizer.Request{
			Provider: "test",
			Payload:  payload(redundantPrompt),
			Table:    testTable(),
		})
		require.NoError(t, err)
		require.True(t, res.BudgetExceeded)
		require.ErrorIs(t, res.Err(), domain.ErrOptimizationBudgetExceeded)
		require.LessOrEqual(t, res.Evaluations, 3)
	})

	t.Run("cancelled context degrades to identity", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		original := payload(redundantPrompt)
		res, err := optimizer.New(slowConfig(), nil).Optimize(cancelled, optimizer.Request{
			Provider: "test",
			Payload:  original,
			Table:    testTable(),
		})
		require.NoError(t, err)
		require.True(t, res.BudgetExceeded)
		require.False(t, res.Applied)
		require.Equal(t, 1, res.Evaluations)
		require.True(t, res.Selected.Payload.Equal(original))
	})

	t.Run("should reject payloads that cannot be estimated", func(t *testing.T) {
		opt := optimizer.New(slowConfig(), nil)

		tests := []struct {
			name string
			req  optimizer.Request
			err  error
		}{
			{
				name: "no messages",
				req:  optimizer.Request{Provider: "test", Table: testTable()},
				err:  domain.ErrInvalidRequest,
			},
			{
				name: "empty content",
				req:  optimizer.Request{Provider: "test", Payload: payload(""), Table: testTable()},
				err:  domain.ErrInvalidRequest,
			},
			{
				name: "floor out of range",
				req:  optimizer.Request{Provider: "test", Payload: payload("hi"), Table: testTable(), MinAccuracy: ptr(1.5)},
				err:  domain.ErrInvalidRequest,
			},
			{
				name: "unknown provider",
				req:  optimizer.Request{Provider: "nope", Payload: payload("hi"), Table: testTable()},
				err:  domain.ErrUnknownProvider,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := opt.Optimize(ctx, tt.req)
				require.ErrorIs(t, err, tt.err)
			})
		}
	})
}

type countingEstimator struct {
	calls int
	score float64
	err   error
}

func (e *countingEstimator) Estimate(_ context.Context, _, _ domain.Payload) (float64, error) {
	e.calls++
	return e.score, e.err
}

func TestOptimizer_AccuracyEstimator(t *testing.T) {
	ctx := context.Background()

	t.Run("should cap estimator calls per run", func(t *testing.T) {
		cfg := slowConfig()
		cfg.MaxEvalCalls = 3
		estimator := &countingEstimator{score: 0.99}

		res, err := optimizer.New(cfg, estimator).Optimize(ctx, optimizer.Request{
			Provider: "test",
			Payload:  payload(redundantPrompt),
			Table:    testTable(),
		})
		require.NoError(t, err)
		require.Equal(t, 3, estimator.calls)
		require.Equal(t, 3, res.EstimatorCalls)
	})

	t.Run("should fall back to the heuristic on estimator errors", func(t *testing.T) {
		cfg := slowConfig()
		cfg.MaxEvalCalls = 100
		estimator := &countingEstimator{err: errors.New("embedding service down")}

		res, err := optimizer.New(cfg, estimator).Optimize(ctx, optimizer.Request{
			Provider: "test",
			Payload:  payload(redundantPrompt),
			Table:    testTable(),
		})
		require.NoError(t, err)
		require.Positive(t, estimator.calls)
		require.True(t, res.Applied)
	})
}

type fakeEmbedder struct {
	vectors map[string][]float64
	calls   int
}

func (f *fakeEmbedder) Generate(_ context.Context, text string) ([]float64, error) {
	f.calls++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 1}, nil
}

func TestEmbeddingEstimator(t *testing.T) {
	ctx := context.Background()

	t.Run("should score cosine similarity and cache the original", func(t *testing.T) {
		embedder := &fakeEmbedder{vectors: map[string][]float64{
			"original": {1, 0},
			"same":     {2, 0},
			"opposite": {0, 1},
		}}
		estimator := optimizer.NewEmbeddingEstimator(embedder)

		score, err := estimator.Estimate(ctx, payload("original"), payload("same"))
		require.NoError(t, err)
		require.InDelta(t, 1.0, score, 1e-9)

		score, err = estimator.Estimate(ctx, payload("original"), payload("opposite"))
		require.NoError(t, err)
		require.InDelta(t, 0.0, score, 1e-9)

		require.Equal(t, 3, embedder.calls)
	})

	t.Run("zero vectors are an error", func(t *testing.T) {
		embedder := &fakeEmbedder{vectors: map[string][]float64{"zero": {0, 0}}}
		_, err := optimizer.NewEmbeddingEstimator(embedder).Estimate(ctx, payload("zero"), payload("x"))
		require.Error(t, err)
	})
}
