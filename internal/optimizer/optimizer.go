// Package optimizer rewrites call payloads to lower their estimated cost while
// keeping estimated accuracy above a floor. It runs a bounded Pareto search:
// a population of operator pipelines is evaluated on (accuracy, cost), the
// non-dominated set is kept across generations, and survivors are mutated and
// recombined until the generation, evaluation or wall-clock budget runs out.
package optimizer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
	"github.com/davidbz/tollgate/internal/pricing"
)

const (
	// DefaultAccuracyFloor applies when a request does not set one.
	DefaultAccuracyFloor = 0.95

	defaultPopulation     = 12
	defaultGenerations    = 8
	defaultMaxEvaluations = 150
	defaultDeadline       = 50 * time.Millisecond
)

// Config bounds a single optimization run.
type Config struct {
	Population     int           `env:"OPTIMIZER_POPULATION"      envDefault:"12"`
	Generations    int           `env:"OPTIMIZER_GENERATIONS"     envDefault:"8"`
	MaxEvaluations int           `env:"OPTIMIZER_MAX_EVALUATIONS" envDefault:"150"`
	Deadline       time.Duration `env:"OPTIMIZER_DEADLINE"        envDefault:"50ms"`
	Seed           int64         `env:"OPTIMIZER_SEED"            envDefault:"0"`
	MaxEvalCalls   int           `env:"OPTIMIZER_MAX_EVAL_CALLS"  envDefault:"0"`
}

func (c Config) withDefaults() Config {
	if c.Population <= 0 {
		c.Population = defaultPopulation
	}
	if c.Generations <= 0 {
		c.Generations = defaultGenerations
	}
	if c.MaxEvaluations <= 0 {
		c.MaxEvaluations = defaultMaxEvaluations
	}
	if c.Deadline <= 0 {
		c.Deadline = defaultDeadline
	}
	return c
}

// Request describes one optimization run.
type Request struct {
	Provider string
	Payload  domain.Payload
	// Table is the pricing snapshot all candidates are priced against.
	Table *pricing.Table
	// MinAccuracy is the accuracy floor; nil selects DefaultAccuracyFloor.
	// Zero disables the floor.
	MinAccuracy *float64
	// MinSavingsBps is the cost reduction a rewrite must reach to be chosen.
	// Zero means any strict reduction.
	MinSavingsBps int64
}

// Result is the outcome of a run. Selected equals Original when no rewrite qualified.
type Result struct {
	Original       Candidate
	Selected       Candidate
	Front          []Candidate
	Evaluated      []Candidate
	Applied        bool
	AccuracyFloor  float64
	Generations    int
	Evaluations    int
	EstimatorCalls int
	BudgetExceeded bool
	Duration       time.Duration
}

// Err reports ErrOptimizationBudgetExceeded when a budget cap cut the search
// short. The result is still usable.
func (r *Result) Err() error {
	if r.BudgetExceeded {
		return domain.ErrOptimizationBudgetExceeded
	}
	return nil
}

// Summary converts the result into the form attached to quotes.
func (r *Result) Summary() domain.OptimizationSummary {
	return domain.OptimizationSummary{
		Applied:            r.Applied,
		Operators:          r.Selected.Operators,
		EstimatedAccuracy:  r.Selected.Accuracy,
		OriginalTokens:     r.Original.Length,
		OptimizedTokens:    r.Selected.Length,
		Generations:        r.Generations,
		Evaluations:        r.Evaluations,
		BudgetExceeded:     r.BudgetExceeded,
		ParetoFrontSize:    len(r.Front),
		AccuracyFloor:      r.AccuracyFloor,
		OptimizerDurationN: r.Duration.Nanoseconds(),
	}
}

// Optimizer runs bounded Pareto searches. It is safe for concurrent use.
type Optimizer struct {
	config    Config
	estimator AccuracyEstimator
}

// New creates an optimizer. estimator may be nil, in which case only the
// content-recall heuristic is used.
func New(config Config, estimator AccuracyEstimator) *Optimizer {
	return &Optimizer{
		config:    config.withDefaults(),
		estimator: estimator,
	}
}

// Optimize searches for a cheaper rewrite of req.Payload.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	rate, err := req.Table.Rate(req.Provider)
	if err != nil {
		return nil, err
	}

	floor := DefaultAccuracyFloor
	if req.MinAccuracy != nil {
		floor = *req.MinAccuracy
	}

	env := &opEnv{baseOutput: pricing.OutputEstimate(req.Payload, rate)}
	r := &run{
		ctx:       ctx,
		config:    o.config,
		req:       req,
		env:       env,
		rng:       rand.New(rand.NewSource(seedFor(o.config.Seed, req))), //nolint:gosec // Reproducible search, not security
		heuristic: newHeuristic(req.Payload, env.baseOutput),
		estimator: o.estimator,
		seen:      make(map[uint64]bool),
		started:   time.Now(),
	}
	r.deadline = r.started.Add(o.config.Deadline)

	r.search()

	original := r.evaluated[0]
	front := ParetoFront(r.evaluated)

	target := original.Cost - original.Cost.MulBpsCeil(req.MinSavingsBps)
	if req.MinSavingsBps <= 0 {
		target = original.Cost - 1
	}

	selected, ok := selectCandidate(front, floor, target)
	if !ok {
		selected = original
	}

	result := &Result{
		Original:       original,
		Selected:       selected,
		Front:          front,
		Evaluated:      r.evaluated,
		Applied:        ok,
		AccuracyFloor:  floor,
		Generations:    r.generations,
		Evaluations:    len(r.evaluated),
		EstimatorCalls: r.estimatorCalls,
		BudgetExceeded: r.exceeded,
		Duration:       time.Since(r.started),
	}

	observability.FromContext(ctx).Debug("optimization finished",
		observability.Bool("applied", result.Applied),
		observability.Int("evaluations", result.Evaluations),
		observability.Int("generations", result.Generations),
		observability.Int("front_size", len(front)),
		observability.Float64("accuracy", selected.Accuracy),
		observability.Amount("original_cost", original.Cost),
		observability.Amount("optimized_cost", selected.Cost),
		observability.Bool("budget_exceeded", result.BudgetExceeded),
	)

	return result, nil
}

func validate(req Request) error {
	if req.Table == nil {
		return fmt.Errorf("%w: pricing table is required", domain.ErrInvalidRequest)
	}
	if req.MinAccuracy != nil && (*req.MinAccuracy < 0 || *req.MinAccuracy > 1) {
		return fmt.Errorf("%w: min accuracy must be within [0, 1]", domain.ErrInvalidRequest)
	}
	if len(req.Payload.Messages) == 0 {
		return fmt.Errorf("%w: payload has no messages", domain.ErrInvalidRequest)
	}
	if req.Payload.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens cannot be negative", domain.ErrInvalidRequest)
	}

	hasContent := false
	for _, m := range req.Payload.Messages {
		if len(m.Content) > 0 {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return fmt.Errorf("%w: payload has no content to estimate", domain.ErrInvalidRequest)
	}
	return nil
}

func seedFor(configured int64, req Request) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Provider))
	_, _ = h.Write([]byte{0})
	writePayload(h, req.Payload)
	return int64(h.Sum64()) ^ configured //nolint:gosec // Bit pattern reuse is intended
}
