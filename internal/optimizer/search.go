package optimizer

import (
	"context"
	"hash"
	"hash/fnv"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/pricing"
)

const (
	crossoverRate  = 0.5
	mutationSigma  = 0.1
	attemptsFactor = 4
)

// gene is one operator application with its parameter.
type gene struct {
	op    int // index into operators
	param float64
}

// run holds the state of one Optimize call.
type run struct {
	ctx       context.Context
	config    Config
	req       Request
	env       *opEnv
	rng       *rand.Rand
	heuristic *heuristic
	estimator AccuracyEstimator

	started  time.Time
	deadline time.Time

	evaluated      []Candidate
	seen           map[uint64]bool
	generations    int
	estimatorCalls int
	exceeded       bool
}

func (r *run) search() {
	// The original is always evaluated, regardless of budget.
	r.evaluated = append(r.evaluated, r.score(nil, 0))
	r.seen[fingerprint(r.req.Payload)] = true

	population := r.seed()

	for gen := 1; gen <= r.config.Generations && !r.exceeded; gen++ {
		parents := append(ParetoFront(r.evaluated), population...)
		children := make([]Candidate, 0, r.config.Population)

		for attempt := 0; len(children) < r.config.Population && attempt < r.config.Population*attemptsFactor; attempt++ {
			child := r.tournament(parents).genes
			if r.rng.Float64() < crossoverRate {
				child = r.crossover(child, r.tournament(parents).genes)
			}
			child = r.mutate(child)

			c, ok := r.evaluate(child, gen)
			if r.exceeded {
				break
			}
			if ok {
				children = append(children, c)
			}
		}

		if len(children) > 0 {
			population = children
		}
		r.generations = gen
	}
}

// seed builds generation zero: every operator alone, then random pipelines.
func (r *run) seed() []Candidate {
	population := make([]Candidate, 0, r.config.Population)

	for i := range operators {
		if len(population) >= r.config.Population || r.exceeded {
			return population
		}
		if c, ok := r.evaluate([]gene{r.randomGene(i)}, 0); ok {
			population = append(population, c)
		}
	}

	for attempt := 0; len(population) < r.config.Population && attempt < r.config.Population*attemptsFactor; attempt++ {
		if r.exceeded {
			break
		}
		size := 2 + r.rng.Intn(len(operators)-1)
		genes := make([]gene, 0, size)
		for _, idx := range r.rng.Perm(len(operators))[:size] {
			genes = append(genes, r.randomGene(idx))
		}
		if c, ok := r.evaluate(genes, 0); ok {
			population = append(population, c)
		}
	}

	return population
}

func (r *run) randomGene(idx int) gene {
	op := operators[idx]
	return gene{op: idx, param: op.min + r.rng.Float64()*(op.max-op.min)}
}

// tournament picks two random parents and keeps the dominating one.
func (r *run) tournament(parents []Candidate) Candidate {
	a := parents[r.rng.Intn(len(parents))]
	b := parents[r.rng.Intn(len(parents))]
	if b.Dominates(a) {
		return b
	}
	return a
}

// crossover takes each operator from either parent with equal probability.
func (r *run) crossover(a, b []gene) []gene {
	byOp := make(map[int][]gene)
	for _, g := range a {
		byOp[g.op] = append(byOp[g.op], g)
	}
	for _, g := range b {
		byOp[g.op] = append(byOp[g.op], g)
	}

	child := make([]gene, 0, len(byOp))
	for idx := range operators {
		options, ok := byOp[idx]
		if !ok || r.rng.Float64() < 0.5 {
			continue
		}
		child = append(child, options[r.rng.Intn(len(options))])
	}
	if len(child) == 0 {
		return append([]gene(nil), a...)
	}
	return child
}

// mutate perturbs a parameter, adds an operator or drops one.
func (r *run) mutate(genes []gene) []gene {
	out := append([]gene(nil), genes...)
	roll := r.rng.Float64()

	switch {
	case len(out) == 0 || (roll >= 0.5 && roll < 0.75 && len(out) < len(operators)):
		present := make(map[int]bool, len(out))
		for _, g := range out {
			present[g.op] = true
		}
		missing := make([]int, 0, len(operators))
		for idx := range operators {
			if !present[idx] {
				missing = append(missing, idx)
			}
		}
		if len(missing) > 0 {
			out = append(out, r.randomGene(missing[r.rng.Intn(len(missing))]))
		}
	case roll >= 0.75 && len(out) > 1:
		drop := r.rng.Intn(len(out))
		out = append(out[:drop], out[drop+1:]...)
	default:
		i := r.rng.Intn(len(out))
		op := operators[out[i].op]
		out[i].param = clampFloat(out[i].param+r.rng.NormFloat64()*mutationSigma, op.min, op.max)
	}

	return out
}

// evaluate scores a pipeline unless a budget is spent or its payload was
// already seen. ok is false when nothing new was evaluated.
func (r *run) evaluate(genes []gene, generation int) (Candidate, bool) {
	if r.budgetSpent() {
		r.exceeded = true
		return Candidate{}, false
	}

	genes = normalize(genes)
	payload := r.apply(genes)

	fp := fingerprint(payload)
	if r.seen[fp] {
		return Candidate{}, false
	}
	r.seen[fp] = true

	c := r.score(genes, generation)
	r.evaluated = append(r.evaluated, c)
	return c, true
}

func (r *run) budgetSpent() bool {
	if len(r.evaluated) >= r.config.MaxEvaluations {
		return true
	}
	if r.ctx.Err() != nil {
		return true
	}
	return time.Now().After(r.deadline)
}

func (r *run) apply(genes []gene) domain.Payload {
	payload := r.req.Payload
	for _, g := range genes {
		payload = operators[g.op].apply(payload, g.param, r.env)
	}
	return payload
}

func (r *run) score(genes []gene, generation int) Candidate {
	payload := r.apply(genes)

	// The rate was resolved before the run started, so pricing cannot fail here.
	estimate, _ := pricing.EstimatePayload(r.req.Table, r.req.Provider, payload)

	accuracy := 1.0
	if len(genes) > 0 {
		accuracy = r.accuracy(payload)
	}

	names := make([]string, 0, len(genes))
	for _, g := range genes {
		names = append(names, operators[g.op].name)
	}

	return Candidate{
		Payload:    payload,
		Operators:  names,
		Accuracy:   accuracy,
		Cost:       estimate.Amount,
		Length:     pricing.EstimateTokens(payload),
		Generation: generation,
		Seq:        len(r.evaluated),
		genes:      genes,
	}
}

func (r *run) accuracy(payload domain.Payload) float64 {
	if r.estimator != nil && r.estimatorCalls < r.config.MaxEvalCalls {
		r.estimatorCalls++
		score, err := r.estimator.Estimate(r.ctx, r.req.Payload, payload)
		if err == nil {
			return clampFloat(score, 0, 1) * r.heuristic.outputFactor(payload)
		}
	}
	return r.heuristic.score(payload)
}

// normalize keeps one gene per operator, in operator-table order.
func normalize(genes []gene) []gene {
	byOp := make(map[int]gene, len(genes))
	for _, g := range genes {
		byOp[g.op] = g
	}
	out := make([]gene, 0, len(byOp))
	for _, g := range byOp {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].op < out[j].op })
	return out
}

func fingerprint(p domain.Payload) uint64 {
	h := fnv.New64a()
	writePayload(h, p)
	return h.Sum64()
}

func writePayload(h hash.Hash64, p domain.Payload) {
	_, _ = h.Write([]byte(p.Model))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(p.Class))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.Itoa(p.MaxTokens)))
	for _, m := range p.Messages {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(m.Role))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(m.Content))
	}
}
