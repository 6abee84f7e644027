package optimizer

import (
	"context"
	"strings"
	"unicode"

	"github.com/davidbz/tollgate/internal/domain"
)

// outputCapWeight is the accuracy lost when the output budget drops to zero.
const outputCapWeight = 0.2

// AccuracyEstimator scores how well a candidate preserves the original request, in [0, 1].
type AccuracyEstimator interface {
	Estimate(ctx context.Context, original, candidate domain.Payload) (float64, error)
}

//nolint:gochecknoglobals // Static word list
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "for": true, "with": true,
	"at": true, "by": true, "from": true, "is": true, "are": true, "was": true,
	"be": true, "it": true, "this": true, "that": true, "as": true, "me": true,
	"you": true, "i": true, "we": true, "my": true, "your": true, "our": true,
}

// heuristic scores candidates by content-word recall against the original,
// scaled down when the output budget was capped.
type heuristic struct {
	reference  map[string]bool
	baseOutput int64
}

func newHeuristic(original domain.Payload, baseOutput int64) *heuristic {
	// Filler phrases carry no content, so recall is measured against the
	// original with them already removed.
	var b strings.Builder
	for _, m := range original.Messages {
		b.WriteString(stripFiller(m.Content, len(fillerPhrases)))
		b.WriteByte(' ')
	}
	return &heuristic{
		reference:  contentWords(b.String()),
		baseOutput: baseOutput,
	}
}

func (h *heuristic) score(candidate domain.Payload) float64 {
	recall := 1.0
	if len(h.reference) > 0 {
		var b strings.Builder
		for _, m := range candidate.Messages {
			b.WriteString(m.Content)
			b.WriteByte(' ')
		}
		present := contentWords(b.String())

		hits := 0
		for w := range h.reference {
			if present[w] {
				hits++
			}
		}
		recall = float64(hits) / float64(len(h.reference))
	}

	return recall * h.outputFactor(candidate)
}

func (h *heuristic) outputFactor(candidate domain.Payload) float64 {
	if h.baseOutput <= 0 || candidate.MaxTokens <= 0 || int64(candidate.MaxTokens) >= h.baseOutput {
		return 1
	}
	ratio := float64(candidate.MaxTokens) / float64(h.baseOutput)
	return 1 - outputCapWeight*(1-ratio)
}

func contentWords(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if !stopwords[w] {
			out[w] = true
		}
	}
	return out
}
