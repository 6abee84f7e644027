package optimizer

import (
	"sort"

	"github.com/davidbz/tollgate/internal/domain"
)

// Candidate is one evaluated rewrite of the original payload.
type Candidate struct {
	Payload    domain.Payload `json:"payload"`
	Operators  []string       `json:"operators,omitempty"`
	Accuracy   float64        `json:"accuracy"`
	Cost       domain.Micros  `json:"cost"`
	Length     int64          `json:"length"`
	Generation int            `json:"generation"`
	Seq        int            `json:"seq"`

	genes []gene
}

// Dominates reports whether c is no worse than other on accuracy and cost and
// strictly better on at least one.
func (c Candidate) Dominates(other Candidate) bool {
	if c.Accuracy < other.Accuracy || c.Cost > other.Cost {
		return false
	}
	return c.Accuracy > other.Accuracy || c.Cost < other.Cost
}

// ParetoFront returns the non-dominated members of candidates ordered by
// ascending cost, then descending accuracy, then seq.
func ParetoFront(candidates []Candidate) []Candidate {
	front := make([]Candidate, 0, len(candidates))
	for i, c := range candidates {
		dominated := false
		for j, other := range candidates {
			if i != j && other.Dominates(c) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, c)
		}
	}

	sort.SliceStable(front, func(i, j int) bool {
		if front[i].Cost != front[j].Cost {
			return front[i].Cost < front[j].Cost
		}
		if front[i].Accuracy != front[j].Accuracy {
			return front[i].Accuracy > front[j].Accuracy
		}
		return front[i].Seq < front[j].Seq
	})
	return front
}

// selectCandidate picks the highest-accuracy member meeting the accuracy floor
// and costing at most maxCost. Ties prefer lower cost, then the earliest seq.
func selectCandidate(front []Candidate, floor float64, maxCost domain.Micros) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range front {
		if c.Accuracy < floor || c.Cost > maxCost {
			continue
		}
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func better(a, b Candidate) bool {
	if a.Accuracy != b.Accuracy {
		return a.Accuracy > b.Accuracy
	}
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	return a.Seq < b.Seq
}
