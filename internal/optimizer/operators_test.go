package optimizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/tollgate/internal/domain"
)

func msgs(contents ...string) domain.Payload {
	p := domain.Payload{}
	for _, c := range contents {
		p.Messages = append(p.Messages, domain.Message{Role: "user", Content: c})
	}
	return p
}

func TestOperators(t *testing.T) {
	env := &opEnv{baseOutput: 200}

	t.Run("redundancy removal drops repeated sentences across messages", func(t *testing.T) {
		in := msgs("Summarize the report now. Focus on revenue.", "summarize the  report now!")
		out := removeRedundancy(in, 0, env)

		require.Len(t, out.Messages, 1)
		require.Equal(t, "Summarize the report now. Focus on revenue.", out.Messages[0].Content)
		require.Len(t, in.Messages, 2, "input must not be modified")
	})

	t.Run("redundancy removal does not split decimals", func(t *testing.T) {
		out := removeRedundancy(msgs("Version 3.5 ships. Version 3.5 ships."), 0, env)
		require.Equal(t, "Version 3.5 ships.", out.Messages[0].Content)
	})

	t.Run("redundancy removal keeps short sentences", func(t *testing.T) {
		out := removeRedundancy(msgs("Yes. Yes."), 0, env)
		require.Equal(t, "Yes. Yes.", out.Messages[0].Content)
	})

	t.Run("compression removes filler phrases", func(t *testing.T) {
		out := compressInstructions(msgs("Please could you kindly justify the budget in order to win."), 1, env)
		require.Equal(t, "justify the budget to win.", out.Messages[0].Content)
	})

	t.Run("whitespace normalization collapses runs", func(t *testing.T) {
		out := normalizeWhitespace(msgs("  a   b\t\tc\n\n\n d  "), 0, env)
		require.Equal(t, "a b c\n d", out.Messages[0].Content)
	})

	t.Run("truncation keeps leading words and skips system prompts", func(t *testing.T) {
		in := domain.Payload{Messages: []domain.Message{
			{Role: "system", Content: "one two three four"},
			{Role: "user", Content: "one two three four"},
		}}
		out := truncate(in, 0.5, env)
		require.Equal(t, "one two three four", out.Messages[0].Content)
		require.Equal(t, "one two", out.Messages[1].Content)
	})

	t.Run("output cap scales the output budget", func(t *testing.T) {
		out := capOutput(msgs("hi"), 0.5, env)
		require.Equal(t, 100, out.MaxTokens)

		withMax := msgs("hi")
		withMax.MaxTokens = 50
		require.Equal(t, 25, capOutput(withMax, 0.5, env).MaxTokens)
	})

	t.Run("operators never produce an empty payload", func(t *testing.T) {
		out := compressInstructions(msgs("please"), 1, env)
		require.Equal(t, "please", out.Messages[0].Content)
	})
}

func TestHeuristic(t *testing.T) {
	original := msgs("Please summarize the quarterly revenue report.")
	h := newHeuristic(original, 200)

	t.Run("filler removal keeps full accuracy", func(t *testing.T) {
		require.InDelta(t, 1.0, h.score(msgs("summarize quarterly revenue report")), 1e-9)
	})

	t.Run("missing content words lower accuracy", func(t *testing.T) {
		require.InDelta(t, 0.5, h.score(msgs("summarize quarterly")), 1e-9)
	})

	t.Run("capped output lowers accuracy", func(t *testing.T) {
		capped := msgs("summarize quarterly revenue report")
		capped.MaxTokens = 100
		require.InDelta(t, 0.9, h.score(capped), 1e-9)
	})
}

func TestSelectCandidate(t *testing.T) {
	front := []Candidate{
		{Accuracy: 0.99, Cost: 200, Seq: 1},
		{Accuracy: 0.97, Cost: 100, Seq: 3},
		{Accuracy: 0.97, Cost: 90, Seq: 5},
		{Accuracy: 0.97, Cost: 90, Seq: 4},
		{Accuracy: 0.90, Cost: 10, Seq: 2},
	}

	t.Run("should prefer accuracy, then cost, then earliest seq", func(t *testing.T) {
		got, ok := selectCandidate(front, 0.95, 150)
		require.True(t, ok)
		require.Equal(t, 4, got.Seq)
	})

	t.Run("should pick the most accurate when affordable", func(t *testing.T) {
		got, ok := selectCandidate(front, 0.95, 500)
		require.True(t, ok)
		require.Equal(t, 1, got.Seq)
	})

	t.Run("nothing qualifies", func(t *testing.T) {
		_, ok := selectCandidate(front, 0.999, 500)
		require.False(t, ok)
	})
}

func TestDominates(t *testing.T) {
	a := Candidate{Accuracy: 0.9, Cost: 10}

	require.True(t, a.Dominates(Candidate{Accuracy: 0.8, Cost: 10}))
	require.True(t, a.Dominates(Candidate{Accuracy: 0.9, Cost: 11}))
	require.False(t, a.Dominates(a))
	require.False(t, a.Dominates(Candidate{Accuracy: 0.95, Cost: 20}))

	front := ParetoFront([]Candidate{
		a,
		{Accuracy: 0.8, Cost: 10, Seq: 1},
		{Accuracy: 0.95, Cost: 20, Seq: 2},
	})
	require.Len(t, front, 2)
	require.Equal(t, domain.Micros(10), front[0].Cost)
}
