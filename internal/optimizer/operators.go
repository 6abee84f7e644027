package optimizer

import (
	"math"
	"regexp"
	"strings"

	"github.com/davidbz/tollgate/internal/domain"
)

// Operator names as reported in optimization summaries.
const (
	OpRedundancyRemoval       = "redundancy_removal"
	OpInstructionCompression  = "instruction_compression"
	OpWhitespaceNormalization = "whitespace_normalization"
	OpTruncation              = "truncation"
	OpOutputCap               = "output_cap"
)

const (
	roleSystem = "system"

	// Sentences shorter than this are never treated as duplicates.
	minDedupeWords = 3
)

// operator rewrites a payload. param is in [min, max] of the operator's range.
type operator struct {
	name  string
	min   float64
	max   float64
	apply func(p domain.Payload, param float64, env *opEnv) domain.Payload
}

// opEnv carries per-run values operators need.
type opEnv struct {
	baseOutput int64
}

//nolint:gochecknoglobals // Static operator table
var operators = []operator{
	{name: OpRedundancyRemoval, min: 0, max: 1, apply: removeRedundancy},
	{name: OpInstructionCompression, min: 0.2, max: 1, apply: compressInstructions},
	{name: OpWhitespaceNormalization, min: 0, max: 1, apply: normalizeWhitespace},
	{name: OpTruncation, min: 0.5, max: 0.95, apply: truncate},
	{name: OpOutputCap, min: 0.5, max: 0.95, apply: capOutput},
}

//nolint:gochecknoglobals // Compiled once
var (
	whitespacePattern = regexp.MustCompile(`[ \t]+`)
	blankLinesPattern = regexp.MustCompile(`\n\s*\n+`)
)

// fillerPhrases are ordered by how safely they can be dropped. Compression
// applies a prefix of this list whose length scales with the operator param.
//
//nolint:gochecknoglobals // Static phrase table
var fillerPhrases = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`(?i)\bit is important to note that\s*`), ""},
	{regexp.MustCompile(`(?i)\bas a matter of fact,?\s*`), ""},
	{regexp.MustCompile(`(?i)\bneedless to say,?\s*`), ""},
	{regexp.MustCompile(`(?i)\bfor all intents and purposes,?\s*`), ""},
	{regexp.MustCompile(`(?i)\bat the end of the day,?\s*`), ""},
	{regexp.MustCompile(`(?i)\bi would like you to\s+`), ""},
	{regexp.MustCompile(`(?i)\bi want you to\s+`), ""},
	{regexp.MustCompile(`(?i)\b(could|can|would) you (please )?`), ""},
	{regexp.MustCompile(`(?i)\bin order to\b`), "to"},
	{regexp.MustCompile(`(?i)\b(please|kindly)\b,?\s*`), ""},
	{regexp.MustCompile(`(?i)\b(basically|actually|really|simply|just)\b,?\s*`), ""},
	{regexp.MustCompile(`(?i)\bvery\s+`), ""},
}

// mapContent applies fn to every message and drops messages left empty.
// The input is returned unchanged if every message would be dropped.
func mapContent(p domain.Payload, skipSystem bool, fn func(string) string) domain.Payload {
	out := p.Clone()
	kept := out.Messages[:0]
	for _, m := range out.Messages {
		if !(skipSystem && m.Role == roleSystem) {
			m.Content = fn(m.Content)
		}
		if strings.TrimSpace(m.Content) != "" {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return p
	}
	out.Messages = kept
	return out
}

func sentenceKey(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.TrimRight(strings.Join(fields, " "), ".!?")
}

// removeRedundancy drops sentences already seen earlier in the payload.
func removeRedundancy(p domain.Payload, _ float64, _ *opEnv) domain.Payload {
	seen := make(map[string]bool)
	return mapContent(p, false, func(content string) string {
		var b strings.Builder
		for _, sentence := range splitSentences(content) {
			key := sentenceKey(sentence)
			if key == "" {
				continue
			}
			if len(strings.Fields(key)) >= minDedupeWords {
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strings.TrimSpace(sentence))
		}
		return b.String()
	})
}

// splitSentences splits on terminal punctuation followed by whitespace, and on newlines.
func splitSentences(content string) []string {
	var out []string
	start := 0
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\n' {
			out = append(out, content[start:i])
			start = i + 1
			continue
		}
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		end := i + 1
		for end < len(content) && strings.IndexByte(".!?", content[end]) >= 0 {
			end++
		}
		if end == len(content) || content[end] == ' ' || content[end] == '\t' || content[end] == '\n' {
			out = append(out, content[start:end])
			start = end
			i = end - 1
		}
	}
	if start < len(content) {
		out = append(out, content[start:])
	}
	return out
}

// compressInstructions removes filler phrases.
func compressInstructions(p domain.Payload, param float64, _ *opEnv) domain.Payload {
	n := int(math.Ceil(param * float64(len(fillerPhrases))))
	n = clampInt(n, 1, len(fillerPhrases))
	return mapContent(p, false, func(content string) string {
		return stripFiller(content, n)
	})
}

func stripFiller(content string, n int) string {
	for _, phrase := range fillerPhrases[:n] {
		content = phrase.pattern.ReplaceAllString(content, phrase.replace)
	}
	return content
}

// normalizeWhitespace collapses runs of spaces and blank lines.
func normalizeWhitespace(p domain.Payload, _ float64, _ *opEnv) domain.Payload {
	return mapContent(p, false, func(content string) string {
		content = whitespacePattern.ReplaceAllString(content, " ")
		content = blankLinesPattern.ReplaceAllString(content, "\n")
		return strings.TrimSpace(content)
	})
}

// truncate keeps the leading param fraction of words in non-system messages.
func truncate(p domain.Payload, param float64, _ *opEnv) domain.Payload {
	return mapContent(p, true, func(content string) string {
		words := strings.Fields(content)
		keep := int(math.Ceil(param * float64(len(words))))
		keep = clampInt(keep, 1, len(words))
		if keep == len(words) {
			return content
		}
		return strings.Join(words[:keep], " ")
	})
}

// capOutput lowers max_tokens to param times the current output budget.
func capOutput(p domain.Payload, param float64, env *opEnv) domain.Payload {
	base := env.baseOutput
	if p.MaxTokens > 0 {
		base = int64(p.MaxTokens)
	}
	if base <= 1 {
		return p
	}
	out := p.Clone()
	out.MaxTokens = int(math.Max(1, math.Floor(float64(base)*param)))
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
