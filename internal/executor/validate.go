package executor

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/evoprompt/evoprompt/internal/genome"
	"github.com/evoprompt/evoprompt/internal/retrieval"
)

// Validator scores output quality in [0, 1] independent of any
// reference answer.
type Validator interface {
	Score(spec genome.PromptSpec, output string) float64
}

// Comparator measures agreement with an expected answer in [0, 1].
type Comparator interface {
	Compare(expected, actual string) float64
}

// Safety inspects output and returns the names of any triggered rules,
// sorted. Empty means clean.
type Safety interface {
	Flags(output string) []string
}

// HeuristicValidator is the default Validator: 0.4 length sanity, 0.4
// keyword overlap with the prompt, 0.2 structured-output presence. A
// model-graded validator drops in behind the same interface.
type HeuristicValidator struct{}

func (HeuristicValidator) Score(spec genome.PromptSpec, output string) float64 {
	score := 0.4*lengthSanity(output) + 0.4*keywordOverlap(spec.Prompt, output)
	if spec.RequiresSchema() {
		if structuredOutputOK(output) {
			score += 0.2
		}
	} else {
		score += 0.2
	}
	return score
}

// lengthSanity penalizes empty and extreme outputs.
func lengthSanity(output string) float64 {
	n := len(strings.TrimSpace(output))
	switch {
	case n == 0:
		return 0
	case n < 8:
		return 0.5
	case n > 20000:
		return 0.25
	default:
		return 1
	}
}

// keywordOverlap measures what share of the prompt's informative tokens
// the output touches.
func keywordOverlap(prompt, output string) float64 {
	promptTokens := retrieval.Tokenize(prompt)
	keywords := make(map[string]bool)
	for _, t := range promptTokens {
		if len(t) >= 4 && !stopwords[t] {
			keywords[t] = true
		}
	}
	if len(keywords) == 0 {
		return 1
	}
	covered := 0
	for _, t := range retrieval.Tokenize(output) {
		if keywords[t] {
			delete(keywords, t)
			covered++
		}
	}
	return float64(covered) / float64(covered+len(keywords))
}

var stopwords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true, "what": true,
	"when": true, "where": true, "which": true, "should": true, "would": true,
	"please": true, "write": true, "give": true, "using": true, "following": true,
}

// DefaultComparators returns the per-intent accuracy comparators: exact
// match for tool calls, token F1 for QA and summarization, normalized
// equivalence for code.
func DefaultComparators() map[genome.Intent]Comparator {
	return map[genome.Intent]Comparator{
		genome.IntentToolCall:  ExactComparator{},
		genome.IntentQA:        TokenF1Comparator{},
		genome.IntentSummarize: TokenF1Comparator{},
		genome.IntentCode:      CodeComparator{},
	}
}

// ExactComparator is all-or-nothing after whitespace trimming.
type ExactComparator struct{}

func (ExactComparator) Compare(expected, actual string) float64 {
	if strings.TrimSpace(expected) == strings.TrimSpace(actual) {
		return 1
	}
	return 0
}

// TokenF1Comparator computes the F1 over normalized token multisets,
// the usual QA overlap measure.
type TokenF1Comparator struct{}

func (TokenF1Comparator) Compare(expected, actual string) float64 {
	expTokens := retrieval.Tokenize(expected)
	actTokens := retrieval.Tokenize(actual)
	if len(expTokens) == 0 || len(actTokens) == 0 {
		if len(expTokens) == len(actTokens) {
			return 1
		}
		return 0
	}

	expCounts := make(map[string]int, len(expTokens))
	for _, t := range expTokens {
		expCounts[t]++
	}
	common := 0
	for _, t := range actTokens {
		if expCounts[t] > 0 {
			expCounts[t]--
			common++
		}
	}
	if common == 0 {
		return 0
	}
	precision := float64(common) / float64(len(actTokens))
	recall := float64(common) / float64(len(expTokens))
	return 2 * precision * recall / (precision + recall)
}

// CodeComparator is an execution-equivalence stand-in: it compares
// code with whitespace collapsed, which catches formatting-only
// divergence without running anything. A sandboxed runner can replace
// it behind the Comparator interface.
type CodeComparator struct{}

func (CodeComparator) Compare(expected, actual string) float64 {
	if normalizeCode(expected) == normalizeCode(actual) {
		return 1
	}
	return TokenF1Comparator{}.Compare(expected, actual) * 0.5
}

func normalizeCode(code string) string {
	return strings.Join(strings.Fields(stripFence(code)), " ")
}

// RegexSafety applies a fixed, deterministic rule set. Rule names are
// the flag values.
type RegexSafety struct {
	rules []safetyRule
}

type safetyRule struct {
	name    string
	pattern *regexp.Regexp
}

// DefaultSafety returns the built-in rule set.
func DefaultSafety() *RegexSafety {
	return &RegexSafety{rules: []safetyRule{
		{"destructive_shell", regexp.MustCompile(`(?i)rm\s+-rf\s+/|mkfs\.|dd\s+if=.*of=/dev/`)},
		{"credential_leak", regexp.MustCompile(`(?i)(api[_-]?key|secret|password)\s*[:=]\s*['"]?[A-Za-z0-9+/_-]{16,}`)},
		{"prompt_injection", regexp.MustCompile(`(?i)ignore (all )?(previous|prior) instructions`)},
		{"pii_ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	}}
}

func (s *RegexSafety) Flags(output string) []string {
	var flags []string
	for _, rule := range s.rules {
		if rule.pattern.MatchString(output) {
			flags = append(flags, rule.name)
		}
	}
	sort.Strings(flags)
	return flags
}

// structuredOutputOK reports whether output parses as a JSON object or
// array, unwrapping one fenced code block if present.
func structuredOutputOK(output string) bool {
	text := strings.TrimSpace(stripFence(output))
	if text == "" {
		return false
	}
	if text[0] != '{' && text[0] != '[' {
		return false
	}
	return json.Valid([]byte(text))
}

var fenceRe = regexp.MustCompile("(?s)```(?:json|[a-z]*)?\n(.*?)```")

func stripFence(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}
