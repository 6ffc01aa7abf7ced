package genome

import (
	"fmt"
)

// Intent tags classify what a prompt asks for; comparators and schema
// requirements key off them.
type Intent string

const (
	IntentCode      Intent = "code"
	IntentQA        Intent = "qa"
	IntentSummarize Intent = "summarize"
	IntentToolCall  Intent = "tool_call"
)

// KnownIntents is the finite set accepted at the boundary.
var KnownIntents = map[Intent]bool{
	IntentCode:      true,
	IntentQA:        true,
	IntentSummarize: true,
	IntentToolCall:  true,
}

// PromptSpec is a single task to evaluate or serve.
type PromptSpec struct {
	Intent   Intent   `json:"intent"`
	Prompt   string   `json:"prompt"`
	Tools    []string `json:"tools,omitempty"`
	Expected string   `json:"expected,omitempty"`
}

// Validate checks required fields and intent membership.
func (s PromptSpec) Validate() error {
	if s.Prompt == "" {
		return fmt.Errorf("prompt required")
	}
	if !KnownIntents[s.Intent] {
		return fmt.Errorf("unknown intent %q", s.Intent)
	}
	return nil
}

// RequiresSchema reports whether this intent demands structured output.
func (s PromptSpec) RequiresSchema() bool {
	return s.Intent == IntentToolCall || s.Intent == IntentCode
}

// ExecutionMetrics is the structured result of one Executor run. Downstream
// failures surface here rather than as errors so the optimizer's loop stays
// deterministic.
type ExecutionMetrics struct {
	SchemaOK       bool     `json:"schema_ok"`
	SafetyFlags    []string `json:"safety_flags,omitempty"`
	ValidatorScore float64  `json:"validator_score"`
	// Accuracy is optional; nil means "no reference available" and is
	// treated as 1.0 iff SchemaOK by the fitness aggregator.
	Accuracy    *float64 `json:"accuracy,omitempty"`
	LatencyMs   int64    `json:"latency_ms"`
	TokensTotal int      `json:"tokens_total"`
	Repairs     int      `json:"repairs"`
	CostUSD     float64  `json:"cost_usd"`
}

// EffectiveAccuracy resolves the optional accuracy per the aggregation
// rule: absent means 1.0 when the schema parsed, 0 otherwise.
func (m ExecutionMetrics) EffectiveAccuracy() float64 {
	if m.Accuracy != nil {
		return *m.Accuracy
	}
	if m.SchemaOK {
		return 1.0
	}
	return 0.0
}

// Clean reports whether no safety flags were raised.
func (m ExecutionMetrics) Clean() bool { return len(m.SafetyFlags) == 0 }

// GoldenExample is one curated evaluation record. The golden set is loaded
// once per optimize run and immutable afterwards.
type GoldenExample struct {
	Prompt       string            `json:"prompt" yaml:"prompt"`
	Expected     string            `json:"expected,omitempty" yaml:"expected,omitempty"`
	Intent       Intent            `json:"intent" yaml:"intent"`
	Context      string            `json:"context,omitempty" yaml:"context,omitempty"`
	QualityScore float64           `json:"quality_score,omitempty" yaml:"quality_score,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate enforces the golden set file contract.
func (e GoldenExample) Validate() error {
	if e.Prompt == "" {
		return fmt.Errorf("prompt required")
	}
	if !KnownIntents[e.Intent] {
		return fmt.Errorf("unknown intent %q", e.Intent)
	}
	if e.QualityScore < 0 || e.QualityScore > 1 {
		return fmt.Errorf("quality_score %v out of range [0, 1]", e.QualityScore)
	}
	return nil
}

// Spec converts a golden example into the PromptSpec the executor runs.
func (e GoldenExample) Spec() PromptSpec {
	return PromptSpec{Intent: e.Intent, Prompt: e.Prompt, Expected: e.Expected}
}

// GenerationRecord summarizes one generation of an optimize run. Records
// are appended to a monotone history log.
type GenerationRecord struct {
	Generation   int     `json:"generation"`
	BestScore    float64 `json:"best_score"`
	MeanScore    float64 `json:"mean_score"`
	BestGenomeID string  `json:"best_genome_id"`
	Timestamp    string  `json:"timestamp"`
}
