// Package executor turns a (PromptSpec, Genome) pair into
// ExecutionMetrics. It owns no persistent state: everything it touches
// arrives through its constructor, and downstream failures come back as
// metrics rather than errors so callers' loops stay deterministic.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/genome"
	"github.com/evoprompt/evoprompt/internal/metrics"
	"github.com/evoprompt/evoprompt/internal/models"
	"github.com/evoprompt/evoprompt/internal/retrieval"
)

const (
	cotScaffold = "Think through the problem step by step before giving your final answer."

	// consensusSamples is the sample count when a genome enables
	// self-consistency voting.
	consensusSamples = 3

	// contextDocLimit caps how many retrieved documents are injected
	// regardless of retriever_topk.
	contextDocLimit = 5
)

// Retriever is the executor's view of the RAG facade.
type Retriever interface {
	Query(ctx context.Context, query string, k int, method retrieval.Method) (*retrieval.QueryResult, error)
}

// Executor runs prompts against a generator with optional retrieval
// augmentation, schema repair, and plug-in scoring.
type Executor struct {
	generator   models.Generator
	retriever   Retriever
	validator   Validator
	comparators map[genome.Intent]Comparator
	safety      Safety
	sink        *metrics.Sink
	cfg         config.ExecutorConfig
	logger      *slog.Logger
}

// New builds an executor with the default plug-ins. retriever may be
// nil; genomes with retriever_topk > 0 then run without context.
func New(generator models.Generator, retriever Retriever, sink *metrics.Sink, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	return &Executor{
		generator:   generator,
		retriever:   retriever,
		validator:   HeuristicValidator{},
		comparators: DefaultComparators(),
		safety:      DefaultSafety(),
		sink:        sink,
		cfg:         cfg,
		logger:      logger.With("component", "executor"),
	}
}

// WithValidator swaps the validator plug-in.
func (e *Executor) WithValidator(v Validator) *Executor {
	e.validator = v
	return e
}

// Execute runs one evaluation. The returned metrics are always
// populated; generator failure after bounded retries yields
// schema_ok=false with elapsed latency instead of an error.
func (e *Executor) Execute(ctx context.Context, spec genome.PromptSpec, g genome.Genome) genome.ExecutionMetrics {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	prompt := e.buildPrompt(ctx, spec, g)

	nSamples := 1
	if g.UseConsensus {
		nSamples = consensusSamples
	}
	req := models.GenerateRequest{
		ModelKey:    g.ModelKey,
		Prompt:      prompt,
		Temperature: g.Temp,
		MaxTokens:   g.MaxTokens,
		NSamples:    nSamples,
	}

	var tokensTotal int
	var costTotal float64
	resp, err := e.generateWithRetries(ctx, req)
	if err != nil {
		e.sink.IncCounter("executor_failures_total", map[string]string{"kind": string(apperr.KindOf(err))})
		e.logger.Warn("generation failed", "model", g.ModelKey, "error", err)
		return genome.ExecutionMetrics{
			SchemaOK:  false,
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	tokensTotal += resp.TokensIn + resp.TokensOut
	costTotal += resp.CostUSD

	output := consensusVote(resp.Texts)

	schemaOK := true
	repairs := 0
	if spec.RequiresSchema() {
		var rTokens int
		var rCost float64
		output, schemaOK, repairs, rTokens, rCost = e.repairLoop(ctx, req, output)
		tokensTotal += rTokens
		costTotal += rCost
	}

	m := genome.ExecutionMetrics{
		SchemaOK:       schemaOK,
		SafetyFlags:    e.safety.Flags(output),
		ValidatorScore: e.validator.Score(spec, output),
		LatencyMs:      time.Since(start).Milliseconds(),
		TokensTotal:    tokensTotal,
		Repairs:        repairs,
		CostUSD:        costTotal,
	}
	if spec.Expected != "" {
		if cmp, ok := e.comparators[spec.Intent]; ok {
			acc := cmp.Compare(spec.Expected, output)
			m.Accuracy = &acc
		}
	}

	e.sink.ObserveHistogram("executor_latency_ms", float64(m.LatencyMs), nil)
	return m
}

// ExecuteOutput runs like Execute but also returns the final output
// text. The request-path router serves the text; offline callers only
// need metrics. Schema failures get the same repair budget as offline
// runs before they surface as InvalidOutput.
func (e *Executor) ExecuteOutput(ctx context.Context, spec genome.PromptSpec, g genome.Genome) (string, genome.ExecutionMetrics, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	prompt := e.buildPrompt(ctx, spec, g)
	nSamples := 1
	if g.UseConsensus {
		nSamples = consensusSamples
	}
	req := models.GenerateRequest{
		ModelKey:    g.ModelKey,
		Prompt:      prompt,
		Temperature: g.Temp,
		MaxTokens:   g.MaxTokens,
		NSamples:    nSamples,
	}
	resp, err := e.generateWithRetries(ctx, req)
	if err != nil {
		e.sink.IncCounter("executor_failures_total", map[string]string{"kind": string(apperr.KindOf(err))})
		return "", genome.ExecutionMetrics{SchemaOK: false, LatencyMs: time.Since(start).Milliseconds()}, err
	}

	output := consensusVote(resp.Texts)
	tokensTotal := resp.TokensIn + resp.TokensOut
	costTotal := resp.CostUSD

	schemaOK := true
	repairs := 0
	if spec.RequiresSchema() {
		var rTokens int
		var rCost float64
		output, schemaOK, repairs, rTokens, rCost = e.repairLoop(ctx, req, output)
		tokensTotal += rTokens
		costTotal += rCost
	}

	m := genome.ExecutionMetrics{
		SchemaOK:       schemaOK,
		SafetyFlags:    e.safety.Flags(output),
		ValidatorScore: e.validator.Score(spec, output),
		LatencyMs:      time.Since(start).Milliseconds(),
		TokensTotal:    tokensTotal,
		Repairs:        repairs,
		CostUSD:        costTotal,
	}
	if !schemaOK {
		return "", m, apperr.New(apperr.KindInvalidOutput, "output failed schema validation after repairs")
	}
	e.sink.ObserveHistogram("executor_latency_ms", float64(m.LatencyMs), nil)
	return output, m, nil
}

// repairLoop retries malformed structured output through the generator
// until it parses or the repair budget runs out. It returns the final
// output, whether it parses, the repair count, and the tokens and cost
// the repairs consumed.
func (e *Executor) repairLoop(ctx context.Context, req models.GenerateRequest, output string) (string, bool, int, int, float64) {
	schemaOK := structuredOutputOK(output)
	repairs := 0
	var tokens int
	var cost float64
	for !schemaOK && repairs < e.cfg.MaxRepairs {
		repairs++
		repairReq := req
		repairReq.Prompt = repairPrompt(output)
		repairReq.NSamples = 1
		resp, err := e.generateWithRetries(ctx, repairReq)
		if err != nil {
			e.sink.IncCounter("executor_failures_total", map[string]string{"kind": string(apperr.KindOf(err))})
			break
		}
		tokens += resp.TokensIn + resp.TokensOut
		cost += resp.CostUSD
		if len(resp.Texts) > 0 {
			output = resp.Texts[0]
		}
		schemaOK = structuredOutputOK(output)
	}
	return output, schemaOK, repairs, tokens, cost
}

// buildPrompt assembles rubric, optional CoT scaffold, optional
// retrieved context, and the task prompt in that order.
func (e *Executor) buildPrompt(ctx context.Context, spec genome.PromptSpec, g genome.Genome) string {
	var sections []string
	if g.Rubric != "" {
		sections = append(sections, g.Rubric)
	}
	if g.CoT {
		sections = append(sections, cotScaffold)
	}
	if g.RetrieverTopK > 0 && e.retriever != nil {
		if block := e.retrieveContext(ctx, spec.Prompt, g.RetrieverTopK); block != "" {
			sections = append(sections, block)
		}
	}
	sections = append(sections, spec.Prompt)
	return strings.Join(sections, "\n\n")
}

// retrieveContext queries the RAG facade and formats the top documents
// into a context block. Retrieval failure degrades to no context; it
// never fails the execution.
func (e *Executor) retrieveContext(ctx context.Context, query string, topK int) string {
	res, err := e.retriever.Query(ctx, query, topK, retrieval.MethodHybrid)
	if err != nil {
		e.sink.IncCounter("executor_failures_total", map[string]string{"kind": string(apperr.KindOf(err))})
		e.logger.Warn("context retrieval failed", "error", err)
		return ""
	}
	docs := res.Results
	if len(docs) > min(topK, contextDocLimit) {
		docs = docs[:min(topK, contextDocLimit)]
	}
	if len(docs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant context:")
	for i, doc := range docs {
		text := doc.Text
		if e.cfg.ContextBudget > 0 && len(text) > e.cfg.ContextBudget {
			text = text[:e.cfg.ContextBudget]
		}
		fmt.Fprintf(&b, "\n[%d] %s", i+1, text)
	}
	return b.String()
}

// generateWithRetries calls the generator, retrying retriable failures
// on the configured backoff schedule. The schedule length bounds the
// retry count.
func (e *Executor) generateWithRetries(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := e.generator.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !apperr.IsRetriable(err) || attempt >= len(e.cfg.RetryScheduleMs) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindGeneratorTimeout, "execution deadline hit", ctx.Err())
		case <-time.After(time.Duration(e.cfg.RetryScheduleMs[attempt]) * time.Millisecond):
		}
	}
	return nil, lastErr
}

// repairPrompt asks the generator to fix its own malformed structured
// output.
func repairPrompt(malformed string) string {
	return "The following response was supposed to be a single valid JSON object but is malformed. " +
		"Return only the corrected JSON object, with no surrounding text.\n\n" + malformed
}

// consensusVote picks the most common sample; ties go to the earliest.
func consensusVote(texts []string) string {
	if len(texts) == 0 {
		return ""
	}
	if len(texts) == 1 {
		return texts[0]
	}
	counts := make(map[string]int, len(texts))
	for _, t := range texts {
		counts[t]++
	}
	best := texts[0]
	for _, t := range texts {
		if counts[t] > counts[best] {
			best = t
		}
	}
	return best
}
