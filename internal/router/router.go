// Package router serves end-user requests through the bandit: choose a
// genome, execute, reward with the shared fitness formula.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/fitness"
	"github.com/evoprompt/evoprompt/internal/genome"
	"github.com/evoprompt/evoprompt/internal/metrics"
)

// executor is the request-path execution contract.
type executor interface {
	ExecuteOutput(ctx context.Context, spec genome.PromptSpec, g genome.Genome) (string, genome.ExecutionMetrics, error)
}

// arms is the subset of the bandit the router drives.
type arms interface {
	Register(genomeID string)
	Choose() (string, error)
	Update(genomeID string, reward float64) error
	Len() int
}

// Response is what a routed request returns to the caller. Metrics go
// to the sink, not to the client.
type Response struct {
	Output   string `json:"output"`
	GenomeID string `json:"genome_id"`
}

// Router fronts the executor with Thompson selection over registered
// genomes. It owns the id-to-genome mapping; the bandit only sees ids.
type Router struct {
	executor executor
	bandit   arms
	agg      *fitness.Aggregator
	sink     *metrics.Sink
	logger   *slog.Logger

	mu      sync.RWMutex
	genomes map[string]genome.Genome
}

// New builds a router and cold-starts the arm table with the baseline
// genome when it is empty.
func New(exec executor, bandit arms, agg *fitness.Aggregator, baseline genome.Genome, sink *metrics.Sink, logger *slog.Logger) *Router {
	r := &Router{
		executor: exec,
		bandit:   bandit,
		agg:      agg,
		sink:     sink,
		logger:   logger.With("component", "router"),
		genomes:  make(map[string]genome.Genome),
	}
	if bandit.Len() == 0 {
		r.Adopt(baseline)
	}
	return r
}

// Adopt registers a genome for serving. Promotion consumers call this
// with the event's top genomes.
func (r *Router) Adopt(genomes ...genome.Genome) {
	for _, g := range genomes {
		id := g.ID()
		r.mu.Lock()
		r.genomes[id] = g
		r.mu.Unlock()
		r.bandit.Register(id)
	}
}

// Genomes returns the registered genome table keyed by id.
func (r *Router) Genomes() map[string]genome.Genome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]genome.Genome, len(r.genomes))
	for id, g := range r.genomes {
		out[id] = g
	}
	return out
}

// Serve handles one request: bandit choice, execution, reward update.
// Request-path failures skip the reward update so transient
// infrastructure errors never poison an arm's posterior.
func (r *Router) Serve(ctx context.Context, spec genome.PromptSpec) (*Response, error) {
	if err := spec.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "invalid prompt spec", err)
	}

	id, err := r.bandit.Choose()
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	g, ok := r.genomes[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.Newf(apperr.KindInternal, "chosen arm %q has no genome", id)
	}

	output, m, err := r.executor.ExecuteOutput(ctx, spec, g)
	if err != nil {
		r.logger.Warn("serve failed", "genome_id", id, "error", err)
		return nil, err
	}

	reward := r.agg.Score(m)
	if err := r.bandit.Update(id, reward); err != nil {
		r.logger.Warn("reward update failed", "genome_id", id, "error", err)
	}
	r.sink.IncCounter("router_requests_total", nil)
	return &Response{Output: output, GenomeID: id}, nil
}
