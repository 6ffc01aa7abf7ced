package evolution

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/fitness"
	"github.com/evoprompt/evoprompt/internal/genome"
	"github.com/evoprompt/evoprompt/internal/metrics"
)

// Evaluator runs one genome against one example. The executor satisfies
// this; tests substitute deterministic stubs.
type Evaluator interface {
	Execute(ctx context.Context, spec genome.PromptSpec, g genome.Genome) genome.ExecutionMetrics
}

// Result is the outcome of an optimize run.
type Result struct {
	Best      genome.Genome             `json:"best_genome"`
	BestScore float64                   `json:"best_score"`
	History   []genome.GenerationRecord `json:"history"`
	// TopGenomes holds the final population's leaders, best first.
	TopGenomes []genome.Genome `json:"-"`
}

// Engine drives the generational loop: evaluate in parallel, record,
// select, breed. All randomness comes from the run's seeded source, so
// identical inputs reproduce identical histories.
type Engine struct {
	evaluator Evaluator
	agg       *fitness.Aggregator
	ops       *Operators
	cfg       config.PopulationConfig
	sink      *metrics.Sink
	logger    *slog.Logger
}

// NewEngine wires the loop over its collaborators.
func NewEngine(evaluator Evaluator, agg *fitness.Aggregator, ops *Operators, cfg config.PopulationConfig, sink *metrics.Sink, logger *slog.Logger) *Engine {
	return &Engine{
		evaluator: evaluator,
		agg:       agg,
		ops:       ops,
		cfg:       cfg,
		sink:      sink,
		logger:    logger.With("component", "evolution"),
	}
}

// Run executes up to generations rounds of evaluation and breeding.
// onRecord, when non-nil, observes each GenerationRecord as it is
// appended, in generation order.
func (e *Engine) Run(ctx context.Context, base genome.Genome, golden []genome.GoldenExample, generations int, onRecord func(genome.GenerationRecord)) (*Result, error) {
	if len(golden) == 0 {
		return nil, apperr.New(apperr.KindGoldenSetInvalid, "golden set is empty")
	}
	if err := base.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "base genome invalid", err)
	}
	if generations <= 0 {
		generations = e.cfg.Generations
	}

	seed := e.cfg.RNGSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	population := e.ops.Seed(rng, base, e.cfg.Size)
	result := &Result{}
	var bestScore fitness.GenomeScore
	var bestGenome genome.Genome
	var finalRank []genome.Genome
	haveBest := false

	for gen := 0; gen < generations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "optimize cancelled", err)
		}

		scores, err := e.evaluate(ctx, population, golden)
		if err != nil {
			return nil, err
		}

		order := make([]int, len(population))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			return fitness.Better(scores[order[a]], scores[order[b]])
		})

		top := scores[order[0]]
		if !haveBest || fitness.Better(top, bestScore) {
			bestScore = top
			bestGenome = population[order[0]]
			haveBest = true
		}
		finalRank = finalRank[:0]
		for _, idx := range order {
			finalRank = append(finalRank, population[idx])
		}

		var meanSum float64
		for _, s := range scores {
			meanSum += s.Mean
		}
		record := genome.GenerationRecord{
			Generation:   gen,
			BestScore:    top.Mean,
			MeanScore:    meanSum / float64(len(scores)),
			BestGenomeID: top.GenomeID,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		}
		result.History = append(result.History, record)
		if onRecord != nil {
			onRecord(record)
		}
		e.sink.SetGauge("population_best_score", bestScore.Mean, nil)
		e.logger.Info("generation complete",
			"generation", gen,
			"best_score", record.BestScore,
			"mean_score", record.MeanScore,
			"best_genome", record.BestGenomeID,
		)

		if top.Mean >= e.cfg.EarlyStop {
			e.logger.Info("early stop", "generation", gen, "score", top.Mean)
			break
		}
		if gen == generations-1 {
			break
		}

		population = e.breed(ctx, rng, population, scores, order, gen+1)
	}

	result.Best = bestGenome
	result.BestScore = bestScore.Mean

	// Leaders of the last evaluated generation, best overall first and
	// deduplicated by identity.
	seen := map[string]bool{bestGenome.ID(): true}
	result.TopGenomes = append(result.TopGenomes, bestGenome)
	for _, g := range finalRank {
		if id := g.ID(); !seen[id] {
			seen[id] = true
			result.TopGenomes = append(result.TopGenomes, g)
		}
	}
	return result, nil
}

// evaluate scores every genome against every golden example with a
// bounded worker pool. Results land in indexed slots so aggregation
// order never depends on scheduling.
func (e *Engine) evaluate(ctx context.Context, population []genome.Genome, golden []genome.GoldenExample) ([]fitness.GenomeScore, error) {
	runs := make([][]genome.ExecutionMetrics, len(population))
	for i := range runs {
		runs[i] = make([]genome.ExecutionMetrics, len(golden))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.EvalWorkers)
	for i := range population {
		for j := range golden {
			i, j := i, j
			g.Go(func() error {
				runs[i][j] = e.evaluator.Execute(gctx, golden[j].Spec(), population[i])
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scores := make([]fitness.GenomeScore, len(population))
	for i, g := range population {
		scores[i] = e.agg.Aggregate(g.ID(), i, runs[i])
	}
	return scores, nil
}

// breed builds the next population: elites survive unchanged, the rest
// are tournament-selected offspring.
func (e *Engine) breed(ctx context.Context, rng *rand.Rand, population []genome.Genome, scores []fitness.GenomeScore, order []int, nextGen int) []genome.Genome {
	next := make([]genome.Genome, 0, e.cfg.Size)
	for _, idx := range order[:e.cfg.Elite()] {
		next = append(next, population[idx])
	}

	for len(next) < e.cfg.Size {
		p1 := e.tournament(rng, population, scores)
		var child genome.Genome
		if rng.Float64() < e.cfg.CrossoverProb {
			p2 := e.tournament(rng, population, scores)
			child = e.ops.Crossover(rng, p1, p2)
		} else {
			child = p1
		}
		child = e.ops.Mutate(ctx, rng, child)
		next = append(next, child.WithGeneration(nextGen))
	}
	return next
}

// tournament samples t contenders and returns the fittest.
func (e *Engine) tournament(rng *rand.Rand, population []genome.Genome, scores []fitness.GenomeScore) genome.Genome {
	t := e.cfg.Tournament()
	best := rng.Intn(len(population))
	for i := 1; i < t; i++ {
		c := rng.Intn(len(population))
		if fitness.Better(scores[c], scores[best]) {
			best = c
		}
	}
	return population[best]
}
