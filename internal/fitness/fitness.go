// Package fitness turns execution metrics into the scalar score the
// optimizer and the router share.
package fitness

import (
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/genome"
)

// Thresholds for the quality gate. A run only earns its base point when
// all four hold.
const (
	minValidatorScore = 0.9
	minAccuracy       = 0.85
)

// Aggregator computes fitness with configured penalty weights.
type Aggregator struct {
	wLatency float64
	wTokens  float64
	wRepairs float64
	wCost    float64
}

// NewAggregator builds an aggregator from the fitness config section.
func NewAggregator(cfg config.FitnessConfig) *Aggregator {
	return &Aggregator{
		wLatency: cfg.WLatency,
		wTokens:  cfg.WTokens,
		wRepairs: cfg.WRepairs,
		wCost:    cfg.WCost,
	}
}

// Score computes per-example fitness in [0, 1]: a binary quality base
// minus weighted resource penalties, floored at zero.
func (a *Aggregator) Score(m genome.ExecutionMetrics) float64 {
	ok := m.SchemaOK &&
		m.Clean() &&
		m.ValidatorScore >= minValidatorScore &&
		m.EffectiveAccuracy() >= minAccuracy

	base := 0.0
	if ok {
		base = 1.0
	}
	penalty := a.wLatency*float64(m.LatencyMs) +
		a.wTokens*float64(m.TokensTotal) +
		a.wRepairs*float64(m.Repairs) +
		a.wCost*m.CostUSD

	f := base - penalty
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// GenomeScore aggregates a genome's runs across the golden set.
type GenomeScore struct {
	GenomeID    string
	Mean        float64
	MeanLatency float64
	MeanCost    float64
	// Seq orders genomes by creation; earlier wins final ties.
	Seq int
}

// Aggregate averages per-example metrics into a GenomeScore.
func (a *Aggregator) Aggregate(genomeID string, seq int, runs []genome.ExecutionMetrics) GenomeScore {
	gs := GenomeScore{GenomeID: genomeID, Seq: seq}
	if len(runs) == 0 {
		return gs
	}
	var sum, lat, cost float64
	for _, m := range runs {
		sum += a.Score(m)
		lat += float64(m.LatencyMs)
		cost += m.CostUSD
	}
	n := float64(len(runs))
	gs.Mean = sum / n
	gs.MeanLatency = lat / n
	gs.MeanCost = cost / n
	return gs
}

// Better reports whether x beats y under the ordering: higher mean
// fitness, then lower mean latency, then lower mean cost, then earlier
// creation.
func Better(x, y GenomeScore) bool {
	if x.Mean != y.Mean {
		return x.Mean > y.Mean
	}
	if x.MeanLatency != y.MeanLatency {
		return x.MeanLatency < y.MeanLatency
	}
	if x.MeanCost != y.MeanCost {
		return x.MeanCost < y.MeanCost
	}
	return x.Seq < y.Seq
}
