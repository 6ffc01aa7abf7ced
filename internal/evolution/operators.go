// Package evolution runs the genetic search over prompt genomes:
// seeding, mutation, crossover, tournament selection, and the
// generation loop.
package evolution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strings"
	"sync"

	"github.com/evoprompt/evoprompt/internal/genome"
	"github.com/evoprompt/evoprompt/internal/models"
)

const (
	tempSigma       = 0.15
	flipProbability = 0.3
	tokenResize     = 0.25
)

// Operators bundles the genetic operators. All randomness flows through
// the *rand.Rand passed by the caller so runs are reproducible.
type Operators struct {
	modelKeys []string
	rewriter  *RubricRewriter
}

// NewOperators builds operators over the model allow-list. rewriter may
// be nil, which disables the rewrite_rubric mutation.
func NewOperators(modelKeys []string, rewriter *RubricRewriter) *Operators {
	return &Operators{modelKeys: modelKeys, rewriter: rewriter}
}

// Seed produces size diverse genomes from base. The first seed is the
// base verbatim; the rest perturb each field independently.
func (o *Operators) Seed(rng *rand.Rand, base genome.Genome, size int) []genome.Genome {
	seeds := make([]genome.Genome, 0, size)
	seeds = append(seeds, base.WithGeneration(0))
	for i := 1; i < size; i++ {
		g := base
		g.Temp = clampTemp(g.Temp + rng.NormFloat64()*tempSigma)
		g.MaxTokens = clampTokens(int(float64(g.MaxTokens) * (1 - tokenResize + rng.Float64()*2*tokenResize)))
		if rng.Float64() < flipProbability {
			g.CoT = !g.CoT
		}
		if rng.Float64() < flipProbability {
			g.UseConsensus = !g.UseConsensus
		}
		if len(o.modelKeys) > 0 {
			g.ModelKey = o.modelKeys[(indexOf(o.modelKeys, base.ModelKey)+i)%len(o.modelKeys)]
		}
		seeds = append(seeds, g.WithGeneration(0))
	}
	return seeds
}

// mutation operator names, picked uniformly.
const (
	opToggleCoT     = "toggle_cot"
	opAdjustTemp    = "adjust_temperature"
	opChangeModel   = "change_model"
	opResizeTokens  = "resize_tokens"
	opRewriteRubric = "rewrite_rubric"
)

var mutationOps = []string{opToggleCoT, opAdjustTemp, opChangeModel, opResizeTokens, opRewriteRubric}

// Mutate applies one uniformly chosen operator and returns the mutant.
// rewrite_rubric calls the generator; its failures leave the rubric
// unchanged rather than failing the generation.
func (o *Operators) Mutate(ctx context.Context, rng *rand.Rand, g genome.Genome) genome.Genome {
	switch mutationOps[rng.Intn(len(mutationOps))] {
	case opToggleCoT:
		g.CoT = !g.CoT
	case opAdjustTemp:
		g.Temp = clampTemp(g.Temp + rng.NormFloat64()*tempSigma)
	case opChangeModel:
		if len(o.modelKeys) > 1 {
			next := o.modelKeys[rng.Intn(len(o.modelKeys))]
			for next == g.ModelKey {
				next = o.modelKeys[rng.Intn(len(o.modelKeys))]
			}
			g.ModelKey = next
		}
	case opResizeTokens:
		factor := 1 + tokenResize
		if rng.Float64() < 0.5 {
			factor = 1 - tokenResize
		}
		g.MaxTokens = clampTokens(int(float64(g.MaxTokens) * factor))
	case opRewriteRubric:
		if o.rewriter != nil {
			if rewritten, err := o.rewriter.Rewrite(ctx, g.ModelKey, g.Rubric); err == nil && rewritten != "" {
				g.Rubric = rewritten
			}
		}
	}
	return g
}

// Crossover mixes two parents: uniform per-field selection, numeric
// fields by arithmetic mean.
func (o *Operators) Crossover(rng *rand.Rand, a, b genome.Genome) genome.Genome {
	child := a
	if rng.Float64() < 0.5 {
		child.Rubric = b.Rubric
	}
	if rng.Float64() < 0.5 {
		child.CoT = b.CoT
	}
	if rng.Float64() < 0.5 {
		child.UseConsensus = b.UseConsensus
	}
	if rng.Float64() < 0.5 {
		child.ModelKey = b.ModelKey
	}
	if rng.Float64() < 0.5 {
		child.RetrieverTopK = b.RetrieverTopK
	}
	child.Temp = clampTemp((a.Temp + b.Temp) / 2)
	child.MaxTokens = clampTokens((a.MaxTokens + b.MaxTokens) / 2)
	return child
}

func clampTemp(t float64) float64 { return min(max(t, 0), 2) }
func clampTokens(n int) int       { return min(max(n, 1), 8192) }

func indexOf(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}
	return 0
}

const rewriteMetaPrompt = `Rewrite the following assistant instructions to be clearer and more effective at producing high-quality answers. Preserve the intent. Return only the rewritten instructions.

Instructions:
`

const miproMetaPrompt = `You are optimizing a system prompt. Analyze the following instructions and produce a single improved version that is specific, structured, and unambiguous. Return only the improved instructions.

Instructions:
`

// RubricRewriter produces rubric variants through the generator. Calls
// are cached by input hash so repeated mutations of the same rubric
// cost one generation.
type RubricRewriter struct {
	generator models.Generator
	mu        sync.Mutex
	cache     map[string]string
}

// NewRubricRewriter wraps a generator for rubric mutation.
func NewRubricRewriter(generator models.Generator) *RubricRewriter {
	return &RubricRewriter{generator: generator, cache: make(map[string]string)}
}

// Rewrite returns a variant of rubric generated by modelKey.
func (r *RubricRewriter) Rewrite(ctx context.Context, modelKey, rubric string) (string, error) {
	return r.rewrite(ctx, modelKey, rubric, rewriteMetaPrompt)
}

// RewriteOneShot is the optional pre-loop optimization pass over the
// base rubric, using a heavier meta-prompt.
func (r *RubricRewriter) RewriteOneShot(ctx context.Context, modelKey, rubric string) (string, error) {
	return r.rewrite(ctx, modelKey, rubric, miproMetaPrompt)
}

func (r *RubricRewriter) rewrite(ctx context.Context, modelKey, rubric, meta string) (string, error) {
	key := cacheDigest(meta, modelKey, rubric)
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	resp, err := r.generator.Generate(ctx, models.GenerateRequest{
		ModelKey:    modelKey,
		Prompt:      meta + rubric,
		Temperature: 0.8,
		MaxTokens:   512,
		NSamples:    1,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Texts) == 0 {
		return "", nil
	}
	rewritten := strings.TrimSpace(resp.Texts[0])

	r.mu.Lock()
	r.cache[key] = rewritten
	r.mu.Unlock()
	return rewritten, nil
}

func cacheDigest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
