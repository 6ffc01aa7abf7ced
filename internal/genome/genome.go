// Package genome defines the immutable value types the optimizer and the
// serving path exchange: genomes, prompt specs, execution metrics, and
// golden examples.
package genome

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Genome bundles a prompt rubric with generation hyperparameters and a
// model choice. Genomes are never mutated after construction; derive new
// ones through the evolution operators. Generation is bookkeeping only and
// does not participate in identity.
type Genome struct {
	Rubric        string  `json:"rubric"`
	CoT           bool    `json:"cot"`
	Temp          float64 `json:"temp"`
	MaxTokens     int     `json:"max_tokens"`
	RetrieverTopK int     `json:"retriever_topk"`
	UseConsensus  bool    `json:"use_consensus"`
	ModelKey      string  `json:"model_key"`
	Generation    int     `json:"generation"`
}

// Validate checks field ranges. ModelKey membership in the allow-list is
// checked at the configuration boundary, not here.
func (g Genome) Validate() error {
	if g.Temp < 0 || g.Temp > 2.0 {
		return fmt.Errorf("temp %v out of range [0, 2]", g.Temp)
	}
	if g.MaxTokens < 1 || g.MaxTokens > 8192 {
		return fmt.Errorf("max_tokens %d out of range [1, 8192]", g.MaxTokens)
	}
	if g.RetrieverTopK < 0 || g.RetrieverTopK > 50 {
		return fmt.Errorf("retriever_topk %d out of range [0, 50]", g.RetrieverTopK)
	}
	if g.ModelKey == "" {
		return fmt.Errorf("model_key required")
	}
	if g.Generation < 0 {
		return fmt.Errorf("generation %d negative", g.Generation)
	}
	return nil
}

// ID returns the content address of the genome: a SHA-256 over the
// canonical serialization of the identity fields. Stable across processes
// and JSON round trips.
func (g Genome) ID() string {
	h := sha256.New()
	h.Write([]byte(g.canonical()))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// canonical serializes identity fields in fixed order with normalized
// numerics. Generation is excluded by design: it is metadata.
func (g Genome) canonical() string {
	var b strings.Builder
	b.WriteString("rubric=")
	b.WriteString(strconv.Quote(g.Rubric))
	b.WriteString(";cot=")
	b.WriteString(strconv.FormatBool(g.CoT))
	b.WriteString(";temp=")
	b.WriteString(strconv.FormatFloat(g.Temp, 'g', -1, 64))
	b.WriteString(";max_tokens=")
	b.WriteString(strconv.Itoa(g.MaxTokens))
	b.WriteString(";retriever_topk=")
	b.WriteString(strconv.Itoa(g.RetrieverTopK))
	b.WriteString(";use_consensus=")
	b.WriteString(strconv.FormatBool(g.UseConsensus))
	b.WriteString(";model_key=")
	b.WriteString(strconv.Quote(g.ModelKey))
	return b.String()
}

// Equal reports structural equality of identity fields.
func (g Genome) Equal(other Genome) bool {
	return g.Rubric == other.Rubric &&
		g.CoT == other.CoT &&
		g.Temp == other.Temp &&
		g.MaxTokens == other.MaxTokens &&
		g.RetrieverTopK == other.RetrieverTopK &&
		g.UseConsensus == other.UseConsensus &&
		g.ModelKey == other.ModelKey
}

// WithGeneration returns a copy tagged with the given generation number.
// Identity is unchanged.
func (g Genome) WithGeneration(gen int) Genome {
	g.Generation = gen
	return g
}

// Wire is the JSON representation used in HTTP responses: the genome plus
// its computed id.
type Wire struct {
	GenomeID string `json:"genome_id"`
	Genome
}

// ToWire attaches the computed id for serialization.
func (g Genome) ToWire() Wire {
	return Wire{GenomeID: g.ID(), Genome: g}
}
