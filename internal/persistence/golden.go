// Package persistence handles the optimizer's durable files: golden set
// loading and the append-only run history log.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/genome"
)

// LoadGoldenSet reads the golden set from a JSON or YAML file (picked
// by extension) and validates every record. An empty or malformed set
// is GoldenSetInvalid; optimize runs must abort on it.
func LoadGoldenSet(path string) ([]genome.GoldenExample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGoldenSetInvalid, "read golden set", err)
	}

	var examples []genome.GoldenExample
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &examples)
	default:
		err = json.Unmarshal(data, &examples)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGoldenSetInvalid, "parse golden set", err)
	}
	if len(examples) == 0 {
		return nil, apperr.New(apperr.KindGoldenSetInvalid, "golden set is empty")
	}

	for i, ex := range examples {
		if err := ex.Validate(); err != nil {
			return nil, apperr.Wrap(apperr.KindGoldenSetInvalid, fmt.Sprintf("record %d", i), err)
		}
	}
	return examples, nil
}
