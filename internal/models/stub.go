package models

import (
	"context"
	"strings"
	"sync/atomic"
)

// StubGenerator is a deterministic in-process generator for tests and the
// binary's dry-run mode. Each call consumes the next scripted reply for
// the request's model key; when the script runs out the last entry
// repeats. Models without a script echo their prompt's last line.
type StubGenerator struct {
	scripts map[string][]string
	cursor  map[string]*atomic.Int64
	calls   atomic.Int64
}

// NewStubGenerator creates an empty stub; add behavior with Script.
func NewStubGenerator() *StubGenerator {
	return &StubGenerator{
		scripts: make(map[string][]string),
		cursor:  make(map[string]*atomic.Int64),
	}
}

// Script registers the reply sequence for a model key.
func (s *StubGenerator) Script(modelKey string, replies ...string) *StubGenerator {
	s.scripts[modelKey] = replies
	s.cursor[modelKey] = &atomic.Int64{}
	return s
}

// Calls reports how many Generate invocations were made.
func (s *StubGenerator) Calls() int64 { return s.calls.Load() }

// Generate returns the scripted reply, duplicated NSamples times. Token
// counts derive from text lengths so fitness penalties stay meaningful in
// tests.
func (s *StubGenerator) Generate(_ context.Context, req GenerateRequest) (*GenerateResponse, error) {
	s.calls.Add(1)

	text := lastLine(req.Prompt)
	if script, ok := s.scripts[req.ModelKey]; ok && len(script) > 0 {
		i := s.cursor[req.ModelKey].Add(1) - 1
		if int(i) >= len(script) {
			i = int64(len(script) - 1)
		}
		text = script[i]
	}

	n := req.NSamples
	if n < 1 {
		n = 1
	}
	texts := make([]string, n)
	for i := range texts {
		texts[i] = text
	}
	tokensIn := (len(req.Prompt) + 3) / 4
	tokensOut := n * (len(text) + 3) / 4
	return &GenerateResponse{
		Texts:     texts,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   0,
	}, nil
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
