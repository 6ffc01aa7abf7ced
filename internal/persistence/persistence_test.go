package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/genome"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadGoldenSetJSON(t *testing.T) {
	path := writeFile(t, "golden.json", `[
		{"prompt": "what is 2+2?", "expected": "4", "intent": "qa", "quality_score": 0.9},
		{"prompt": "write a haiku", "intent": "summarize"}
	]`)

	set, err := LoadGoldenSet(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("loaded %d records, want 2", len(set))
	}
	if set[0].Expected != "4" || set[0].QualityScore != 0.9 {
		t.Errorf("record 0 = %+v", set[0])
	}
}

func TestLoadGoldenSetYAML(t *testing.T) {
	path := writeFile(t, "golden.yaml", `
- prompt: what is 2+2?
  expected: "4"
  intent: qa
  quality_score: 0.8
- prompt: call the weather tool
  intent: tool_call
  metadata:
    source: curated
`)

	set, err := LoadGoldenSet(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("loaded %d records, want 2", len(set))
	}
	if set[0].QualityScore != 0.8 {
		t.Errorf("quality_score = %v", set[0].QualityScore)
	}
	if set[1].Metadata["source"] != "curated" {
		t.Errorf("metadata = %+v", set[1].Metadata)
	}
}

func TestLoadGoldenSetRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty.json":      `[]`,
		"malformed.json":  `{not json`,
		"badintent.json":  `[{"prompt": "p", "intent": "poetry"}]`,
		"noprompt.json":   `[{"intent": "qa"}]`,
		"badquality.json": `[{"prompt": "p", "intent": "qa", "quality_score": 1.5}]`,
	}
	for name, content := range cases {
		path := writeFile(t, name, content)
		_, err := LoadGoldenSet(path)
		if apperr.KindOf(err) != apperr.KindGoldenSetInvalid {
			t.Errorf("%s: kind = %s, want GoldenSetInvalid", name, apperr.KindOf(err))
		}
	}

	if _, err := LoadGoldenSet(filepath.Join(t.TempDir(), "missing.json")); apperr.KindOf(err) != apperr.KindGoldenSetInvalid {
		t.Error("missing file should be GoldenSetInvalid")
	}
}

func TestHistoryAppendReadLast(t *testing.T) {
	log, err := NewHistoryLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	records := []genome.GenerationRecord{
		{Generation: 0, BestScore: 0.5, MeanScore: 0.3, BestGenomeID: "aaa", Timestamp: "2026-08-25T10:00:00Z"},
		{Generation: 1, BestScore: 0.7, MeanScore: 0.5, BestGenomeID: "bbb", Timestamp: "2026-08-25T10:01:00Z"},
	}
	for _, r := range records {
		if err := log.Append("run-1", r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := log.Read("run-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("read %d records, want 2", len(got))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Errorf("record %d = %+v, want %+v", i, got[i], records[i])
		}
	}

	last, err := log.ReadLast("run-1")
	if err != nil {
		t.Fatalf("read last: %v", err)
	}
	if last != records[1] {
		t.Errorf("last = %+v, want %+v", last, records[1])
	}
}

func TestHistoryToleratesTornTail(t *testing.T) {
	dir := t.TempDir()
	log, err := NewHistoryLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append("run-x", genome.GenerationRecord{Generation: 0, BestScore: 0.4}); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: a partial line at the end.
	f, err := os.OpenFile(filepath.Join(dir, "run-x.jsonl"), os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"generation": 1, "best_sc`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := log.Read("run-x")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Generation != 0 {
		t.Errorf("records = %+v, want only the complete one", got)
	}
}

func TestHistoryRunsListing(t *testing.T) {
	log, err := NewHistoryLog(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append("run-a", genome.GenerationRecord{}); err != nil {
		t.Fatal(err)
	}
	if err := log.Append("run-b", genome.GenerationRecord{}); err != nil {
		t.Fatal(err)
	}

	runs, err := log.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("runs = %v, want 2", runs)
	}
}
