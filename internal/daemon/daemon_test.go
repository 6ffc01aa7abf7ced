package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/evolution"
	"github.com/evoprompt/evoprompt/internal/genome"
	"github.com/evoprompt/evoprompt/internal/persistence"
)

// scriptedEngine returns a fixed result and replays records through
// onRecord, like a real run would.
type scriptedEngine struct {
	result  *evolution.Result
	err     error
	records []genome.GenerationRecord
}

func (s *scriptedEngine) Run(_ context.Context, _ genome.Genome, _ []genome.GoldenExample, _ int, onRecord func(genome.GenerationRecord)) (*evolution.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, r := range s.records {
		if onRecord != nil {
			onRecord(r)
		}
	}
	return s.result, nil
}

type recordingPublisher struct {
	events []PromotionEvent
}

func (p *recordingPublisher) Publish(e PromotionEvent) error {
	p.events = append(p.events, e)
	return nil
}
func (p *recordingPublisher) Close() {}

func newTestDaemon(t *testing.T, engine optimizer, pub Publisher) *Daemon {
	t.Helper()
	dir := t.TempDir()
	goldenPath := filepath.Join(dir, "golden.json")
	golden := `[{"prompt": "what is 2+2?", "expected": "4", "intent": "qa"}]`
	if err := os.WriteFile(goldenPath, []byte(golden), 0640); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.GoldenSetPath = goldenPath
	cfg.Baseline.ModelKey = "test/m"

	history, err := persistence.NewHistoryLog(filepath.Join(dir, "history"))
	if err != nil {
		t.Fatal(err)
	}
	return New(engine, nil, history, pub, cfg, slog.Default())
}

func resultWithScore(score float64) *evolution.Result {
	g := genome.Genome{Rubric: "r", Temp: 0.3, MaxTokens: 256, ModelKey: "test/m"}
	return &evolution.Result{
		Best:       g,
		BestScore:  score,
		TopGenomes: []genome.Genome{g},
		History:    []genome.GenerationRecord{{Generation: 0, BestScore: score}},
	}
}

func TestPromotionGate(t *testing.T) {
	pub := &recordingPublisher{}
	engine := &scriptedEngine{result: resultWithScore(0.84)}
	d := newTestDaemon(t, engine, pub)
	d.SetLiveBest(0.80)

	// 0.84 against live 0.80 with delta 0.05: gate holds.
	if _, err := d.Optimize(context.Background(), 1, false); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("gate should hold at 0.84, got %d events", len(pub.events))
	}
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}

	// 0.86 clears the bar.
	engine.result = resultWithScore(0.86)
	if _, err := d.Optimize(context.Background(), 1, false); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.events))
	}
	event := pub.events[0]
	if event.BestScore != 0.86 || event.PreviousScore != 0.80 {
		t.Errorf("event = %+v", event)
	}
	if len(event.Genomes) == 0 || event.Genomes[0].GenomeID == "" {
		t.Errorf("event carries no genomes: %+v", event.Genomes)
	}
	if d.Status().LiveBest != 0.86 {
		t.Errorf("live best = %v, want 0.86 after promotion", d.Status().LiveBest)
	}
}

func TestStateMachineLifecycle(t *testing.T) {
	engine := &scriptedEngine{
		result:  resultWithScore(0.5),
		records: []genome.GenerationRecord{{Generation: 0, BestScore: 0.5}},
	}
	d := newTestDaemon(t, engine, nil)

	if d.Status().State != StateIdle {
		t.Fatalf("initial state = %s", d.Status().State)
	}
	if _, err := d.Optimize(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}
	if d.Status().State != StateDone {
		t.Errorf("state = %s, want DONE", d.Status().State)
	}

	// DONE requires reset before the next run.
	if _, err := d.Optimize(context.Background(), 1, false); apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Errorf("unreset rerun: kind = %s, want InvalidInput", apperr.KindOf(err))
	}
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if d.Status().State != StateIdle {
		t.Errorf("state after reset = %s", d.Status().State)
	}
}

func TestRunFailureEntersErrorState(t *testing.T) {
	engine := &scriptedEngine{err: apperr.New(apperr.KindGoldenSetInvalid, "bad set")}
	d := newTestDaemon(t, engine, nil)

	if _, err := d.Optimize(context.Background(), 1, false); err == nil {
		t.Fatal("expected error")
	}
	status := d.Status()
	if status.State != StateError {
		t.Errorf("state = %s, want ERROR", status.State)
	}
	if status.LastError == "" {
		t.Error("last error empty")
	}

	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	if d.Status().LastError != "" {
		t.Error("reset did not clear last error")
	}
}

func TestRecordsReachHistoryAndSubscribers(t *testing.T) {
	records := []genome.GenerationRecord{
		{Generation: 0, BestScore: 0.4, BestGenomeID: "a", Timestamp: "2026-08-25T10:00:00Z"},
		{Generation: 1, BestScore: 0.6, BestGenomeID: "b", Timestamp: "2026-08-25T10:01:00Z"},
	}
	engine := &scriptedEngine{result: resultWithScore(0.6), records: records}
	d := newTestDaemon(t, engine, nil)

	_, ch, cancel := d.Subscribe()
	defer cancel()

	if _, err := d.Optimize(context.Background(), 2, false); err != nil {
		t.Fatal(err)
	}

	for i := range records {
		got := <-ch
		if got != records[i] {
			t.Errorf("subscriber record %d = %+v, want %+v", i, got, records[i])
		}
	}

	runID := d.Status().RunID
	stored, err := d.history.Read(runID)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(stored) != 2 || stored[1] != records[1] {
		t.Errorf("history = %+v", stored)
	}
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	records := []genome.GenerationRecord{
		{Generation: 0, BestScore: 0.4, BestGenomeID: "a", Timestamp: "2026-08-25T10:00:00Z"},
		{Generation: 1, BestScore: 0.6, BestGenomeID: "b", Timestamp: "2026-08-25T10:01:00Z"},
	}
	engine := &scriptedEngine{result: resultWithScore(0.6), records: records}
	d := newTestDaemon(t, engine, nil)

	// No subscriber is attached while the records are broadcast.
	if _, err := d.Optimize(context.Background(), 2, false); err != nil {
		t.Fatal(err)
	}

	replay, _, cancel := d.Subscribe()
	defer cancel()
	if len(replay) != 2 {
		t.Fatalf("replay = %d records, want 2", len(replay))
	}
	for i := range records {
		if replay[i] != records[i] {
			t.Errorf("replay[%d] = %+v, want %+v", i, replay[i], records[i])
		}
	}

	// A new run starts a fresh replay buffer.
	if err := d.Reset(); err != nil {
		t.Fatal(err)
	}
	engine.records = records[:1]
	if _, err := d.Optimize(context.Background(), 1, false); err != nil {
		t.Fatal(err)
	}
	replay, _, cancel2 := d.Subscribe()
	defer cancel2()
	if len(replay) != 1 {
		t.Errorf("replay after new run = %d records, want 1", len(replay))
	}
}
