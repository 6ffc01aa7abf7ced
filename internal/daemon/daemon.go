// Package daemon owns the offline improvement loop: scheduled optimize
// runs, the run state machine, and the promotion gate.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/evolution"
	"github.com/evoprompt/evoprompt/internal/genome"
	"github.com/evoprompt/evoprompt/internal/persistence"
)

// State is the optimize run state machine. ERROR is reachable from any
// non-terminal state; leaving DONE or ERROR requires an explicit Reset.
type State string

const (
	StateIdle       State = "IDLE"
	StateLoading    State = "LOADING"
	StateEvaluating State = "EVALUATING"
	StateSelecting  State = "SELECTING"
	StateDone       State = "DONE"
	StateError      State = "ERROR"
)

// optimizer abstracts the evolution engine for tests.
type optimizer interface {
	Run(ctx context.Context, base genome.Genome, golden []genome.GoldenExample, generations int, onRecord func(genome.GenerationRecord)) (*evolution.Result, error)
}

// Status is the externally visible run state.
type Status struct {
	State     State   `json:"state"`
	RunID     string  `json:"run_id,omitempty"`
	LiveBest  float64 `json:"live_best_score"`
	LastError string  `json:"last_error,omitempty"`
}

// Daemon coordinates optimize runs. One run at a time; scheduled
// triggers that collide with a running or unreset state are skipped.
type Daemon struct {
	engine    optimizer
	rewriter  *evolution.RubricRewriter
	history   *persistence.HistoryLog
	publisher Publisher
	cfg       *config.Config
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	runID     string
	liveBest  float64
	lastError string
	records   []genome.GenerationRecord
	subs      map[int]chan genome.GenerationRecord
	nextSub   int

	cron   *cron.Cron
	ticker *time.Ticker
	stop   chan struct{}
}

// New builds a daemon in IDLE. rewriter may be nil; optimize requests
// asking for the pre-loop rubric rewrite then run without it.
func New(engine optimizer, rewriter *evolution.RubricRewriter, history *persistence.HistoryLog, publisher Publisher, cfg *config.Config, logger *slog.Logger) *Daemon {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	return &Daemon{
		engine:    engine,
		rewriter:  rewriter,
		history:   history,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "daemon"),
		state:     StateIdle,
		subs:      make(map[int]chan genome.GenerationRecord),
	}
}

// Status reports the current run state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{State: d.state, RunID: d.runID, LiveBest: d.liveBest, LastError: d.lastError}
}

// SetLiveBest seeds the promotion baseline, typically from the last
// promoted run at startup.
func (d *Daemon) SetLiveBest(score float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.liveBest = score
}

// Reset returns a finished run to IDLE. Resetting a run in flight is an
// error.
func (d *Daemon) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateIdle:
		return nil
	case StateDone, StateError:
		d.state = StateIdle
		d.runID = ""
		d.lastError = ""
		return nil
	default:
		return apperr.Newf(apperr.KindInvalidInput, "cannot reset while %s", d.state)
	}
}

// Optimize executes one full run. Only valid from IDLE; a finished run
// must be Reset first.
func (d *Daemon) Optimize(ctx context.Context, generations int, useRubricRewrite bool) (*evolution.Result, error) {
	d.mu.Lock()
	if d.state != StateIdle {
		state := d.state
		d.mu.Unlock()
		if state == StateLoading || state == StateEvaluating || state == StateSelecting {
			return nil, apperr.New(apperr.KindOverloaded, "optimize run already in progress")
		}
		return nil, apperr.Newf(apperr.KindInvalidInput, "run state is %s; reset before starting a new run", state)
	}
	d.state = StateLoading
	d.runID = uuid.NewString()
	d.records = nil
	runID := d.runID
	d.mu.Unlock()

	result, err := d.run(ctx, runID, generations, useRubricRewrite)
	if err != nil {
		d.mu.Lock()
		d.state = StateError
		d.lastError = err.Error()
		d.mu.Unlock()
		return nil, err
	}

	d.mu.Lock()
	d.state = StateDone
	d.mu.Unlock()
	d.gate(runID, result)
	return result, nil
}

func (d *Daemon) run(ctx context.Context, runID string, generations int, useRubricRewrite bool) (*evolution.Result, error) {
	golden, err := persistence.LoadGoldenSet(d.cfg.GoldenSetPath)
	if err != nil {
		return nil, err
	}

	base := d.cfg.Baseline.Genome()
	if useRubricRewrite && d.rewriter != nil {
		if rewritten, err := d.rewriter.RewriteOneShot(ctx, base.ModelKey, base.Rubric); err == nil && rewritten != "" {
			base.Rubric = rewritten
			d.logger.Info("base rubric rewritten before optimize", "run_id", runID)
		} else if err != nil {
			d.logger.Warn("rubric rewrite failed, using base as-is", "error", err)
		}
	}

	d.setState(StateEvaluating)
	return d.engine.Run(ctx, base, golden, generations, func(r genome.GenerationRecord) {
		d.setState(StateSelecting)
		if err := d.history.Append(runID, r); err != nil {
			d.logger.Warn("history append failed", "run_id", runID, "error", err)
		}
		d.broadcast(r)
		d.setState(StateEvaluating)
	})
}

// gate applies the promotion rule: promote when the new best beats the
// live best by at least the configured delta. Promotion only emits an
// event; consumers decide whether to act.
func (d *Daemon) gate(runID string, result *evolution.Result) {
	d.mu.Lock()
	liveBest := d.liveBest
	delta := d.cfg.Daemon.PromotionDelta
	topN := d.cfg.Daemon.PromoteTopN
	promote := result.BestScore >= liveBest+delta
	if promote {
		d.liveBest = result.BestScore
	}
	d.mu.Unlock()

	if !promote {
		d.logger.Info("promotion gate held",
			"run_id", runID,
			"best_score", result.BestScore,
			"live_best", liveBest,
			"delta", delta,
		)
		return
	}

	genomes := result.TopGenomes
	if len(genomes) > topN {
		genomes = genomes[:topN]
	}
	wire := make([]genome.Wire, len(genomes))
	for i, g := range genomes {
		wire[i] = g.ToWire()
	}
	event := PromotionEvent{
		RunID:         runID,
		BestScore:     result.BestScore,
		PreviousScore: liveBest,
		Genomes:       wire,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if err := d.publisher.Publish(event); err != nil {
		d.logger.Warn("promotion event publish failed", "run_id", runID, "error", err)
		return
	}
	d.logger.Info("promotion event emitted",
		"run_id", runID,
		"best_score", result.BestScore,
		"genomes", len(wire),
	)
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Subscribe registers a progress listener. The returned slice replays
// the current run's records so far, so a listener attaching mid-run
// misses nothing; the channel then delivers each new record. The
// returned func unsubscribes.
func (d *Daemon) Subscribe() ([]genome.GenerationRecord, <-chan genome.GenerationRecord, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextSub
	d.nextSub++
	ch := make(chan genome.GenerationRecord, 16)
	d.subs[id] = ch
	replay := make([]genome.GenerationRecord, len(d.records))
	copy(replay, d.records)
	return replay, ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
	}
}

func (d *Daemon) broadcast(r genome.GenerationRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, r)
	for _, ch := range d.subs {
		select {
		case ch <- r:
		default:
			// Slow subscriber; drop rather than stall the run.
		}
	}
}

// Start launches the configured schedule. No-op when the daemon is
// disabled.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.cfg.Daemon.Enabled {
		return nil
	}

	trigger := func() {
		if _, err := d.Optimize(ctx, d.cfg.Population.Generations, false); err != nil {
			if apperr.KindOf(err) == apperr.KindOverloaded {
				d.logger.Info("scheduled run skipped, one already in progress")
				return
			}
			d.logger.Warn("scheduled run failed", "error", err)
			// Leave the daemon schedulable; operators inspect ERROR
			// state through /health and reset explicitly.
			_ = d.Reset()
		}
	}

	switch d.cfg.Daemon.ScheduleKind {
	case "cron":
		d.cron = cron.New()
		if _, err := d.cron.AddFunc(d.cfg.Daemon.CronExpr, trigger); err != nil {
			return apperr.Wrap(apperr.KindInvalidInput, "invalid cron expression", err)
		}
		d.cron.Start()
		d.logger.Info("daemon scheduled", "cron", d.cfg.Daemon.CronExpr)
	default:
		d.ticker = time.NewTicker(time.Duration(d.cfg.Daemon.IntervalMs) * time.Millisecond)
		d.stop = make(chan struct{})
		go func() {
			for {
				select {
				case <-d.ticker.C:
					trigger()
				case <-d.stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		d.logger.Info("daemon scheduled", "interval_ms", d.cfg.Daemon.IntervalMs)
	}
	return nil
}

// Stop halts the schedule. In-flight runs finish on their own.
func (d *Daemon) Stop() {
	if d.cron != nil {
		d.cron.Stop()
	}
	if d.ticker != nil {
		d.ticker.Stop()
		close(d.stop)
	}
	d.publisher.Close()
}
