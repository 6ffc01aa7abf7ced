// Package bandit implements Thompson sampling over genome arms with
// Beta posteriors and periodic snapshot persistence.
package bandit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/metrics"
)

// Arm is one genome's Beta posterior plus bookkeeping.
type Arm struct {
	Alpha     float64 `json:"alpha"`
	Beta      float64 `json:"beta"`
	Pulls     int64   `json:"pulls"`
	RewardSum float64 `json:"reward_sum"`
}

// ArmStats is the read-side view served by the stats endpoint.
type ArmStats struct {
	Pulls         int64   `json:"pulls"`
	MeanReward    float64 `json:"mean_reward"`
	ExpectedValue float64 `json:"expected_value"`
}

// Bandit selects among registered genome arms by Thompson sampling.
// One lock covers the arm table; the critical sections are a handful of
// float updates, so contention stays negligible next to generator
// latency.
type Bandit struct {
	mu      sync.RWMutex
	arms    map[string]*Arm
	rng     *rand.Rand
	updates int64

	priorAlpha    float64
	priorBeta     float64
	snapshotEvery int
	snapshotPath  string
	sink          *metrics.Sink
	logger        *slog.Logger
}

// New creates a bandit and loads the snapshot at cfg's path when one
// exists.
func New(cfg config.BanditConfig, snapshotPath string, sink *metrics.Sink, logger *slog.Logger) *Bandit {
	b := &Bandit{
		arms:          make(map[string]*Arm),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		priorAlpha:    cfg.PriorAlpha,
		priorBeta:     cfg.PriorBeta,
		snapshotEvery: cfg.SnapshotEvery,
		snapshotPath:  snapshotPath,
		sink:          sink,
		logger:        logger.With("component", "bandit"),
	}
	if snapshotPath != "" {
		if err := b.load(snapshotPath); err != nil {
			if !os.IsNotExist(err) {
				b.logger.Warn("snapshot load failed, starting fresh", "path", snapshotPath, "error", err)
			}
		} else {
			b.logger.Info("snapshot loaded", "path", snapshotPath, "arms", len(b.arms))
		}
	}
	return b
}

// Seed makes arm selection deterministic. Test hook.
func (b *Bandit) Seed(seed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rand.New(rand.NewSource(seed))
}

// Register creates an arm with the configured prior if absent.
func (b *Bandit) Register(genomeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.arms[genomeID]; !ok {
		b.arms[genomeID] = &Arm{Alpha: b.priorAlpha, Beta: b.priorBeta}
	}
}

// Len reports the number of registered arms.
func (b *Bandit) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.arms)
}

// Choose samples theta from every arm's posterior and returns the
// argmax. Sampled ties break by fewer pulls, then lexicographic id.
func (b *Bandit) Choose() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.arms) == 0 {
		return "", apperr.New(apperr.KindInternal, "no arms registered")
	}

	// Iterate ids in sorted order so sampling order, and therefore the
	// draw sequence for a seeded source, is reproducible.
	best := ""
	var bestTheta float64
	var bestPulls int64
	for _, id := range sortedIDs(b.arms) {
		arm := b.arms[id]
		theta := sampleBeta(b.rng, arm.Alpha, arm.Beta)
		if best == "" ||
			theta > bestTheta ||
			(theta == bestTheta && (arm.Pulls < bestPulls || (arm.Pulls == bestPulls && id < best))) {
			best, bestTheta, bestPulls = id, theta, arm.Pulls
		}
	}
	return best, nil
}

// Update folds a reward into the arm's posterior. Rewards clamp to
// [0, 1]; unknown ids are an error.
func (b *Bandit) Update(genomeID string, reward float64) error {
	reward = min(max(reward, 0), 1)

	b.mu.Lock()
	arm, ok := b.arms[genomeID]
	if !ok {
		b.mu.Unlock()
		return apperr.Newf(apperr.KindInvalidInput, "unknown arm %q", genomeID)
	}
	arm.Alpha += reward
	arm.Beta += 1 - reward
	arm.Pulls++
	arm.RewardSum += reward
	b.updates++
	expected := arm.Alpha / (arm.Alpha + arm.Beta)
	shouldSnapshot := b.snapshotEvery > 0 && b.updates%int64(b.snapshotEvery) == 0
	b.mu.Unlock()

	b.sink.IncCounter("bandit_updates_total", map[string]string{"genome_id": genomeID})
	b.sink.SetGauge("bandit_expected_value", expected, map[string]string{"genome_id": genomeID})

	if shouldSnapshot {
		if err := b.Snapshot(); err != nil {
			b.logger.Warn("periodic snapshot failed", "error", err)
		}
	}
	return nil
}

// Stats returns the full arm table.
func (b *Bandit) Stats() map[string]ArmStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make(map[string]ArmStats, len(b.arms))
	for id, arm := range b.arms {
		s := ArmStats{
			Pulls:         arm.Pulls,
			ExpectedValue: arm.Alpha / (arm.Alpha + arm.Beta),
		}
		if arm.Pulls > 0 {
			s.MeanReward = arm.RewardSum / float64(arm.Pulls)
		}
		stats[id] = s
	}
	return stats
}

type snapshotFile struct {
	Arms    map[string]*Arm `json:"arms"`
	Updates int64           `json:"updates"`
	SavedAt string          `json:"saved_at"`
}

// Snapshot persists the arm table via write-to-temp plus atomic rename,
// so a crash mid-write never corrupts the previous snapshot.
func (b *Bandit) Snapshot() error {
	if b.snapshotPath == "" {
		return nil
	}

	b.mu.RLock()
	snap := snapshotFile{
		Arms:    make(map[string]*Arm, len(b.arms)),
		Updates: b.updates,
		SavedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for id, arm := range b.arms {
		copied := *arm
		snap.Arms[id] = &copied
	}
	b.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := b.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, b.snapshotPath)
}

func (b *Bandit) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, arm := range snap.Arms {
		b.arms[id] = arm
	}
	b.updates = snap.Updates
	return nil
}

func sortedIDs(arms map[string]*Arm) []string {
	ids := make([]string, 0, len(arms))
	for id := range arms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
