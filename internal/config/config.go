// Package config holds all EvoPrompt configuration: the JSON service
// config and the TOML model catalog. Unknown options are rejected at
// startup.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/evoprompt/evoprompt/internal/genome"
)

// Config is the root service configuration.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Population PopulationConfig `json:"population"`
	Fitness    FitnessConfig    `json:"fitness"`
	Executor   ExecutorConfig   `json:"executor"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Cache      CacheConfig      `json:"cache"`
	Bandit     BanditConfig     `json:"bandit"`
	Daemon     DaemonConfig     `json:"daemon"`
	Events     EventsConfig     `json:"events"`
	Baseline   BaselineConfig   `json:"baseline"`

	// Providers maps provider names to OpenAI-compatible endpoints.
	Providers map[string]ProviderConfig `json:"providers,omitempty"`

	// ModelsPath points at the TOML model catalog (the model_key allow-list).
	ModelsPath string `json:"modelsPath"`
	// GoldenSetPath is the default golden set file for optimize runs.
	GoldenSetPath string `json:"goldenSetPath"`
	// HistoryDir receives one JSONL history log per optimize run.
	HistoryDir string `json:"historyDir"`
	// BanditSnapshotPath is where the arm table persists.
	BanditSnapshotPath string `json:"banditSnapshotPath"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
}

// PopulationConfig controls the evolutionary loop.
type PopulationConfig struct {
	Size          int     `json:"size"`
	Generations   int     `json:"generations"`
	CrossoverProb float64 `json:"crossoverProb"`
	EarlyStop     float64 `json:"earlyStop"`
	EvalWorkers   int     `json:"evalWorkers"`
	RNGSeed       int64   `json:"rngSeed,omitempty"`
}

// Elite returns the elitism count e = max(1, P/6).
func (p PopulationConfig) Elite() int {
	e := p.Size / 6
	if e < 1 {
		e = 1
	}
	return e
}

// Tournament returns the tournament size t = max(2, P/4).
func (p PopulationConfig) Tournament() int {
	t := p.Size / 4
	if t < 2 {
		t = 2
	}
	return t
}

// FitnessConfig holds the penalty weights of the fitness formula.
type FitnessConfig struct {
	WLatency float64 `json:"wLatency"`
	WTokens  float64 `json:"wTokens"`
	WRepairs float64 `json:"wRepairs"`
	WCost    float64 `json:"wCost"`
}

type ExecutorConfig struct {
	TimeoutMs       int64   `json:"timeoutMs"`
	MaxRepairs      int     `json:"maxRepairs"`
	RetryScheduleMs []int64 `json:"retryScheduleMs"`
	ContextBudget   int     `json:"contextBudget"`
}

type RetrievalConfig struct {
	DBPath          string `json:"dbPath"`
	FanoutTimeoutMs int64  `json:"fanoutTimeoutMs"`
	RRFConstant     int    `json:"rrfConstant"`
	RerankBatch     int    `json:"rerankBatch"`
	MaxInFlight     int64  `json:"maxInFlight"`
	EmbedDims       int    `json:"embedDims"`
}

type CacheConfig struct {
	TTLSeconds int `json:"ttlSeconds"`
	MaxEntries int `json:"maxEntries"`
}

type BanditConfig struct {
	SnapshotEvery int     `json:"snapshotEvery"`
	PriorAlpha    float64 `json:"priorAlpha"`
	PriorBeta     float64 `json:"priorBeta"`
}

// DaemonConfig schedules offline improvement runs.
type DaemonConfig struct {
	Enabled        bool    `json:"enabled"`
	ScheduleKind   string  `json:"scheduleKind"` // "interval" or "cron"
	IntervalMs     int64   `json:"intervalMs,omitempty"`
	CronExpr       string  `json:"cronExpr,omitempty"`
	PromotionDelta float64 `json:"promotionDelta"`
	PromoteTopN    int     `json:"promoteTopN"`
}

// BaselineConfig is the base genome seeding optimize runs and the cold
// start arm for the router.
type BaselineConfig struct {
	Rubric        string  `json:"rubric"`
	CoT           bool    `json:"cot"`
	Temp          float64 `json:"temp"`
	MaxTokens     int     `json:"maxTokens"`
	RetrieverTopK int     `json:"retrieverTopk"`
	UseConsensus  bool    `json:"useConsensus"`
	ModelKey      string  `json:"modelKey"`
}

// Genome materializes the baseline as a genome value.
func (b BaselineConfig) Genome() genome.Genome {
	return genome.Genome{
		Rubric:        b.Rubric,
		CoT:           b.CoT,
		Temp:          b.Temp,
		MaxTokens:     b.MaxTokens,
		RetrieverTopK: b.RetrieverTopK,
		UseConsensus:  b.UseConsensus,
		ModelKey:      b.ModelKey,
	}
}

// EventsConfig configures the promotion event bus.
type EventsConfig struct {
	MQTT MQTTConfig `json:"mqtt"`
}

type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"brokerUrl,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Topic     string `json:"topic,omitempty"`
}

// ProviderConfig points a provider name at an OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey,omitempty"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8460,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Population: PopulationConfig{
			Size:          12,
			Generations:   10,
			CrossoverProb: 0.5,
			EarlyStop:     0.95,
			EvalWorkers:   8,
		},
		Fitness: FitnessConfig{
			WLatency: 1e-3,
			WTokens:  5e-4,
			WRepairs: 0.2,
			WCost:    0.5,
		},
		Executor: ExecutorConfig{
			TimeoutMs:       30000,
			MaxRepairs:      2,
			RetryScheduleMs: []int64{100, 300, 900},
			ContextBudget:   500,
		},
		Retrieval: RetrievalConfig{
			DBPath:          "data/retrieval.db",
			FanoutTimeoutMs: 800,
			RRFConstant:     60,
			RerankBatch:     32,
			MaxInFlight:     64,
			EmbedDims:       64,
		},
		Cache: CacheConfig{
			TTLSeconds: 600,
			MaxEntries: 10000,
		},
		Bandit: BanditConfig{
			SnapshotEvery: 100,
			PriorAlpha:    1,
			PriorBeta:     1,
		},
		Daemon: DaemonConfig{
			Enabled:        false,
			ScheduleKind:   "interval",
			IntervalMs:     3600_000,
			PromotionDelta: 0.05,
			PromoteTopN:    3,
		},
		Baseline: BaselineConfig{
			Rubric:    "You are a helpful, precise assistant. Answer the task directly.",
			Temp:      0.3,
			MaxTokens: 1024,
		},
		ModelsPath:         "models.toml",
		GoldenSetPath:      "golden.json",
		HistoryDir:         "data/history",
		BanditSnapshotPath: "data/bandit/snapshot.json",
	}
}

// Load reads config from a JSON file. Unknown fields are a startup error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// Validate enforces ranges on the enumerated options.
func (c *Config) Validate() error {
	if c.Population.Size < 4 || c.Population.Size > 64 {
		return fmt.Errorf("population.size %d out of range [4, 64]", c.Population.Size)
	}
	if c.Population.Generations < 1 {
		return fmt.Errorf("population.generations must be positive")
	}
	if c.Population.CrossoverProb < 0 || c.Population.CrossoverProb > 1 {
		return fmt.Errorf("population.crossoverProb out of range [0, 1]")
	}
	if c.Population.EvalWorkers < 1 {
		return fmt.Errorf("population.evalWorkers must be positive")
	}
	if c.Executor.MaxRepairs < 0 {
		return fmt.Errorf("executor.maxRepairs negative")
	}
	if c.Bandit.PriorAlpha < 1 || c.Bandit.PriorBeta < 1 {
		return fmt.Errorf("bandit prior must be at least (1, 1)")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.maxEntries must be positive")
	}
	if c.Retrieval.MaxInFlight < 1 {
		return fmt.Errorf("retrieval.maxInFlight must be positive")
	}
	switch c.Daemon.ScheduleKind {
	case "interval":
		if c.Daemon.Enabled && c.Daemon.IntervalMs <= 0 {
			return fmt.Errorf("daemon.intervalMs must be positive")
		}
	case "cron":
		if c.Daemon.Enabled && c.Daemon.CronExpr == "" {
			return fmt.Errorf("daemon.cronExpr required")
		}
	default:
		return fmt.Errorf("unknown daemon.scheduleKind: %s (use interval or cron)", c.Daemon.ScheduleKind)
	}
	return nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}
