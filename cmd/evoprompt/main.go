package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/evoprompt/evoprompt/internal/api"
	"github.com/evoprompt/evoprompt/internal/bandit"
	"github.com/evoprompt/evoprompt/internal/config"
	"github.com/evoprompt/evoprompt/internal/daemon"
	"github.com/evoprompt/evoprompt/internal/evolution"
	"github.com/evoprompt/evoprompt/internal/executor"
	"github.com/evoprompt/evoprompt/internal/fitness"
	"github.com/evoprompt/evoprompt/internal/metrics"
	"github.com/evoprompt/evoprompt/internal/models"
	"github.com/evoprompt/evoprompt/internal/persistence"
	"github.com/evoprompt/evoprompt/internal/retrieval"
	"github.com/evoprompt/evoprompt/internal/router"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *retrieval.SQLiteStore
	RAG       *retrieval.Service
	Bandit    *bandit.Bandit
	Router    *router.Router
	Daemon    *daemon.Daemon
	APIServer *api.Server

	apiContext context.Context
	apiCancel  context.CancelFunc
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("evoprompt", flag.ExitOnError)
	configPath := fs.String("config", "evoprompt.json", "Path to config file")
	dryRun := fs.Bool("dry-run", false, "Use the stub generator instead of live model endpoints")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("EvoPrompt v%s (built %s)\n", version, buildTime)
		fmt.Println("Evolutionary prompt optimizer with hybrid retrieval")
		return 0
	}

	app, err := setup(*configPath, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	app.Logger.Info("evoprompt ready",
		"version", version,
		"api", fmt.Sprintf("http://localhost:%d", app.Config.Server.Port),
		"dry_run", *dryRun,
	)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components.
func setup(configPath string, dryRun bool) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	app.Logger.Info("starting EvoPrompt", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	logger := app.Logger
	sink := metrics.NewSink()

	catalog, modelKeys, err := loadCatalog(cfg, dryRun, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Baseline.ModelKey == "" {
		cfg.Baseline.ModelKey = modelKeys[0]
		logger.Info("baseline model defaulted from catalog", "model_key", cfg.Baseline.ModelKey)
	}

	// Retrieval stack: sqlite store, hybrid retriever, cached facade.
	if err := os.MkdirAll(filepath.Dir(cfg.Retrieval.DBPath), 0750); err != nil {
		return nil, fmt.Errorf("create retrieval dir: %w", err)
	}
	embedder := retrieval.NewHashEmbedder(cfg.Retrieval.EmbedDims)
	store, err := retrieval.NewSQLiteStore(cfg.Retrieval.DBPath, embedder)
	if err != nil {
		return nil, fmt.Errorf("open retrieval store: %w", err)
	}
	app.Store = store
	hybrid := retrieval.NewHybridRetriever(store, embedder, retrieval.NewOverlapReranker(cfg.Retrieval.RerankBatch), cfg.Retrieval, logger)
	app.RAG = retrieval.NewService(hybrid, store, cfg.Cache, cfg.Retrieval, sink, logger)

	// Generation and evaluation.
	var generator models.Generator
	if dryRun {
		logger.Warn("dry run: responses come from the stub generator")
		generator = models.NewStubGenerator()
	} else {
		generator = models.NewOpenAIGenerator(catalog, cfg.Providers, logger)
	}
	exec := executor.New(generator, app.RAG, sink, cfg.Executor, logger)
	agg := fitness.NewAggregator(cfg.Fitness)

	rewriter := evolution.NewRubricRewriter(generator)
	ops := evolution.NewOperators(modelKeys, rewriter)
	engine := evolution.NewEngine(exec, agg, ops, cfg.Population, sink, logger)

	// Serving path.
	if err := os.MkdirAll(filepath.Dir(cfg.BanditSnapshotPath), 0750); err != nil {
		return nil, fmt.Errorf("create bandit dir: %w", err)
	}
	app.Bandit = bandit.New(cfg.Bandit, cfg.BanditSnapshotPath, sink, logger)
	app.Router = router.New(exec, app.Bandit, agg, cfg.Baseline.Genome(), sink, logger)

	// Offline improvement loop.
	history, err := persistence.NewHistoryLog(cfg.HistoryDir)
	if err != nil {
		return nil, fmt.Errorf("open history log: %w", err)
	}
	var publisher daemon.Publisher
	if cfg.Events.MQTT.Enabled {
		publisher, err = daemon.NewMQTTPublisher(cfg.Events.MQTT, logger)
		if err != nil {
			return nil, fmt.Errorf("connect mqtt: %w", err)
		}
	}
	app.Daemon = daemon.New(engine, rewriter, history, publisher, cfg, logger)

	app.APIServer = api.NewServer(cfg.Server.Port, app.Daemon, app.RAG, app.Bandit, app.Router, sink, logger)
	return app, nil
}

// loadConfig loads configuration from file or creates the default.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// loadCatalog reads the model allow-list. A dry run tolerates a missing
// catalog by synthesizing a single stub key.
func loadCatalog(cfg *config.Config, dryRun bool, logger *slog.Logger) (*config.Catalog, []string, error) {
	catalog, err := config.LoadCatalog(cfg.ModelsPath)
	if err != nil {
		if dryRun {
			key := cfg.Baseline.ModelKey
			if key == "" {
				key = "stub/echo"
			}
			logger.Warn("model catalog unavailable, dry run continues with stub key",
				"path", cfg.ModelsPath, "model_key", key, "error", err)
			return &config.Catalog{Models: map[string]config.ModelEntry{key: {Provider: "stub"}}}, []string{key}, nil
		}
		return nil, nil, fmt.Errorf("load model catalog: %w", err)
	}
	keys := catalog.Keys()
	sort.Strings(keys)
	logger.Info("model catalog loaded", "path", cfg.ModelsPath, "models", len(keys))
	return catalog, keys, nil
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startServices starts the daemon schedule and the API server.
func startServices(app *App) error {
	app.apiContext, app.apiCancel = context.WithCancel(context.Background())

	if err := app.Daemon.Start(app.apiContext); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	go func() {
		if err := app.APIServer.Start(app.apiContext); err != nil {
			app.Logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// waitForShutdown blocks on SIGINT/SIGTERM and tears down gracefully.
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	app.Logger.Info("shutdown signal received", "signal", sig)

	if app.apiCancel != nil {
		app.apiCancel()
	}
	app.Daemon.Stop()

	app.Logger.Info("saving state...")
	if err := app.Bandit.Snapshot(); err != nil {
		app.Logger.Error("failed to snapshot bandit", "error", err)
	}
	if err := app.Store.Close(); err != nil {
		app.Logger.Error("failed to close retrieval store", "error", err)
	}

	app.Logger.Info("EvoPrompt stopped")
	return nil
}
