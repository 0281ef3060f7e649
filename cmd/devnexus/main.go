// Command devnexus runs the impact-analysis orchestrator daemon: the A2A
// HTTP surface, the task worker pool, and the retention cleanup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-isatty"

	"github.com/patelmm79/dev-nexus/internal/audit"
	"github.com/patelmm79/dev-nexus/internal/bus"
	"github.com/patelmm79/dev-nexus/internal/config"
	"github.com/patelmm79/dev-nexus/internal/cron"
	"github.com/patelmm79/dev-nexus/internal/depgraph"
	"github.com/patelmm79/dev-nexus/internal/gateway"
	"github.com/patelmm79/dev-nexus/internal/issues"
	otelpkg "github.com/patelmm79/dev-nexus/internal/otel"
	"github.com/patelmm79/dev-nexus/internal/peer"
	"github.com/patelmm79/dev-nexus/internal/skill"
	"github.com/patelmm79/dev-nexus/internal/skills"
	"github.com/patelmm79/dev-nexus/internal/taskstore"
	"github.com/patelmm79/dev-nexus/internal/telemetry"
	"github.com/patelmm79/dev-nexus/internal/triage"
	"github.com/patelmm79/dev-nexus/internal/worker"
	"github.com/patelmm79/dev-nexus/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "1.0.0-dev"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $DEVNEXUS_HOME/config.yaml)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "devnexus:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	home, err := config.HomeDir()
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = filepath.Join(home, "config.yaml")
	}
	cfg, err := config.LoadFile(configPath, home)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Agent.Version == "" {
		cfg.Agent.Version = Version
	}

	logger, logLevel, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintf(os.Stderr, "devnexus %s listening on %s (data dir %s)\n",
			cfg.Agent.Version, cfg.BindAddr, cfg.HomeDir)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	defer func() { _ = audit.Close() }()

	tel, err := otelpkg.Setup(ctx, cfg.OTel, cfg.Agent.Version)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	eventBus := bus.New(logger)
	metrics, err := otelpkg.NewMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	go metrics.ObserveBus(ctx, eventBus)

	// Storage: PostgreSQL in production, in-memory for local development.
	var store taskstore.Store
	var graph depgraph.Graph
	switch cfg.DB.Driver {
	case "postgres":
		db, err := sqlx.Open("postgres", cfg.DB.DSN())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if cfg.DB.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
		}
		pgStore := taskstore.NewPGStore(db, eventBus, logger)
		if err := pgStore.InitSchema(ctx); err != nil {
			return err
		}
		pgGraph := depgraph.NewPGGraph(db)
		if err := pgGraph.InitSchema(ctx); err != nil {
			return err
		}
		store, graph = pgStore, pgGraph
	default:
		logger.Warn("using in-memory storage; tasks will not survive restarts")
		store, graph = taskstore.NewMemStore(eventBus, logger), depgraph.NewMemGraph()
	}

	peers := peer.NewRegistry()
	for name, p := range cfg.Peers {
		peers.Register(peer.NewClient(name, p.URL, p.Token, logger))
		logger.Info("peer registered", "name", name, "url", p.URL)
	}

	analyzer := triage.RuleAnalyzer{}
	issueBackend := &issues.LogBackend{Logger: logger}

	flow := &workflow.ImpactAnalysis{
		Graph:    graph,
		Peers:    peers,
		Analyzer: analyzer,
		Issues:   issueBackend,
		Store:    store,
		Bus:      eventBus,
		Logger:   logger,
	}

	registry := skill.NewRegistry()
	for _, reg := range []struct {
		s         skill.Skill
		protected bool
	}{
		{skills.NewChangeNotification(store, logger), true},
		{skills.NewImpactQuery(graph, logger), false},
		{skills.NewDependenciesQuery(graph, logger), false},
		{skills.NewStatusQuery(store), false},
		{skills.NewConsumerTriage(graph, analyzer, logger), true},
		{skills.NewTemplateTriage(graph, analyzer, logger), true},
		{skills.NewAddRelationship(graph, logger), true},
	} {
		if err := registry.Register(reg.s, reg.protected); err != nil {
			return fmt.Errorf("register skill: %w", err)
		}
	}
	logger.Info("skills registered", "count", registry.Len())

	pool := worker.NewPool(worker.Config{
		Store:        store,
		Logger:       logger,
		Tracer:       tel.Tracer,
		Count:        cfg.Worker.Count,
		PollInterval: cfg.Worker.PollInterval(),
		RecoverStale: cfg.Worker.RecoverStale,
	})
	pool.Register(workflow.TaskTypeImpactAnalysis, flow.Handle)
	pool.Start(ctx)
	defer pool.Stop()

	cleaner, err := cron.NewScheduler(cron.Config{
		Store:     store,
		Logger:    logger,
		Schedule:  cfg.Cleanup.Schedule,
		Retention: cfg.Cleanup.Retention(),
	})
	if err != nil {
		return fmt.Errorf("init cleanup scheduler: %w", err)
	}
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// The only knob applied live is the log level; everything else (workers,
	// peers, auth) is wired at startup and needs a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.LoadFile(configPath, home)
				if err != nil {
					logger.Warn("config reload failed; keeping current settings", "error", err)
					continue
				}
				logLevel.Set(telemetry.ParseLevel(fresh.LogLevel))
				logger.Info("config.yaml changed; log level applied, restart for the rest",
					"log_level", fresh.LogLevel)
			}
		}()
	}

	server := gateway.New(gateway.Config{
		Registry:          registry,
		Store:             store,
		Peers:             peers,
		Agent:             cfg.Agent,
		CORS:              cfg.CORS,
		AuthToken:         cfg.AuthToken,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.BindAddr, "agent_url", cfg.Agent.URL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return nil
}
