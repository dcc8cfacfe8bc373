// Vigil - Biometric verification with a tamper-evident audit trail.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/vigil/internal/alerts"
	"github.com/opensource-finance/vigil/internal/api"
	"github.com/opensource-finance/vigil/internal/bus"
	"github.com/opensource-finance/vigil/internal/cache"
	"github.com/opensource-finance/vigil/internal/cascade"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/ledger"
	"github.com/opensource-finance/vigil/internal/matcher"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/rules"
	"github.com/opensource-finance/vigil/internal/scorer"
	"github.com/opensource-finance/vigil/internal/signature"
	"github.com/opensource-finance/vigil/internal/templates"
	"github.com/opensource-finance/vigil/internal/velocity"
	"github.com/opensource-finance/vigil/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("VIGIL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting vigil",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"fraud_policy", cfg.Fraud.Version,
		"call_sites", len(cfg.CallSites),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New(prometheus.DefaultRegisterer)
	scope := cfg.EventBus.Scope

	auditLedger := ledger.New(repo, cfg.Ledger, logger, m)

	// Refuse to serve on top of a broken chain.
	report, err := auditLedger.Verify(ctx)
	if err != nil {
		slog.Error("failed to verify audit chain", "error", err)
		os.Exit(1)
	}
	if !report.Valid {
		slog.Error("audit chain is broken, refusing to start", "broken_seq", *report.BrokenSeq, "reason", report.Reason)
		os.Exit(2)
	}
	slog.Info("audit chain verified", "entries", report.Entries)

	templateSource := templates.NewSource(repo, cacheImpl, cfg.Cache.TemplateTTL, logger)
	velocitySvc := velocity.NewService(cacheImpl, cfg.Velocity)

	biometricMatcher, err := matcher.New(cfg.Matcher)
	if err != nil {
		slog.Error("failed to initialize matcher", "error", err)
		os.Exit(1)
	}

	verifier, err := cascade.New(cascade.Options{
		Matcher:   biometricMatcher,
		Templates: templateSource,
		Sessions:  repo,
		Audit:     auditLedger,
		Velocity:  velocitySvc,
		Bus:       busImpl,
		Scope:     scope,
		Policies:  cfg.CallSites,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		slog.Error("failed to initialize verifier", "error", err)
		os.Exit(1)
	}

	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	registry := rules.NewRegistry(engine, repo, auditLedger, logger)
	if err := registry.Load(ctx); err != nil {
		slog.Error("failed to load fraud policies", "error", err)
		os.Exit(1)
	}
	active, err := registry.Bootstrap(ctx, cfg.Fraud)
	if err != nil {
		slog.Error("failed to activate fraud policy", "error", err)
		os.Exit(1)
	}
	slog.Info("fraud policy active", "version", active.Config.Version, "rules_count", len(active.Rules))

	alertManager := alerts.NewManager(repo, auditLedger, busImpl, scope, logger, m)

	fraudScorer, err := scorer.New(scorer.Options{
		Engine:    engine,
		Policies:  registry,
		Decisions: repo,
		Audit:     auditLedger,
		Alerts:    alertManager,
		Velocity:  velocitySvc,
		Sessions:  verifier,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		slog.Error("failed to initialize scorer", "error", err)
		os.Exit(1)
	}

	var entities domain.EntityResolver
	if os.Getenv("VIGIL_ENTITY_LOOKUP") == "true" {
		entities = bus.NewEntityResolver(busImpl, scope, 0)
		slog.Info("entity lookup enabled", "topic", domain.TopicEntityLookup)
	}

	workflow, err := signature.New(signature.Options{
		Sessions:   verifier,
		Scorer:     fraudScorer,
		Signatures: repo,
		Audit:      auditLedger,
		Entities:   entities,
		Bus:        busImpl,
		Scope:      scope,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		slog.Error("failed to initialize signature workflow", "error", err)
		os.Exit(1)
	}

	background := worker.NewWorker(busImpl, auditLedger, verifier, logger)
	if err := background.Start(worker.Config{
		Scope:         scope,
		SweepInterval: time.Duration(cfg.Ledger.SweepIntervalSecs) * time.Second,
		Notify:        true,
	}); err != nil {
		slog.Error("failed to start workers", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Verifier:   verifier,
		Scorer:     fraudScorer,
		Alerts:     alertManager,
		Ledger:     auditLedger,
		Policies:   registry,
		Signatures: workflow,
		Metrics:    m,
		Gatherer:   prometheus.DefaultGatherer,
		Version:    Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("vigil is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := background.Stop(); err != nil {
		slog.Error("failed to stop workers", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("vigil shutdown complete")
}

// loadConfig builds the configuration from the tier defaults, the optional
// policy file and environment overrides, then validates it.
func loadConfig() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv("VIGIL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if path := os.Getenv("VIGIL_POLICY_FILE"); path != "" {
		if err := applyPolicyFile(cfg, path); err != nil {
			return nil, err
		}
		slog.Info("policy file applied", "path", path)
	}

	if v := os.Getenv("VIGIL_DB_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("VIGIL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("VIGIL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("VIGIL_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("VIGIL_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("VIGIL_SWEEP_INTERVAL: %w", err)
		}
		cfg.Ledger.SweepIntervalSecs = int(d.Seconds())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// policyFile is the subset of the configuration a policy file may replace.
type policyFile struct {
	Matcher   *domain.MatcherConfig           `json:"matcher,omitempty"`
	CallSites map[string]domain.CascadePolicy `json:"callSites,omitempty"`
	Fraud     *domain.FraudPolicy             `json:"fraud,omitempty"`
}

func applyPolicyFile(cfg *domain.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var pf policyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("%w: policy file: %v", domain.ErrPolicyConfiguration, err)
	}

	if pf.Matcher != nil {
		cfg.Matcher = *pf.Matcher
	}
	if len(pf.CallSites) > 0 {
		cfg.CallSites = pf.CallSites
	}
	if pf.Fraud != nil {
		cfg.Fraud = *pf.Fraud
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  VIGIL")
	fmt.Println("  Biometric verification with a tamper-evident audit trail.")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Policy:   %s\n", cfg.Fraud.Version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /sessions                    - Start a verification session")
	fmt.Println("    POST /sessions/{id}/captures      - Submit a capture")
	fmt.Println("    POST /sessions/quick              - One-shot quick check")
	fmt.Println("    POST /signatures                  - Biometrically sign an action")
	fmt.Println("    POST /fraud/evaluate              - Score a session")
	fmt.Println("    GET  /fraud/alerts                - Pending fraud alerts")
	fmt.Println("    POST /fraud/alerts/{id}/resolve   - Resolve an alert")
	fmt.Println("    POST /fraud/policies              - Activate a fraud policy version")
	fmt.Println("    GET  /audit/verify                - Verify the audit chain")
	fmt.Println("    GET  /metrics                     - Prometheus metrics")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
