package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentria-Labs/sentria/pkg/archive"
	"github.com/Sentria-Labs/sentria/pkg/audit"
	"github.com/Sentria-Labs/sentria/pkg/bus"
	"github.com/Sentria-Labs/sentria/pkg/config"
	"github.com/Sentria-Labs/sentria/pkg/dedup"
	"github.com/Sentria-Labs/sentria/pkg/ingest"
	"github.com/Sentria-Labs/sentria/pkg/intel"
	"github.com/Sentria-Labs/sentria/pkg/intel/providers"
	"github.com/Sentria-Labs/sentria/pkg/normalize"
	"github.com/Sentria-Labs/sentria/pkg/observability"
	"github.com/Sentria-Labs/sentria/pkg/retry"
	"github.com/Sentria-Labs/sentria/pkg/rules"
	"github.com/Sentria-Labs/sentria/pkg/scoring"
	"github.com/Sentria-Labs/sentria/pkg/store"
	"github.com/Sentria-Labs/sentria/pkg/triage"
	"github.com/Sentria-Labs/sentria/pkg/util/resiliency"
)

// drainGrace bounds how long shutdown waits for in-flight work.
const drainGrace = 30 * time.Second

func runServer(_, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%sconfig error:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	log := newLogger(cfg)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, log); err != nil {
		log.Error("server failed", "err", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	obs, err := newObservability(ctx, cfg)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}

	auditLog := audit.NewLogger()

	arch, err := archive.NewFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	repos, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() {
		if err := repos.Close(); err != nil {
			log.Warn("store close failed", "err", err)
		}
	}()

	b, err := newBus(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	aggregator := newAggregator(cfg, log)

	engine, err := scoring.New(scoring.Weights{
		Severity:         cfg.RiskWeights.Severity,
		ThreatIntel:      cfg.RiskWeights.ThreatIntel,
		AssetCriticality: cfg.RiskWeights.AssetCriticality,
		Exploitability:   cfg.RiskWeights.Exploitability,
	}, cfg.RiskThresholds)
	if err != nil {
		return fmt.Errorf("scoring: %w", err)
	}

	ruleEngine, err := rules.Load(cfg.RulesPath, log)
	if err != nil {
		return err
	}
	if ruleEngine.Len() > 0 {
		log.Info("rules loaded", "path", cfg.RulesPath, "count", ruleEngine.Len())
	}

	deduper, err := newDeduper(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}

	svc, err := ingest.NewService(ingest.Config{
		Bus:           b,
		Registry:      normalize.NewRegistry(log),
		Rules:         ruleEngine,
		Deduper:       deduper,
		Archive:       arch,
		Audit:         auditLog,
		Obs:           obs,
		Log:           log,
		Window:        cfg.AggregationWindow,
		WindowMaxSize: cfg.AggregationMaxSize,
	})
	if err != nil {
		return err
	}

	coord, err := triage.NewCoordinator(triage.Config{
		Bus:             b,
		Intel:           aggregator,
		Scorer:          engine,
		Repos:           repos,
		Audit:           auditLog,
		Obs:             obs,
		Log:             log,
		Budget:          cfg.TriageBudget,
		HistoryLookback: cfg.DedupLookback,
	})
	if err != nil {
		return err
	}

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}
	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("start triage: %w", err)
	}
	log.Info("pipeline running",
		"bus", cfg.BusBackend, "store", cfg.StoreBackend,
		"dedup", cfg.DedupBackend, "intel_sources", aggregator.Sources())

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	svc.Close(drainCtx)
	if err := b.Close(drainCtx); err != nil {
		log.Warn("bus close failed", "err", err)
	}
	if err := obs.Shutdown(drainCtx); err != nil {
		log.Warn("observability shutdown failed", "err", err)
	}
	log.Info("shutdown complete")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	ocfg := observability.DefaultConfig()
	ocfg.ServiceVersion = version
	ocfg.Enabled = cfg.OTLPEndpoint != ""
	if cfg.OTLPEndpoint != "" {
		ocfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	return observability.New(ctx, ocfg)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repositories, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory().Repositories(), nil
	case "sqlite":
		s, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return store.Repositories{}, err
		}
		return s.Repositories(), nil
	case "postgres":
		s, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return store.Repositories{}, err
		}
		return s.Repositories(), nil
	default:
		return store.Repositories{}, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func newBus(ctx context.Context, cfg *config.Config, log *slog.Logger) (bus.Bus, error) {
	if cfg.BusBackend == "memory" {
		return bus.NewMemoryBus(cfg.MQPrefetch, retry.DefaultPolicy(), log), nil
	}
	rb := bus.NewRedisBus(bus.RedisConfig{
		Addr:     cfg.RedisAddr,
		Prefetch: cfg.MQPrefetch,
	}, retry.DefaultPolicy(), log)
	if err := rb.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
	}
	return rb, nil
}

func newDeduper(ctx context.Context, cfg *config.Config) (*dedup.Deduper, error) {
	if cfg.DedupBackend == "redis" {
		rs := dedup.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
		}
		return dedup.New(rs, cfg.DedupLookback), nil
	}
	return dedup.New(dedup.NewMemoryStore(cfg.DedupCapacity), cfg.DedupLookback), nil
}

// newAggregator builds the provider fan-out. Providers without an API
// key run in mock mode: they keep the fan-out alive so triage never
// blocks in development, but their answers count toward neither
// confidence nor the aggregate score.
func newAggregator(cfg *config.Config, log *slog.Logger) *intel.Aggregator {
	client := resiliency.NewClient(resiliencyConfig(cfg))

	vt := providers.NewVirusTotal(cfg.VirusTotalAPIKey, client)
	otx := providers.NewOTX(cfg.OTXAPIKey, client)
	abuse := providers.NewAbuseCh(cfg.AbuseChAPIKey, client)
	for _, p := range []interface {
		SetTimeout(time.Duration)
		SetCacheTTL(time.Duration)
	}{vt, otx, abuse} {
		p.SetTimeout(cfg.IntelRequestTimeout)
		p.SetCacheTTL(cfg.IntelCacheTTL)
	}
	return intel.NewAggregator(log, vt, otx, abuse)
}

func resiliencyConfig(cfg *config.Config) resiliency.Config {
	rc := resiliency.DefaultConfig()
	if cfg.IntelRequestTimeout > 0 {
		rc.RequestTimeout = cfg.IntelRequestTimeout
	}
	return rc
}
