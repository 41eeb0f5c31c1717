// Package config loads the pipeline configuration from environment
// variables. Every knob has a default that yields a working single-node
// deployment with no external services: memory bus, sqlite store, local
// dedup cache, mock intel providers.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/domain"
)

// Config holds every tunable of the pipeline.
type Config struct {
	// Dedup and aggregation (C3).
	DedupCapacity      int
	DedupLookback      time.Duration
	DedupBackend       string // local | redis
	AggregationWindow  time.Duration
	AggregationMaxSize int

	// Intel (C4, C5).
	IntelCacheTTL       time.Duration
	IntelRequestTimeout time.Duration
	VirusTotalAPIKey    string
	OTXAPIKey           string
	AbuseChAPIKey       string

	// Triage (C7).
	TriageBudget time.Duration

	// Fabric (C8).
	BusBackend string // memory | redis
	RedisAddr  string
	MQPrefetch int

	// Scoring (C6).
	RiskWeights    RiskWeights
	RiskThresholds domain.Thresholds

	// Stores.
	StoreBackend string // sqlite | postgres | memory
	SQLitePath   string
	DatabaseURL  string

	// Rules and archive.
	RulesPath      string
	DataDir        string
	ArchiveBackend string // fs | s3 | gcs
	ArchiveSealKey string // hex, 32 bytes; empty disables sealing

	// Ambient.
	LogLevel     string
	LogFormat    string // json | text
	OTLPEndpoint string
}

// RiskWeights mirrors scoring.Weights at the config boundary so weight
// sanity is checked before the engine is built.
type RiskWeights struct {
	Severity         float64
	ThreatIntel      float64
	AssetCriticality float64
	Exploitability   float64
}

// Sum returns the weight total; it must be 1.0 within 1e-9.
func (w RiskWeights) Sum() float64 {
	return w.Severity + w.ThreatIntel + w.AssetCriticality + w.Exploitability
}

// Load reads the environment. It returns an error only for values that
// cannot be interpreted; absent keys fall back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DedupCapacity:      10000,
		DedupLookback:      24 * time.Hour,
		DedupBackend:       "local",
		AggregationWindow:  30 * time.Second,
		AggregationMaxSize: 100,

		IntelCacheTTL:       24 * time.Hour,
		IntelRequestTimeout: 30 * time.Second,
		VirusTotalAPIKey:    os.Getenv("PROVIDER_VIRUSTOTAL_API_KEY"),
		OTXAPIKey:           os.Getenv("PROVIDER_OTX_API_KEY"),
		AbuseChAPIKey:       os.Getenv("PROVIDER_ABUSECH_API_KEY"),

		TriageBudget: 120 * time.Second,

		BusBackend: "memory",
		RedisAddr:  "localhost:6379",
		MQPrefetch: 50,

		RiskWeights:    RiskWeights{Severity: 0.30, ThreatIntel: 0.30, AssetCriticality: 0.20, Exploitability: 0.20},
		RiskThresholds: domain.DefaultThresholds(),

		StoreBackend: "sqlite",
		SQLitePath:   "data/sentria.db",
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		RulesPath:      os.Getenv("RULES_PATH"),
		DataDir:        "data",
		ArchiveBackend: "fs",
		ArchiveSealKey: os.Getenv("ARCHIVE_SEAL_KEY"),

		LogLevel:     "info",
		LogFormat:    "json",
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.DedupCapacity, err = intVar("DEDUP_CAPACITY", cfg.DedupCapacity); err != nil {
		return nil, err
	}
	if cfg.DedupLookback, err = durationVar("DEDUP_LOOKBACK", cfg.DedupLookback); err != nil {
		return nil, err
	}
	if cfg.AggregationWindow, err = durationVar("AGGREGATION_WINDOW", cfg.AggregationWindow); err != nil {
		return nil, err
	}
	if cfg.AggregationMaxSize, err = intVar("AGGREGATION_MAX_SIZE", cfg.AggregationMaxSize); err != nil {
		return nil, err
	}
	if cfg.IntelCacheTTL, err = durationVar("INTEL_CACHE_TTL", cfg.IntelCacheTTL); err != nil {
		return nil, err
	}
	if cfg.IntelRequestTimeout, err = durationVar("INTEL_REQUEST_TIMEOUT", cfg.IntelRequestTimeout); err != nil {
		return nil, err
	}
	if cfg.TriageBudget, err = durationVar("TRIAGE_BUDGET", cfg.TriageBudget); err != nil {
		return nil, err
	}
	if cfg.MQPrefetch, err = intVar("MQ_PREFETCH", cfg.MQPrefetch); err != nil {
		return nil, err
	}

	cfg.DedupBackend = stringVar("DEDUP_BACKEND", cfg.DedupBackend)
	cfg.BusBackend = stringVar("BUS_BACKEND", cfg.BusBackend)
	cfg.RedisAddr = stringVar("REDIS_ADDR", cfg.RedisAddr)
	cfg.StoreBackend = stringVar("STORE_BACKEND", cfg.StoreBackend)
	cfg.SQLitePath = stringVar("SQLITE_PATH", cfg.SQLitePath)
	cfg.DataDir = stringVar("DATA_DIR", cfg.DataDir)
	cfg.ArchiveBackend = stringVar("ARCHIVE_STORAGE_TYPE", cfg.ArchiveBackend)
	cfg.LogLevel = stringVar("SENTRIA_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = stringVar("SENTRIA_LOG_FORMAT", cfg.LogFormat)

	if cfg.RiskWeights, err = weightsVar("RISK_WEIGHTS", cfg.RiskWeights); err != nil {
		return nil, err
	}
	if cfg.RiskThresholds, err = thresholdsVar("RISK_THRESHOLDS", cfg.RiskThresholds); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if math.Abs(c.RiskWeights.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("config: RISK_WEIGHTS must sum to 1.0, got %g", c.RiskWeights.Sum())
	}
	t := c.RiskThresholds
	if !(t.Critical > t.High && t.High > t.Medium && t.Medium > t.Low && t.Low > 0) {
		return fmt.Errorf("config: RISK_THRESHOLDS must be strictly descending and positive, got %d,%d,%d,%d",
			t.Critical, t.High, t.Medium, t.Low)
	}
	switch c.BusBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown BUS_BACKEND %q", c.BusBackend)
	}
	switch c.DedupBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("config: unknown DEDUP_BACKEND %q", c.DedupBackend)
	}
	switch c.StoreBackend {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: STORE_BACKEND=postgres requires DATABASE_URL")
	}
	return nil
}

func stringVar(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intVar(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func durationVar(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

// weightsVar parses "severity,intel,asset,exploitability".
func weightsVar(key string, def RiskWeights) (RiskWeights, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return def, fmt.Errorf("config: %s wants 4 comma-separated weights, got %q", key, v)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return def, fmt.Errorf("config: %s: %w", key, err)
		}
		vals[i] = f
	}
	return RiskWeights{Severity: vals[0], ThreatIntel: vals[1], AssetCriticality: vals[2], Exploitability: vals[3]}, nil
}

// thresholdsVar parses "critical,high,medium,low".
func thresholdsVar(key string, def domain.Thresholds) (domain.Thresholds, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return def, fmt.Errorf("config: %s wants 4 comma-separated cut-points, got %q", key, v)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return def, fmt.Errorf("config: %s: %w", key, err)
		}
		vals[i] = n
	}
	return domain.Thresholds{Critical: vals[0], High: vals[1], Medium: vals[2], Low: vals[3]}, nil
}
