package config

import (
	"math"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DedupCapacity != 10000 {
		t.Errorf("DedupCapacity = %d, want 10000", cfg.DedupCapacity)
	}
	if cfg.DedupLookback != 24*time.Hour {
		t.Errorf("DedupLookback = %v, want 24h", cfg.DedupLookback)
	}
	if cfg.AggregationWindow != 30*time.Second {
		t.Errorf("AggregationWindow = %v, want 30s", cfg.AggregationWindow)
	}
	if cfg.AggregationMaxSize != 100 {
		t.Errorf("AggregationMaxSize = %d, want 100", cfg.AggregationMaxSize)
	}
	if cfg.TriageBudget != 120*time.Second {
		t.Errorf("TriageBudget = %v, want 120s", cfg.TriageBudget)
	}
	if cfg.MQPrefetch != 50 {
		t.Errorf("MQPrefetch = %d, want 50", cfg.MQPrefetch)
	}
	if cfg.BusBackend != "memory" || cfg.StoreBackend != "sqlite" || cfg.DedupBackend != "local" {
		t.Errorf("backend defaults wrong: %s/%s/%s", cfg.BusBackend, cfg.StoreBackend, cfg.DedupBackend)
	}
	if math.Abs(cfg.RiskWeights.Sum()-1.0) > 1e-9 {
		t.Errorf("default weights sum = %g", cfg.RiskWeights.Sum())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEDUP_CAPACITY", "500")
	t.Setenv("AGGREGATION_WINDOW", "10s")
	t.Setenv("RISK_WEIGHTS", "0.4,0.3,0.2,0.1")
	t.Setenv("RISK_THRESHOLDS", "95,75,45,25")
	t.Setenv("BUS_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DedupCapacity != 500 {
		t.Errorf("DedupCapacity = %d, want 500", cfg.DedupCapacity)
	}
	if cfg.AggregationWindow != 10*time.Second {
		t.Errorf("AggregationWindow = %v, want 10s", cfg.AggregationWindow)
	}
	if cfg.RiskWeights.Severity != 0.4 || cfg.RiskWeights.Exploitability != 0.1 {
		t.Errorf("weights not applied: %+v", cfg.RiskWeights)
	}
	if cfg.RiskThresholds.Critical != 95 || cfg.RiskThresholds.Low != 25 {
		t.Errorf("thresholds not applied: %+v", cfg.RiskThresholds)
	}
	if cfg.BusBackend != "redis" || cfg.RedisAddr != "redis:6379" {
		t.Errorf("bus config not applied: %s %s", cfg.BusBackend, cfg.RedisAddr)
	}
}

func TestLoadRejectsBadWeights(t *testing.T) {
	t.Setenv("RISK_WEIGHTS", "0.5,0.5,0.5,0.5")
	if _, err := Load(); err == nil {
		t.Fatal("want error for weights not summing to 1")
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"DEDUP_CAPACITY":  "many",
		"DEDUP_LOOKBACK":  "yesterday",
		"RISK_WEIGHTS":    "0.5,0.5",
		"RISK_THRESHOLDS": "20,40,70,90",
		"BUS_BACKEND":     "kafka",
		"STORE_BACKEND":   "oracle",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("want error for %s=%s", key, val)
			}
		})
	}
}

func TestPostgresRequiresURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("want error for postgres without DATABASE_URL")
	}
	t.Setenv("DATABASE_URL", "postgres://sentria@localhost:5432/sentria?sslmode=disable")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with DATABASE_URL: %v", err)
	}
}
