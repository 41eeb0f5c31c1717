package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentria-Labs/sentria/pkg/config"
	"github.com/Sentria-Labs/sentria/pkg/rules"
)

// runDoctorCmd implements `sentria doctor`: configuration and
// connectivity checks.
//
// Exit codes:
//
//	0 = all checks pass (warnings allowed)
//	1 = one or more checks failed
type checkResult struct {
	Name   string
	Status string // "ok", "warn", "fail"
	Detail string
}

func runDoctorCmd(stdout, stderr io.Writer) int {
	var results []checkResult
	allOK := true
	fail := func(name, detail string) {
		results = append(results, checkResult{name, "fail", detail})
		allOK = false
	}
	warn := func(name, detail string) {
		results = append(results, checkResult{name, "warn", detail})
	}
	ok := func(name, detail string) {
		results = append(results, checkResult{name, "ok", detail})
	}

	ok("go_runtime", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH))

	cfg, err := config.Load()
	if err != nil {
		fail("config", err.Error())
		printDoctor(stdout, results, allOK)
		return 1
	}
	ok("config", fmt.Sprintf("bus=%s store=%s dedup=%s", cfg.BusBackend, cfg.StoreBackend, cfg.DedupBackend))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if cfg.BusBackend == "redis" || cfg.DedupBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fail("redis", fmt.Sprintf("%s: %v", cfg.RedisAddr, err))
		} else {
			ok("redis", cfg.RedisAddr)
		}
		_ = rdb.Close()
	} else {
		warn("redis", "not configured (memory bus and local dedup)")
	}

	switch cfg.StoreBackend {
	case "sqlite":
		dir := filepath.Dir(cfg.SQLitePath)
		if _, err := os.Stat(dir); err != nil {
			warn("sqlite", fmt.Sprintf("%s does not exist (created on first run)", dir))
		} else {
			ok("sqlite", cfg.SQLitePath)
		}
	case "postgres":
		ok("postgres", "DATABASE_URL set")
	case "memory":
		warn("store", "memory store loses data on restart")
	}

	if cfg.RulesPath == "" {
		warn("rules", "RULES_PATH not set (no suppression/escalation rules)")
	} else if e, err := rules.Load(cfg.RulesPath, slog.Default()); err != nil {
		fail("rules", err.Error())
	} else {
		ok("rules", fmt.Sprintf("%d rule(s) compiled", e.Len()))
	}

	keyed := 0
	for _, k := range []string{cfg.VirusTotalAPIKey, cfg.OTXAPIKey, cfg.AbuseChAPIKey} {
		if k != "" {
			keyed++
		}
	}
	if keyed == 0 {
		warn("intel_providers", "no API keys set, all providers run in mock mode")
	} else {
		ok("intel_providers", fmt.Sprintf("%d of 3 providers keyed", keyed))
	}

	if _, err := os.Stat(cfg.DataDir); err != nil {
		warn("data_dir", fmt.Sprintf("%s does not exist (created on first run)", cfg.DataDir))
	} else {
		ok("data_dir", cfg.DataDir)
	}

	printDoctor(stdout, results, allOK)
	if !allOK {
		fmt.Fprintf(stderr, "%sOne or more checks failed.%s\n", ColorRed+ColorBold, ColorReset)
		return 1
	}
	return 0
}

func printDoctor(w io.Writer, results []checkResult, allOK bool) {
	fmt.Fprintf(w, "\n%sSentria Doctor%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintln(w, "──────────────")
	for _, r := range results {
		icon := ColorGreen + "ok  " + ColorReset
		switch r.Status {
		case "warn":
			icon = ColorYellow + "warn" + ColorReset
		case "fail":
			icon = ColorRed + "FAIL" + ColorReset
		}
		fmt.Fprintf(w, "  %s  %-16s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}
	if allOK {
		fmt.Fprintf(w, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
	}
	fmt.Fprintln(w, "")
}
