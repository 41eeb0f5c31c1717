package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Sentria-Labs/sentria/pkg/bus"
	"github.com/Sentria-Labs/sentria/pkg/config"
	"github.com/Sentria-Labs/sentria/pkg/envelope"
	"github.com/Sentria-Labs/sentria/pkg/retry"
)

// runSendCmd implements `sentria send`: publish one raw vendor payload
// onto alert.raw for a running pipeline to pick up. Requires the redis
// bus; the memory bus is process-local.
func runSendCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "JSON payload file (default: stdin)")
	source := fs.String("source", "", "override the payload's source field (splunk|qradar|cef)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	raw, err := readPayload(*file)
	if err != nil {
		fmt.Fprintf(stderr, "%sread payload:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		fmt.Fprintf(stderr, "%spayload is not a JSON object:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	if *source != "" {
		payload["source"] = *source
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%sconfig error:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	if cfg.BusBackend != "redis" {
		fmt.Fprintf(stderr, "%ssend needs BUS_BACKEND=redis;%s the memory bus is process-local\n", ColorRed, ColorReset)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rb := bus.NewRedisBus(bus.RedisConfig{Addr: cfg.RedisAddr, Prefetch: cfg.MQPrefetch},
		retry.DefaultPolicy(), slog.Default())
	if err := rb.Ping(ctx); err != nil {
		fmt.Fprintf(stderr, "%sredis at %s:%s %v\n", ColorRed, cfg.RedisAddr, ColorReset, err)
		return 1
	}
	defer func() { _ = rb.Close(ctx) }()

	env, err := envelope.New(envelope.TopicAlertRaw, "", payload)
	if err != nil {
		fmt.Fprintf(stderr, "%swrap payload:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	if err := rb.Publish(ctx, envelope.TopicAlertRaw, env); err != nil {
		fmt.Fprintf(stderr, "%spublish:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}

	fmt.Fprintf(stdout, "%spublished%s message %s on %s\n",
		ColorGreen, ColorReset, env.MessageID, envelope.TopicAlertRaw)
	return 0
}

func readPayload(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}
