package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRecordWritesPrefixedJSONLine(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(&buf)

	err := log.Record(context.Background(), EventDuplicateSuppressed, "ALT-1", "splunk",
		map[string]any{"fingerprint": "abc"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	line := buf.String()
	if !strings.HasPrefix(line, "AUDIT: ") {
		t.Fatalf("missing AUDIT prefix: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("missing trailing newline: %q", line)
	}

	var e Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &e); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if e.Type != EventDuplicateSuppressed {
		t.Errorf("Type = %s", e.Type)
	}
	if e.AlertID != "ALT-1" || e.Source != "splunk" {
		t.Errorf("identity fields: %s/%s", e.AlertID, e.Source)
	}
	if e.ID == "" {
		t.Error("event id not set")
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
	if e.Metadata["fingerprint"] != "abc" {
		t.Errorf("metadata = %v", e.Metadata)
	}
}

func TestRecordConcurrentWritersKeepLinesWhole(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(&buf)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 25; j++ {
				_ = log.Record(context.Background(), EventDeadLetter, "ALT-X", "qradar", nil)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 200 {
		t.Fatalf("got %d lines, want 200", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "AUDIT: ") || !json.Valid([]byte(strings.TrimPrefix(line, "AUDIT: "))) {
			t.Fatalf("corrupt line: %q", line)
		}
	}
}
