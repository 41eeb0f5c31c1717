package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunDispatch(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()
	serverCalls := 0
	startServer = func(_, _ io.Writer) int {
		serverCalls++
		return 0
	}

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantServer int
		wantOut    string
		wantErr    string
	}{
		{name: "no args runs server", args: []string{"sentria"}, wantCode: 0, wantServer: 1},
		{name: "server", args: []string{"sentria", "server"}, wantCode: 0, wantServer: 1},
		{name: "serve alias", args: []string{"sentria", "serve"}, wantCode: 0, wantServer: 1},
		{name: "version", args: []string{"sentria", "version"}, wantCode: 0, wantOut: "sentria dev"},
		{name: "version flag", args: []string{"sentria", "--version"}, wantCode: 0, wantOut: "sentria dev"},
		{name: "help", args: []string{"sentria", "help"}, wantCode: 0, wantOut: "USAGE"},
		{name: "unknown", args: []string{"sentria", "frobnicate"}, wantCode: 2, wantErr: "Unknown command: frobnicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverCalls = 0
			var stdout, stderr bytes.Buffer
			code := Run(tt.args, &stdout, &stderr)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (stderr: %s)", code, tt.wantCode, stderr.String())
			}
			if serverCalls != tt.wantServer {
				t.Fatalf("server started %d times, want %d", serverCalls, tt.wantServer)
			}
			if tt.wantOut != "" && !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("stdout missing %q:\n%s", tt.wantOut, stdout.String())
			}
			if tt.wantErr != "" && !strings.Contains(stderr.String(), tt.wantErr) {
				t.Errorf("stderr missing %q:\n%s", tt.wantErr, stderr.String())
			}
		})
	}
}

func TestUsageListsCommands(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	for _, cmd := range []string{"server", "doctor", "send", "version", "help"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("usage missing command %q", cmd)
		}
	}
}

func TestSendRejectsMemoryBus(t *testing.T) {
	t.Setenv("BUS_BACKEND", "memory")
	var stdout, stderr bytes.Buffer
	code := runSendCmd([]string{"-file", payloadFile(t, `{"source":"splunk"}`)}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "BUS_BACKEND=redis") {
		t.Errorf("stderr missing bus hint:\n%s", stderr.String())
	}
}

func TestSendRejectsBadPayload(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runSendCmd([]string{"-file", payloadFile(t, "not json")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "not a JSON object") {
		t.Errorf("stderr missing parse error:\n%s", stderr.String())
	}
}

func payloadFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
