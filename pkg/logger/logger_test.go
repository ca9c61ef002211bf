package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestRotatingWriterDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "attempts.log")
	writer, err := newRotatingWriter(AuditConfig{Path: path})
	if err != nil {
		t.Fatalf("new rotating writer: %v", err)
	}
	defer writer.Close()

	if writer.MaxSize != 100 || writer.MaxBackups != 7 || writer.MaxAge != 30 {
		t.Fatalf("unexpected defaults %+v", writer)
	}
	if _, err := writer.Write([]byte("{\"msg\":\"attempt\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(content), "attempt") {
		t.Fatalf("unexpected audit content %q", content)
	}

	if _, err := newRotatingWriter(AuditConfig{}); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onboardd.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("connection").Info("Wallet connected", slog.Uint64("chain_id", 1868))
	Discard().Error("never written")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(content)
	if !strings.Contains(line, `"component":"connection"`) || !strings.Contains(line, `"chain_id":1868`) {
		t.Fatalf("unexpected log line %q", line)
	}
	if strings.Contains(line, "never written") {
		t.Fatal("discard logger leaked output")
	}
	if Audit() == nil {
		t.Fatal("audit logger falls back to the default logger")
	}
}

func TestAuditAttempt(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil)).With(slog.String("stream", auditStream))

	AuditAttempt(context.Background(), log, AttemptEntry{
		ID: "a1", Mode: "agent", Outcome: "connected",
		ChainID: 1946, Account: "0x00000000000000000000000000000000000000a1",
		Duration: 1500 * time.Millisecond,
	})
	AuditAttempt(context.Background(), log, AttemptEntry{ID: "a2", Mode: "agent", Outcome: "failed", Code: "USER_REJECTED"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit lines, got %q", buf.String())
	}
	for _, want := range []string{`"stream":"connect_attempts"`, `"level":"INFO"`, `"chain_id":1946`, `"duration_ms":1500`} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("connected line %q lacks %s", lines[0], want)
		}
	}
	if !strings.Contains(lines[1], `"level":"WARN"`) || !strings.Contains(lines[1], `"code":"USER_REJECTED"`) {
		t.Fatalf("unexpected failure line %q", lines[1])
	}
	if strings.Contains(lines[1], "chain_id") {
		t.Fatalf("failed attempts carry no chain, got %q", lines[1])
	}
}
