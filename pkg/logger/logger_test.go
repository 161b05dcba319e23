package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildWritesRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app", "trustproof.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	app, audit, cls, err := build(Config{
		Level:       "debug",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	app.Debug("调试日志", slog.String("proof_id", "p-1"))
	audit.Info("证明生成完成", slog.String("proof_id", "p-1"))
	if err := closeAll(cls); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry); err != nil {
		t.Fatalf("audit entry is not JSON: %v", err)
	}
	if entry["stream"] != "audit" || entry["proof_id"] != "p-1" {
		t.Fatalf("unexpected audit entry: %v", entry)
	}

	appRaw, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(appRaw), "调试日志") {
		t.Fatalf("debug entry missing from app log")
	}
}

func TestBuildRejectsEmptyAuditPath(t *testing.T) {
	if _, _, _, err := build(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}
