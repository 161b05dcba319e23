package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"TrustProof-Chain/internal/config"
	"TrustProof-Chain/internal/ebsl"
)

const target = "0x2222222222222222222222222222222222222222"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestScoreCommandPrintsReputation(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "trustproof.yaml", "logging:\n  level: error\n")
	attPath := writeFile(t, dir, "attestations.json", `[
  {"source":"0x3333333333333333333333333333333333333333","target":"`+target+`","opinion":{"belief":0.8,"disbelief":0.1,"uncertainty":0.1,"base_rate":0.5},"attestation_type":"trust","weight":1},
  {"source":"0x4444444444444444444444444444444444444444","target":"`+target+`","opinion":{"belief":0.6,"disbelief":0.2,"uncertainty":0.2,"base_rate":0.5},"attestation_type":"skill","weight":0.8}
]`)

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "--env-file", "", "score", target, "--attestations", attPath})
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("score: %v", err)
	}

	var result ebsl.ReputationResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if result.Score <= 0 || result.Opinion.Belief <= 0 {
		t.Fatalf("expected a positive reputation, got %+v", result)
	}
}

func TestScoreCommandRejectsInvalidAddress(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "trustproof.yaml", "logging:\n  level: error\n")

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "--env-file", "", "score", "not-an-address"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected invalid address to fail")
	}
}

func TestMissingExplicitConfigFails(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "--env-file", "", "score", target})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected missing config to fail")
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Storage.Proofs.Driver = "memory"
	cfg.Storage.Cache.Driver = "memory"
	cfg.Events.RabbitMQ.Enabled = false
	cfg.Attestations.Source = "static"
	cfg.Pool.Executor = "simulated"
	cfg.Pool.Workers = nil
	return cfg
}

func TestAppRunRegistersLocalWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, testConfig())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		workers, err := a.pool.Workers(ctx)
		if err == nil && len(workers) == 1 && workers[0].ID == "local" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("local worker not registered: %+v, %v", workers, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestNewAppRejectsUnknownSource(t *testing.T) {
	cfg := testConfig()
	cfg.Attestations.Source = "graphql"
	if _, err := newApp(context.Background(), cfg); err == nil {
		t.Fatal("expected unknown source to fail")
	}
}
