package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trustproof.yaml")
	content := []byte(`
server:
  address: ":9000"
pool:
  heartbeat_interval: 3s
  workers:
    - id: w1
      url: http://localhost:7001
logging:
  audit:
    enabled: true
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Pool.HeartbeatInterval != 3*time.Second || cfg.Pool.MissedBeatsAllowed != 2 {
		t.Fatalf("unexpected heartbeat config: %+v", cfg.Pool)
	}
	if cfg.Pool.Workers[0].MaxConcurrency != 4 {
		t.Fatalf("worker concurrency default not applied")
	}
	if cfg.Queue.MaxSize != 100 || cfg.Queue.MaxConcurrent != 4 || cfg.Queue.CompletedHistory != 50 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Recovery.FallbackCircuits["large"] != "medium" {
		t.Fatalf("fallback circuits default not applied")
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs/audit.log") {
		t.Fatalf("audit path not resolved: %s", cfg.Logging.Audit.Path)
	}
	if !cfg.Pipeline.FallbackEnabled() {
		t.Fatalf("fallback should be enabled by default")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"TRUSTPROOF_MYSQL_DSN":           "user:pass@tcp(db:3306)/trustproof",
		"TRUSTPROOF_PROOF_STORE_DRIVER":  "mysql",
		"TRUSTPROOF_RATE_LIMIT_PER_HOUR": "25",
		"TRUSTPROOF_RABBITMQ_URL":        "amqp://guest:guest@mq:5672/",
	}
	var cfg Config
	if err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	cfg.applyDefaults(".")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Storage.Proofs.Driver != "mysql" || cfg.Pipeline.RateLimitPerHour != 25 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if !cfg.Events.RabbitMQ.Enabled {
		t.Fatalf("rabbitmq should be enabled when url is set")
	}

	bad := Config{}
	if err := bad.applyEnv(func(k string) (string, bool) {
		if k == "TRUSTPROOF_RATE_LIMIT_PER_HOUR" {
			return "many", true
		}
		return "", false
	}); err == nil {
		t.Fatalf("expected parse error for rate limit")
	}
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	_, err := Parse([]byte(`
pool:
  min_workers: 5
  max_workers: 2
storage:
  proofs:
    driver: mysql
`), ".")
	if err == nil {
		t.Fatalf("expected validation error")
	}
}
