package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/statusflow/statusflow/pkg/resource"
	"github.com/statusflow/statusflow/pkg/telemetry"
)

const sampleConfig = `
server:
  listen_addr: ":9090"
  read_timeout: 5s
store:
  path: /tmp/statusflow-test.db
engine:
  sync_budget: 500ms
  workers: 8
telemetry:
  logging:
    level: debug
kinds_file: /etc/statusflow/kinds.yaml
policy_dir: /etc/statusflow/policies
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("expected listen addr :9090, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Engine.SyncBudget.Std() != 500*time.Millisecond {
		t.Errorf("expected sync budget 500ms, got %s", cfg.Engine.SyncBudget.Std())
	}
	if cfg.Engine.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Engine.Workers)
	}
	// Unset fields keep their defaults.
	if cfg.Server.WriteTimeout.Std() != 30*time.Second {
		t.Errorf("expected default write timeout, got %s", cfg.Server.WriteTimeout.Std())
	}
	if cfg.Engine.QueueSize != 256 {
		t.Errorf("expected default queue size, got %d", cfg.Engine.QueueSize)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsEmptyKindsFile(t *testing.T) {
	cfg := Default()
	cfg.KindsFile = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty kinds_file")
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

const kindsV1 = `
kinds:
  - name: apiKey
    statuses: [active, disabled]
    transitions:
      - from: active
        to: disabled
`

const kindsV2 = `
kinds:
  - name: apiKey
    statuses: [active, disabled]
    transitions:
      - from: active
        to: disabled
      - from: disabled
        to: active
  - name: cluster
    statuses: [running, stopped]
    transitions:
      - from: running
        to: stopped
        async: true
`

func TestWatchKindsReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "kinds.yaml", kindsV1)

	kinds, err := resource.LoadKindsFile(path)
	if err != nil {
		t.Fatalf("failed to load kinds: %v", err)
	}
	registry, err := resource.NewRegistry(kinds...)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	w, err := WatchKinds(path, registry, logger)
	if err != nil {
		t.Fatalf("WatchKinds failed: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "kinds.yaml", kindsV2)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Get("cluster") != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("registry did not pick up the new kind definitions")
}

func TestWatchKindsKeepsOldOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "kinds.yaml", kindsV1)

	kinds, err := resource.LoadKindsFile(path)
	if err != nil {
		t.Fatalf("failed to load kinds: %v", err)
	}
	registry, err := resource.NewRegistry(kinds...)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	w, err := WatchKinds(path, registry, logger)
	if err != nil {
		t.Fatalf("WatchKinds failed: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "kinds.yaml", "kinds: [this is not a kind]")

	// Give the watcher a moment to see the bad file, then confirm the old
	// definitions still serve.
	time.Sleep(200 * time.Millisecond)
	if registry.Get("apiKey") == nil {
		t.Fatal("registry lost its definitions after a bad reload")
	}
}
