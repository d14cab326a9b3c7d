// Copyright 2025 Certen Protocol

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() produced an invalid config: %v", err)
	}
	if cfg.Store.Backend != "goleveldb" {
		t.Errorf("Store.Backend = %q, want goleveldb", cfg.Store.Backend)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddr == "" {
		t.Errorf("Metrics defaults not populated: %+v", cfg.Metrics)
	}
}

func TestValidateRejectsMissingDataDir(t *testing.T) {
	cfg := Default()
	cfg.Store.DataDir = "   "
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a blank data dir")
	}
}

func TestValidateRejectsZeroPrunerWindow(t *testing.T) {
	cfg := Default()
	cfg.Pruner.Enabled = true
	cfg.Pruner.Window = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for pruner.window = 0 with pruner enabled")
	}
}

func TestValidateRejectsZeroBatchDelete(t *testing.T) {
	cfg := Default()
	cfg.Pruner.Enabled = true
	cfg.Pruner.MaxBatchDelete = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for pruner.max_batch_delete = 0 with pruner enabled")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("LEDGERD_TEST_VAR", "from-env")
	got := substituteEnvVars("data_dir: ${LEDGERD_TEST_VAR}")
	want := "data_dir: from-env"
	if got != want {
		t.Errorf("substituteEnvVars = %q, want %q", got, want)
	}
}

func TestSubstituteEnvVarsFallsBackToDefault(t *testing.T) {
	os.Unsetenv("LEDGERD_UNSET_VAR")
	got := substituteEnvVars("log_level: ${LEDGERD_UNSET_VAR:-warn}")
	want := "log_level: warn"
	if got != want {
		t.Errorf("substituteEnvVars = %q, want %q", got, want)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledgerd.yaml")
	contents := `
environment: staging
network_name: ${LEDGERD_TEST_NETWORK:-testnet}
store:
  data_dir: ` + dir + `
  backend: memdb
pruner:
  enabled: true
  window: 500
  check_interval: 10s
  max_batch_delete: 100
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "staging" {
		t.Errorf("Environment = %q, want staging", cfg.Environment)
	}
	if cfg.NetworkName != "testnet" {
		t.Errorf("NetworkName = %q, want testnet (from ${VAR:-default})", cfg.NetworkName)
	}
	if cfg.Store.Backend != "memdb" {
		t.Errorf("Store.Backend = %q, want memdb", cfg.Store.Backend)
	}
	if cfg.Pruner.CheckInterval.Duration() != 10*time.Second {
		t.Errorf("Pruner.CheckInterval = %v, want 10s", cfg.Pruner.CheckInterval.Duration())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config failed validation: %v", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("LEDGERD_DATA_DIR", "/tmp/ledgerd-override")
	t.Setenv("LEDGERD_LOG_LEVEL", "debug")
	t.Setenv("LEDGERD_PRUNE_WINDOW", "42")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.DataDir != "/tmp/ledgerd-override" {
		t.Errorf("Store.DataDir = %q, want override", cfg.Store.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Pruner.Window != 42 {
		t.Errorf("Pruner.Window = %d, want 42", cfg.Pruner.Window)
	}
}
