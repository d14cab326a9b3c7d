// Copyright 2025 Certen Protocol
//
// Configuration loader for the ledger node: a YAML file with ${VAR}
// environment-variable substitution, overridable by individual env vars,
// the same two-layer approach the original anchor service used.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be parsed from YAML strings like
// "15m" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// StoreConfig configures the KV engine backing the ledger store.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
	// Backend names the cometbft-db implementation ("goleveldb", "memdb",
	// "badgerdb", ...); see pkg/kvdb.Open.
	Backend string `yaml:"backend"`
}

// PrunerConfig configures the background pruner.
type PrunerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Window         uint64   `yaml:"window"`           // versions to retain
	CheckInterval  Duration `yaml:"check_interval"`   // not read by ledgerd: the pruner is woken after each commit
	MaxBatchDelete int      `yaml:"max_batch_delete"` // per pass: versions of ledger rows, and stale JMT node entries
}

// ExecutorConfig configures the executor.
type ExecutorConfig struct {
	GenesisFile string `yaml:"genesis_file"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"`
	PollPeriod Duration `yaml:"poll_period"`
}

// Config is the top-level ledger node configuration.
type Config struct {
	Environment string `yaml:"environment"`
	NetworkName string `yaml:"network_name"`
	LogLevel    string `yaml:"log_level"`

	Store    StoreConfig    `yaml:"store"`
	Pruner   PrunerConfig   `yaml:"pruner"`
	Executor ExecutorConfig `yaml:"executor"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Default returns a Config with safe devnet defaults.
func Default() *Config {
	return &Config{
		Environment: "development",
		NetworkName: "devnet",
		LogLevel:    "info",
		Store: StoreConfig{
			DataDir: "./data",
			Backend: "goleveldb",
		},
		Pruner: PrunerConfig{
			Enabled:        true,
			Window:         1_000_000,
			CheckInterval:  Duration(30 * time.Second),
			MaxBatchDelete: 10_000,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0:9090",
			PollPeriod: Duration(5 * time.Second),
		},
	}
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} with environment variable values,
// falling back to the ${VAR_NAME:-default} default when unset.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// Load reads a YAML config file, substitutes ${VAR} references against the
// process environment, and applies defaults for anything left zero.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets a handful of common env vars override the file,
// for container deployments where mounting a full config file is
// inconvenient.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEDGERD_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("LEDGERD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LEDGERD_PRUNE_WINDOW"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Pruner.Window = n
		}
	}
}

// Validate checks that the configuration is self-consistent enough to run.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Store.DataDir) == "" {
		problems = append(problems, "store.data_dir is required")
	}
	if c.Pruner.Enabled && c.Pruner.Window == 0 {
		problems = append(problems, "pruner.window must be > 0 when pruner.enabled")
	}
	if c.Pruner.Enabled && c.Pruner.MaxBatchDelete <= 0 {
		problems = append(problems, "pruner.max_batch_delete must be > 0 when pruner.enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
