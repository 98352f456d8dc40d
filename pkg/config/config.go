// Package config loads and validates the contextguard configuration file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/contextguard/internal/observability"
	"github.com/aixgo-dev/contextguard/pkg/bundle"
	"github.com/aixgo-dev/contextguard/pkg/faults"
	"github.com/aixgo-dev/contextguard/pkg/optimizer"
	"github.com/aixgo-dev/contextguard/pkg/recovery"
	"github.com/aixgo-dev/contextguard/pkg/risk"
	"github.com/aixgo-dev/contextguard/pkg/store"
	"github.com/aixgo-dev/contextguard/pkg/threshold"
)

// Environment variables that override the file.
const (
	EnvBaseDir   = "CONTEXTGUARD_BASE_DIR"
	EnvCeiling   = "CONTEXTGUARD_CEILING"
	EnvRedisAddr = "CONTEXTGUARD_REDIS_ADDR"
	EnvWorkload  = "CONTEXTGUARD_WORKLOAD"
	EnvSession   = "CONTEXTGUARD_SESSION"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the top-level configuration.
type Config struct {
	// BaseDir holds the file store. Default: ~/.contextguard
	BaseDir   string `yaml:"base_dir"`
	SessionID string `yaml:"session_id"`
	// Ceiling is the session token budget.
	Ceiling int64 `yaml:"ceiling"`
	// Workload selects the threshold profile and policy overrides.
	Workload string `yaml:"workload"`

	// Profiles adds or replaces threshold profiles by workload class.
	Profiles      map[string]threshold.Profile `yaml:"profiles,omitempty"`
	Risk          risk.Config                  `yaml:"risk"`
	Recovery      RecoveryConfig               `yaml:"recovery"`
	Bundle        BundleConfig                 `yaml:"bundle"`
	Store         StoreConfig                  `yaml:"store"`
	Optimizer     optimizer.Config             `yaml:"optimizer"`
	Observability ObservabilityConfig          `yaml:"observability"`
	Compressor    CompressorConfig             `yaml:"compressor"`
	Logging       LoggingConfig                `yaml:"logging"`
}

// RecoveryConfig configures the escalation controller.
type RecoveryConfig struct {
	// Policies override the default level policies. Missing fields keep
	// their defaults.
	Policies map[recovery.Level]recovery.LevelPolicy `yaml:"policies,omitempty"`
	// WorkloadPolicies override Policies for one workload class.
	WorkloadPolicies       map[string]map[recovery.Level]recovery.LevelPolicy `yaml:"workload_policies,omitempty"`
	SubStepTimeout         time.Duration                                     `yaml:"sub_step_timeout"`
	PreservationThreshold  float64                                           `yaml:"preservation_threshold"`
	AggressivePreservation float64                                           `yaml:"aggressive_preservation"`
}

// BundleConfig configures the bundle manager.
type BundleConfig struct {
	bundle.Config `yaml:",inline"`
	// EssentialBudget is the most live state a cascade preserves.
	EssentialBudget int64 `yaml:"essential_budget"`
	// SnapshotCompression is used for emergency and minimal bundles.
	SnapshotCompression bundle.Compression `yaml:"snapshot_compression"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Backend string            `yaml:"backend"`
	Redis   store.RedisConfig `yaml:"redis"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr is the listen address of the metrics and health server.
	// Empty disables the server.
	MetricsAddr string               `yaml:"metrics_addr"`
	Tracing     observability.Config `yaml:"tracing"`
}

// CompressorConfig configures the external compression process.
type CompressorConfig struct {
	// Command is the executable and its leading arguments. Empty disables
	// compression strategies.
	Command []string      `yaml:"command,omitempty"`
	Grace   time.Duration `yaml:"grace"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewLogger builds a slog logger writing to w.
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if c.Level != "" {
		if err := level.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, faults.Configurationf("config.logging", "unknown log level %q", c.Level)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	rc := recovery.DefaultConfig()
	return &Config{
		BaseDir:   defaultBaseDir(),
		SessionID: "default",
		Ceiling:   200000,
		Workload:  "medium",
		Risk:      risk.DefaultConfig(),
		Recovery: RecoveryConfig{
			SubStepTimeout:         rc.SubStepTimeout,
			PreservationThreshold:  rc.PreservationThreshold,
			AggressivePreservation: rc.AggressivePreservation,
		},
		Bundle: BundleConfig{
			Config:              bundle.DefaultConfig(),
			EssentialBudget:     rc.EssentialBudget,
			SnapshotCompression: bundle.CompressionZstd,
		},
		Store:     StoreConfig{Backend: BackendFile},
		Optimizer: optimizer.DefaultConfig(),
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			Tracing: observability.Config{
				ServiceName:  observability.DefaultServiceName,
				ExporterType: "none",
			},
		},
		Compressor: CompressorConfig{Grace: time.Second},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".contextguard"
	}
	return filepath.Join(home, ".contextguard")
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
		if err != nil {
			return nil, faults.Configuration("config.load", fmt.Errorf("read %s: %w", path, err))
		}
		if err := decodeYAML(data, DefaultLimits(), cfg); err != nil {
			return nil, faults.Configuration("config.load", fmt.Errorf("%s: %w", path, err))
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.BaseDir = expandHome(cfg.BaseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBaseDir); ok && v != "" {
		c.BaseDir = v
	}
	if v, ok := lookup(EnvCeiling); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return faults.Configuration("config.env", fmt.Errorf("%s: %w", EnvCeiling, err))
		}
		c.Ceiling = n
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Store.Backend = BackendRedis
		c.Store.Redis.Addr = v
	}
	if v, ok := lookup(EnvWorkload); ok && v != "" {
		c.Workload = v
	}
	if v, ok := lookup(EnvSession); ok && v != "" {
		c.SessionID = v
	}
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Validate checks the configuration. Every failure is a configuration error.
func (c *Config) Validate() error {
	if c.Ceiling <= 0 {
		return faults.Configurationf("config.validate", "ceiling must be positive, got %d", c.Ceiling)
	}
	if c.SessionID == "" {
		return faults.Configurationf("config.validate", "session_id is required")
	}
	if err := store.ValidateKey(c.SessionID); err != nil {
		return faults.Configuration("config.validate", fmt.Errorf("session_id: %w", err))
	}
	if c.Workload == "" {
		return faults.Configurationf("config.validate", "workload is required")
	}
	for class, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return faults.Configuration("config.validate", fmt.Errorf("profile %q: %w", class, err))
		}
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	if err := recovery.ValidatePolicies(c.PoliciesFor(c.Workload)); err != nil {
		return err
	}
	for class := range c.Recovery.WorkloadPolicies {
		if err := recovery.ValidatePolicies(c.PoliciesFor(class)); err != nil {
			return faults.Configuration("config.validate", fmt.Errorf("workload %q: %w", class, err))
		}
	}
	if t := c.Recovery.SubStepTimeout; t != 0 {
		if err := recovery.ValidateSubStepTimeout(t, c.PoliciesFor(c.Workload)); err != nil {
			return err
		}
	}
	if p := c.Recovery.PreservationThreshold; p <= 0 || p > 1 {
		return faults.Configurationf("config.validate", "recovery.preservation_threshold must be in (0,1]")
	}
	if p := c.Recovery.AggressivePreservation; p <= 0 || p > 1 {
		return faults.Configurationf("config.validate", "recovery.aggressive_preservation must be in (0,1]")
	}
	if c.Bundle.EssentialBudget <= 0 {
		return faults.Configurationf("config.validate", "bundle.essential_budget must be positive")
	}
	for _, comp := range []bundle.Compression{c.Bundle.Compression, c.Bundle.SnapshotCompression} {
		if _, err := bundle.ParseCompression(string(comp)); err != nil {
			return err
		}
	}
	switch c.Store.Backend {
	case BackendFile:
		if c.BaseDir == "" {
			return faults.Configurationf("config.validate", "base_dir is required for the file store")
		}
	case BackendMemory:
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return faults.Configurationf("config.validate", "store.redis.addr is required for the redis store")
		}
	default:
		return faults.Configurationf("config.validate", "unknown store backend %q", c.Store.Backend)
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	switch c.Observability.Tracing.ExporterType {
	case "", "none", "stdout", "otlp":
	default:
		return faults.Configurationf("config.validate", "unknown tracing exporter %q", c.Observability.Tracing.ExporterType)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return faults.Configurationf("config.validate", "unknown log format %q", c.Logging.Format)
	}
	if _, err := c.Logging.NewLogger(io.Discard); err != nil {
		return err
	}
	return nil
}

// PoliciesFor returns the level policies for a workload class: defaults,
// then Policies, then the class's WorkloadPolicies. Level 4 is always hard.
func (c *Config) PoliciesFor(class string) map[recovery.Level]recovery.LevelPolicy {
	out := recovery.DefaultPolicies()
	for _, overrides := range []map[recovery.Level]recovery.LevelPolicy{c.Recovery.Policies, c.Recovery.WorkloadPolicies[class]} {
		for level, p := range overrides {
			base, ok := out[level]
			if !ok {
				continue
			}
			if p.Target > 0 {
				base.Target = p.Target
			}
			if p.TimeBudget > 0 {
				base.TimeBudget = p.TimeBudget
			}
			if p.CallTimeout > 0 {
				base.CallTimeout = p.CallTimeout
			}
			out[level] = base
		}
	}
	cascade := out[recovery.LevelCascade]
	cascade.Hard = true
	out[recovery.LevelCascade] = cascade
	return out
}

// RecoveryConfig returns the controller configuration for the configured
// workload.
func (c *Config) RecoveryConfig() recovery.Config {
	return recovery.Config{
		Policies:               c.PoliciesFor(c.Workload),
		EssentialBudget:        c.Bundle.EssentialBudget,
		SubStepTimeout:         c.Recovery.SubStepTimeout,
		PreservationThreshold:  c.Recovery.PreservationThreshold,
		AggressivePreservation: c.Recovery.AggressivePreservation,
	}
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
