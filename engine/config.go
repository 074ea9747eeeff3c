package engine

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Executor type registry. Unexported to prevent external mutation.
var validExecutorTypes = map[string]bool{"": true, "warm": true, "cold": true}

// IsValidExecutorType returns true if name is a recognized executor type.
func IsValidExecutorType(name string) bool { return validExecutorTypes[name] }

// RuntimeConfig controls how a worker binds its execution environment.
// Loaded from environment variables, optionally overlaid from a YAML file.
type RuntimeConfig struct {
	// Bundle resolution
	BundleSource    string `yaml:"bundle_source"`     // "file" or "oci"
	BundlesDir      string `yaml:"bundles_dir"`       // root for the file repo
	BundlesCacheDir string `yaml:"bundles_cache_dir"` // where materialised bundles are copied

	// Execution environment
	ExecutorType          string `yaml:"executor_type"` // "warm" (default) or "cold"
	VenvsDir              string `yaml:"venvs_dir"`     // per-digest virtualenvs
	MaxWarmProcesses      int    `yaml:"max_warm_processes"`
	InlineArtifactMaxSize int64  `yaml:"inline_artifact_max_bytes"` // inline/CAS threshold
	ForceFreshVenv        bool   `yaml:"force_fresh_venv"`          // diagnostic: never reuse venvs

	// Provenance store
	ProvRoot string `yaml:"prov_root"`
	// MirrorRoot, when set, replicates committed provenance directories to
	// this directory (a mounted blob container); empty disables mirroring.
	MirrorRoot string `yaml:"mirror_root"`

	// Worker daemon
	ListenAddr string `yaml:"listen_addr"` // health/metrics HTTP
	RedisAddr  string `yaml:"redis_addr"`  // versioned store backend; empty = in-memory
}

// DefaultConfig returns the worker defaults before env/file overrides.
func DefaultConfig() RuntimeConfig {
	return RuntimeConfig{
		BundleSource:          "file",
		BundlesDir:            ".",
		BundlesCacheDir:       "/tmp/modelops/bundles",
		ExecutorType:          "warm",
		VenvsDir:              "/tmp/modelops/venvs",
		MaxWarmProcesses:      128,
		InlineArtifactMaxSize: 64_000,
		ProvRoot:              "/tmp/modelops/provenance",
		ListenAddr:            ":9090",
	}
}

// ConfigFromEnv loads configuration from the core environment variables.
func ConfigFromEnv() (RuntimeConfig, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("BUNDLE_SOURCE"); v != "" {
		cfg.BundleSource = v
	}
	if v := os.Getenv("BUNDLES_DIR"); v != "" {
		cfg.BundlesDir = v
	}
	if v := os.Getenv("BUNDLES_CACHE_DIR"); v != "" {
		cfg.BundlesCacheDir = v
	}
	if v := os.Getenv("EXECUTOR_TYPE"); v != "" {
		cfg.ExecutorType = v
	}
	if v := os.Getenv("VENVS_DIR"); v != "" {
		cfg.VenvsDir = v
	}
	if v := os.Getenv("MAX_WARM_PROCESSES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parsing MAX_WARM_PROCESSES: %w", err)
		}
		cfg.MaxWarmProcesses = n
	}
	if v := os.Getenv("INLINE_ARTIFACT_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("parsing INLINE_ARTIFACT_MAX_BYTES: %w", err)
		}
		cfg.InlineArtifactMaxSize = n
	}
	if v := os.Getenv("FORCE_FRESH_VENV"); v != "" {
		cfg.ForceFreshVenv = v == "true" || v == "1"
	}
	if v := os.Getenv("PROV_ROOT"); v != "" {
		cfg.ProvRoot = v
	}
	if v := os.Getenv("PROV_MIRROR_ROOT"); v != "" {
		cfg.MirrorRoot = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}

	return cfg, cfg.Validate()
}

// LoadConfigOverlay applies a YAML overlay on top of cfg.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadConfigOverlay(cfg RuntimeConfig, path string) (RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading worker config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing worker config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c RuntimeConfig) Validate() error {
	if !IsValidExecutorType(c.ExecutorType) {
		return fmt.Errorf("unknown executor type %q (expected warm or cold)", c.ExecutorType)
	}
	if c.BundleSource != "file" && c.BundleSource != "oci" {
		return fmt.Errorf("unknown bundle source %q (expected file or oci)", c.BundleSource)
	}
	if c.MaxWarmProcesses < 1 {
		return fmt.Errorf("max_warm_processes must be >= 1, got %d", c.MaxWarmProcesses)
	}
	if c.InlineArtifactMaxSize < 0 {
		return fmt.Errorf("inline_artifact_max_bytes cannot be negative")
	}
	return nil
}
