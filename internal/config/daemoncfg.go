package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the front-door HTTP listener's settings.
type ServerConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// RuntimeConfig holds the worker-runtime settings: the pool's size, runtime
// binary, wrapper path and cleanup interval, the dispatcher's apps directory
// and config-cache TTL, and the config loader's body-size ceiling.
type RuntimeConfig struct {
	AppsDir             string        `json:"apps_dir" yaml:"apps_dir"`
	MaxWarmInstances    int           `json:"max_warm_instances" yaml:"max_warm_instances"`
	RuntimeBin          string        `json:"runtime_bin" yaml:"runtime_bin"`
	WrapperPath         string        `json:"wrapper_path" yaml:"wrapper_path"`
	CleanupInterval     time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	RuntimeMaxBodyBytes int64         `json:"runtime_max_body_bytes" yaml:"runtime_max_body_bytes"`
	ConfigCacheTTL      time.Duration `json:"config_cache_ttl" yaml:"config_cache_ttl"`
}

// MetricsConfig controls the observability endpoints.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// AuthConfig is a stub for the not-yet-implemented auth plugin surface;
// it is carried through config so a future plugin can read its settings
// without a config-format change.
type AuthConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	PublicPaths []string `json:"public_paths" yaml:"public_paths"`
}

// ShutdownConfig bounds how long the daemon waits for in-flight requests
// to finish before forcing worker termination.
type ShutdownConfig struct {
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

// DaemonConfig aggregates every setting the kilnd binary needs: the HTTP
// server, the worker pool/runtime, observability, and the auth-plugin
// stub. It is distinct from the per-app domain.WorkerConfig the
// ConfigLoader resolves per request.
type DaemonConfig struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Runtime  RuntimeConfig  `json:"runtime" yaml:"runtime"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Shutdown ShutdownConfig `json:"shutdown" yaml:"shutdown"`
}

// DefaultDaemonConfig returns a DaemonConfig with sensible defaults.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		Runtime: RuntimeConfig{
			AppsDir:             "./apps",
			MaxWarmInstances:    64,
			RuntimeBin:          "node",
			CleanupInterval:     1 * time.Second,
			RuntimeMaxBodyBytes: 10 << 20,
			ConfigCacheTTL:      2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "kiln",
		},
		Auth: AuthConfig{
			Enabled:     false,
			PublicPaths: []string{"/_kiln/stats", "/metrics"},
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 10 * time.Second,
		},
	}
}

// LoadDaemonConfigFromFile loads a DaemonConfig from a JSON or YAML file,
// selected by extension, layered on top of the defaults.
func LoadDaemonConfigFromFile(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultDaemonConfig()
	switch strings.ToLower(filepathExt(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}

func filepathExt(path string) string {
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		return path[idx:]
	}
	return ""
}

// LoadDaemonConfigFromEnv applies KILN_-prefixed environment variable
// overrides on top of cfg, mirroring the file/flag precedence order:
// defaults, then file, then env, then flags.
func LoadDaemonConfigFromEnv(cfg *DaemonConfig) {
	if v := os.Getenv("KILN_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("KILN_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("KILN_APPS_DIR"); v != "" {
		cfg.Runtime.AppsDir = v
	}
	if v := os.Getenv("KILN_RUNTIME_BIN"); v != "" {
		cfg.Runtime.RuntimeBin = v
	}
	if v := os.Getenv("KILN_WRAPPER_PATH"); v != "" {
		cfg.Runtime.WrapperPath = v
	}
	if v := os.Getenv("KILN_MAX_WARM_INSTANCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.MaxWarmInstances = n
		}
	}
	if v := os.Getenv("KILN_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("KILN_METRICS_NAMESPACE"); v != "" {
		cfg.Metrics.Namespace = v
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
