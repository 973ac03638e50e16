// Package config implements the ConfigLoader: given an app directory, it
// resolves a validated domain.WorkerConfig from manifest.yaml or, when there
// is none, a per-tool block inside a package-manifest JSON document, layered
// over built-in defaults. A .env file, if present, is merged into env, its
// keys winning over the manifest's.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kilnrun/kiln/internal/domain"
)

const (
	manifestFileName        = "manifest.yaml"
	packageManifestFileName = "package.json"
	envFileName             = ".env"

	// packageManifestToolKey is the per-tool config block key kiln reads
	// out of a package.json-shaped document, mirroring how Node tooling
	// embeds tool-specific config under a named key of package.json.
	packageManifestToolKey = "kiln"
)

// Loader resolves WorkerConfig for app directories. RuntimeMaxBodyBytes
// caps every resolved maxBodySizeBytes; a config that requests more is
// silently capped.
type Loader struct {
	RuntimeMaxBodyBytes int64
}

// NewLoader constructs a Loader with the given runtime body-size ceiling.
func NewLoader(runtimeMaxBodyBytes int64) *Loader {
	return &Loader{RuntimeMaxBodyBytes: runtimeMaxBodyBytes}
}

// Load reads and validates the WorkerConfig for appDir. Loads are
// independent and may be called concurrently; this method performs no
// caching itself — hot callers should memoize by directory.
func (l *Loader) Load(appDir string) (domain.WorkerConfig, domain.ManifestIdentity, error) {
	cfg := domain.Defaults()
	cfg.Entrypoint = discoverEntrypoint(appDir)
	cfg.FieldSources["entrypoint"] = domain.SourceDefault

	identity := domain.ManifestIdentity{}

	if raw, ok := readYAMLManifest(filepath.Join(appDir, manifestFileName)); ok {
		if err := applyManifestFields(&cfg, raw, domain.SourceManifest); err != nil {
			return domain.WorkerConfig{}, identity, fmt.Errorf("%w: %s", domain.ErrValidation, err)
		}
		identity = identityFromRaw(raw)
	} else if raw, ok := readPackageManifestBlock(filepath.Join(appDir, packageManifestFileName)); ok {
		if err := applyManifestFields(&cfg, raw, domain.SourcePackageManifest); err != nil {
			return domain.WorkerConfig{}, identity, fmt.Errorf("%w: %s", domain.ErrValidation, err)
		}
	}

	if pkgIdentity, ok := readPackageManifestIdentity(filepath.Join(appDir, packageManifestFileName)); ok && identity.Name == "" {
		identity = pkgIdentity
	}

	envFromFile, _ := godotenv.Read(filepath.Join(appDir, envFileName))
	for k, v := range envFromFile {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		cfg.Env[k] = v // .env wins over manifest keys
	}

	if cfg.MaxBodySizeBytes <= 0 || (l.RuntimeMaxBodyBytes > 0 && cfg.MaxBodySizeBytes > l.RuntimeMaxBodyBytes) {
		cfg.MaxBodySizeBytes = l.RuntimeMaxBodyBytes
	}

	if err := validate(&cfg); err != nil {
		return domain.WorkerConfig{}, identity, err
	}

	return cfg, identity, nil
}

func readYAMLManifest(path string) (map[string]any, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	return raw, true
}

func readPackageManifestBlock(path string) (map[string]any, bool) {
	doc, ok := readJSONDocument(path)
	if !ok {
		return nil, false
	}
	block, ok := doc[packageManifestToolKey].(map[string]any)
	if !ok {
		return nil, false
	}
	return block, true
}

func readPackageManifestIdentity(path string) (domain.ManifestIdentity, bool) {
	doc, ok := readJSONDocument(path)
	if !ok {
		return domain.ManifestIdentity{}, false
	}
	name, _ := doc["name"].(string)
	version, _ := doc["version"].(string)
	if name == "" {
		return domain.ManifestIdentity{}, false
	}
	return domain.ManifestIdentity{Name: name, Version: version}, true
}

func identityFromRaw(raw map[string]any) domain.ManifestIdentity {
	name, _ := raw["name"].(string)
	version, _ := raw["version"].(string)
	return domain.ManifestIdentity{Name: name, Version: version}
}

// discoverEntrypoint looks for the conventional entry file names when the
// manifest does not specify one explicitly.
func discoverEntrypoint(appDir string) string {
	for _, candidate := range []string{"index.js", "index.ts", "main.js", "server.js"} {
		if _, err := os.Stat(filepath.Join(appDir, candidate)); err == nil {
			return candidate
		}
	}
	return "index.js"
}

// applyManifestFields merges the recognized manifest.yaml keys into cfg,
// recording provenance for entrypoint, the duration fields, maxRequests and
// maxBodySize; the boolean flags, publicRoutes and env are merged without a
// provenance entry.
func applyManifestFields(cfg *domain.WorkerConfig, raw map[string]any, source domain.ConfigSource) error {
	if v, ok := raw["entrypoint"].(string); ok && v != "" {
		cfg.Entrypoint = v
		cfg.FieldSources["entrypoint"] = source
	}

	if v, ok := raw["timeout"]; ok {
		ms, err := parseDurationMs(v)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		cfg.TimeoutMs = ms
		cfg.FieldSources["timeoutMs"] = source
	}
	if v, ok := raw["idleTimeout"]; ok {
		ms, err := parseDurationMs(v)
		if err != nil {
			return fmt.Errorf("idleTimeout: %w", err)
		}
		cfg.IdleTimeoutMs = ms
		cfg.FieldSources["idleTimeoutMs"] = source
	}
	if v, ok := raw["ttl"]; ok {
		ms, err := parseDurationMs(v)
		if err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
		cfg.TTLMs = ms
		cfg.FieldSources["ttlMs"] = source
	}

	if v, ok := raw["maxRequests"]; ok {
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("maxRequests: %w", err)
		}
		cfg.MaxRequests = n
		cfg.FieldSources["maxRequests"] = source
	}

	if v, ok := raw["maxBodySize"]; ok {
		n, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("maxBodySize: %w", err)
		}
		cfg.MaxBodySizeBytes = n
		cfg.FieldSources["maxBodySizeBytes"] = source
	}

	if v, ok := raw["lowMemory"].(bool); ok {
		cfg.LowMemory = v
	}
	if v, ok := raw["autoInstall"].(bool); ok {
		cfg.AutoInstall = v
	}
	if v, ok := raw["injectBase"].(bool); ok {
		cfg.InjectBase = v
	}

	if v, ok := raw["publicRoutes"]; ok {
		routes, err := flattenPublicRoutes(v)
		if err != nil {
			return fmt.Errorf("publicRoutes: %w", err)
		}
		cfg.PublicRoutes = routes
	}

	if v, ok := raw["env"].(map[string]any); ok {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		for k, val := range v {
			cfg.Env[k] = coerceToString(val)
		}
	}

	return nil
}

// flattenPublicRoutes accepts either a flat array of paths or an object
// keyed by HTTP method -> array of paths, and flattens both into one list.
func flattenPublicRoutes(v any) ([]string, error) {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string path, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case map[string]any:
		var out []string
		for _, paths := range val {
			list, ok := paths.([]any)
			if !ok {
				return nil, fmt.Errorf("expected array of paths per method")
			}
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected string path, got %T", item)
				}
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported publicRoutes shape %T", v)
	}
}

func coerceToString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toInt(v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		return int(val), nil
	case string:
		var n int
		_, err := fmt.Sscanf(strings.TrimSpace(val), "%d", &n)
		return n, err
	default:
		return 0, fmt.Errorf("unsupported integer value type %T", v)
	}
}
