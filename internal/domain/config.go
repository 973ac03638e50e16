package domain

// ConfigSource records which layer supplied a resolved WorkerConfig field,
// purely for operator diagnostics; it never changes the resolved value.
type ConfigSource string

const (
	SourceManifest        ConfigSource = "manifest"
	SourcePackageManifest ConfigSource = "package_manifest"
	SourceDefault         ConfigSource = "default"
)

// WorkerConfig is the fully-resolved, validated configuration for one app's
// workers. All durations are milliseconds internally; the loader accepts
// seconds or duration strings ("5m") from manifest.yaml and normalizes them.
type WorkerConfig struct {
	Entrypoint string `json:"entrypoint" yaml:"entrypoint"`

	TimeoutMs     int64 `json:"timeoutMs" yaml:"-"`
	IdleTimeoutMs int64 `json:"idleTimeoutMs" yaml:"-"`
	TTLMs         int64 `json:"ttlMs" yaml:"-"`

	MaxRequests      int   `json:"maxRequests" yaml:"maxRequests"`
	MaxBodySizeBytes int64 `json:"maxBodySizeBytes" yaml:"-"`

	LowMemory   bool `json:"lowMemory" yaml:"lowMemory"`
	AutoInstall bool `json:"autoInstall" yaml:"autoInstall"`

	// PublicRoutes holds paths exempt from auth, either a flat list or
	// (per manifest.yaml) a method -> paths map; ConfigLoader flattens
	// both shapes into this slice.
	PublicRoutes []string `json:"publicRoutes" yaml:"-"`

	Env map[string]string `json:"env" yaml:"env"`

	InjectBase bool `json:"injectBase" yaml:"injectBase"`

	// FieldSources tracks provenance per resolved field, for diagnostics.
	FieldSources map[string]ConfigSource `json:"-" yaml:"-"`
}

// Defaults returns the runtime's built-in WorkerConfig defaults.
func Defaults() WorkerConfig {
	return WorkerConfig{
		TimeoutMs:        30_000,
		IdleTimeoutMs:    60_000,
		TTLMs:            0,
		MaxRequests:      1_000,
		MaxBodySizeBytes: 0, // 0 means "inherit runtime max"; resolved by the loader
		FieldSources:     make(map[string]ConfigSource),
	}
}

// Ephemeral reports whether this config describes a one-shot worker.
func (c WorkerConfig) Ephemeral() bool { return c.TTLMs == 0 }
