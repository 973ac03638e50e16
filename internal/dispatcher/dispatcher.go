// Package dispatcher implements the RequestDispatcher: the hot path from
// an inbound HTTP request to a worker invocation and back.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnrun/kiln/internal/config"
	"github.com/kilnrun/kiln/internal/domain"
	"github.com/kilnrun/kiln/internal/logging"
	"github.com/kilnrun/kiln/internal/plugin"
	"github.com/kilnrun/kiln/internal/worker"
)

// Pool is the subset of *pool.Pool the dispatcher depends on, so tests
// can substitute a fake without a real worker pool.
type Pool interface {
	Fetch(ctx context.Context, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig, req *worker.Request) (*worker.Response, error)
}

// defaultConfigCacheTTL bounds how long a resolved WorkerConfig is reused
// before the dispatcher re-reads the app's manifest from disk.
const defaultConfigCacheTTL = 2 * time.Second

type cachedConfig struct {
	cfg      domain.WorkerConfig
	identity domain.ManifestIdentity
	loadedAt time.Time
}

// Options configures a Dispatcher.
type Options struct {
	AppsDir        string // directory containing one subdirectory per deployed app
	Loader         *config.Loader
	Pool           Pool
	Chain          *plugin.Chain // may be nil; an empty chain is a no-op
	ConfigCacheTTL time.Duration
	AuditLog       *logging.Logger
}

// Dispatcher implements the front-door request/response path: correlation
// id assignment, CSRF/origin checks, app resolution, body-size
// enforcement, plugin hooks, and the pool call.
type Dispatcher struct {
	appsDir  string
	loader   *config.Loader
	pool     Pool
	chain    *plugin.Chain
	auditLog *logging.Logger
	cacheTTL time.Duration

	// mounts holds plugin-registered path prefixes, checked before the
	// generic /{appName}/* rule.
	mounts sync.Map // string prefix -> string appDir

	configMu sync.Mutex
	configs  map[string]cachedConfig
}

// New constructs a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.ConfigCacheTTL <= 0 {
		opts.ConfigCacheTTL = defaultConfigCacheTTL
	}
	if opts.Chain == nil {
		opts.Chain = plugin.NewChain()
	}
	if opts.AuditLog == nil {
		opts.AuditLog = logging.Default()
	}
	return &Dispatcher{
		appsDir:  opts.AppsDir,
		loader:   opts.Loader,
		pool:     opts.Pool,
		chain:    opts.Chain,
		auditLog: opts.AuditLog,
		cacheTTL: opts.ConfigCacheTTL,
		configs:  make(map[string]cachedConfig),
	}
}

// MountPlugin registers a path prefix resolved directly to appDir, ahead
// of the generic /{appName}/* rule.
func (d *Dispatcher) MountPlugin(prefix, appDir string) {
	d.mounts.Store(prefix, appDir)
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", reqID)

	status, appKey, bodyLen, coldStart, outErr := d.dispatch(w, r, reqID)

	d.auditLog.Log(&logging.DispatchLog{
		Timestamp:  start,
		RequestID:  reqID,
		AppKey:     string(appKey),
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		DurationMs: time.Since(start).Milliseconds(),
		ColdStart:  coldStart,
		Success:    outErr == nil,
		BodyBytes:  bodyLen,
		Error:      errString(outErr),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// dispatch runs the dispatcher's ordered request pipeline and writes the
// HTTP response itself, returning bookkeeping for the audit log.
func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, reqID string) (status int, appKey domain.AppKey, bodyLen int, coldStart bool, outErr error) {
	if err := checkCSRF(r); err != nil {
		mapped := mapDispatchError(err)
		writeError(w, reqID, mapped.status, mapped.code, mapped.msg)
		return mapped.status, "", 0, false, err
	}

	appDir, ok := d.resolveApp(r.URL.Path)
	if !ok {
		err := fmt.Errorf("%w: no application matches %q", domain.ErrResolutionFailure, r.URL.Path)
		mapped := mapDispatchError(err)
		writeError(w, reqID, mapped.status, mapped.code, mapped.msg)
		return mapped.status, "", 0, false, err
	}

	cfg, identity, err := d.loadConfig(appDir)
	if err != nil {
		writeError(w, reqID, http.StatusInternalServerError, "validation", err.Error())
		return http.StatusInternalServerError, "", 0, false, err
	}
	appKey = domain.DeriveAppKey(appDir, identity)

	body, err := readBoundedBody(r, cfg.MaxBodySizeBytes)
	if err != nil {
		mapped := mapDispatchError(err)
		writeError(w, reqID, mapped.status, mapped.code, mapped.msg)
		return mapped.status, appKey, 0, false, err
	}
	bodyLen = len(body)

	hookRes, err := d.chain.RunRequest(r.Context(), r)
	if err != nil {
		writeError(w, reqID, http.StatusInternalServerError, "internal", err.Error())
		return http.StatusInternalServerError, appKey, bodyLen, false, err
	}
	if hookRes.Terminated() {
		writePluginResponse(w, reqID, hookRes.Response)
		return hookRes.Response.Status, appKey, bodyLen, false, nil
	}

	// hookRes.Request carries whatever the hook chain left behind: the
	// original r if no hook rewrote it, or a hook's replacement otherwise.
	// Build the outgoing request from it, not from r, or a hook's rewrite
	// of the method/URL/headers never reaches the worker.
	outgoing := hookRes.Request
	if outgoing == nil {
		outgoing = r
	}
	req := &worker.Request{
		Method:  outgoing.Method,
		URL:     outgoing.URL.RequestURI(),
		Headers: flattenHeaders(outgoing.Header),
		Body:    body,
	}

	resp, fetchErr := d.pool.Fetch(r.Context(), appKey, appDir, cfg, req)
	if fetchErr != nil {
		mapped := mapDispatchError(fetchErr)
		writeError(w, reqID, mapped.status, mapped.code, mapped.msg)
		return mapped.status, appKey, bodyLen, false, fetchErr
	}

	pluginResp := &plugin.Response{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}
	respRes, err := d.chain.RunResponse(r.Context(), r, pluginResp)
	if err != nil {
		writeError(w, reqID, http.StatusInternalServerError, "internal", err.Error())
		return http.StatusInternalServerError, appKey, bodyLen, false, err
	}

	writePluginResponse(w, reqID, respRes.Response)
	return respRes.Response.Status, appKey, bodyLen, false, nil
}

func writePluginResponse(w http.ResponseWriter, reqID string, resp *plugin.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func writeError(w http.ResponseWriter, reqID string, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", reqID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      code,
		"message":    msg,
		"request_id": reqID,
	})
}

// checkCSRF enforces the origin check for state-changing methods.
func checkCSRF(r *http.Request) error {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil
	}
	if r.Header.Get("X-Internal") != "" {
		return nil
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return fmt.Errorf("%w: missing Origin header for state-changing request", domain.ErrCSRFRejected)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("%w: invalid Origin header", domain.ErrCSRFRejected)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: Origin scheme must be http or https", domain.ErrCSRFRejected)
	}
	if u.User != nil {
		return fmt.Errorf("%w: Origin must not carry credentials", domain.ErrCSRFRejected)
	}
	if !strings.EqualFold(u.Host, r.Host) {
		return fmt.Errorf("%w: Origin host does not match request Host", domain.ErrCSRFRejected)
	}
	return nil
}

// resolveApp finds the target app directory for a request path: plugin-
// mounted prefixes first, then the generic /{appName}/* rule.
func (d *Dispatcher) resolveApp(path string) (string, bool) {
	var match string
	d.mounts.Range(func(k, v any) bool {
		prefix := k.(string)
		if strings.HasPrefix(path, prefix) && len(prefix) > len(match) {
			match = v.(string)
		}
		return true
	})
	if match != "" {
		return match, true
	}

	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", false
	}
	appName := trimmed
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		appName = trimmed[:idx]
	}
	if appName == "" {
		return "", false
	}
	return filepath.Join(d.appsDir, appName), true
}

// loadConfig returns appDir's WorkerConfig, reusing a recent load when
// within cacheTTL, per the loader's own recommendation that hot callers
// memoize by directory.
func (d *Dispatcher) loadConfig(appDir string) (domain.WorkerConfig, domain.ManifestIdentity, error) {
	d.configMu.Lock()
	if cached, ok := d.configs[appDir]; ok && time.Since(cached.loadedAt) < d.cacheTTL {
		d.configMu.Unlock()
		return cached.cfg, cached.identity, nil
	}
	d.configMu.Unlock()

	cfg, identity, err := d.loader.Load(appDir)
	if err != nil {
		return domain.WorkerConfig{}, domain.ManifestIdentity{}, err
	}

	d.configMu.Lock()
	d.configs[appDir] = cachedConfig{cfg: cfg, identity: identity, loadedAt: time.Now()}
	d.configMu.Unlock()

	return cfg, identity, nil
}

// readBoundedBody reads at most maxBytes+1 bytes so a body exactly at the
// limit is accepted and one byte more is rejected. maxBytes <= 0 means no
// app-specific cap.
func readBoundedBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	if maxBytes <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds the application's maxBodySize of %d bytes", domain.ErrPayloadTooLarge, maxBytes)
	}
	return body, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

type mappedError struct {
	status int
	code   string
	msg    string
}

// mapDispatchError is the single point translating the dispatcher's own
// sentinel errors, and those returned by the pool/worker layers below it,
// into an HTTP status.
func mapDispatchError(err error) mappedError {
	switch {
	case errors.Is(err, domain.ErrResolutionFailure):
		return mappedError{http.StatusNotFound, "resolution_failure", err.Error()}
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return mappedError{http.StatusRequestEntityTooLarge, "payload_too_large", err.Error()}
	case errors.Is(err, domain.ErrCSRFRejected):
		return mappedError{http.StatusForbidden, "csrf_rejected", err.Error()}
	case errors.Is(err, domain.ErrTimeout):
		return mappedError{http.StatusGatewayTimeout, "timeout", err.Error()}
	case errors.Is(err, domain.ErrWorkerCrashed):
		return mappedError{http.StatusBadGateway, "worker_crashed", err.Error()}
	case errors.Is(err, domain.ErrWorkerUnavailable):
		return mappedError{http.StatusServiceUnavailable, "worker_unavailable", err.Error()}
	case errors.Is(err, domain.ErrKeyCollision):
		return mappedError{http.StatusInternalServerError, "key_collision", err.Error()}
	case errors.Is(err, domain.ErrSpawnFailure):
		return mappedError{http.StatusBadGateway, "spawn_failure", err.Error()}
	default:
		return mappedError{http.StatusInternalServerError, "internal", err.Error()}
	}
}
