// Package pool implements the WorkerPool: a bounded, strictly-LRU cache of
// warm worker.Instance values keyed by an application's derived AppKey,
// with cold-start deduplication and health-driven retirement.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/kilnrun/kiln/internal/domain"
	"github.com/kilnrun/kiln/internal/metrics"
	"github.com/kilnrun/kiln/internal/worker"
)

// historicalStat accumulates totals for an app key across instance
// retirements, so getWorkerStats keeps counting a key's lifetime work even
// after its current instance is replaced.
type historicalStat struct {
	requestCount  int64
	totalLatency  int64
	retirements   int64
}

// entry is what the pool actually caches: the live instance plus the
// bookkeeping (originating directory, accumulated latency) the pool needs
// but worker.Instance has no reason to track itself.
type entry struct {
	instance *worker.Instance
	appDir   string

	latencyMu    sync.Mutex
	totalLatency int64
}

func (e *entry) addLatency(ms int64) {
	e.latencyMu.Lock()
	e.totalLatency += ms
	e.latencyMu.Unlock()
}

// Options configures a Pool.
type Options struct {
	MaxSize         int
	RuntimeBin      string
	WrapperPath     string
	CleanupInterval time.Duration
	MetricsNamespace string
}

// Pool is the WorkerPool: bounded LRU of warm instances, singleflight-
// deduplicated cold starts, and the counters needed for getMetrics.
type Pool struct {
	cache   *ttlcache.Cache[domain.AppKey, *entry]
	sf      singleflight.Group
	metrics *metrics.Recorder

	nextID   int64
	nextIDMu sync.Mutex
	opts     Options

	// spawn builds a new instance; it defaults to wrapping worker.New but
	// is swapped out in tests to avoid spawning real child processes.
	spawn func(id int64, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig) (*worker.Instance, error)

	historyMu sync.Mutex
	history   map[domain.AppKey]*historicalStat

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New constructs a Pool. The cache itself enforces the maxSize LRU bound
// via ttlcache's capacity eviction; per-entry health (idle/ttl/maxRequests)
// is enforced separately by the periodic cleanup sweep, since ttlcache's
// own TTL model doesn't capture the richer, app-specific health rule.
func New(opts Options) *Pool {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Second
	}

	cache := ttlcache.New[domain.AppKey, *entry](
		ttlcache.WithCapacity[domain.AppKey, *entry](uint64(opts.MaxSize)),
	)

	p := &Pool{
		cache:       cache,
		metrics:     metrics.NewRecorder(opts.MetricsNamespace),
		opts:        opts,
		history:     make(map[domain.AppKey]*historicalStat),
		stopCleanup: make(chan struct{}),
	}
	p.spawn = func(id int64, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig) (*worker.Instance, error) {
		return worker.New(id, appKey, appDir, cfg, opts.RuntimeBin, opts.WrapperPath)
	}

	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[domain.AppKey, *entry]) {
		capacityEviction := reason == ttlcache.EvictionReasonCapacity
		p.retireEntry(item.Key(), item.Value(), capacityEviction)
		if capacityEviction {
			p.metrics.RecordEviction()
		}
	})

	go cache.Start()
	go p.cleanupLoop()

	return p
}

// retireEntry retires the instance and folds its final stats into
// historicalStats, so a key's lifetime totals survive past any one
// instance's life. Called once per entry, from OnEviction.
//
// capacityEviction is true when the cache itself evicted the entry to stay
// within maxSize; that event is already counted in the pool-wide evictions
// metric, so it must not also be counted as a historical retirement, or the
// conservation identity (every worker ever created ends up counted as
// exactly one of: active, evicted, or historically retired) double-counts
// it. Any other reason (a stale/unhealthy entry explicitly deleted by
// getOrCreate or sweepUnhealthy) is a genuine health-driven retirement and
// is counted here instead.
func (p *Pool) retireEntry(key domain.AppKey, e *entry, capacityEviction bool) {
	e.instance.Retire()

	stats := e.instance.GetStats()

	p.historyMu.Lock()
	h, ok := p.history[key]
	if !ok {
		h = &historicalStat{}
		p.history[key] = h
	}
	h.requestCount += stats.RequestCount
	e.latencyMu.Lock()
	h.totalLatency += e.totalLatency
	e.latencyMu.Unlock()
	if !capacityEviction {
		h.retirements++
	}
	p.historyMu.Unlock()
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepUnhealthy()
		case <-p.stopCleanup:
			return
		}
	}
}

func (p *Pool) sweepUnhealthy() {
	var dead []domain.AppKey
	for _, key := range p.cache.Keys() {
		item := p.cache.Get(key, ttlcache.WithDisableTouchOnHit[domain.AppKey, *entry](true))
		if item == nil {
			continue
		}
		if !item.Value().instance.IsHealthy() {
			dead = append(dead, key)
		}
	}
	for _, key := range dead {
		p.cache.Delete(key) // triggers OnEviction -> retireEntry
	}
}

func (p *Pool) newInstanceID() int64 {
	p.nextIDMu.Lock()
	defer p.nextIDMu.Unlock()
	p.nextID++
	return p.nextID
}

// Fetch routes req to a worker for appKey/appDir, spawning or reusing an
// instance as required. Ephemeral apps (cfg.Ephemeral()) never touch the
// cache: each request gets its own instance that is retired immediately
// after serving it, and concurrent ephemeral requests for the same key are
// never deduplicated (they each get an independent cold start).
func (p *Pool) Fetch(ctx context.Context, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig, req *worker.Request) (*worker.Response, error) {
	if cfg.Ephemeral() {
		return p.fetchEphemeral(ctx, appKey, appDir, cfg, req)
	}
	return p.fetchCached(ctx, appKey, appDir, cfg, req)
}

func (p *Pool) fetchEphemeral(ctx context.Context, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig, req *worker.Request) (*worker.Response, error) {
	p.metrics.RecordMiss()

	inst, err := p.spawn(p.newInstanceID(), appKey, appDir, cfg)
	if err != nil {
		p.metrics.RecordWorkerFailed()
		return nil, err
	}
	p.metrics.RecordWorkerCreated()
	defer inst.Retire()

	start := time.Now()
	resp, err := inst.Fetch(ctx, req)
	p.metrics.RecordLatency(time.Since(start).Milliseconds())
	return resp, err
}

func (p *Pool) fetchCached(ctx context.Context, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig, req *worker.Request) (*worker.Response, error) {
	e, err := p.getOrCreate(appKey, appDir, cfg)
	if err != nil {
		return nil, err
	}
	if e.appDir != appDir {
		return nil, domain.ErrKeyCollision
	}

	start := time.Now()
	resp, err := e.instance.Fetch(ctx, req)
	elapsed := time.Since(start).Milliseconds()
	p.metrics.RecordLatency(elapsed)
	e.addLatency(elapsed)
	return resp, err
}

// getOrCreate returns the cached entry for appKey, spawning one if absent
// or stale. Concurrent callers racing on the same cold key are
// deduplicated by singleflight: the spawn, cache insertion, and miss/
// creation counters all happen exactly once regardless of how many
// callers join the in-flight call.
func (p *Pool) getOrCreate(appKey domain.AppKey, appDir string, cfg domain.WorkerConfig) (*entry, error) {
	if item := p.cache.Get(appKey); item != nil {
		e := item.Value()
		if e.appDir != appDir {
			// A different appDir mapping to the same key is a collision
			// regardless of the cached instance's health; report it without
			// ever spawning a replacement under the same key.
			return nil, domain.ErrKeyCollision
		}
		if e.instance.IsHealthy() {
			p.metrics.RecordHit()
			e.instance.Touch()
			return e, nil
		}
		// Stale hit: retire it and fall through to spawn a replacement.
		p.cache.Delete(appKey)
	}

	v, err, _ := p.sf.Do(string(appKey), func() (interface{}, error) {
		// Re-check: another goroutine may have populated the cache while
		// this call waited to become the singleflight leader, or raced in a
		// different appDir under the same key.
		if item := p.cache.Get(appKey); item != nil {
			e := item.Value()
			if e.appDir != appDir {
				return nil, domain.ErrKeyCollision
			}
			if e.instance.IsHealthy() {
				return e, nil
			}
			p.cache.Delete(appKey)
		}

		inst, err := p.spawn(p.newInstanceID(), appKey, appDir, cfg)
		if err != nil {
			p.metrics.RecordWorkerFailed()
			return nil, err
		}

		e := &entry{instance: inst, appDir: appDir}
		p.cache.Set(appKey, e, ttlcache.NoTTL)
		p.metrics.RecordMiss()
		p.metrics.RecordWorkerCreated()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// GetMetrics returns the pool's current PoolMetrics snapshot.
func (p *Pool) GetMetrics() metrics.Snapshot {
	return p.metrics.Snapshot(p.cache.Len())
}

// WorkerStatEntry is one row of getWorkerStats: a key's lifetime totals,
// merged across however many instances have served it.
type WorkerStatEntry struct {
	AppKey            domain.AppKey
	Live              bool
	Status            worker.Status
	Age               time.Duration
	Idle              time.Duration
	RequestCount      int64
	AvgResponseTimeMs float64
	Retirements       int64
}

// GetWorkerStats returns per-key stats merging any live instance with its
// key's historical totals, so a key's request count keeps climbing even
// after its backing instance has been replaced.
func (p *Pool) GetWorkerStats() []WorkerStatEntry {
	seen := make(map[domain.AppKey]bool)
	var out []WorkerStatEntry

	for _, key := range p.cache.Keys() {
		item := p.cache.Get(key, ttlcache.WithDisableTouchOnHit[domain.AppKey, *entry](true))
		if item == nil {
			continue
		}
		seen[key] = true
		e := item.Value()
		stats := e.instance.GetStats()

		p.historyMu.Lock()
		h := p.history[key]
		p.historyMu.Unlock()

		entry := WorkerStatEntry{
			AppKey:       key,
			Live:         true,
			Status:       stats.Status,
			Age:          stats.Age,
			Idle:         stats.Idle,
			RequestCount: stats.RequestCount,
		}
		e.latencyMu.Lock()
		totalLatency := e.totalLatency
		e.latencyMu.Unlock()
		if h != nil {
			entry.RequestCount += h.requestCount
			totalLatency += h.totalLatency
			entry.Retirements = h.retirements
		}
		if entry.RequestCount > 0 {
			entry.AvgResponseTimeMs = float64(totalLatency) / float64(entry.RequestCount)
		}
		out = append(out, entry)
	}

	p.historyMu.Lock()
	defer p.historyMu.Unlock()
	for key, h := range p.history {
		if seen[key] {
			continue
		}
		e := WorkerStatEntry{
			AppKey:       key,
			Live:         false,
			RequestCount: h.requestCount,
			Retirements:  h.retirements,
		}
		if h.requestCount > 0 {
			e.AvgResponseTimeMs = float64(h.totalLatency) / float64(h.requestCount)
		}
		out = append(out, e)
	}
	return out
}

// Shutdown retires every live instance and stops the background cleanup
// and expiration goroutines. It does not wait for child processes to
// fully exit; callers that need a hard deadline should race this against
// their own timeout.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopCleanup)
	})
	for _, key := range p.cache.Keys() {
		if item := p.cache.Get(key, ttlcache.WithDisableTouchOnHit[domain.AppKey, *entry](true)); item != nil {
			item.Value().instance.Retire()
		}
	}
	p.cache.Stop()
}
