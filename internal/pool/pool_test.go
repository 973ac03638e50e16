package pool

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilnrun/kiln/internal/domain"
	"github.com/kilnrun/kiln/internal/worker"
	"github.com/kilnrun/kiln/internal/worker/workertest"
)

// newTestPool builds a Pool whose spawn function is backed by
// workertest fakes instead of real subprocesses. onSpawn, if non-nil, is
// invoked synchronously with each spawned fake child so the test can
// script its behavior.
func newTestPool(t *testing.T, maxSize int, onSpawn func(child *workertest.FakeChild)) *Pool {
	t.Helper()
	p := New(Options{MaxSize: maxSize, CleanupInterval: time.Hour})

	var id int64
	p.spawn = func(_ int64, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig) (*worker.Instance, error) {
		id++
		inst, child := workertest.New(id, appKey, appDir, cfg)
		if onSpawn != nil {
			onSpawn(child)
		}
		return inst, nil
	}

	t.Cleanup(p.Shutdown)
	return p
}

func autoRespond(t *testing.T, status int, body []byte) func(*workertest.FakeChild) {
	return func(child *workertest.FakeChild) {
		go func() {
			if err := child.SendReady(); err != nil {
				return
			}
			for {
				if err := child.Respond(status, body); err != nil {
					return
				}
			}
		}()
	}
}

func warmConfig() domain.WorkerConfig {
	cfg := domain.Defaults()
	cfg.TimeoutMs = 1000
	cfg.IdleTimeoutMs = 60_000
	cfg.TTLMs = 60_000
	cfg.MaxRequests = 1000
	return cfg
}

func TestFetchReusesWarmInstance(t *testing.T) {
	p := newTestPool(t, 4, autoRespond(t, 200, []byte("ok")))
	cfg := warmConfig()

	for i := 0; i < 3; i++ {
		_, err := p.Fetch(context.Background(), "app@1.0.0", "/apps/app", cfg, &worker.Request{Method: "GET", URL: "/"})
		if err != nil {
			t.Fatalf("Fetch() #%d error = %v", i, err)
		}
	}

	snap := p.GetMetrics()
	if snap.Misses != 1 {
		t.Fatalf("Misses = %d, want 1 (only the first fetch should cold-start)", snap.Misses)
	}
	if snap.Hits != 2 {
		t.Fatalf("Hits = %d, want 2", snap.Hits)
	}
}

func TestFetchDetectsKeyCollision(t *testing.T) {
	p := newTestPool(t, 4, autoRespond(t, 200, nil))
	cfg := warmConfig()

	if _, err := p.Fetch(context.Background(), "app@1.0.0", "/apps/app-a", cfg, &worker.Request{Method: "GET", URL: "/"}); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}

	_, err := p.Fetch(context.Background(), "app@1.0.0", "/apps/app-b", cfg, &worker.Request{Method: "GET", URL: "/"})
	if err != domain.ErrKeyCollision {
		t.Fatalf("Fetch() error = %v, want ErrKeyCollision", err)
	}
}

// TestFetchDetectsKeyCollisionEvenWhenCachedEntryIsUnhealthy guards against
// a collision being silently masked: an unhealthy cached entry must not be
// torn down and replaced under a different appDir without reporting the
// collision first.
func TestFetchDetectsKeyCollisionEvenWhenCachedEntryIsUnhealthy(t *testing.T) {
	p := newTestPool(t, 4, autoRespond(t, 200, nil))
	cfg := warmConfig()
	cfg.MaxRequests = 1

	if _, err := p.Fetch(context.Background(), "app@1.0.0", "/apps/app-a", cfg, &worker.Request{Method: "GET", URL: "/"}); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}

	_, err := p.Fetch(context.Background(), "app@1.0.0", "/apps/app-b", warmConfig(), &worker.Request{Method: "GET", URL: "/"})
	if err != domain.ErrKeyCollision {
		t.Fatalf("Fetch() error = %v, want ErrKeyCollision", err)
	}
}

func TestFetchEphemeralNeverCached(t *testing.T) {
	p := newTestPool(t, 4, autoRespond(t, 200, nil))
	cfg := domain.Defaults()
	cfg.TimeoutMs = 1000
	cfg.TTLMs = 0 // ephemeral

	for i := 0; i < 2; i++ {
		if _, err := p.Fetch(context.Background(), "app@1.0.0", "/apps/app", cfg, &worker.Request{Method: "GET", URL: "/"}); err != nil {
			t.Fatalf("Fetch() #%d error = %v", i, err)
		}
	}

	snap := p.GetMetrics()
	if snap.Misses != 2 {
		t.Fatalf("Misses = %d, want 2 (ephemeral requests never hit the cache)", snap.Misses)
	}
	if snap.ActiveWorkers != 0 {
		t.Fatalf("ActiveWorkers = %d, want 0 (ephemeral instances are never cached)", snap.ActiveWorkers)
	}
}

func TestEvictionAtCapacityRetiresLRUAndKeepsHistory(t *testing.T) {
	p := newTestPool(t, 1, autoRespond(t, 200, nil))
	cfg := warmConfig()

	if _, err := p.Fetch(context.Background(), "a@1.0.0", "/apps/a", cfg, &worker.Request{Method: "GET", URL: "/"}); err != nil {
		t.Fatalf("Fetch(a) error = %v", err)
	}
	if _, err := p.Fetch(context.Background(), "b@1.0.0", "/apps/b", cfg, &worker.Request{Method: "GET", URL: "/"}); err != nil {
		t.Fatalf("Fetch(b) error = %v", err)
	}

	// Give the eviction callback a moment to run; ttlcache evicts
	// synchronously inside Set, but retireEntry below it does async I/O.
	time.Sleep(50 * time.Millisecond)

	snap := p.GetMetrics()
	if snap.Evictions != 1 {
		t.Fatalf("Evictions = %d, want 1", snap.Evictions)
	}
	if snap.ActiveWorkers != 1 {
		t.Fatalf("ActiveWorkers = %d, want 1", snap.ActiveWorkers)
	}

	var foundA bool
	for _, s := range p.GetWorkerStats() {
		if s.AppKey == "a@1.0.0" {
			foundA = true
			if s.Live {
				t.Fatal("stats for evicted key a@1.0.0 report Live = true")
			}
			if s.RequestCount != 1 {
				t.Fatalf("RequestCount for evicted key = %d, want 1", s.RequestCount)
			}
		}
	}
	if !foundA {
		t.Fatal("GetWorkerStats() dropped the evicted key's historical entry")
	}
}

// TestCapacityEvictionSatisfiesWorkerConservation asserts that every worker
// ever created is accounted for exactly once: totalWorkersCreated equals
// historicalRetirements + activeWorkers + evictions. A capacity eviction
// must not be double-counted as both an eviction and a historical
// retirement, or this identity breaks.
func TestCapacityEvictionSatisfiesWorkerConservation(t *testing.T) {
	p := newTestPool(t, 2, autoRespond(t, 200, nil))
	cfg := warmConfig()

	for _, key := range []string{"a@1.0.0", "b@1.0.0", "c@1.0.0"} {
		name := strings.TrimSuffix(key, "@1.0.0")
		if _, err := p.Fetch(context.Background(), domain.AppKey(key), "/apps/"+name, cfg, &worker.Request{Method: "GET", URL: "/"}); err != nil {
			t.Fatalf("Fetch(%s) error = %v", key, err)
		}
	}

	time.Sleep(50 * time.Millisecond)

	snap := p.GetMetrics()
	if snap.TotalWorkersCreated != 3 {
		t.Fatalf("TotalWorkersCreated = %d, want 3", snap.TotalWorkersCreated)
	}
	if snap.Evictions != 1 {
		t.Fatalf("Evictions = %d, want 1", snap.Evictions)
	}
	if snap.ActiveWorkers != 2 {
		t.Fatalf("ActiveWorkers = %d, want 2", snap.ActiveWorkers)
	}

	var historicalRetirements int64
	for _, s := range p.GetWorkerStats() {
		if !s.Live {
			historicalRetirements += s.Retirements
		}
	}

	got := historicalRetirements + int64(snap.ActiveWorkers) + snap.Evictions
	if got != snap.TotalWorkersCreated {
		t.Fatalf("historicalRetirements(%d) + activeWorkers(%d) + evictions(%d) = %d, want totalWorkersCreated %d",
			historicalRetirements, snap.ActiveWorkers, snap.Evictions, got, snap.TotalWorkersCreated)
	}
}

func TestConcurrentColdStartIsDeduplicated(t *testing.T) {
	var spawns atomic.Int32
	p := New(Options{MaxSize: 4, CleanupInterval: time.Hour})
	t.Cleanup(p.Shutdown)

	var id int64
	p.spawn = func(_ int64, appKey domain.AppKey, appDir string, cfg domain.WorkerConfig) (*worker.Instance, error) {
		spawns.Add(1)
		id++
		inst, child := workertest.New(id, appKey, appDir, cfg)
		go func() {
			if err := child.SendReady(); err != nil {
				return
			}
			for {
				if err := child.Respond(200, nil); err != nil {
					return
				}
			}
		}()
		return inst, nil
	}

	cfg := warmConfig()
	const concurrency = 8
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			if _, err := p.Fetch(context.Background(), "app@1.0.0", "/apps/app", cfg, &worker.Request{Method: "GET", URL: "/"}); err != nil {
				t.Errorf("Fetch() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := spawns.Load(); got != 1 {
		t.Fatalf("spawn called %d times, want exactly 1 under concurrent cold start", got)
	}
	if snap := p.GetMetrics(); snap.Misses != 1 || snap.TotalWorkersCreated != 1 {
		t.Fatalf("Misses/TotalWorkersCreated = %d/%d, want 1/1", snap.Misses, snap.TotalWorkersCreated)
	}
}
