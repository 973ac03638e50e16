package metrics

import "testing"

func TestSnapshotHitRate(t *testing.T) {
	r := NewRecorder("")
	r.RecordHit()
	r.RecordHit()
	r.RecordMiss()

	snap := r.Snapshot(2)
	if snap.Hits != 2 || snap.Misses != 1 {
		t.Fatalf("Hits/Misses = %d/%d, want 2/1", snap.Hits, snap.Misses)
	}
	if snap.TotalRequests != 3 {
		t.Fatalf("TotalRequests = %d, want 3", snap.TotalRequests)
	}
	want := 2.0 / 3.0
	if diff := snap.HitRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("HitRate = %v, want %v", snap.HitRate, want)
	}
	if snap.ActiveWorkers != 2 {
		t.Fatalf("ActiveWorkers = %d, want 2", snap.ActiveWorkers)
	}
}

func TestSnapshotAvgLatencyWindowed(t *testing.T) {
	r := NewRecorder("")
	for i := 0; i < latencySampleCount+10; i++ {
		r.RecordLatency(10)
	}
	r.RecordLatency(1000) // pushes out one of the 10ms samples

	snap := r.Snapshot(0)
	if snap.AvgResponseTimeMs <= 10 {
		t.Fatalf("AvgResponseTimeMs = %v, want > 10 after an outlier sample", snap.AvgResponseTimeMs)
	}
}

func TestSnapshotZeroRequests(t *testing.T) {
	r := NewRecorder("")
	snap := r.Snapshot(0)
	if snap.HitRate != 0 || snap.AvgResponseTimeMs != 0 || snap.RequestsPerSecond != 0 {
		t.Fatalf("Snapshot() with no traffic = %+v, want all derived rates zero", snap)
	}
}
