package metrics

import (
	"testing"
	"time"
)

func TestHistogramObserve(t *testing.T) {
	h := NewHistogram("webhook_dispatch")
	for _, d := range []time.Duration{
		10 * time.Millisecond,
		50 * time.Millisecond,
		200 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
	} {
		h.Observe(d)
	}

	snap := h.Snapshot()
	if snap.Count != 5 {
		t.Errorf("count = %d, want 5", snap.Count)
	}
	if snap.Sum <= 0 {
		t.Error("sum should be positive")
	}
	if snap.Name != "webhook_dispatch" {
		t.Errorf("name = %q, want webhook_dispatch", snap.Name)
	}
}

func TestHistogramPercentiles(t *testing.T) {
	h := NewHistogram("p_test")
	for i := 0; i < 100; i++ {
		h.Observe(10 * time.Millisecond)
	}
	// every sample is 10ms, so all percentiles land in the 0.01 bucket
	for _, p := range []float64{0.50, 0.95, 0.99} {
		if got := h.Percentile(p); got > 0.025 {
			t.Errorf("p%.0f = %f, want <= 0.025", p*100, got)
		}
	}
}

func TestHistogramEmpty(t *testing.T) {
	h := NewHistogram("empty")
	if p := h.Percentile(0.50); p != 0 {
		t.Errorf("empty p50 = %f, want 0", p)
	}
	if snap := h.Snapshot(); snap.Count != 0 {
		t.Errorf("count = %d, want 0", snap.Count)
	}
}

func TestHistogramRegistry(t *testing.T) {
	reg := NewHistogramRegistry()
	reg.ObserveDuration("POST /v1/events", 100*time.Millisecond)
	reg.ObserveDuration("POST /v1/events", 200*time.Millisecond)
	reg.ObserveDuration("POST /v1/invoke", 50*time.Millisecond)

	if snaps := reg.Snapshots(); len(snaps) != 2 {
		t.Fatalf("len(snaps) = %d, want 2", len(snaps))
	}

	h1 := reg.Get("POST /v1/events")
	h2 := reg.Get("POST /v1/events")
	if h1 != h2 {
		t.Error("Get should return the same histogram instance")
	}
}

func TestHistogramSnapshotPercentiles(t *testing.T) {
	h := NewHistogram("snap_test")
	for i := 0; i < 90; i++ {
		h.Observe(5 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(2 * time.Second)
	}

	snap := h.Snapshot()
	if snap.Count != 100 {
		t.Fatalf("count = %d, want 100", snap.Count)
	}
	if snap.P50 > 0.01 {
		t.Errorf("p50 = %f, want <= 0.01", snap.P50)
	}
	if snap.P99 < 0.1 {
		t.Errorf("p99 = %f, want >= 0.1 given slow tail", snap.P99)
	}
}

func TestRegistryObserveLatency(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveLatency("GET /healthz", 10*time.Millisecond)
	reg.ObserveLatency("GET /healthz", 20*time.Millisecond)

	snap := reg.Snapshot()
	if len(snap.Histograms) != 1 {
		t.Fatalf("expected 1 histogram, got %d", len(snap.Histograms))
	}
	if snap.Histograms[0].Count != 2 {
		t.Errorf("histogram count = %d, want 2", snap.Histograms[0].Count)
	}
}
