// Unit tests for Prometheus metrics implementation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestCounterBasic(t *testing.T) {
	c := NewCounter("test_counter", "A test counter")

	if v := c.Get(nil); v != 0 {
		t.Errorf("expected initial value 0, got %d", v)
	}
	c.Inc(nil)
	c.Add(nil, 10)
	if v := c.Get(nil); v != 11 {
		t.Errorf("expected value 11, got %d", v)
	}
	if c.Name() != "test_counter" || c.Type() != TypeCounter {
		t.Errorf("unexpected identity: %s %s", c.Name(), c.Type())
	}
}

func TestCounterSync(t *testing.T) {
	c := NewCounter("synced_total", "Synced")
	c.Sync(nil, 5)
	c.Sync(nil, 3)
	if v := c.Get(nil); v != 5 {
		t.Errorf("expected lower total ignored, got %d", v)
	}
	c.Sync(nil, 9)
	if v := c.Get(nil); v != 9 {
		t.Errorf("expected 9, got %d", v)
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter("concurrent_counter", "Concurrent test")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc(Labels{"side": "odd"})
			}
		}()
	}
	wg.Wait()
	if v := c.Get(Labels{"side": "odd"}); v != 5000 {
		t.Errorf("expected 5000, got %d", v)
	}
}

func TestGaugeBasic(t *testing.T) {
	g := NewGauge("test_gauge", "A test gauge")
	g.Set(nil, 42.5)
	g.Add(nil, -2.5)
	if v := g.Get(nil); v != 40 {
		t.Errorf("expected 40, got %v", v)
	}
	g.SetBool(Labels{"side": "even"}, true)
	if v := g.Get(Labels{"side": "even"}); v != 1 {
		t.Errorf("expected 1, got %v", v)
	}
	g.SetBool(Labels{"side": "even"}, false)
	if v := g.Get(Labels{"side": "even"}); v != 0 {
		t.Errorf("expected 0, got %v", v)
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("test_histogram", "A test histogram", []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.1, 0.3, 0.8, 2.0} {
		h.Observe(nil, v)
	}
	snap := h.GetSnapshot(nil)
	if snap.Count != 5 {
		t.Errorf("expected count 5, got %d", snap.Count)
	}
	want := map[float64]uint64{0.1: 2, 0.5: 3, 1: 4}
	for bound, n := range want {
		if snap.Buckets[bound] != n {
			t.Errorf("bucket %v = %d, want %d", bound, snap.Buckets[bound], n)
		}
	}
	if empty := h.GetSnapshot(Labels{"x": "y"}); empty.Count != 0 {
		t.Errorf("expected empty snapshot, got %+v", empty)
	}
}

func TestHistogramDuration(t *testing.T) {
	h := NewHistogram("settle_seconds", "Settle", ExponentialBuckets(5e-6, 2, 4))
	h.ObserveDuration(nil, 30*time.Microsecond)
	snap := h.GetSnapshot(nil)
	if snap.Buckets[4e-5] != 1 || snap.Buckets[2e-5] != 0 {
		t.Errorf("unexpected buckets: %v", snap.Buckets)
	}
}

func TestBucketHelpers(t *testing.T) {
	lin := LinearBuckets(1, 2, 3)
	if lin[0] != 1 || lin[1] != 3 || lin[2] != 5 {
		t.Errorf("LinearBuckets = %v", lin)
	}
	exp := ExponentialBuckets(1, 10, 3)
	if exp[0] != 1 || exp[1] != 10 || exp[2] != 100 {
		t.Errorf("ExponentialBuckets = %v", exp)
	}
	if len(DefaultBuckets()) == 0 {
		t.Error("expected default buckets")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	c := NewCounter("my_counter", "A counter")
	if err := r.Register(c); err != nil {
		t.Fatalf("failed to register counter: %v", err)
	}
	if err := r.Register(c); err == nil {
		t.Error("expected error on duplicate registration")
	}
	if r.Get("my_counter") != c {
		t.Error("expected registered counter")
	}
}

func TestRegistryGather(t *testing.T) {
	r := NewRegistry()
	c := NewCounter("test_requests_total", "Total requests")
	c.Add(Labels{"side": "odd"}, 100)
	c.Add(Labels{"side": "even"}, 50)
	g := NewGauge("test_capacity", "Capacity")
	g.Set(nil, 25.5)
	h := NewHistogram("test_duration_seconds", "Duration", []float64{0.1, 1})
	h.Observe(nil, 0.05)
	h.Observe(nil, 2)
	r.MustRegister(c, g, h)

	want := `# HELP test_requests_total Total requests
# TYPE test_requests_total counter
test_requests_total{side="even"} 50
test_requests_total{side="odd"} 100
# HELP test_capacity Capacity
# TYPE test_capacity gauge
test_capacity 25.5
# HELP test_duration_seconds Duration
# TYPE test_duration_seconds histogram
test_duration_seconds_bucket{le="0.1"} 1
test_duration_seconds_bucket{le="1"} 1
test_duration_seconds_bucket{le="+Inf"} 2
test_duration_seconds_sum 2.05
test_duration_seconds_count 2
`
	if got := r.Gather(); got != want {
		t.Errorf("Gather =\n%s\nwant\n%s", got, want)
	}
}

func TestLabels(t *testing.T) {
	tests := []struct {
		labels Labels
		key    string
		str    string
	}{
		{nil, "", ""},
		{Labels{"b": "2", "a": "1"}, "a=1,b=2", `{a="1",b="2"}`},
		{Labels{"msg": "say \"hi\"\n"}, "msg=say \"hi\"\n", `{msg="say \"hi\"\n"}`},
	}
	for _, tt := range tests {
		if got := tt.labels.Key(); got != tt.key {
			t.Errorf("Key = %q, want %q", got, tt.key)
		}
		if got := tt.labels.String(); got != tt.str {
			t.Errorf("String = %q, want %q", got, tt.str)
		}
	}

	base := Labels{"side": "odd"}
	with := base.With("le", "1")
	if len(base) != 1 || with["le"] != "1" || with["side"] != "odd" {
		t.Errorf("With modified base or lost labels: %v %v", base, with)
	}
}
