// Printhead metrics definitions
//
// Scan buffer occupancy, burst dispatch and engine counters for one HP45
// head, plus Go runtime gauges for the host process.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	goruntime "runtime"
	"sync"
	"time"

	"hp45-host/pkg/head"
	"hp45-host/pkg/printer"
)

// HeadMetrics holds the metrics exported for a printhead.
type HeadMetrics struct {
	// Scan buffer
	BufferReadSpace  *Gauge
	BufferWriteSpace *Gauge
	BufferCapacity   *Gauge
	BufferLoops      *Gauge
	SideActive       *Gauge
	LinesWritten     *Counter
	LinesConsumed    *Counter
	LinesRejected    *Counter
	Starved          *Counter
	Overwrites       *Counter

	// Dispatch
	BurstsDispatched *Counter
	BurstsCompleted  *Counter
	BurstsRejected   *Counter
	InFlight         *Gauge
	SettleWait       *Histogram

	// Engine
	HeadEnabled   *Gauge
	EngineRunning *Gauge
	Position      *Gauge
	Steps         *Counter
	Deferred      *Counter
	ManualBursts  *Counter

	// Host process
	HostUptime    *Gauge
	GoGoroutines  *Gauge
	GoMemoryHeap  *Gauge
	GoMemoryAlloc *Gauge
	GoGCCycles    *Counter

	registry  *Registry
	startTime time.Time

	mu             sync.Mutex
	lastDispatched uint64
}

// NewHeadMetrics creates and registers the printhead metrics.
func NewHeadMetrics() *HeadMetrics {
	hm := &HeadMetrics{
		BufferReadSpace:  NewGauge("hp45_buffer_read_space", "Unread lines per side"),
		BufferWriteSpace: NewGauge("hp45_buffer_write_space", "Lines that can be added without overwriting"),
		BufferCapacity:   NewGauge("hp45_buffer_capacity", "Scan buffer ring size"),
		BufferLoops:      NewGauge("hp45_buffer_loops", "Completed passes of a looping buffer"),
		SideActive:       NewGauge("hp45_side_active", "Whether a side is permitted to fire (1=yes)"),
		LinesWritten:     NewCounter("hp45_lines_written_total", "Lines added to the scan buffer"),
		LinesConsumed:    NewCounter("hp45_lines_consumed_total", "Lines consumed per side"),
		LinesRejected:    NewCounter("hp45_lines_rejected_total", "Lines rejected because the buffer was full"),
		Starved:          NewCounter("hp45_buffer_starved_total", "Reads attempted on an empty side"),
		Overwrites:       NewCounter("hp45_buffer_overwrites_total", "Unread lines overwritten in static mode"),

		BurstsDispatched: NewCounter("hp45_bursts_dispatched_total", "Bursts handed to the transfer hardware"),
		BurstsCompleted:  NewCounter("hp45_bursts_completed_total", "Bursts whose transfer completed"),
		BurstsRejected:   NewCounter("hp45_bursts_rejected_total", "Dispatches rejected while a transfer was in flight"),
		InFlight:         NewGauge("hp45_burst_in_flight", "Whether a transfer is in flight (1=yes)"),
		SettleWait: NewHistogram("hp45_settle_wait_seconds", "Time spent waiting for the head to settle before arming",
			ExponentialBuckets(5e-6, 2, 8)),

		HeadEnabled:   NewGauge("hp45_head_enabled", "Whether the head is enabled (1=yes)"),
		EngineRunning: NewGauge("hp45_engine_running", "Whether the step timer is registered (1=yes)"),
		Position:      NewGauge("hp45_position", "Last position seen by the engine"),
		Steps:         NewCounter("hp45_engine_steps_total", "Engine step callbacks"),
		Deferred:      NewCounter("hp45_engine_deferred_total", "Steps skipped because the dispatcher was busy"),
		ManualBursts:  NewCounter("hp45_manual_bursts_total", "Bursts fired by preheat, prime and test commands"),

		HostUptime:    NewGauge("hp45_host_uptime_seconds", "Host process uptime in seconds"),
		GoGoroutines:  NewGauge("hp45_go_goroutines", "Number of goroutines"),
		GoMemoryHeap:  NewGauge("hp45_go_memory_heap_bytes", "Heap memory in use"),
		GoMemoryAlloc: NewGauge("hp45_go_memory_alloc_bytes", "Total allocated memory"),
		GoGCCycles:    NewCounter("hp45_go_gc_cycles_total", "Number of completed GC cycles"),

		registry:  NewRegistry(),
		startTime: time.Now(),
	}

	hm.registry.MustRegister(
		hm.BufferReadSpace, hm.BufferWriteSpace, hm.BufferCapacity, hm.BufferLoops,
		hm.SideActive, hm.LinesWritten, hm.LinesConsumed, hm.LinesRejected,
		hm.Starved, hm.Overwrites,
		hm.BurstsDispatched, hm.BurstsCompleted, hm.BurstsRejected, hm.InFlight, hm.SettleWait,
		hm.HeadEnabled, hm.EngineRunning, hm.Position, hm.Steps, hm.Deferred, hm.ManualBursts,
		hm.HostUptime, hm.GoGoroutines, hm.GoMemoryHeap, hm.GoMemoryAlloc, hm.GoGCCycles,
	)
	return hm
}

// Update copies an engine snapshot into the metrics. Counters follow the
// engine's running totals.
func (hm *HeadMetrics) Update(st printer.Status) {
	for _, s := range head.Sides {
		side := Labels{"side": s.String()}
		hm.BufferReadSpace.Set(side, float64(st.ReadSpace[s]))
		hm.SideActive.SetBool(side, st.Active[s])
		hm.LinesConsumed.Sync(side, st.Buffer.Consumed[s])
		hm.Starved.Sync(side, st.Buffer.Starved[s])
	}
	hm.BufferWriteSpace.Set(nil, float64(st.WriteSpace))
	hm.BufferCapacity.Set(nil, float64(st.Capacity))
	hm.BufferLoops.Set(nil, float64(st.Loops))
	hm.LinesWritten.Sync(nil, st.Buffer.Written)
	hm.LinesRejected.Sync(nil, st.Buffer.Rejected)
	hm.Overwrites.Sync(nil, st.Buffer.Overwrites)

	hm.BurstsDispatched.Sync(nil, st.Dispatch.Dispatched)
	hm.BurstsCompleted.Sync(nil, st.Dispatch.Completed)
	hm.BurstsRejected.Sync(nil, st.Dispatch.Rejected)
	hm.InFlight.SetBool(nil, st.InFlight)
	hm.mu.Lock()
	if st.Dispatch.Dispatched != hm.lastDispatched {
		hm.lastDispatched = st.Dispatch.Dispatched
		hm.SettleWait.ObserveDuration(nil, st.Dispatch.LastSettleWait)
	}
	hm.mu.Unlock()

	hm.HeadEnabled.SetBool(nil, st.Enabled)
	hm.EngineRunning.SetBool(nil, st.Running)
	hm.Position.Set(nil, float64(st.Position))
	hm.Steps.Sync(nil, st.Counters.Steps)
	hm.Deferred.Sync(nil, st.Counters.Deferred)
	hm.ManualBursts.Sync(nil, st.Counters.Manual)
}

// Run updates the metrics from status every interval until ctx is done.
func (hm *HeadMetrics) Run(ctx context.Context, interval time.Duration, status func() printer.Status) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		hm.Update(status())
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// UpdateSystemMetrics updates Go runtime metrics
func (hm *HeadMetrics) UpdateSystemMetrics() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)

	hm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	hm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	hm.GoMemoryAlloc.Set(nil, float64(m.Alloc))
	hm.GoGCCycles.Sync(nil, uint64(m.NumGC))
	hm.HostUptime.Set(nil, time.Since(hm.startTime).Seconds())
}

// Gather returns all metrics in Prometheus text format
func (hm *HeadMetrics) Gather() string {
	hm.UpdateSystemMetrics()
	return hm.registry.Gather()
}

// Registry returns the internal registry
func (hm *HeadMetrics) Registry() *Registry {
	return hm.registry
}
