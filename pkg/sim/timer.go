// Free-running transfer timer shared by the simulated and linked backends
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sim

import (
	"sync"
	"time"
)

const (
	DefaultFrequency    = 800000
	DefaultBusFrequency = 48000000

	// t0h is the compare point within one timer period, in 1/256ths.
	t0h = 10
)

// Timer models a counter running at the bus frequency and wrapping once
// per transfer period. It supplies the Counter, CompareValue and timer
// control methods of dispatch.Hardware.
type Timer struct {
	frequency int
	bus       int
	mod       uint32
	cv        uint32

	mu      sync.Mutex
	running bool
	base    time.Time
	frozen  uint32
}

// NewTimer creates a running timer. Zero frequencies select the defaults.
func NewTimer(frequency, bus int) *Timer {
	if frequency <= 0 {
		frequency = DefaultFrequency
	}
	if bus <= 0 {
		bus = DefaultBusFrequency
	}
	mod := uint32((bus + frequency/2) / frequency)
	return &Timer{
		frequency: frequency,
		bus:       bus,
		mod:       mod,
		cv:        mod * t0h >> 8,
		running:   true,
		base:      time.Now(),
	}
}

// Period returns the timer period in bus ticks.
func (t *Timer) Period() uint32 {
	return t.mod
}

// Frequency returns the transfer frequency in pairs per second.
func (t *Timer) Frequency() int {
	return t.frequency
}

// Bus returns the bus frequency in ticks per second.
func (t *Timer) Bus() int {
	return t.bus
}

// Duration returns how long a transfer of n pairs runs.
func (t *Timer) Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(t.frequency)
}

func (t *Timer) CompareValue() uint32 {
	return t.cv
}

func (t *Timer) Counter() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counterLocked()
}

func (t *Timer) counterLocked() uint32 {
	if !t.running {
		return t.frozen
	}
	ticks := uint64(time.Since(t.base)) * uint64(t.bus) / uint64(time.Second)
	return uint32((uint64(t.frozen) + ticks) % uint64(t.mod))
}

func (t *Timer) StopTimer() {
	t.mu.Lock()
	t.frozen = t.counterLocked()
	t.running = false
	t.mu.Unlock()
}

func (t *Timer) ResetCounter() {
	t.mu.Lock()
	t.frozen = 0
	t.base = time.Now()
	t.mu.Unlock()
}

func (t *Timer) StartTimer() {
	t.mu.Lock()
	if !t.running {
		t.base = time.Now()
		t.running = true
	}
	t.mu.Unlock()
}
