// Print position sources
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package printer

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// PositionSource reports where the head is along the print axis.
type PositionSource interface {
	Position(eventtime float64) int32
}

// EncoderPosition follows an external linear encoder. The count is pushed in
// with Set or Add from whatever reads the encoder.
type EncoderPosition struct {
	count atomic.Int32
}

// Position returns the last encoder count.
func (e *EncoderPosition) Position(float64) int32 {
	return e.count.Load()
}

// Set replaces the encoder count.
func (e *EncoderPosition) Set(pos int32) {
	e.count.Store(pos)
}

// Add moves the encoder count by delta.
func (e *EncoderPosition) Add(delta int32) int32 {
	return e.count.Add(delta)
}

// VirtualPosition derives the position from time at a fixed velocity, for
// printing without an encoder.
type VirtualPosition struct {
	mu       sync.Mutex
	start    int32
	origin   float64
	velocity float64
	running  bool
}

// NewVirtualPosition returns a stopped virtual axis moving at velocity
// positions per second once started.
func NewVirtualPosition(velocity float64) *VirtualPosition {
	return &VirtualPosition{velocity: velocity}
}

// Reset restarts the axis at pos from eventtime.
func (v *VirtualPosition) Reset(pos int32, eventtime float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.start = pos
	v.origin = eventtime
	v.running = true
}

// Stop freezes the axis at its position at eventtime.
func (v *VirtualPosition) Stop(eventtime float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.start = v.positionLocked(eventtime)
	v.origin = eventtime
	v.running = false
}

// SetVelocity changes speed without a jump in position.
func (v *VirtualPosition) SetVelocity(velocity, eventtime float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.start = v.positionLocked(eventtime)
	v.origin = eventtime
	v.velocity = velocity
}

// Velocity returns the configured speed in positions per second.
func (v *VirtualPosition) Velocity() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.velocity
}

// Position returns start + velocity * elapsed, clamped to the int32 range.
func (v *VirtualPosition) Position(eventtime float64) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked(eventtime)
}

func (v *VirtualPosition) positionLocked(eventtime float64) int32 {
	if !v.running || eventtime <= v.origin {
		return v.start
	}
	pos := float64(v.start) + v.velocity*(eventtime-v.origin)
	pos = math.Max(math.MinInt32, math.Min(math.MaxInt32, math.Floor(pos)))
	return int32(pos)
}

// Source names a position source kind in config.
type Source string

const (
	SourceEncoder Source = "encoder"
	SourceVirtual Source = "virtual"
)

// ParseSource parses "encoder" or "virtual".
func ParseSource(v string) (Source, error) {
	switch s := Source(strings.ToLower(strings.TrimSpace(v))); s {
	case SourceEncoder, SourceVirtual:
		return s, nil
	}
	return "", fmt.Errorf("printer: unknown position source %q", v)
}
