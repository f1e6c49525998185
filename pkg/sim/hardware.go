// In-process port output hardware for running without a driver board
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package sim emulates the transfer timer and the two-port output channel.
// A transfer "runs" for pairs/frequency of wall time and then reports
// completion from its own goroutine, the way a completion interrupt would.
package sim

import (
	"sync"
	"time"

	"hp45-host/pkg/dispatch"
	"hp45-host/pkg/log"
)

const historySize = 64

// Transfer is one recorded transfer.
type Transfer struct {
	C, D []byte
	At   time.Time
}

// Clock is a wrapping microsecond clock based on the monotonic clock.
type Clock struct {
	start time.Time
}

func NewClock() *Clock {
	return &Clock{start: time.Now()}
}

func (c *Clock) Micros() uint32 {
	return uint32(time.Since(c.start) / time.Microsecond)
}

// Hardware implements dispatch.Hardware.
type Hardware struct {
	*Timer

	// irq serializes completion with the arming sequence.
	irq sync.Mutex

	mu         sync.Mutex
	onComplete func()
	pending    *time.Timer
	history    []Transfer
	transfers  uint64
	addrResets uint64
	closed     bool

	logger *log.Logger
}

var (
	_ dispatch.Hardware        = (*Hardware)(nil)
	_ dispatch.AddressResetter = (*Hardware)(nil)
	_ dispatch.Clock           = (*Clock)(nil)
)

// New creates simulated hardware. Zero frequencies select the defaults.
func New(frequency, bus int) *Hardware {
	return &Hardware{
		Timer:  NewTimer(frequency, bus),
		logger: log.GetLogger("sim"),
	}
}

// OnComplete sets the function called when a transfer finishes.
func (h *Hardware) OnComplete(fn func()) {
	h.mu.Lock()
	h.onComplete = fn
	h.mu.Unlock()
}

func (h *Hardware) ClearPendingEdges() {}

func (h *Hardware) ResetAddress() {
	h.mu.Lock()
	h.addrResets++
	h.mu.Unlock()
}

// DisableInterrupts holds back completions until restore is called.
func (h *Hardware) DisableInterrupts() func() {
	h.irq.Lock()
	return h.irq.Unlock
}

// Enable records the transfer and schedules its completion.
func (h *Hardware) Enable(c, d []byte) {
	t := Transfer{
		C:  append([]byte(nil), c...),
		D:  append([]byte(nil), d...),
		At: time.Now(),
	}
	duration := h.Duration(len(c))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.transfers++
	h.history = append(h.history, t)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	h.pending = time.AfterFunc(duration, h.complete)
}

func (h *Hardware) complete() {
	h.irq.Lock()
	defer h.irq.Unlock()

	h.mu.Lock()
	fn := h.onComplete
	h.pending = nil
	closed := h.closed
	h.mu.Unlock()

	if fn != nil && !closed {
		fn()
	}
}

// Transfers returns the total number of transfers started.
func (h *Hardware) Transfers() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transfers
}

// AddressResets returns how many times the address register was reset.
func (h *Hardware) AddressResets() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addrResets
}

// History returns the most recent transfers, oldest first.
func (h *Hardware) History() []Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Transfer(nil), h.history...)
}

// Last returns the most recent transfer.
func (h *Hardware) Last() (Transfer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.history) == 0 {
		return Transfer{}, false
	}
	return h.history[len(h.history)-1], true
}

// Close cancels a pending completion. No further transfers are accepted.
func (h *Hardware) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending != nil {
		h.pending.Stop()
		h.pending = nil
	}
	h.closed = true
	h.logger.Debug("simulated hardware closed after %d transfers", h.transfers)
	return nil
}
