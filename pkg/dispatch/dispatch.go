// Transfer dispatcher - arms a two-port waveform transfer on a timer edge
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package dispatch hands encoded regions to the port output hardware.
//
// A Dispatcher is idle or in flight. Dispatch arms a transfer only when the
// previous one has completed and the settle window after its completion has
// passed. Completion arrives asynchronously through Complete, which is the
// only method safe to call from another goroutine while Dispatch runs.
package dispatch

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"hp45-host/pkg/burst"
	"hp45-host/pkg/log"
)

// DefaultSettle is the quiet time the head drivers need after a transfer.
const DefaultSettle = 50 * time.Microsecond

// ErrInFlight is returned by Dispatch while a transfer is still running.
var ErrInFlight = errors.New("dispatch: transfer in flight")

// Hardware is the port output channel and the free-running timer that
// paces it.
type Hardware interface {
	// ClearPendingEdges drops trigger edges latched before arming.
	ClearPendingEdges()

	// Counter returns the current timer count.
	Counter() uint32

	// CompareValue returns the count at which the timer raises its
	// transfer trigger.
	CompareValue() uint32

	StopTimer()
	ResetCounter()
	StartTimer()

	// Enable starts the transfer of c and d, one pair per timer period.
	Enable(c, d []byte)

	// DisableInterrupts masks asynchronous completion until restore is called.
	DisableInterrupts() (restore func())
}

// AddressResetter is implemented by hardware that can return the head's
// address shift register to its first slot before a burst.
type AddressResetter interface {
	ResetAddress()
}

// Clock is a free-running microsecond clock that wraps at 2^32.
type Clock interface {
	Micros() uint32
}

// Options configures a Dispatcher.
type Options struct {
	// Settle is the minimum time between a completion and the next arm.
	Settle time.Duration

	// RegionSize is the number of byte pairs per transfer.
	RegionSize int

	// DoubleBuffered gives the dispatcher separate staging and active
	// regions. Otherwise both names refer to one region.
	DoubleBuffered bool

	// CPU is the core Pin binds the calling OS thread to when >= 0.
	CPU int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Settle:         DefaultSettle,
		RegionSize:     burst.DefaultRegionSize,
		DoubleBuffered: true,
		CPU:            -1,
	}
}

// Stats reports dispatcher activity.
type Stats struct {
	Dispatched     uint64
	Completed      uint64
	Rejected       uint64
	LastSettleWait time.Duration
}

// Dispatcher arms transfers of its active region.
type Dispatcher struct {
	hw      Hardware
	clock   Clock
	staging *burst.Region
	active  *burst.Region
	settle  uint32
	cpu     int
	pinned  atomic.Bool

	inFlight    atomic.Bool
	completedAt atomic.Uint32

	dispatched atomic.Uint64
	completed  atomic.Uint64
	rejected   atomic.Uint64
	lastWait   atomic.Int64

	logger *log.Logger
}

// New creates an idle dispatcher.
func New(hw Hardware, clock Clock, opts Options) *Dispatcher {
	if opts.RegionSize <= 0 {
		opts.RegionSize = burst.DefaultRegionSize
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	d := &Dispatcher{
		hw:     hw,
		clock:  clock,
		settle: uint32(opts.Settle / time.Microsecond),
		cpu:    opts.CPU,
		logger: log.GetLogger("dispatch"),
	}
	d.staging = burst.NewRegion(opts.RegionSize)
	if opts.DoubleBuffered {
		d.active = burst.NewRegion(opts.RegionSize)
	} else {
		d.active = d.staging
	}
	// Start out with the settle window already elapsed.
	d.completedAt.Store(clock.Micros() - d.settle)
	return d
}

// SetLogger replaces the dispatcher's logger.
func (d *Dispatcher) SetLogger(l *log.Logger) {
	d.logger = l
}

// Staging returns the region the encoder writes into.
func (d *Dispatcher) Staging() *burst.Region {
	return d.staging
}

// Active returns the region handed to the hardware.
func (d *Dispatcher) Active() *burst.Region {
	return d.active
}

// Settle returns the configured settle window.
func (d *Dispatcher) Settle() time.Duration {
	return time.Duration(d.settle) * time.Microsecond
}

// IsBusy reports whether a transfer is in flight or the settle window after
// the last completion is still running.
func (d *Dispatcher) IsBusy() bool {
	if d.inFlight.Load() {
		return true
	}
	return d.clock.Micros()-d.completedAt.Load() < d.settle
}

// InFlight reports whether a transfer is running.
func (d *Dispatcher) InFlight() bool {
	return d.inFlight.Load()
}

// Complete records the end of a transfer. It stores the completion time and
// clears the in-flight flag and does nothing else.
func (d *Dispatcher) Complete() {
	d.completedAt.Store(d.clock.Micros())
	d.inFlight.Store(false)
	d.completed.Add(1)
}

// Dispatch copies staging to active, waits out the settle window and arms
// the hardware. It fails with ErrInFlight without touching the hardware if
// the previous transfer has not completed. Dispatch must be called from one
// goroutine at a time.
func (d *Dispatcher) Dispatch() error {
	if d.inFlight.Load() {
		d.rejected.Add(1)
		return ErrInFlight
	}
	if ar, ok := d.hw.(AddressResetter); ok {
		ar.ResetAddress()
	}
	if d.staging != d.active {
		d.active.CopyFrom(d.staging)
	}

	start := d.clock.Micros()
	d.waitSettle()
	d.lastWait.Store(int64(time.Duration(d.clock.Micros()-start) * time.Microsecond))

	if !d.arm() {
		d.rejected.Add(1)
		return ErrInFlight
	}
	d.dispatched.Add(1)
	return nil
}

func (d *Dispatcher) waitSettle() {
	var spins int
	for d.clock.Micros()-d.completedAt.Load() < d.settle {
		spins = relax(spins)
	}
}

// arm enters on the timer period boundary so the first pair lines up with
// the transfer trigger.
func (d *Dispatcher) arm() bool {
	hw := d.hw
	cv := hw.CompareValue()

	restore := hw.DisableInterrupts()
	defer restore()

	for hw.Counter() <= cv {
	}
	for hw.Counter() > cv {
	}
	for hw.Counter() < cv {
	}
	hw.StopTimer()
	hw.ResetCounter()
	if !d.inFlight.CompareAndSwap(false, true) {
		hw.StartTimer()
		return false
	}
	hw.ClearPendingEdges()
	hw.Enable(d.active.C, d.active.D)
	hw.StartTimer()
	return true
}

// WaitIdle spins until IsBusy reports false or ctx is done.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	var spins int
	for d.IsBusy() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		spins = relax(spins)
	}
	return nil
}

// WaitIdleTimeout is WaitIdle bounded by timeout.
func (d *Dispatcher) WaitIdleTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.WaitIdle(ctx)
}

// Stats returns a snapshot of the activity counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:     d.dispatched.Load(),
		Completed:      d.completed.Load(),
		Rejected:       d.rejected.Load(),
		LastSettleWait: time.Duration(d.lastWait.Load()),
	}
}

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the configured core. Only the first call does anything, so it must come
// from the goroutine that dispatches in steady state. It reports whether this
// call locked the thread.
func (d *Dispatcher) Pin() bool {
	if d.cpu < 0 || !d.pinned.CompareAndSwap(false, true) {
		return false
	}
	runtime.LockOSThread()
	if err := setAffinity(d.cpu); err != nil {
		d.logger.WithError(err).Warn("cpu pinning failed, dispatching unpinned")
	} else {
		d.logger.Info("dispatch thread pinned to cpu %d", d.cpu)
	}
	return true
}

// Pinned reports whether Pin has locked a dispatching thread.
func (d *Dispatcher) Pinned() bool {
	return d.pinned.Load()
}

// relax yields the processor every so often while spinning.
func relax(spins int) int {
	spins++
	if spins&63 == 0 {
		runtime.Gosched()
	}
	return spins
}
