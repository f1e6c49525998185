// Print engine - advances the scan-line buffer with the head position
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package printer drives the head: it watches the print position, advances
// each side of the scan-line buffer when its next line is reached, and fires
// the merged pattern through the burst encoder and transfer dispatcher.
//
// Engine methods are safe for concurrent use, but the buffer and staging
// region are only touched with the engine lock held, and the step timer runs
// on the reactor goroutine.
package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hp45-host/pkg/burst"
	"hp45-host/pkg/dispatch"
	hosterrors "hp45-host/pkg/errors"
	"hp45-host/pkg/head"
	"hp45-host/pkg/log"
	"hp45-host/pkg/reactor"
	"hp45-host/pkg/scanbuf"
	"hp45-host/pkg/topology"
)

// Config configures an Engine.
type Config struct {
	// StepInterval is the period of the position check timer.
	StepInterval time.Duration

	// EvenOffset is added to an entry's position before the even side
	// considers it reached. The two nozzle columns sit apart on the head.
	EvenOffset int32

	// Reverse prints while the position decreases.
	Reverse bool

	// FireTimeout bounds the wait for the dispatcher in manual fires.
	FireTimeout time.Duration

	// Enabled is the head state at construction.
	Enabled bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		StepInterval: 100 * time.Microsecond,
		FireTimeout:  100 * time.Millisecond,
	}
}

// Counters tracks engine activity.
type Counters struct {
	Steps    uint64
	Bursts   uint64
	Deferred uint64
	Lines    uint64
	Manual   uint64
}

// Status is a snapshot of the engine for the monitor, metrics and journal.
type Status struct {
	Enabled    bool           `json:"enabled"`
	Running    bool           `json:"running"`
	Position   int32          `json:"position"`
	Mode       string         `json:"mode"`
	PrintMode  string         `json:"print_mode"`
	PulseMode  string         `json:"pulse_mode"`
	Splits     int            `json:"splits"`
	Active     [2]bool        `json:"active"`
	ReadSpace  [2]int         `json:"read_space"`
	WriteSpace int            `json:"write_space"`
	Capacity   int            `json:"capacity"`
	Loops      uint32         `json:"loops"`
	InFlight   bool           `json:"in_flight"`
	Next       [2]*int32      `json:"next_position"`
	Counters   Counters       `json:"counters"`
	Buffer     scanbuf.Stats  `json:"buffer"`
	Dispatch   dispatch.Stats `json:"dispatch"`
}

// Engine ties the buffer, encoder and dispatcher to a position source.
type Engine struct {
	mu      sync.Mutex
	config  Config
	buf     *scanbuf.Buffer
	enc     *burst.Encoder
	disp    *dispatch.Dispatcher
	source  PositionSource
	enabled bool
	last    int32

	reactor *reactor.Reactor
	timer   *reactor.Timer

	counters Counters
	logger   *log.Logger
}

// New creates an engine. The dispatcher's region size must match the
// encoder's.
func New(buf *scanbuf.Buffer, enc *burst.Encoder, disp *dispatch.Dispatcher, source PositionSource, config Config) (*Engine, error) {
	if disp.Staging().Len() != enc.RegionSize() {
		return nil, fmt.Errorf("printer: dispatcher region %d pairs, encoder %d",
			disp.Staging().Len(), enc.RegionSize())
	}
	def := DefaultConfig()
	if config.StepInterval <= 0 {
		config.StepInterval = def.StepInterval
	}
	if config.FireTimeout <= 0 {
		config.FireTimeout = def.FireTimeout
	}
	return &Engine{
		config:  config,
		buf:     buf,
		enc:     enc,
		disp:    disp,
		source:  source,
		enabled: config.Enabled,
		logger:  log.GetLogger("printer"),
	}, nil
}

// SetLogger replaces the engine's logger.
func (e *Engine) SetLogger(l *log.Logger) {
	e.logger = l
}

// Buffer returns the scan-line buffer. Callers must go through Do to touch
// it while the engine runs.
func (e *Engine) Buffer() *scanbuf.Buffer { return e.buf }

// Encoder returns the burst encoder.
func (e *Engine) Encoder() *burst.Encoder { return e.enc }

// Dispatcher returns the transfer dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.disp }

// Source returns the position source.
func (e *Engine) Source() PositionSource { return e.source }

// Do runs fn with the engine lock held.
func (e *Engine) Do(fn func(buf *scanbuf.Buffer, enc *burst.Encoder) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.buf, e.enc)
}

// AddLine queues one scan line.
func (e *Engine) AddLine(position int32, p head.Pattern) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	space, err := e.buf.Add(position, p)
	if err != nil {
		return 0, hosterrors.BufferFullError(position, err)
	}
	e.counters.Lines++
	return space, nil
}

// SetEnabled switches the head on or off.
func (e *Engine) SetEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled != enabled {
		e.logger.Info("head enabled=%v", enabled)
	}
	e.enabled = enabled
}

// Enabled reports whether the head may fire.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Start registers the step timer with r and pins the dispatcher to the
// reactor goroutine. It is a no-op if already started.
func (e *Engine) Start(r *reactor.Reactor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		return
	}
	e.reactor = r
	r.RegisterCallback(func(float64) interface{} {
		e.disp.Pin()
		return nil
	}, reactor.NOW)
	interval := e.config.StepInterval.Seconds()
	e.timer = r.RegisterTimer("printer-step", func(eventtime float64) float64 {
		if _, err := e.Step(eventtime); err != nil {
			e.logger.WithError(err).Warn("step failed")
		}
		return eventtime + interval
	}, reactor.NOW)
	e.logger.Info("print engine started, step interval %v", e.config.StepInterval)
}

// Stop unregisters the step timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer == nil {
		return
	}
	e.reactor.UnregisterTimer(e.timer)
	e.timer = nil
	e.logger.Info("print engine stopped")
}

func (e *Engine) reached(s head.Side, pos, target int32) bool {
	if s == head.SideEven {
		target += e.config.EvenOffset
	}
	if e.config.Reverse {
		return pos <= target
	}
	return pos >= target
}

// Step advances every side whose next line has been reached and fires the
// lines those sides moved to. A side that did not move stays silent, so each
// line leaves each column once. It reports whether a burst was armed.
// A busy dispatcher defers the whole step; running out of lines is normal.
func (e *Engine) Step(eventtime float64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counters.Steps++
	pos := e.source.Position(eventtime)
	e.last = pos
	if !e.enabled {
		return false, nil
	}
	if e.disp.IsBusy() {
		e.counters.Deferred++
		return false, nil
	}

	var p head.Pattern
	advanced := false
	for _, s := range head.Sides {
		if !e.buf.Active(s) || !e.buf.PrintMode().Permits(s) {
			continue
		}
		next, err := e.buf.PeekAhead(s)
		if err != nil || !e.reached(s, pos, next.Position) {
			continue
		}
		if _, err := e.buf.Next(s); err != nil {
			continue
		}
		line := next.Pattern.Mask(s.Overlay())
		for a := range p {
			p[a] |= line[a]
		}
		advanced = true
	}
	if !advanced {
		return false, nil
	}

	if err := e.fireLocked(p, e.enc); err != nil {
		return false, err
	}
	e.counters.Bursts++
	return true, nil
}

// fireLocked encodes p into staging and dispatches it. The caller has
// checked or waited for the dispatcher to be idle.
func (e *Engine) fireLocked(p head.Pattern, enc *burst.Encoder) error {
	if _, err := enc.EncodeInto(p, e.disp.Staging()); err != nil {
		return hosterrors.EncoderError(err)
	}
	if err := e.disp.Dispatch(); err != nil {
		return hosterrors.DispatchBusyError(err)
	}
	return nil
}

// fireRepeated waits for the dispatcher before each of count bursts of p.
// The engine lock is held for one burst at a time so the step timer keeps
// running between them.
func (e *Engine) fireRepeated(ctx context.Context, op string, p head.Pattern, mode head.PulseMode, count int) error {
	e.mu.Lock()
	enabled := e.enabled
	splits, size := e.enc.Splits(), e.enc.RegionSize()
	e.mu.Unlock()

	if !enabled {
		return hosterrors.HeadDisabledError(op)
	}
	enc, err := burst.NewEncoder(splits, mode, size)
	if err != nil {
		return hosterrors.EncoderError(err)
	}
	for i := 0; i < count; {
		wctx, cancel := context.WithTimeout(ctx, e.config.FireTimeout)
		err := e.disp.WaitIdle(wctx)
		cancel()
		if err != nil {
			return hosterrors.Wrap(err, hosterrors.ErrDispatchTimeout,
				fmt.Sprintf("%s: dispatcher busy after %d of %d bursts", op, i, count)).
				SetSection("dispatch")
		}
		fired, err := e.fireManual(op, p, enc)
		if err != nil {
			return err
		}
		if fired {
			i++
		}
	}
	return nil
}

// fireManual fires one manual burst unless the step timer armed a transfer
// since the dispatcher went idle.
func (e *Engine) fireManual(op string, p head.Pattern, enc *burst.Encoder) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.enabled {
		return false, hosterrors.HeadDisabledError(op)
	}
	if e.disp.IsBusy() {
		return false, nil
	}
	if err := e.fireLocked(p, enc); err != nil {
		return false, err
	}
	e.counters.Manual++
	return true, nil
}

// FireNozzle fires nozzle n once with a long pulse.
func (e *Engine) FireNozzle(ctx context.Context, n int) error {
	p, err := topology.SingleNozzle(n)
	if err != nil {
		return hosterrors.NozzleError(n, err)
	}
	return e.fireRepeated(ctx, "nozzle", p, head.PulseLong, 1)
}

// Preheat fires every nozzle with short pulses, warming the head without
// ejecting ink.
func (e *Engine) Preheat(ctx context.Context, pulses int) error {
	if err := e.fireRepeated(ctx, "preheat", head.Fill(head.PrimitiveMask), head.PulseShort, pulses); err != nil {
		return err
	}
	e.logger.Debug("preheated with %d pulses", pulses)
	return nil
}

// Prime fires every nozzle with long pulses to clear the nozzles.
func (e *Engine) Prime(ctx context.Context, pulses int) error {
	if err := e.fireRepeated(ctx, "prime", head.Fill(head.PrimitiveMask), head.PulseLong, pulses); err != nil {
		return err
	}
	e.logger.Debug("primed with %d pulses", pulses)
	return nil
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Enabled:    e.enabled,
		Running:    e.timer != nil,
		Position:   e.last,
		Mode:       e.buf.Mode().String(),
		PrintMode:  e.buf.PrintMode().String(),
		PulseMode:  e.enc.Mode().String(),
		Splits:     e.enc.Splits(),
		WriteSpace: e.buf.WriteSpace(),
		Capacity:   e.buf.Capacity(),
		Loops:      e.buf.LoopCount(),
		InFlight:   e.disp.InFlight(),
		Counters:   e.counters,
		Buffer:     e.buf.Stats(),
		Dispatch:   e.disp.Stats(),
	}
	for _, s := range head.Sides {
		st.Active[s] = e.buf.Active(s)
		st.ReadSpace[s] = e.buf.ReadSpace(s)
		if next, err := e.buf.PeekAhead(s); err == nil {
			st.Next[s] = &next.Position
		}
	}
	return st
}
