// Burst encoder - fire pattern to two-port pulse waveform
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package burst turns one fire pattern into the byte pairs clocked out on
// ports C and D during a transfer.
//
// For every address slot the waveform steps the address shift register
// (address clock high, then all low) and then fires the slot's primitives in
// one or more phases. Each phase puts its share of the primitive bits on the
// lines, raises the primitive clock, optionally holds it for a long pulse and
// finally drops everything. The region after the last address is zero
// filled so every transfer has the same length.
package burst

import (
	"errors"
	"fmt"

	"hp45-host/pkg/head"
)

// Port D control lines.
const (
	PrimitiveClock byte = 0x40
	AddressClock   byte = 0x80
)

const (
	MinSplits     = 1
	MaxSplits     = 4
	DefaultSplits = 3
)

var (
	ErrInvalidSplits  = errors.New("burst: pulse splits out of range")
	ErrInvalidMode    = errors.New("burst: invalid pulse mode")
	ErrRegionTooSmall = errors.New("burst: region too small")
)

// splitTable assigns every primitive bit to exactly one phase for each
// split count. Row i serves i+1 splits.
var splitTable = [MaxSplits][]uint16{
	{16383},
	{10922, 5461},
	{4681, 9362, 2340},
	{8738, 4369, 2184, 1092},
}

// SplitTable returns the phase masks used for the given split count, or nil
// if splits is out of range. The returned slice is a copy.
func SplitTable(splits int) []uint16 {
	if splits < MinSplits || splits > MaxSplits {
		return nil
	}
	return append([]uint16(nil), splitTable[splits-1]...)
}

// pairsPerPhase is data, clock, optional hold, then idle.
func pairsPerPhase(mode head.PulseMode) int {
	if mode == head.PulseLong {
		return 4
	}
	return 3
}

// RequiredSize returns the number of byte pairs needed to encode a full
// pattern with the given settings.
func RequiredSize(splits int, mode head.PulseMode) int {
	return head.Addresses * (2 + splits*pairsPerPhase(mode))
}

// DefaultRegionSize fits the longest waveform any setting can produce.
var DefaultRegionSize = RequiredSize(MaxSplits, head.PulseLong)

// Region holds the port C and port D bytes of one transfer. C[i] and D[i]
// are output together.
type Region struct {
	C []byte
	D []byte
}

// NewRegion allocates a zeroed region of size byte pairs.
func NewRegion(size int) *Region {
	return &Region{C: make([]byte, size), D: make([]byte, size)}
}

// Len returns the number of byte pairs in the region.
func (r *Region) Len() int {
	return len(r.C)
}

// CopyFrom overwrites r with the contents of src. Both must have the same length.
func (r *Region) CopyFrom(src *Region) {
	copy(r.C, src.C)
	copy(r.D, src.D)
}

// Clone returns an independent copy of r.
func (r *Region) Clone() *Region {
	n := NewRegion(r.Len())
	n.CopyFrom(r)
	return n
}

// Encoder holds the pulse settings applied to every encoded pattern. An
// Encoder keeps no state between calls besides its settings.
type Encoder struct {
	splits     int
	mode       head.PulseMode
	regionSize int
}

// NewEncoder creates an encoder. regionSize 0 selects DefaultRegionSize.
func NewEncoder(splits int, mode head.PulseMode, regionSize int) (*Encoder, error) {
	if regionSize == 0 {
		regionSize = DefaultRegionSize
	}
	e := &Encoder{regionSize: regionSize}
	if err := e.check(splits, mode); err != nil {
		return nil, err
	}
	e.splits = splits
	e.mode = mode
	return e, nil
}

func (e *Encoder) check(splits int, mode head.PulseMode) error {
	if splits < MinSplits || splits > MaxSplits {
		return fmt.Errorf("%w: %d", ErrInvalidSplits, splits)
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	if need := RequiredSize(splits, mode); need > e.regionSize {
		return fmt.Errorf("%w: %d pairs needed for %d splits %s, have %d",
			ErrRegionTooSmall, need, splits, mode, e.regionSize)
	}
	return nil
}

// SetSplits changes the number of phases. Invalid values leave the encoder
// unchanged.
func (e *Encoder) SetSplits(splits int) error {
	if err := e.check(splits, e.mode); err != nil {
		return err
	}
	e.splits = splits
	return nil
}

// SetMode changes the pulse timing. Invalid values leave the encoder unchanged.
func (e *Encoder) SetMode(mode head.PulseMode) error {
	if err := e.check(e.splits, mode); err != nil {
		return err
	}
	e.mode = mode
	return nil
}

func (e *Encoder) Splits() int          { return e.splits }
func (e *Encoder) Mode() head.PulseMode { return e.mode }
func (e *Encoder) RegionSize() int      { return e.regionSize }

// ActiveSize returns the pairs a pattern occupies before the zero fill.
func (e *Encoder) ActiveSize() int { return RequiredSize(e.splits, e.mode) }

// NewRegion allocates a region sized for this encoder.
func (e *Encoder) NewRegion() *Region { return NewRegion(e.regionSize) }

// Encode returns a freshly allocated region holding the waveform for p.
func (e *Encoder) Encode(p head.Pattern) (*Region, error) {
	r := e.NewRegion()
	if _, err := e.EncodeInto(p, r); err != nil {
		return nil, err
	}
	return r, nil
}

// EncodeInto writes the waveform for p into dst and returns the number of
// pairs before the zero fill. dst must be RegionSize pairs long.
func (e *Encoder) EncodeInto(p head.Pattern, dst *Region) (int, error) {
	if dst.Len() != e.regionSize || len(dst.D) != e.regionSize {
		return 0, fmt.Errorf("%w: region has %d pairs, encoder expects %d",
			ErrRegionTooSmall, dst.Len(), e.regionSize)
	}

	w := writer{r: dst}
	masks := splitTable[e.splits-1]
	for a := 0; a < head.Addresses; a++ {
		w.put(0, AddressClock)
		w.put(0, 0)
		for _, m := range masks {
			bits := p[a] & m & head.PrimitiveMask
			c, d := byte(bits), byte(bits>>8)
			w.put(c, d)
			w.put(c, d|PrimitiveClock)
			if e.mode == head.PulseLong {
				w.put(c, d|PrimitiveClock)
			}
			w.put(0, 0)
		}
	}
	active := w.n
	for w.n < dst.Len() {
		w.put(0, 0)
	}
	return active, nil
}

type writer struct {
	r *Region
	n int
}

func (w *writer) put(c, d byte) {
	w.r.C[w.n] = c
	w.r.D[w.n] = d
	w.n++
}
