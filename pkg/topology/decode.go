// Packed nozzle-row decoders
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package topology

import (
	"errors"
	"fmt"

	"hp45-host/pkg/head"
)

const (
	// NativeDPI is the nozzle pitch of one column pair.
	NativeDPI = 600

	// B6Bytes is the length of a 6-bit packed or toggle row.
	B6Bytes = 50

	// B8Bytes is the length of an 8-bit packed row.
	B8Bytes = 38
)

// ErrInvalidDPI is returned by SetDPI for values outside 1..600.
var ErrInvalidDPI = errors.New("topology: dpi must be between 1 and 600")

// Decoder turns packed nozzle rows into fire patterns. Each decoded pixel is
// repeated Repeat times along the nozzle row to emulate lower resolutions.
type Decoder struct {
	repeat int
}

// NewDecoder returns a decoder at native resolution.
func NewDecoder() *Decoder {
	return &Decoder{repeat: 1}
}

// SetDPI selects the decode resolution. The effective resolution is rounded
// to the nearest integer division of 600 and returned.
func (d *Decoder) SetDPI(dpi int) (int, error) {
	if dpi < 1 || dpi > NativeDPI {
		return d.DPI(), fmt.Errorf("%w: %d", ErrInvalidDPI, dpi)
	}
	d.repeat = NativeDPI / dpi
	return d.DPI(), nil
}

// DPI returns the effective decode resolution.
func (d *Decoder) DPI() int {
	return NativeDPI / d.repeat
}

// Repeat returns how many nozzles each decoded pixel covers.
func (d *Decoder) Repeat() int {
	return d.repeat
}

// DecodeB6Raw decodes 50 bytes whose 6 low bits each carry one pixel,
// least significant bit first, starting at nozzle 0.
func (d *Decoder) DecodeB6Raw(in [B6Bytes]byte) head.Pattern {
	return d.decodeBits(in[:], 6)
}

// DecodeB8 decodes 38 bytes of 8 pixels each, least significant bit first.
func (d *Decoder) DecodeB8(in [B8Bytes]byte) head.Pattern {
	return d.decodeBits(in[:], 8)
}

func (d *Decoder) decodeBits(in []byte, width int) head.Pattern {
	var p head.Pattern
	n := 0
	for _, b := range in {
		for bit := 0; bit < width; bit++ {
			on := b&(1<<bit) != 0
			for r := 0; r < d.repeat; r++ {
				if n >= head.Nozzles {
					return p
				}
				Set(&p, n, on)
				n++
			}
		}
	}
	return p
}

// DecodeB6Toggle decodes run lengths. Runs alternate between on and off,
// starting with on. Decoding stops once all nozzles are covered.
func (d *Decoder) DecodeB6Toggle(in [B6Bytes]byte) head.Pattern {
	var p head.Pattern
	n := 0
	on := true
	for _, run := range in {
		for i := 0; i < int(run); i++ {
			for r := 0; r < d.repeat; r++ {
				Set(&p, n, on)
				n++
				if n == head.Nozzles {
					return p
				}
			}
		}
		on = !on
	}
	return p
}
