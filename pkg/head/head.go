// HP45 printhead geometry and shared value types
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package head holds the fixed geometry of the HP45 head and the small value
// types shared by the buffer, encoder and print engine.
package head

import (
	"fmt"
	"strings"
)

const (
	// Addresses is the number of address slots stepped per burst.
	Addresses = 22

	// Primitives is the number of primitive drive lines.
	Primitives = 14

	// Nozzles is the number of physical nozzles on the head.
	Nozzles = 300

	// PrimitiveMask has one bit set per primitive line.
	PrimitiveMask uint16 = 1<<Primitives - 1
)

// Pattern is one fire pattern: a primitive bitmask per address slot.
type Pattern [Addresses]uint16

// Fill returns a pattern with every address slot set to word.
func Fill(word uint16) Pattern {
	var p Pattern
	for a := range p {
		p[a] = word & PrimitiveMask
	}
	return p
}

// Count returns the number of nozzles set in the pattern.
func (p Pattern) Count() int {
	n := 0
	for _, w := range p {
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}

// Mask returns p with every address slot ANDed with word.
func (p Pattern) Mask(word uint16) Pattern {
	for a := range p {
		p[a] &= word
	}
	return p
}

// IsZero reports whether no nozzle is set.
func (p Pattern) IsZero() bool {
	for _, w := range p {
		if w != 0 {
			return false
		}
	}
	return true
}

// Side selects one of the two interleaved nozzle columns.
type Side int

const (
	SideOdd Side = iota
	SideEven
)

// Sides lists both sides in cursor order.
var Sides = [2]Side{SideOdd, SideEven}

func (s Side) String() string {
	switch s {
	case SideOdd:
		return "odd"
	case SideEven:
		return "even"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Valid reports whether s names a real side.
func (s Side) Valid() bool {
	return s == SideOdd || s == SideEven
}

// Overlay returns the primitive lines physically belonging to the side.
func (s Side) Overlay() uint16 {
	switch s {
	case SideOdd:
		return OddOverlay
	case SideEven:
		return EvenOverlay
	default:
		return 0
	}
}

// ParseSide parses "odd" or "even".
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "odd", "0":
		return SideOdd, nil
	case "even", "1":
		return SideEven, nil
	}
	return 0, fmt.Errorf("head: unknown side %q", v)
}

// Primitive lines wired to the odd and even nozzle columns.
const (
	OddOverlay  uint16 = 0b0010001100100111 // 8999
	EvenOverlay uint16 = 0b0001110011011000 // 7384
)

// PrintMode gates which sides contribute to a merged pulse.
type PrintMode int

const (
	PrintAll PrintMode = iota
	PrintOdd
	PrintEven
)

func (m PrintMode) String() string {
	switch m {
	case PrintAll:
		return "all"
	case PrintOdd:
		return "odd"
	case PrintEven:
		return "even"
	default:
		return fmt.Sprintf("print_mode(%d)", int(m))
	}
}

// Valid reports whether m is a defined print mode.
func (m PrintMode) Valid() bool {
	return m >= PrintAll && m <= PrintEven
}

// Permits reports whether side s may fire under this mode.
func (m PrintMode) Permits(s Side) bool {
	switch m {
	case PrintAll:
		return true
	case PrintOdd:
		return s == SideOdd
	case PrintEven:
		return s == SideEven
	}
	return false
}

// ParsePrintMode parses "all", "odd" or "even".
func ParsePrintMode(v string) (PrintMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "all", "both":
		return PrintAll, nil
	case "odd":
		return PrintOdd, nil
	case "even":
		return PrintEven, nil
	}
	return 0, fmt.Errorf("head: unknown print mode %q", v)
}

// PulseMode selects short or long primitive pulses.
type PulseMode int

const (
	PulseShort PulseMode = iota
	PulseLong
)

func (m PulseMode) String() string {
	switch m {
	case PulseShort:
		return "short"
	case PulseLong:
		return "long"
	default:
		return fmt.Sprintf("pulse_mode(%d)", int(m))
	}
}

// Valid reports whether m is short or long.
func (m PulseMode) Valid() bool {
	return m == PulseShort || m == PulseLong
}

// ParsePulseMode parses "short" or "long".
func ParsePulseMode(v string) (PulseMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "short":
		return PulseShort, nil
	case "long":
		return PulseLong, nil
	}
	return 0, fmt.Errorf("head: unknown pulse mode %q", v)
}
