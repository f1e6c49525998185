// Nozzle topology lookups
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package topology maps linear nozzle indices to the (primitive, address)
// coordinates the head is driven by, and back.
package topology

import (
	"errors"
	"fmt"

	"hp45-host/pkg/head"
)

// ErrNozzleRange is returned for nozzle indices outside 0..Nozzles-1.
var ErrNozzleRange = errors.New("topology: nozzle out of range")

// reverse[primitive][address] holds the nozzle index, or -1.
var reverse = buildReverse()

func buildReverse() [head.Primitives][head.Addresses]int16 {
	var r [head.Primitives][head.Addresses]int16
	for p := range r {
		for a := range r[p] {
			r[p][a] = -1
		}
	}
	for n := 0; n < head.Nozzles; n++ {
		a, p := nozzleAddress[n], nozzlePrimitive[n]
		if int(a) >= head.Addresses || int(p) >= head.Primitives {
			panic(fmt.Sprintf("topology: nozzle %d wired to primitive %d address %d", n, p, a))
		}
		r[p][a] = int16(n)
	}
	return r
}

// AddressOf returns the address slot of nozzle n.
func AddressOf(n int) (int, error) {
	if n < 0 || n >= head.Nozzles {
		return 0, fmt.Errorf("%w: %d", ErrNozzleRange, n)
	}
	return int(nozzleAddress[n]), nil
}

// PrimitiveOf returns the primitive line of nozzle n.
func PrimitiveOf(n int) (int, error) {
	if n < 0 || n >= head.Nozzles {
		return 0, fmt.Errorf("%w: %d", ErrNozzleRange, n)
	}
	return int(nozzlePrimitive[n]), nil
}

// NozzleAt returns the nozzle wired to (primitive, address). The second
// result is false when the coordinate is out of range or has no nozzle.
func NozzleAt(primitive, address int) (int, bool) {
	if primitive < 0 || primitive >= head.Primitives || address < 0 || address >= head.Addresses {
		return -1, false
	}
	n := reverse[primitive][address]
	if n < 0 {
		return -1, false
	}
	return int(n), true
}

// Set writes nozzle n into p as on or off. Out of range nozzles are ignored.
func Set(p *head.Pattern, n int, on bool) {
	if n < 0 || n >= head.Nozzles {
		return
	}
	bit := uint16(1) << nozzlePrimitive[n]
	if on {
		p[nozzleAddress[n]] |= bit
	} else {
		p[nozzleAddress[n]] &^= bit
	}
}

// IsSet reports whether nozzle n fires in p.
func IsSet(p head.Pattern, n int) bool {
	if n < 0 || n >= head.Nozzles {
		return false
	}
	return p[nozzleAddress[n]]&(1<<nozzlePrimitive[n]) != 0
}

// SingleNozzle returns a pattern firing only nozzle n.
func SingleNozzle(n int) (head.Pattern, error) {
	var p head.Pattern
	if n < 0 || n >= head.Nozzles {
		return p, fmt.Errorf("%w: %d", ErrNozzleRange, n)
	}
	Set(&p, n, true)
	return p, nil
}
