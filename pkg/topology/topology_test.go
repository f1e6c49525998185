package topology

import (
	"errors"
	"testing"

	"hp45-host/pkg/head"
)

func TestKnownNozzles(t *testing.T) {
	tests := []struct {
		nozzle    int
		address   int
		primitive int
	}{
		{0, 6, 3},
		{1, 12, 1},
		{40, 21, 11},
		{299, 20, 13},
	}
	for _, tt := range tests {
		a, err := AddressOf(tt.nozzle)
		if err != nil || a != tt.address {
			t.Errorf("AddressOf(%d) = %d, %v, want %d", tt.nozzle, a, err, tt.address)
		}
		p, err := PrimitiveOf(tt.nozzle)
		if err != nil || p != tt.primitive {
			t.Errorf("PrimitiveOf(%d) = %d, %v, want %d", tt.nozzle, p, err, tt.primitive)
		}
	}
}

func TestOutOfRange(t *testing.T) {
	for _, n := range []int{-1, head.Nozzles, 1000} {
		if _, err := AddressOf(n); !errors.Is(err, ErrNozzleRange) {
			t.Errorf("AddressOf(%d): expected ErrNozzleRange, got: %v", n, err)
		}
		if _, err := PrimitiveOf(n); !errors.Is(err, ErrNozzleRange) {
			t.Errorf("PrimitiveOf(%d): expected ErrNozzleRange, got: %v", n, err)
		}
	}
	if _, ok := NozzleAt(head.Primitives, 0); ok {
		t.Error("expected NozzleAt to reject primitive 14")
	}
	if _, ok := NozzleAt(0, -1); ok {
		t.Error("expected NozzleAt to reject address -1")
	}
}

func TestInverseIsConsistent(t *testing.T) {
	for n := 0; n < head.Nozzles; n++ {
		a, _ := AddressOf(n)
		p, _ := PrimitiveOf(n)
		m, ok := NozzleAt(p, a)
		if !ok {
			t.Fatalf("NozzleAt(%d, %d) empty for nozzle %d", p, a, n)
		}
		// Later nozzles sharing a coordinate win the scan.
		if m < n {
			t.Errorf("NozzleAt(%d, %d) = %d, expected >= %d", p, a, m, n)
		}
		ma, _ := AddressOf(m)
		mp, _ := PrimitiveOf(m)
		if ma != a || mp != p {
			t.Errorf("nozzle %d maps to (%d,%d), want (%d,%d)", m, mp, ma, p, a)
		}
	}
}

func TestEmptyCells(t *testing.T) {
	empty := 0
	for p := 0; p < head.Primitives; p++ {
		for a := 0; a < head.Addresses; a++ {
			if n, ok := NozzleAt(p, a); !ok {
				if n != -1 {
					t.Errorf("expected -1 for empty cell, got: %d", n)
				}
				empty++
			}
		}
	}
	if empty < head.Primitives*head.Addresses-head.Nozzles {
		t.Errorf("expected at least %d empty cells, got: %d", head.Primitives*head.Addresses-head.Nozzles, empty)
	}
}

func TestSingleNozzle(t *testing.T) {
	p, err := SingleNozzle(17)
	if err != nil {
		t.Fatalf("SingleNozzle: %v", err)
	}
	if p.Count() != 1 || !IsSet(p, 17) {
		t.Errorf("expected only nozzle 17 set, got count %d", p.Count())
	}
	if _, err := SingleNozzle(300); !errors.Is(err, ErrNozzleRange) {
		t.Errorf("expected ErrNozzleRange, got: %v", err)
	}
}

func TestSetClears(t *testing.T) {
	var p head.Pattern
	Set(&p, 5, true)
	Set(&p, 5, false)
	if !p.IsZero() {
		t.Error("expected pattern cleared")
	}
	Set(&p, -3, true)
	if !p.IsZero() {
		t.Error("expected out of range Set to be ignored")
	}
}
