// Position source tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package printer

import (
	"math"
	"testing"
)

func TestEncoderPosition(t *testing.T) {
	var e EncoderPosition
	e.Set(40)
	if got := e.Add(-15); got != 25 {
		t.Errorf("Add = %d, want 25", got)
	}
	if got := e.Position(123); got != 25 {
		t.Errorf("Position = %d, want 25", got)
	}
}

func TestVirtualPosition(t *testing.T) {
	v := NewVirtualPosition(100)

	if got := v.Position(5); got != 0 {
		t.Errorf("stopped axis moved: %d", got)
	}

	v.Reset(10, 1.0)
	tests := []struct {
		at   float64
		want int32
	}{
		{0.5, 10},
		{1.0, 10},
		{1.5, 60},
		{3.0, 210},
	}
	for _, tt := range tests {
		if got := v.Position(tt.at); got != tt.want {
			t.Errorf("Position(%v) = %d, want %d", tt.at, got, tt.want)
		}
	}

	v.SetVelocity(-50, 2.0)
	if got := v.Position(2.0); got != 110 {
		t.Errorf("velocity change jumped: %d", got)
	}
	if got := v.Position(3.0); got != 60 {
		t.Errorf("Position after slowdown = %d, want 60", got)
	}

	v.Stop(3.0)
	if got := v.Position(10); got != 60 {
		t.Errorf("stopped axis = %d, want 60", got)
	}
}

func TestVirtualPositionClamps(t *testing.T) {
	v := NewVirtualPosition(math.MaxInt32)
	v.Reset(0, 0)
	if got := v.Position(10); got != math.MaxInt32 {
		t.Errorf("expected clamp to MaxInt32, got: %d", got)
	}
}

func TestParseSource(t *testing.T) {
	if s, err := ParseSource(" Virtual "); err != nil || s != SourceVirtual {
		t.Errorf("ParseSource = %q, %v", s, err)
	}
	if _, err := ParseSource("laser"); err == nil {
		t.Error("expected error for unknown source")
	}
}
