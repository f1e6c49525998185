package topology

import (
	"errors"
	"testing"

	"hp45-host/pkg/head"
)

func expectNozzles(t *testing.T, got head.Pattern, on func(n int) bool) {
	t.Helper()
	var want head.Pattern
	for n := 0; n < head.Nozzles; n++ {
		Set(&want, n, on(n))
	}
	if got != want {
		t.Errorf("decoded pattern mismatch:\n got  %v\n want %v", got, want)
	}
}

func TestSetDPI(t *testing.T) {
	tests := []struct {
		in     int
		repeat int
		dpi    int
	}{
		{600, 1, 600},
		{300, 2, 300},
		{200, 3, 200},
		{250, 2, 300},
		{1, 600, 1},
	}
	for _, tt := range tests {
		d := NewDecoder()
		got, err := d.SetDPI(tt.in)
		if err != nil {
			t.Fatalf("SetDPI(%d): %v", tt.in, err)
		}
		if got != tt.dpi || d.Repeat() != tt.repeat {
			t.Errorf("SetDPI(%d) = %d repeat %d, want %d repeat %d", tt.in, got, d.Repeat(), tt.dpi, tt.repeat)
		}
	}

	d := NewDecoder()
	d.SetDPI(300)
	for _, bad := range []int{0, -5, 601} {
		if _, err := d.SetDPI(bad); !errors.Is(err, ErrInvalidDPI) {
			t.Errorf("SetDPI(%d): expected ErrInvalidDPI, got: %v", bad, err)
		}
	}
	if d.DPI() != 300 {
		t.Errorf("expected rejected SetDPI to keep 300, got: %d", d.DPI())
	}
}

func TestDecodeB8AllOn(t *testing.T) {
	var in [B8Bytes]byte
	for i := range in {
		in[i] = 0xFF
	}
	expectNozzles(t, NewDecoder().DecodeB8(in), func(int) bool { return true })
}

func TestDecodeB6RawFirstNozzles(t *testing.T) {
	var in [B6Bytes]byte
	in[0] = 0b000101  // nozzles 0 and 2
	in[1] = 0b100000  // nozzle 11
	in[2] = 0b1000000 // bit 6 is outside the 6-bit payload
	got := NewDecoder().DecodeB6Raw(in)
	want := map[int]bool{0: true, 2: true, 11: true}
	expectNozzles(t, got, func(n int) bool { return want[n] })
}

func TestDecodeB6RawRepeat(t *testing.T) {
	var in [B6Bytes]byte
	in[0] = 0b000001
	d := NewDecoder()
	d.SetDPI(200)
	expectNozzles(t, d.DecodeB6Raw(in), func(n int) bool { return n < 3 })
}

func TestDecodeB6Toggle(t *testing.T) {
	var in [B6Bytes]byte
	in[0] = 4  // on 0..3
	in[1] = 10 // off 4..13
	in[2] = 2  // on 14..15
	expectNozzles(t, NewDecoder().DecodeB6Toggle(in), func(n int) bool {
		return n < 4 || n == 14 || n == 15
	})
}

func TestDecodeB6ToggleStopsAtLastNozzle(t *testing.T) {
	var in [B6Bytes]byte
	for i := range in {
		in[i] = 63
	}
	d := NewDecoder()
	d.SetDPI(300)
	// 63*2 on, 63*2 off, then on until nozzle 300.
	expectNozzles(t, d.DecodeB6Toggle(in), func(n int) bool {
		return n < 126 || n >= 252
	})
}
