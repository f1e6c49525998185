package protocol

import "testing"

func TestCRC16(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want uint16
	}{
		{"check string", []byte("123456789"), 0x6f91},
		{"empty", nil, 0xffff},
	}
	for _, tt := range tests {
		if got := CRC16(tt.in); got != tt.want {
			t.Errorf("%s: CRC16 = %04x, want %04x", tt.name, got, tt.want)
		}
	}
}
