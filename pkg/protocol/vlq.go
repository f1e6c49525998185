package protocol

import "errors"

// ErrTruncated is returned when a value runs past the end of its buffer.
var ErrTruncated = errors.New("protocol: truncated value")

// AppendVLQ appends v as a variable length quantity. Values in -32..95
// take one byte; each further byte carries seven more bits. Negative
// values are sign-extended from the first byte on decode.
func AppendVLQ(out []byte, v int32) []byte {
	uv := uint32(v)
	if v >= 0xc000000 || v < -0x4000000 {
		out = append(out, byte((uv>>28)&0x7f|0x80))
	}
	if v >= 0x180000 || v < -0x80000 {
		out = append(out, byte((uv>>21)&0x7f|0x80))
	}
	if v >= 0x3000 || v < -0x1000 {
		out = append(out, byte((uv>>14)&0x7f|0x80))
	}
	if v >= 0x60 || v < -0x20 {
		out = append(out, byte((uv>>7)&0x7f|0x80))
	}
	return append(out, byte(uv&0x7f))
}

// DecodeVLQ reads a value at pos and returns it with the position after it.
func DecodeVLQ(buf []byte, pos int) (int32, int, error) {
	if pos >= len(buf) {
		return 0, pos, ErrTruncated
	}
	c := buf[pos]
	pos++
	v := int32(c & 0x7f)
	if c&0x60 == 0x60 {
		v |= -0x20
	}
	for c&0x80 != 0 {
		if pos >= len(buf) {
			return 0, pos, ErrTruncated
		}
		c = buf[pos]
		pos++
		v = v<<7 | int32(c&0x7f)
	}
	return v, pos, nil
}
