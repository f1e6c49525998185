package protocol

import (
	"errors"
	"fmt"
)

// A block on the wire is
//
//	len seq payload... crc_hi crc_lo 0x7e
//
// where len counts the whole block and the CRC covers len, seq and payload.
const (
	BlockMin        = 5
	BlockMax        = 64
	BlockHeaderSize = 2
	MaxPayload      = BlockMax - BlockMin
	SeqMask         = 0x0f
	SeqDest         = 0x10
	SyncByte        = 0x7e
)

// ErrPayloadTooLarge is returned for payloads over MaxPayload bytes.
var ErrPayloadTooLarge = errors.New("protocol: payload too large for one block")

// Block is one decoded block.
type Block struct {
	Seq     int
	Payload []byte
}

// EncodeBlock frames payload with the given sequence number.
func EncodeBlock(seq int, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	out := make([]byte, 0, BlockMin+len(payload))
	out = append(out, byte(BlockMin+len(payload)), byte(seq&SeqMask|SeqDest))
	out = append(out, payload...)
	crc := CRC16(out)
	return append(out, byte(crc>>8), byte(crc), SyncByte), nil
}

// Decoder reassembles blocks from a byte stream. A corrupt block is dropped
// and the decoder resynchronises on the next sync byte.
type Decoder struct {
	buf       []byte
	crcErrors uint64
	dropped   uint64
}

// Feed appends data and returns every complete block now available.
func (d *Decoder) Feed(data []byte) []Block {
	d.buf = append(d.buf, data...)
	var blocks []Block
	for len(d.buf) > 0 {
		n := int(d.buf[0])
		if n < BlockMin || n > BlockMax {
			d.resync()
			continue
		}
		if len(d.buf) < n {
			break
		}
		blk := d.buf[:n]
		crc := CRC16(blk[:n-3])
		switch {
		case blk[n-1] != SyncByte:
			d.resync()
			continue
		case blk[n-3] != byte(crc>>8) || blk[n-2] != byte(crc):
			d.crcErrors++
			d.buf = d.buf[n:]
			continue
		}
		blocks = append(blocks, Block{
			Seq:     int(blk[1] & SeqMask),
			Payload: append([]byte(nil), blk[BlockHeaderSize:n-3]...),
		})
		d.buf = d.buf[n:]
	}
	return blocks
}

// resync discards through the next sync byte, or everything if there is none.
func (d *Decoder) resync() {
	d.dropped++
	for i, b := range d.buf {
		if b == SyncByte {
			d.buf = d.buf[i+1:]
			return
		}
	}
	d.buf = d.buf[:0]
}

// CRCErrors returns how many blocks failed their CRC check.
func (d *Decoder) CRCErrors() uint64 {
	return d.crcErrors
}

// Dropped returns how many times the decoder lost framing.
func (d *Decoder) Dropped() uint64 {
	return d.dropped
}

// Pending returns the number of buffered bytes not yet forming a block.
func (d *Decoder) Pending() int {
	return len(d.buf)
}
