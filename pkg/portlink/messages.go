// Port driver wire messages
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package portlink drives an external port driver board over a serial line
// or unix socket. A burst region is sent as load blocks for each port
// followed by a fire block; the board answers fired once the transfer has
// clocked out.
package portlink

import (
	"fmt"

	"hp45-host/pkg/pool"
	"hp45-host/pkg/protocol"
)

// Messages is the dictionary shared by the host and the driver board.
var Messages = protocol.MustDictionary(map[string]int{
	"config frequency=%u bus=%u":      1,
	"config_ack period=%u":            2,
	"load port=%c offset=%u data=%*s": 3,
	"fire transfer=%u length=%u":      4,
	"fired transfer=%u length=%u":     5,
	"reset_address":                   6,
	"nak transfer=%u code=%u":         7,
})

// ChunkSize is the most region bytes carried by one load block. The rest
// of the payload holds the message id, port, offset and length.
const ChunkSize = protocol.MaxPayload - 7

// Port indices in load messages.
const (
	PortC = 0
	PortD = 1
)

// NoTransfer marks a nak for a block the driver could not tie to a transfer.
// Transfer numbers sent by the host skip it.
const NoTransfer = 0

// Nak codes sent by the driver.
const (
	NakFrame  = 1
	NakLength = 2
	NakBusy   = 3
)

// NakReason names a nak code.
func NakReason(code int32) string {
	switch code {
	case NakFrame:
		return "bad frame"
	case NakLength:
		return "fire length exceeds loaded region"
	case NakBusy:
		return "transfer already running"
	default:
		return fmt.Sprintf("nak %d", code)
	}
}

// sequencer numbers outgoing blocks.
type sequencer struct {
	seq int
}

func (s *sequencer) block(name string, args ...any) ([]byte, error) {
	payload, err := Messages.Encode(name, args...)
	if err != nil {
		return nil, err
	}
	blk, err := protocol.EncodeBlock(s.seq, payload)
	if err != nil {
		return nil, err
	}
	s.seq = (s.seq + 1) & protocol.SeqMask
	return blk, nil
}

// EncodeTransfer frames a transfer of c and d as load blocks for each port
// followed by one fire block carrying the transfer number.
// The returned buffer comes from the pool.
func (s *sequencer) EncodeTransfer(transfer uint32, c, d []byte) (*pool.ByteBuffer, error) {
	if len(c) != len(d) {
		return nil, fmt.Errorf("portlink: port lengths differ: %d and %d", len(c), len(d))
	}
	out := pool.GetByteBuffer()
	for port, data := range [2][]byte{c, d} {
		for off := 0; off < len(data); off += ChunkSize {
			end := min(off+ChunkSize, len(data))
			blk, err := s.block("load", port, off, data[off:end])
			if err != nil {
				pool.PutByteBuffer(out)
				return nil, err
			}
			out.Write(blk)
		}
	}
	blk, err := s.block("fire", transfer, len(c))
	if err != nil {
		pool.PutByteBuffer(out)
		return nil, err
	}
	out.Write(blk)
	return out, nil
}
