// Driver board emulation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package portlink

import (
	"context"
	"errors"
	"sync"
	"time"

	"hp45-host/pkg/log"
	"hp45-host/pkg/protocol"
	"hp45-host/pkg/serial"
	"hp45-host/pkg/sim"
)

// DriverStats counts what an emulated board received.
type DriverStats struct {
	Blocks        uint64
	Loads         uint64
	Fires         uint64
	Naks          uint64
	CRCErrors     uint64
	AddressResets uint64
}

// Driver answers the link protocol the way a port driver board does:
// it reassembles loaded regions, clocks a fire out for length/frequency
// and then reports fired with the transfer number it was given.
type Driver struct {
	port Port

	wmu sync.Mutex
	seq sequencer

	mu      sync.Mutex
	timer   *sim.Timer
	regions [2][]byte
	busy    bool
	stats   DriverStats
	onFire  func(c, d []byte)

	logger *log.Logger
}

// NewDriver serves the board side of port.
func NewDriver(port Port) *Driver {
	return &Driver{
		port:   port,
		timer:  sim.NewTimer(0, 0),
		logger: log.GetLogger("driver"),
	}
}

// OnFire sets a function called with each fired region.
func (d *Driver) OnFire(fn func(c, dd []byte)) {
	d.mu.Lock()
	d.onFire = fn
	d.mu.Unlock()
}

// Stats returns a copy of the driver counters.
func (d *Driver) Stats() DriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Serve handles blocks until ctx is done or the host hangs up.
func (d *Driver) Serve(ctx context.Context) error {
	var dec protocol.Decoder
	buf := make([]byte, 512)
	for ctx.Err() == nil {
		n, err := d.port.Read(buf)
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}

		before := dec.CRCErrors()
		blocks := dec.Feed(buf[:n])
		if crc := dec.CRCErrors() - before; crc > 0 {
			d.mu.Lock()
			d.stats.CRCErrors += crc
			d.mu.Unlock()
			d.nak(NoTransfer, NakFrame)
		}
		for _, blk := range blocks {
			d.mu.Lock()
			d.stats.Blocks++
			d.mu.Unlock()
			msgs, err := Messages.Decode(blk.Payload)
			if err != nil {
				d.logger.WithError(err).Warn("undecodable block")
				d.nak(NoTransfer, NakFrame)
				continue
			}
			for _, msg := range msgs {
				d.handle(msg)
			}
		}
	}
	return nil
}

func (d *Driver) handle(msg protocol.Message) {
	switch msg.Name {
	case "config":
		t := sim.NewTimer(int(msg.Int("frequency")), int(msg.Int("bus")))
		d.mu.Lock()
		d.timer = t
		d.mu.Unlock()
		d.logger.WithFields(log.Fields{"frequency": t.Frequency(), "period": t.Period()}).Info("configured")
		d.reply("config_ack", t.Period())
	case "load":
		d.load(int(msg.Int("port")), int(msg.Int("offset")), msg.Bytes("data"))
	case "fire":
		d.fire(uint32(msg.Int("transfer")), int(msg.Int("length")))
	case "reset_address":
		d.mu.Lock()
		d.stats.AddressResets++
		d.mu.Unlock()
	default:
		d.logger.WithField("message", msg.Name).Warn("unexpected message")
	}
}

func (d *Driver) load(port, offset int, data []byte) {
	if port != PortC && port != PortD {
		d.nak(NoTransfer, NakFrame)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Loads++
	end := offset + len(data)
	if end > len(d.regions[port]) {
		grown := make([]byte, end)
		copy(grown, d.regions[port])
		d.regions[port] = grown
	}
	copy(d.regions[port][offset:], data)
}

func (d *Driver) fire(transfer uint32, length int) {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		d.nak(transfer, NakBusy)
		return
	}
	if length > len(d.regions[PortC]) || length > len(d.regions[PortD]) {
		d.mu.Unlock()
		d.nak(transfer, NakLength)
		return
	}
	d.busy = true
	d.stats.Fires++
	c := append([]byte(nil), d.regions[PortC][:length]...)
	dd := append([]byte(nil), d.regions[PortD][:length]...)
	fn := d.onFire
	duration := d.timer.Duration(length)
	d.mu.Unlock()

	time.AfterFunc(duration, func() {
		if fn != nil {
			fn(c, dd)
		}
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
		d.reply("fired", transfer, length)
	})
}

func (d *Driver) nak(transfer uint32, code int) {
	d.mu.Lock()
	d.stats.Naks++
	d.mu.Unlock()
	d.reply("nak", transfer, code)
}

func (d *Driver) reply(name string, args ...any) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	blk, err := d.seq.block(name, args...)
	if err != nil {
		d.logger.WithError(err).Error("unable to encode reply")
		return
	}
	if _, err := d.port.Write(blk); err != nil {
		d.logger.WithError(err).Warn("reply failed")
	}
}
