// Host side of the port driver link
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package portlink

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hp45-host/pkg/dispatch"
	hosterrors "hp45-host/pkg/errors"
	"hp45-host/pkg/log"
	"hp45-host/pkg/pool"
	"hp45-host/pkg/protocol"
	"hp45-host/pkg/serial"
	"hp45-host/pkg/sim"
)

// Port is the byte stream to the driver board.
type Port interface {
	io.ReadWriteCloser
}

// Config holds link settings.
type Config struct {
	Device       string
	Socket       string
	Baud         int
	Timeout      time.Duration
	Frequency    int
	BusFrequency int
}

// Stats counts link traffic.
type Stats struct {
	Transfers     uint64 `json:"transfers"`
	Acks          uint64 `json:"acks"`
	Naks          uint64 `json:"naks"`
	Timeouts      uint64 `json:"timeouts"`
	CRCErrors     uint64 `json:"crc_errors"`
	AddressResets uint64 `json:"address_resets"`
	BytesSent     uint64 `json:"bytes_sent"`
	StaleAcks     uint64 `json:"stale_acks"`
	Drops         uint64 `json:"drops"`
}

var errNotReady = errors.New("portlink: driver has not acknowledged config")

// Link implements dispatch.Hardware on top of a driver board. The timer is
// modelled locally; transfers are framed onto the port and completion is
// reported when the board acks the fire. Each transfer is numbered and only
// an ack for the transfer in flight completes it.
type Link struct {
	*sim.Timer

	port    Port
	timeout time.Duration
	tx      chan *pool.ByteBuffer

	// irq serializes completion with the arming sequence.
	irq sync.Mutex

	mu         sync.Mutex
	seq        sequencer
	onComplete func()
	pending    *time.Timer
	inFlight   bool
	transfer   uint32
	ready      bool
	configAck  chan uint32
	stats      Stats
	closed     bool

	logger *log.Logger
}

var (
	_ dispatch.Hardware        = (*Link)(nil)
	_ dispatch.AddressResetter = (*Link)(nil)
)

// Dial opens the configured device or socket.
func Dial(cfg Config) (*Link, error) {
	var (
		port *serial.Port
		err  error
	)
	switch {
	case cfg.Socket != "":
		port, err = serial.OpenSocket(cfg.Socket, cfg.Timeout*10)
	case cfg.Device != "":
		port, err = serial.Open(serial.Config{Device: cfg.Device, BaudRate: cfg.Baud})
	default:
		return nil, hosterrors.LinkFrameError("no device or socket configured")
	}
	if err != nil {
		return nil, hosterrors.LinkIOError("open", err)
	}
	port.SetReadTimeout(100 * time.Millisecond)
	return New(port, cfg), nil
}

// New wraps an open port.
func New(port Port, cfg Config) *Link {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Link{
		Timer:     sim.NewTimer(cfg.Frequency, cfg.BusFrequency),
		port:      port,
		timeout:   cfg.Timeout,
		tx:        make(chan *pool.ByteBuffer, 8),
		configAck: make(chan uint32, 1),
		logger:    log.GetLogger("portlink"),
	}
}

// OnComplete sets the function called when a transfer finishes.
func (l *Link) OnComplete(fn func()) {
	l.mu.Lock()
	l.onComplete = fn
	l.mu.Unlock()
}

// Run services the port until ctx is done or the port fails.
func (l *Link) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.readLoop(ctx) })
	g.Go(func() error { return l.writeLoop(ctx) })
	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handshake sends the timer configuration and waits for the board to
// acknowledge it. Run must be active.
func (l *Link) Handshake(ctx context.Context) error {
	l.mu.Lock()
	blk, err := l.seq.block("config", l.Frequency(), l.Bus())
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if err := l.send(ctx, blk); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	select {
	case period := <-l.configAck:
		if period != l.Period() {
			l.logger.WithFields(log.Fields{"local": l.Period(), "driver": period}).
				Warn("driver timer period differs")
		}
		l.mu.Lock()
		l.ready = true
		l.mu.Unlock()
		l.logger.Info("driver ready")
		return nil
	case <-ctx.Done():
		return hosterrors.Wrap(ctx.Err(), hosterrors.ErrLinkTimeout, "waiting for config_ack")
	}
}

// Ready returns nil once the handshake has completed.
func (l *Link) Ready() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return errNotReady
	}
	return nil
}

func (l *Link) send(ctx context.Context, blk []byte) error {
	b := pool.GetByteBuffer()
	b.Write(blk)
	select {
	case l.tx <- b:
		return nil
	case <-ctx.Done():
		pool.PutByteBuffer(b)
		return ctx.Err()
	}
}

func (l *Link) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-l.tx:
			n := b.Len()
			_, err := l.port.Write(b.Bytes())
			pool.PutByteBuffer(b)
			if err != nil {
				return hosterrors.LinkIOError("write", err)
			}
			l.mu.Lock()
			l.stats.BytesSent += uint64(n)
			l.mu.Unlock()
		}
	}
}

func (l *Link) readLoop(ctx context.Context) error {
	var dec protocol.Decoder
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := l.port.Read(buf)
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return hosterrors.LinkIOError("read", err)
		}

		before := dec.CRCErrors()
		for _, blk := range dec.Feed(buf[:n]) {
			msgs, err := Messages.Decode(blk.Payload)
			if err != nil {
				l.logger.WithError(err).Warn("undecodable block from driver")
				continue
			}
			for _, msg := range msgs {
				l.handle(msg)
			}
		}
		if crc := dec.CRCErrors() - before; crc > 0 {
			l.mu.Lock()
			l.stats.CRCErrors += crc
			l.mu.Unlock()
			l.logger.WithField("count", crc).Warn("CRC errors from driver")
		}
	}
	return ctx.Err()
}

func (l *Link) handle(msg protocol.Message) {
	switch msg.Name {
	case "config_ack":
		select {
		case l.configAck <- uint32(msg.Int("period")):
		default:
		}
	case "fired":
		id := uint32(msg.Int("transfer"))
		if !l.acked(id, &l.stats.Acks) {
			l.logger.WithField("transfer", id).Debug("ignoring stale fired")
			return
		}
		l.complete(id)
	case "nak":
		id, code := uint32(msg.Int("transfer")), msg.Int("code")
		if id == NoTransfer {
			l.mu.Lock()
			id = l.transfer
			l.mu.Unlock()
		}
		current := l.acked(id, &l.stats.Naks)
		l.logger.WithFields(log.Fields{"transfer": id, "code": code, "reason": NakReason(code)}).
			Error("driver rejected transfer")
		if current {
			l.complete(id)
		}
	default:
		l.logger.WithField("message", msg.String()).Debug("ignoring message from driver")
	}
}

// acked bumps counter if id is the transfer in flight and StaleAcks
// otherwise. It reports whether id is current.
func (l *Link) acked(id uint32, counter *uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inFlight || id != l.transfer {
		l.stats.StaleAcks++
		return false
	}
	*counter++
	return true
}

func (l *Link) ClearPendingEdges() {}

// DisableInterrupts holds back completions until restore is called.
func (l *Link) DisableInterrupts() func() {
	l.irq.Lock()
	return l.irq.Unlock
}

// ResetAddress asks the board to return the address register to slot 0.
func (l *Link) ResetAddress() {
	l.mu.Lock()
	blk, err := l.seq.block("reset_address")
	l.stats.AddressResets++
	l.mu.Unlock()
	if err == nil {
		b := pool.GetByteBuffer()
		b.Write(blk)
		l.queue(b)
	}
}

// Enable frames the transfer and starts the ack timeout. A transfer that
// cannot be framed or queued completes at once.
func (l *Link) Enable(c, d []byte) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.transfer++
	if l.transfer == NoTransfer {
		l.transfer++
	}
	id := l.transfer
	l.inFlight = true
	frames, err := l.seq.EncodeTransfer(id, c, d)
	if err != nil {
		l.mu.Unlock()
		l.logger.WithError(err).Error("unable to frame transfer")
		go l.complete(id)
		return
	}
	l.stats.Transfers++
	if l.pending != nil {
		l.pending.Stop()
	}
	l.pending = time.AfterFunc(l.timeout+l.Duration(len(c)), func() { l.expire(id) })
	l.mu.Unlock()

	if !l.queue(frames) {
		// The caller holds the completion lock until Enable returns.
		go l.complete(id)
	}
}

// queue hands frames to the writer without blocking the arming sequence.
// It reports false if the frames were dropped.
func (l *Link) queue(frames *pool.ByteBuffer) bool {
	select {
	case l.tx <- frames:
		return true
	default:
	}
	l.logger.WithField("bytes", frames.Len()).Error("transmit queue full, dropping frames")
	pool.PutByteBuffer(frames)
	l.mu.Lock()
	l.stats.Drops++
	l.mu.Unlock()
	return false
}

func (l *Link) expire(id uint32) {
	l.mu.Lock()
	if !l.inFlight || id != l.transfer {
		l.mu.Unlock()
		return
	}
	l.stats.Timeouts++
	l.mu.Unlock()
	l.logger.WithFields(log.Fields{"transfer": id, "timeout": l.timeout}).
		Warn("no ack from driver, releasing transfer")
	l.complete(id)
}

// complete releases transfer id if it is still in flight.
func (l *Link) complete(id uint32) {
	l.irq.Lock()
	defer l.irq.Unlock()

	l.mu.Lock()
	if !l.inFlight || id != l.transfer {
		l.mu.Unlock()
		return
	}
	l.inFlight = false
	if l.pending != nil {
		l.pending.Stop()
		l.pending = nil
	}
	fn := l.onComplete
	closed := l.closed
	l.mu.Unlock()

	if fn != nil && !closed {
		fn()
	}
}

// Stats returns a copy of the link counters.
func (l *Link) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close stops the ack timer and closes the port.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.pending != nil {
		l.pending.Stop()
		l.pending = nil
	}
	l.mu.Unlock()
	return l.port.Close()
}
