// Scan-line ring buffer with independent odd and even read cursors
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package scanbuf queues (position, fire pattern) entries for the two nozzle
// columns of the head. Each column reads through the queue with its own
// cursor while a single writer appends.
//
// The buffer is not safe for concurrent use. The print engine owns it from
// one goroutine.
package scanbuf

import (
	"errors"
	"fmt"

	"hp45-host/pkg/head"
	"hp45-host/pkg/log"
)

var (
	// ErrBufferFull is returned by Add when the mode leaves no write space.
	ErrBufferFull = errors.New("scanbuf: buffer full")

	// ErrNothingToRead is returned when a side has no unread entries.
	ErrNothingToRead = errors.New("scanbuf: nothing to read")

	// ErrInvalidMode is returned by setters given an undefined value.
	ErrInvalidMode = errors.New("scanbuf: invalid mode")

	// ErrInvalidSide is returned for sides other than odd or even.
	ErrInvalidSide = errors.New("scanbuf: invalid side")
)

// Mode selects how write space is reclaimed.
type Mode int

const (
	// ModeClearing frees slots once both sides have read them.
	ModeClearing Mode = iota

	// ModeStatic keeps every entry and writes linearly to the end of the ring.
	ModeStatic

	// ModeLooping writes like static and replays the stored entries from the
	// start once both sides have read everything.
	ModeLooping
)

func (m Mode) String() string {
	switch m {
	case ModeClearing:
		return "clearing"
	case ModeStatic:
		return "static"
	case ModeLooping:
		return "looping"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Valid reports whether m is one of the three buffer modes.
func (m Mode) Valid() bool {
	return m >= ModeClearing && m <= ModeLooping
}

// ParseMode parses "clearing", "static" or "looping".
func ParseMode(v string) (Mode, error) {
	switch v {
	case "clearing", "clear":
		return ModeClearing, nil
	case "static":
		return ModeStatic, nil
	case "looping", "loop":
		return ModeLooping, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, v)
}

// Entry is one queued scan line.
type Entry struct {
	Position int32
	Pattern  head.Pattern
}

// Stats counts buffer activity since construction or ClearAll.
type Stats struct {
	Written    uint64
	Consumed   [2]uint64
	Starved    [2]uint64
	Rejected   uint64
	Overwrites uint64
}

// Buffer is a ring of entries. Capacity-1 entries are usable; one slot of the
// ring always separates the write cursor from the slowest read cursor.
type Buffer struct {
	slots     []Entry
	capacity  int
	w         cursor
	r         [2]cursor
	mode      Mode
	printMode head.PrintMode
	active    [2]bool
	loops     uint32
	stats     Stats

	logger *log.Logger
}

// New creates a zeroed buffer holding up to capacity-1 entries.
func New(capacity int) (*Buffer, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("scanbuf: capacity %d, need at least 2", capacity)
	}
	b := &Buffer{
		slots:    make([]Entry, capacity+1),
		capacity: capacity,
		active:   [2]bool{true, true},
		logger:   log.GetLogger("scanbuf"),
	}
	b.resetCursors()
	return b, nil
}

func (b *Buffer) resetCursors() {
	n := len(b.slots)
	b.w = newCursor(1, n)
	b.r = [2]cursor{newCursor(0, n), newCursor(0, n)}
}

// Capacity returns the configured capacity. Capacity-1 entries are usable.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// SetLogger replaces the buffer's logger.
func (b *Buffer) SetLogger(l *log.Logger) {
	b.logger = l
}

func (b *Buffer) unread(s head.Side) int {
	return b.w.since(b.r[s]) - 1
}

func (b *Buffer) maxUnread() int {
	return max(b.unread(head.SideOdd), b.unread(head.SideEven))
}

// WriteSpace returns how many more entries Add will accept in the current mode.
func (b *Buffer) WriteSpace() int {
	if b.mode == ModeClearing {
		return b.capacity - 1 - b.maxUnread()
	}
	return b.w.linearLeft()
}

// ReadSpace returns the unread entries for side s, or 0 for an invalid side.
func (b *Buffer) ReadSpace(s head.Side) int {
	if !s.Valid() {
		return 0
	}
	return b.unread(s)
}

// ReadSpaceMin returns the unread entries of the side that is furthest along.
func (b *Buffer) ReadSpaceMin() int {
	return min(b.unread(head.SideOdd), b.unread(head.SideEven))
}

// Add stores an entry at the write cursor and returns the remaining write space.
func (b *Buffer) Add(position int32, p head.Pattern) (int, error) {
	if b.WriteSpace() <= 0 {
		b.stats.Rejected++
		return 0, ErrBufferFull
	}
	b.slots[b.w.pos] = Entry{Position: position, Pattern: p}
	b.w = b.w.add(1)
	b.stats.Written++

	// Static and looping writes ignore the read cursors. When the write
	// cursor lands on a read cursor the oldest unread entry of that side is
	// gone; drop it explicitly so cursor equality keeps meaning "empty".
	for _, s := range head.Sides {
		if b.w == b.r[s] {
			b.r[s] = b.r[s].add(1)
			b.stats.Overwrites++
			b.logger.WithFields(log.Fields{
				"side":     s.String(),
				"mode":     b.mode.String(),
				"position": b.slots[b.r[s].pos].Position,
			}).Warn("write wrapped onto unread entries, oldest entry dropped")
		}
	}
	return b.WriteSpace(), nil
}

// Next advances side s to its next entry and returns what remains unread.
func (b *Buffer) Next(s head.Side) (int, error) {
	if !s.Valid() {
		return 0, ErrInvalidSide
	}
	if b.unread(s) <= 0 {
		b.stats.Starved[s]++
		return 0, ErrNothingToRead
	}
	b.r[s] = b.r[s].add(1)
	b.stats.Consumed[s]++

	if b.mode == ModeLooping && b.maxUnread() == 0 {
		b.Reset()
		b.loops++
		b.logger.Debug("loop %d restarted at slot 0", b.loops)
	}
	return b.unread(s), nil
}

// Peek returns the entry side s currently prints, the one Next last moved to.
func (b *Buffer) Peek(s head.Side) (Entry, error) {
	if !s.Valid() {
		return Entry{}, ErrInvalidSide
	}
	return b.slots[b.r[s].pos], nil
}

// PeekAhead returns the entry Next will move side s to.
func (b *Buffer) PeekAhead(s head.Side) (Entry, error) {
	if !s.Valid() {
		return Entry{}, ErrInvalidSide
	}
	if b.unread(s) <= 0 {
		return Entry{}, ErrNothingToRead
	}
	return b.slots[b.r[s].add(1).pos], nil
}

// MergedPulse returns the primitive word for an address slot, combining the
// current entry of every side that is active and allowed by the print mode.
// Each side contributes only its own primitive lines and reads from its own
// cursor, so the two columns may be printing different entries.
func (b *Buffer) MergedPulse(address int) uint16 {
	if address < 0 || address >= head.Addresses {
		return 0
	}
	var word uint16
	for _, s := range head.Sides {
		if !b.active[s] || !b.printMode.Permits(s) {
			continue
		}
		word |= b.slots[b.r[s].pos].Pattern[address] & s.Overlay()
	}
	return word
}

// Merged returns MergedPulse for every address slot.
func (b *Buffer) Merged() head.Pattern {
	var p head.Pattern
	for a := range p {
		p[a] = b.MergedPulse(a)
	}
	return p
}

// SetActive enables or disables printing from side s.
func (b *Buffer) SetActive(s head.Side, enabled bool) error {
	if !s.Valid() {
		return ErrInvalidSide
	}
	b.active[s] = enabled
	return nil
}

// Active reports whether side s is enabled.
func (b *Buffer) Active(s head.Side) bool {
	return s.Valid() && b.active[s]
}

// SetPrintMode selects which sides may print. Undefined modes are rejected
// and the current mode kept.
func (b *Buffer) SetPrintMode(m head.PrintMode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: print mode %d", ErrInvalidMode, int(m))
	}
	b.printMode = m
	return nil
}

// PrintMode returns the current print mode.
func (b *Buffer) PrintMode() head.PrintMode {
	return b.printMode
}

// SetMode switches the occupancy mode. Undefined modes are rejected and the
// current mode kept.
func (b *Buffer) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(m))
	}
	b.mode = m
	return nil
}

// Mode returns the current occupancy mode.
func (b *Buffer) Mode() Mode {
	return b.mode
}

// LoopCount returns how many times looping mode has restarted.
func (b *Buffer) LoopCount() uint32 {
	return b.loops
}

// Reset moves both read cursors back to slot 0 and keeps stored entries.
func (b *Buffer) Reset() {
	n := len(b.slots)
	b.r = [2]cursor{newCursor(0, n), newCursor(0, n)}
}

// ClearAll zeroes every entry and returns the cursors and counters to their
// initial state. Mode, print mode and side activation are kept.
func (b *Buffer) ClearAll() {
	clear(b.slots)
	b.resetCursors()
	b.loops = 0
	b.stats = Stats{}
}

// Stats returns a copy of the activity counters.
func (b *Buffer) Stats() Stats {
	return b.stats
}
