package scanbuf

import "fmt"

// cursor is a slot index into a ring of size slots. All arithmetic wraps,
// so a cursor can never leave 0..size-1.
type cursor struct {
	pos  int
	size int
}

func newCursor(pos, size int) cursor {
	if size <= 0 {
		panic(fmt.Sprintf("scanbuf: cursor ring size %d", size))
	}
	return cursor{pos: ((pos % size) + size) % size, size: size}
}

// add returns the cursor moved n slots forward (or back for negative n).
func (c cursor) add(n int) cursor {
	return newCursor(c.pos+n, c.size)
}

// since returns how many forward steps lead from other to c.
func (c cursor) since(other cursor) int {
	return ((c.pos-other.pos)%c.size + c.size) % c.size
}

// linearLeft returns the slots between c and the last slot of the ring.
func (c cursor) linearLeft() int {
	return c.size - 1 - c.pos
}
