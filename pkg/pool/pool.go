// Byte buffer pool for framed link traffic
//
// Every burst sent to a port driver is framed into a fresh run of load and
// fire blocks. The buffers are recycled once the writer has sent them.
//
// Usage:
//
//	b := pool.GetByteBuffer()
//	b.Write(frame)
//	...
//	pool.PutByteBuffer(b)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
	"sync/atomic"
)

const (
	// initialCap holds one framed transfer of a default sized region.
	initialCap = 1024

	// maxPooledCap is the largest buffer returned to the pool.
	maxPooledCap = 16 << 10
)

// ByteBuffer is an append-only byte buffer.
type ByteBuffer struct {
	buf []byte
}

var (
	gets    atomic.Uint64
	misses  atomic.Uint64
	puts    atomic.Uint64
	dropped atomic.Uint64
)

var byteBufferPool = sync.Pool{
	New: func() any {
		misses.Add(1)
		return &ByteBuffer{buf: make([]byte, 0, initialCap)}
	},
}

// GetByteBuffer gets an empty byte buffer from the pool
func GetByteBuffer() *ByteBuffer {
	gets.Add(1)
	b := byteBufferPool.Get().(*ByteBuffer)
	b.buf = b.buf[:0]
	return b
}

// PutByteBuffer returns a byte buffer to the pool. b must not be used
// afterwards.
func PutByteBuffer(b *ByteBuffer) {
	if b == nil {
		return
	}
	if cap(b.buf) > maxPooledCap {
		dropped.Add(1)
		return
	}
	puts.Add(1)
	byteBufferPool.Put(b)
}

// Bytes returns the buffer's byte slice
func (b *ByteBuffer) Bytes() []byte {
	return b.buf
}

// Write appends bytes to the buffer
func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteByte appends a single byte
func (b *ByteBuffer) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// Len returns the buffer length
func (b *ByteBuffer) Len() int {
	return len(b.buf)
}

// Cap returns the buffer capacity
func (b *ByteBuffer) Cap() int {
	return cap(b.buf)
}

// Reset clears the buffer
func (b *ByteBuffer) Reset() {
	b.buf = b.buf[:0]
}

// Grow ensures the buffer has capacity for n more bytes
func (b *ByteBuffer) Grow(n int) {
	if cap(b.buf)-len(b.buf) < n {
		newBuf := make([]byte, len(b.buf), cap(b.buf)*2+n)
		copy(newBuf, b.buf)
		b.buf = newBuf
	}
}

// PoolStats holds pool usage counters since start.
type PoolStats struct {
	Gets    uint64 `json:"gets"`
	Misses  uint64 `json:"misses"`
	Puts    uint64 `json:"puts"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns the pool usage counters. Misses counts buffers that had to
// be allocated.
func Stats() PoolStats {
	return PoolStats{
		Gets:    gets.Load(),
		Misses:  misses.Load(),
		Puts:    puts.Load(),
		Dropped: dropped.Load(),
	}
}
