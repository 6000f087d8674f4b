// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package modbus

import "encoding/binary"

// PackCursor assembles a wire frame back-to-front: callers reserve
// space for headers (MBAP, unit/CRC trailers) that are only known
// once the payload has been written, without shifting already-written
// bytes. Replaces the teacher's forward-only byte-slice concatenation
// (which worked fine for a single fixed header, but doesn't generalize
// to a family of framers with different header shapes).
type PackCursor struct {
	buf  []byte
	pos  int // next free byte, growing backward from len(buf)
}

// NewPackCursor allocates a cursor able to hold up to capacity bytes.
func NewPackCursor(capacity int) *PackCursor {
	return &PackCursor{buf: make([]byte, capacity), pos: capacity}
}

// PutBytes writes p immediately before the current cursor position
// and moves the cursor back by len(p).
func (c *PackCursor) PutBytes(p []byte) {
	c.pos -= len(p)
	copy(c.buf[c.pos:], p)
}

// PutUint16 writes a big-endian uint16.
func (c *PackCursor) PutUint16(v uint16) {
	c.pos -= 2
	binary.BigEndian.PutUint16(c.buf[c.pos:], v)
}

// PutByte writes a single byte.
func (c *PackCursor) PutByte(b byte) {
	c.pos--
	c.buf[c.pos] = b
}

// Bytes returns the assembled frame: everything written so far. Since
// each write is placed before the previous ones, the most recent call
// comes first and the oldest call last.
func (c *PackCursor) Bytes() []byte {
	return c.buf[c.pos:]
}

// UnpackCursor reads a wire frame front-to-back, returning nil instead
// of panicking when a read runs past the end of the buffer. Replaces
// ad hoc `if len(frame) < n` checks scattered through every Unpack
// method.
type UnpackCursor struct {
	buf []byte
	pos int
}

// NewUnpackCursor wraps frame for sequential reads.
func NewUnpackCursor(frame []byte) *UnpackCursor {
	return &UnpackCursor{buf: frame}
}

// Remaining returns how many bytes are left to read.
func (c *UnpackCursor) Remaining() int { return len(c.buf) - c.pos }

// Take consumes and returns the next n bytes, or nil if fewer than n
// remain.
func (c *UnpackCursor) Take(n int) []byte {
	if c.Remaining() < n {
		return nil
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b
}

// Peek returns the next n bytes without advancing the cursor, or nil
// if fewer than n remain.
func (c *UnpackCursor) Peek(n int) []byte {
	if c.Remaining() < n {
		return nil
	}
	return c.buf[c.pos : c.pos+n]
}

// TakeUint16 consumes a big-endian uint16, ok is false on underflow.
func (c *UnpackCursor) TakeUint16() (v uint16, ok bool) {
	b := c.Take(2)
	if b == nil {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

// TakeByte consumes a single byte, ok is false on underflow.
func (c *UnpackCursor) TakeByte() (b byte, ok bool) {
	p := c.Take(1)
	if p == nil {
		return 0, false
	}
	return p[0], true
}

// Rest returns every byte not yet consumed.
func (c *UnpackCursor) Rest() []byte {
	return c.buf[c.pos:]
}
