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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackCursorBuildsHeaderLast(t *testing.T) {
	c := NewPackCursor(16)
	c.PutBytes([]byte{0x12, 0x34}) // payload, written first
	c.PutUint16(7)                 // then the length header, prepended
	c.PutByte(0x01)                // then the unit id, prepended before that

	require.Equal(t, []byte{0x01, 0x00, 0x07, 0x12, 0x34}, c.Bytes())
}

func TestUnpackCursorUnderflowReturnsNil(t *testing.T) {
	c := NewUnpackCursor([]byte{0x01, 0x02})
	require.Nil(t, c.Take(3))
	require.Equal(t, []byte{0x01, 0x02}, c.Take(2))
	require.Nil(t, c.Take(1))
}

func TestUnpackCursorTakeUint16(t *testing.T) {
	c := NewUnpackCursor([]byte{0x00, 0x07, 0xFF})
	v, ok := c.TakeUint16()
	require.True(t, ok)
	require.Equal(t, uint16(7), v)
	require.Equal(t, []byte{0xFF}, c.Rest())

	_, ok = c.TakeUint16()
	require.False(t, ok)
}
