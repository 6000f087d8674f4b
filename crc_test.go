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

func TestCRC16ReadHoldingRegistersRequest(t *testing.T) {
	// unit 1, read holding registers, start 0x0000, qty 1.
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	framed := appendCRC(append([]byte{}, frame...))
	require.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}, framed)
	require.True(t, verifyCRC(framed))
}

func TestVerifyCRCDetectsCorruption(t *testing.T) {
	framed := appendCRC([]byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01})
	framed[0] ^= 0xFF
	require.False(t, verifyCRC(framed))
}

func TestVerifyCRCRejectsShortFrame(t *testing.T) {
	require.False(t, verifyCRC([]byte{0x01, 0x02}))
}
