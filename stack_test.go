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

func TestStackBuildReadHoldingRegistersMatchesWireExample(t *testing.T) {
	framer, err := NewFramer(TransportTCP)
	require.NoError(t, err)
	s := NewStack(framer)

	frame, expected, err := s.BuildRead(1, AreaHoldingRegister, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}, frame)
	require.Equal(t, 13, expected) // 7 header + func(1) + byteCount(1) + 4 data bytes
}

func TestStackRecvRejectsUnitMismatch(t *testing.T) {
	framer, _ := NewFramer(TransportTCP)
	s := NewStack(framer)

	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x02, 0x03, 0x04, 0x12, 0x34, 0x56, 0x78}
	res := s.Recv(1, frame)
	require.Equal(t, RecvMalformed, res.Kind)
}

func TestStackBuildWriteSingleCoil(t *testing.T) {
	framer, _ := NewFramer(TransportRTU)
	s := NewStack(framer)

	frame, err := s.BuildWrite(&WriteCommand{Unit: 1, Area: AreaCoil, Start: 0, Count: 1, Payload: []byte{0x01}})
	require.NoError(t, err)
	require.Equal(t, uint8(1), frame[0])
	require.Equal(t, FuncCodeWriteSingleCoil, frame[1])
	require.Equal(t, []byte{0xFF, 0x00}, frame[4:6])
}

func TestStackBuildWriteMultipleRegisters(t *testing.T) {
	framer, _ := NewFramer(TransportTCP)
	s := NewStack(framer)

	cmd := &WriteCommand{Unit: 1, Area: AreaHoldingRegister, Start: 0, Count: 2, Payload: []byte{0x00, 0x0A, 0x00, 0x0B}}
	frame, err := s.BuildWrite(cmd)
	require.NoError(t, err)
	require.Equal(t, FuncCodeWriteMultipleRegisters, frame[7])
	require.Equal(t, byte(4), frame[12]) // byte count
}
