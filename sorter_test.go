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

func mustPoint(t *testing.T, addr string, typ TagType) *Point {
	t.Helper()
	p, err := ParsePoint(addr, typ)
	require.NoError(t, err)
	return p
}

func TestGroupReadCommandsMergesAdjacentRegisters(t *testing.T) {
	points := []*Point{
		mustPoint(t, "1!40002", TypeUint16),
		mustPoint(t, "1!40001", TypeUint16),
		mustPoint(t, "1!40003", TypeUint16),
	}
	cmds := GroupReadCommands(points, MaxPDUBytesTCP)
	require.Len(t, cmds, 1)
	require.Equal(t, uint16(0), cmds[0].Start)
	require.Equal(t, uint16(3), cmds[0].Count)
	require.Len(t, cmds[0].Tags, 3)
}

func TestGroupReadCommandsSplitsDifferentUnits(t *testing.T) {
	points := []*Point{
		mustPoint(t, "1!40001", TypeUint16),
		mustPoint(t, "2!40001", TypeUint16),
	}
	cmds := GroupReadCommands(points, MaxPDUBytesTCP)
	require.Len(t, cmds, 2)
}

func TestGroupReadCommandsRespectsPDUCap(t *testing.T) {
	// 124 adjacent holding registers (1!40001..1!40124) are the most
	// that stay under the classic-TCP cap (2*124 < 250); a further tag
	// must start a new command.
	var points []*Point
	for i := 1; i <= 124; i++ {
		points = append(points, mustPoint(t, addrAt(i), TypeUint16))
	}
	cmds := GroupReadCommands(points, MaxPDUBytesTCP)
	require.Len(t, cmds, 1)
	require.Equal(t, uint16(124), cmds[0].Count)

	points = append(points, mustPoint(t, addrAt(125), TypeUint16))
	cmds = GroupReadCommands(points, MaxPDUBytesTCP)
	require.Len(t, cmds, 2)
}

func addrAt(position int) string {
	switch {
	case position < 10:
		return "1!4000" + itoa(position)
	case position < 100:
		return "1!400" + itoa(position)
	default:
		return "1!40" + itoa(position)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestGroupReadCommandsLeavesGapAsSeparateCommand(t *testing.T) {
	points := []*Point{
		mustPoint(t, "1!40001", TypeUint16),
		mustPoint(t, "1!40050", TypeUint16),
	}
	cmds := GroupReadCommands(points, MaxPDUBytesTCP)
	require.Len(t, cmds, 2)

	starts := make([]uint16, len(cmds))
	for i, c := range cmds {
		starts[i] = c.Start
	}
	require.NoError(t, AssertUint16Equal([]uint16{0, 49}, starts))
	require.Error(t, AssertUint16Equal([]uint16{0, 50}, starts))
}

func TestGroupWriteCommandsNeverMergesCoils(t *testing.T) {
	points := []*Point{
		mustPoint(t, "1!00001", TypeBit),
		mustPoint(t, "1!00002", TypeBit),
	}
	values := map[*Point][]byte{
		points[0]: {0xFF, 0x00},
		points[1]: {0xFF, 0x00},
	}
	cmds := GroupWriteCommands(points, values, MaxPDUBytesTCP)
	require.Len(t, cmds, 2)
}

func TestGroupWriteCommandsMergesAdjacentHoldingRegisters(t *testing.T) {
	points := []*Point{
		mustPoint(t, "1!40001", TypeUint16),
		mustPoint(t, "1!40002", TypeUint16),
	}
	values := map[*Point][]byte{
		points[0]: {0x00, 0x01},
		points[1]: {0x00, 0x02},
	}
	cmds := GroupWriteCommands(points, values, MaxPDUBytesTCP)
	require.Len(t, cmds, 1)
	require.Equal(t, []byte{0x00, 0x01, 0x00, 0x02}, cmds[0].Payload)
}
