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

package simulator

import (
	"testing"

	modbus "github.com/hootrhino/neuron-modbus"
	"github.com/stretchr/testify/require"
)

func TestStoreWriteThenReadHoldingRegister(t *testing.T) {
	s := NewStore()
	err := s.WriteHolding(1, 10, 1, []byte{0x12, 0x34})
	require.NoError(t, err)

	got, err := s.ReadHolding(1, 10, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0x12, 0x34}, got)
}

func TestStoreReadonlyMaskRejectsWrite(t *testing.T) {
	s := NewStore()
	s.MarkHoldingReadonly(1, 5, true)

	err := s.WriteHolding(1, 5, 1, []byte{0x00, 0x01})
	require.Error(t, err)
}

func TestStoreDispatchReturnsExceptionForReadonlyWrite(t *testing.T) {
	s := NewStore()
	s.MarkHoldingReadonly(2, 0, true)

	_, exc := s.dispatch(2, modbus.AreaHoldingRegister, 0, 1, []byte{0x00, 0x02})
	require.Equal(t, modbus.ExceptionIllegalDataValue, exc)
}

func TestStoreCoilRoundTrip(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.WriteCoils(1, 0, 3, []byte{0b101}))

	got, err := s.ReadCoils(1, 0, 3)
	require.NoError(t, err)
	require.Equal(t, byte(0b101), got[0])
}
