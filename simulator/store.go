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

// Package simulator implements a self-contained Modbus TCP server that
// serves an in-memory register file, used to exercise a Driver without
// real hardware. It shares the parent package's Framer decode/encode
// logic so a wire trace produced by the simulator is
// byte-for-byte what a real device would send.
package simulator

import (
	"sync"

	modbus "github.com/hootrhino/neuron-modbus"
)

// MaxUnits is the number of distinct unit ids the register file keeps
// state for, per §4.6.
const MaxUnits = 1000

// RegistersPerUnit is the number of addressable slots in each of a
// unit's four object spaces.
const RegistersPerUnit = 10000

// unitBank holds one unit's four object spaces plus the read-only mask
// that waveform generators set on the indices they drive.
type unitBank struct {
	coils     [RegistersPerUnit]bool
	discretes [RegistersPerUnit]bool
	holding   [RegistersPerUnit]uint16
	input     [RegistersPerUnit]uint16

	coilReadonly    [RegistersPerUnit]bool
	holdingReadonly [RegistersPerUnit]bool
}

// Store is the in-memory register file backing the simulator, safe for
// concurrent access from client-serving goroutines and the waveform
// worker alike.
type Store struct {
	mu    sync.RWMutex
	units [MaxUnits]*unitBank
}

// NewStore returns an empty Store with every unit's bank lazily
// created on first access.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) bank(unit uint8) *unitBank {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.units[unit] == nil {
		s.units[unit] = &unitBank{}
	}
	return s.units[unit]
}

// ReadCoils returns count coil values starting at start for unit,
// packed the way Stack/Framer expect a read-coils response payload.
func (s *Store) ReadCoils(unit uint8, start, count uint16) ([]byte, error) {
	b := s.bank(unit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, (count+7)/8)
	for i := uint16(0); i < count; i++ {
		if b.coils[start+i] {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out, nil
}

// ReadDiscretes returns count discrete-input values starting at start.
func (s *Store) ReadDiscretes(unit uint8, start, count uint16) ([]byte, error) {
	b := s.bank(unit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, (count+7)/8)
	for i := uint16(0); i < count; i++ {
		if b.discretes[start+i] {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out, nil
}

// ReadHolding returns count holding registers starting at start as
// big-endian register bytes.
func (s *Store) ReadHolding(unit uint8, start, count uint16) ([]byte, error) {
	b := s.bank(unit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, count*2)
	for i := uint16(0); i < count; i++ {
		v := b.holding[start+i]
		out[2*i] = byte(v >> 8)
		out[2*i+1] = byte(v)
	}
	return out, nil
}

// ReadInput returns count input registers starting at start.
func (s *Store) ReadInput(unit uint8, start, count uint16) ([]byte, error) {
	b := s.bank(unit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, count*2)
	for i := uint16(0); i < count; i++ {
		v := b.input[start+i]
		out[2*i] = byte(v >> 8)
		out[2*i+1] = byte(v)
	}
	return out, nil
}

// modbusIllegalValue is returned (as a Modbus illegal-data-value
// exception by the caller) when a write targets a readonly_mask
// index, per §4.6: "mutate the region unless any target index has
// its readonly_mask set (then reply exception 3)".
type modbusIllegalValue struct{}

func (modbusIllegalValue) Error() string { return "target index is read-only" }

// WriteCoils sets count coil bits starting at start from the packed
// LSB-first bits bytes, failing if any target index is read-only.
func (s *Store) WriteCoils(unit uint8, start, count uint16, bits []byte) error {
	b := s.bank(unit)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint16(0); i < count; i++ {
		if b.coilReadonly[start+i] {
			return modbusIllegalValue{}
		}
	}
	for i := uint16(0); i < count; i++ {
		b.coils[start+i] = bits[i/8]&(1<<uint(i%8)) != 0
	}
	return nil
}

// WriteHolding sets count holding registers starting at start from
// big-endian register bytes, failing if any target index is
// read-only.
func (s *Store) WriteHolding(unit uint8, start, count uint16, data []byte) error {
	b := s.bank(unit)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint16(0); i < count; i++ {
		if b.holdingReadonly[start+i] {
			return modbusIllegalValue{}
		}
	}
	for i := uint16(0); i < count; i++ {
		b.holding[start+i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return nil
}

// SetHoldingRaw writes a single holding register without checking (or
// touching) its readonly_mask bit, used by waveform generators to
// drive a register they themselves marked read-only.
func (s *Store) SetHoldingRaw(unit uint8, index uint16, value uint16) {
	b := s.bank(unit)
	s.mu.Lock()
	defer s.mu.Unlock()
	b.holding[index] = value
}

// MarkHoldingReadonly sets (or clears) the readonly_mask bit for one
// holding-register index.
func (s *Store) MarkHoldingReadonly(unit uint8, index uint16, readonly bool) {
	b := s.bank(unit)
	s.mu.Lock()
	defer s.mu.Unlock()
	b.holdingReadonly[index] = readonly
}

// dispatch is the area-dispatching entry point server.go uses to turn
// a parsed Modbus request into a response payload or a Modbus
// exception code.
func (s *Store) dispatch(unit uint8, area modbus.Area, start, count uint16, write []byte) ([]byte, uint8) {
	switch area {
	case modbus.AreaCoil:
		if write != nil {
			if err := s.WriteCoils(unit, start, count, write); err != nil {
				return nil, modbus.ExceptionIllegalDataValue
			}
			return nil, 0
		}
		b, _ := s.ReadCoils(unit, start, count)
		return b, 0
	case modbus.AreaDiscreteInput:
		b, _ := s.ReadDiscretes(unit, start, count)
		return b, 0
	case modbus.AreaHoldingRegister:
		if write != nil {
			if err := s.WriteHolding(unit, start, count, write); err != nil {
				return nil, modbus.ExceptionIllegalDataValue
			}
			return nil, 0
		}
		b, _ := s.ReadHolding(unit, start, count)
		return b, 0
	case modbus.AreaInputRegister:
		b, _ := s.ReadInput(unit, start, count)
		return b, 0
	default:
		return nil, modbus.ExceptionIllegalFunction
	}
}
