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
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Stack assembles Modbus request frames and parses responses for one
// Framer. It carries no per-request state besides a monotonic
// transaction sequence counter, so one Stack can safely serve many
// concurrent Driver cycles against the same Framer kind. Grounded on
// the teacher's ModbusHandler (handler.go), split so that framing
// lives in Framer and only request/response shaping lives here.
type Stack struct {
	framer Framer
	seq    uint32
}

// NewStack returns a Stack that frames requests with framer.
func NewStack(framer Framer) *Stack {
	return &Stack{framer: framer}
}

func (s *Stack) nextSeq() uint16 {
	return uint16(atomic.AddUint32(&s.seq, 1))
}

// BuildRead assembles the wire bytes for a read of count units
// (registers or bits, per area) starting at start on unit, and
// returns the number of bytes a successful response will occupy so
// the caller knows exactly how much to read off the connection.
func (s *Stack) BuildRead(unit uint8, area Area, start, count uint16) (frame []byte, expectedResponseSize int, err error) {
	funcCode, ok := area.readFuncCode()
	if !ok {
		return nil, 0, newConfigError("Stack.BuildRead", fmt.Errorf("area %s has no read function", area))
	}

	pdu := make([]byte, 5)
	pdu[0] = funcCode
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], count)

	frame = s.framer.Pack(s.nextSeq(), unit, pdu)

	var payload int
	if area.IsBit() {
		payload = (int(count) + 7) / 8
	} else {
		payload = 2 * int(count)
	}
	// response PDU = function(1) + byteCount(1) + payload; framer
	// adds whatever header/trailer its wire format needs.
	respPDU := 2 + payload
	expectedResponseSize = s.framer.headerLen() + respPDU + s.framer.trailerLen()
	return frame, expectedResponseSize, nil
}

// BuildWrite assembles the wire bytes for cmd. Single-unit bit or
// register writes use function 0x05/0x06; multi-unit writes use
// 0x0F/0x10, per §4.4.
func (s *Stack) BuildWrite(cmd *WriteCommand) ([]byte, error) {
	var pdu []byte
	switch {
	case cmd.Area == AreaCoil && cmd.Count == 1:
		pdu = make([]byte, 5)
		pdu[0] = FuncCodeWriteSingleCoil
		binary.BigEndian.PutUint16(pdu[1:3], cmd.Start)
		if len(cmd.Payload) > 0 && cmd.Payload[0] != 0 {
			binary.BigEndian.PutUint16(pdu[3:5], 0xFF00)
		} else {
			binary.BigEndian.PutUint16(pdu[3:5], 0x0000)
		}

	case cmd.Area == AreaHoldingRegister && cmd.Count == 1:
		pdu = make([]byte, 5)
		pdu[0] = FuncCodeWriteSingleRegister
		binary.BigEndian.PutUint16(pdu[1:3], cmd.Start)
		copy(pdu[3:5], cmd.Payload)

	case cmd.Area == AreaCoil:
		byteCount := (int(cmd.Count) + 7) / 8
		pdu = make([]byte, 6+byteCount)
		pdu[0] = FuncCodeWriteMultipleCoils
		binary.BigEndian.PutUint16(pdu[1:3], cmd.Start)
		binary.BigEndian.PutUint16(pdu[3:5], cmd.Count)
		pdu[5] = byte(byteCount)
		copy(pdu[6:], packBitsLSBFirst(cmd.Payload, int(cmd.Count)))

	case cmd.Area == AreaHoldingRegister:
		nByte := 2 * int(cmd.Count)
		pdu = make([]byte, 6+nByte)
		pdu[0] = FuncCodeWriteMultipleRegisters
		binary.BigEndian.PutUint16(pdu[1:3], cmd.Start)
		binary.BigEndian.PutUint16(pdu[3:5], cmd.Count)
		pdu[5] = byte(nByte)
		copy(pdu[6:], cmd.Payload)

	default:
		return nil, newConfigError("Stack.BuildWrite", fmt.Errorf("area %s is not writable", cmd.Area))
	}

	return s.framer.Pack(s.nextSeq(), cmd.Unit, pdu), nil
}

// packBitsLSBFirst turns one bool-per-byte values (0x00/non-zero) into
// Modbus's packed LSB-first-per-byte coil wire representation.
func packBitsLSBFirst(values []byte, count int) []byte {
	out := make([]byte, (count+7)/8)
	for i := 0; i < count && i < len(values); i++ {
		if values[i] != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// WriteResponseSize returns the byte budget a write's acknowledgement
// needs: a successful ack's PDU echoes function+address+quantity (or
// value), 5 bytes, the same size whether the write was single or
// multiple; an exception PDU (function|0x80 + code) is smaller still,
// so 5 bytes of PDU is a safe upper bound for both outcomes.
func (s *Stack) WriteResponseSize() int {
	return s.framer.headerLen() + 5 + s.framer.trailerLen()
}

// Recv parses one frame out of buf and validates it came from
// expectedUnit. It delegates the actual framing to the Framer and
// adds the unit-matching check that's common to every transport.
func (s *Stack) Recv(expectedUnit uint8, buf []byte) RecvResult {
	res := s.framer.TryParse(buf)
	if res.Kind == RecvConsumed || res.Kind == RecvDeviceException {
		if res.Unit != expectedUnit {
			return RecvResult{Kind: RecvMalformed, Consumed: res.Consumed}
		}
	}
	return res
}

// headerLen/trailerLen let BuildRead compute an exact expected
// response size without the Stack needing to know framer internals
// beyond these two numbers.
func (tcpFramer) headerLen() int  { return tcpHeaderLen }
func (tcpFramer) trailerLen() int { return 0 }

func (rtuFramer) headerLen() int  { return 1 } // unit byte
func (rtuFramer) trailerLen() int { return 2 } // CRC

func (qhTCPFramer) headerLen() int  { return tcpHeaderLen }
func (qhTCPFramer) trailerLen() int { return 0 }
