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

import "fmt"

// RecvResult is the outcome of feeding newly-arrived bytes to a
// Framer's TryParse. It replaces the tri-state integer return (<0
// error, 0 need more, >0 consumed-n-bytes) that C Modbus stacks use:
// the four outcomes below are real states, not magic numbers.
type RecvResult struct {
	Kind    RecvKind
	Unit    uint8
	PDU     []byte // valid when Kind is RecvConsumed or RecvDeviceException; PDU[0] is the function code
	Consumed int   // bytes to drop from the front of the read buffer
}

// RecvKind classifies a RecvResult.
type RecvKind int

const (
	// RecvNeedMore means the buffer does not yet hold a whole frame;
	// the caller should read more bytes and retry.
	RecvNeedMore RecvKind = iota
	// RecvConsumed means a whole, CRC/length-valid frame was found
	// and removed from the buffer.
	RecvConsumed
	// RecvMalformed means the leading bytes can never become a valid
	// frame (bad CRC, bad protocol id, ...); the caller should drop
	// Consumed bytes and resynchronize.
	RecvMalformed
	// RecvDeviceException means a whole frame was found and it
	// reports a Modbus exception.
	RecvDeviceException
)

// Framer packs outgoing PDUs into wire frames and parses incoming
// bytes back into PDUs, for one of the transports this package
// supports. It replaces the teacher's separate non-interchangeable
// {RTU,TCP}Packager types with one seam the Stack can use regardless
// of which wire format it's talking.
type Framer interface {
	Kind() TransportKind
	// Pack builds the wire bytes for one request. transactionID is
	// only meaningful for TCP-family framers.
	Pack(transactionID uint16, unit uint8, pdu []byte) []byte
	// TryParse looks for one complete frame at the start of buf.
	TryParse(buf []byte) RecvResult
	// MaxPDUBytes is the largest PDU this framer's transport allows,
	// used by the sorter to cap how much a single command can ask for.
	MaxPDUBytes() int
	// headerLen and trailerLen let the Stack compute an exact expected
	// response size without reaching into framer internals.
	headerLen() int
	trailerLen() int
}

// NewFramer returns the Framer for kind.
func NewFramer(kind TransportKind) (Framer, error) {
	switch kind {
	case TransportRTU:
		return rtuFramer{}, nil
	case TransportTCP, TransportRTUOverTCP:
		return tcpFramer{rtuEmbedded: kind == TransportRTUOverTCP}, nil
	case TransportQHTCP:
		return qhTCPFramer{}, nil
	default:
		return nil, fmt.Errorf("modbus: unknown transport kind %v", kind)
	}
}

// --- RTU ---

type rtuFramer struct{}

func (rtuFramer) Kind() TransportKind  { return TransportRTU }
func (rtuFramer) MaxPDUBytes() int     { return MaxPDUBytesRTU }

func (rtuFramer) Pack(_ uint16, unit uint8, pdu []byte) []byte {
	frame := make([]byte, 0, 1+len(pdu)+2)
	frame = append(frame, unit)
	frame = append(frame, pdu...)
	return appendCRC(frame)
}

// minRTUResponseLen returns the number of bytes needed before the
// frame length for a given function code's response can be
// determined, or 0 if the function code isn't recognized.
func minRTUResponseLen(funcCode uint8) int {
	switch {
	case funcCode&ExceptionBit != 0:
		return 5 // unit + func + exception code + CRC(2)
	case funcCode == FuncCodeReadCoils, funcCode == FuncCodeReadDiscreteInputs,
		funcCode == FuncCodeReadHoldingRegisters, funcCode == FuncCodeReadInputRegisters:
		return 3 // unit + func + byte count, then byte count data bytes + CRC
	case funcCode == FuncCodeWriteSingleCoil, funcCode == FuncCodeWriteSingleRegister,
		funcCode == FuncCodeWriteMultipleCoils, funcCode == FuncCodeWriteMultipleRegisters:
		return 8 // unit + func + addr(2) + value/qty(2) + CRC(2)
	default:
		return 0
	}
}

func (rtuFramer) TryParse(buf []byte) RecvResult {
	if len(buf) < 2 {
		return RecvResult{Kind: RecvNeedMore}
	}
	unit := buf[0]
	funcCode := buf[1]

	var frameLen int
	switch {
	case funcCode&ExceptionBit != 0:
		frameLen = 5
	case funcCode == FuncCodeReadCoils, funcCode == FuncCodeReadDiscreteInputs,
		funcCode == FuncCodeReadHoldingRegisters, funcCode == FuncCodeReadInputRegisters:
		if len(buf) < 3 {
			return RecvResult{Kind: RecvNeedMore}
		}
		frameLen = 3 + int(buf[2]) + 2
	case funcCode == FuncCodeWriteSingleCoil, funcCode == FuncCodeWriteSingleRegister,
		funcCode == FuncCodeWriteMultipleCoils, funcCode == FuncCodeWriteMultipleRegisters:
		frameLen = 8
	default:
		return RecvResult{Kind: RecvMalformed, Consumed: 1}
	}

	if len(buf) < frameLen {
		return RecvResult{Kind: RecvNeedMore}
	}
	frame := buf[:frameLen]
	if !verifyCRC(frame) {
		return RecvResult{Kind: RecvMalformed, Consumed: 1}
	}
	pdu := frame[1 : frameLen-2]
	if funcCode&ExceptionBit != 0 {
		return RecvResult{Kind: RecvDeviceException, Unit: unit, PDU: pdu, Consumed: frameLen}
	}
	return RecvResult{Kind: RecvConsumed, Unit: unit, PDU: pdu, Consumed: frameLen}
}

// --- TCP (MBAP) ---

// tcpHeaderLen is the length of the MBAP header as specified: 2
// (transaction) + 2 (protocol) + 2 (length) + 1 (unit) bytes.
const tcpHeaderLen = 7

type tcpFramer struct {
	// rtuEmbedded marks the "RTU over TCP" variant: same MBAP framing,
	// but the driver treats it as carrying an RTU-addressed device
	// behind a TCP/serial gateway. It does not change wire parsing.
	rtuEmbedded bool
}

func (f tcpFramer) Kind() TransportKind {
	if f.rtuEmbedded {
		return TransportRTUOverTCP
	}
	return TransportTCP
}
func (tcpFramer) MaxPDUBytes() int { return MaxPDUBytesTCP }

func (tcpFramer) Pack(transactionID uint16, unit uint8, pdu []byte) []byte {
	c := NewPackCursor(tcpHeaderLen + len(pdu))
	c.PutBytes(pdu)
	c.PutByte(unit)
	c.PutUint16(uint16(len(pdu) + 1))
	c.PutUint16(ProtocolIdentifierTCP)
	c.PutUint16(transactionID)
	return c.Bytes()
}

func (tcpFramer) TryParse(buf []byte) RecvResult {
	if len(buf) < tcpHeaderLen {
		return RecvResult{Kind: RecvNeedMore}
	}
	cur := NewUnpackCursor(buf)
	_, _ = cur.TakeUint16() // transaction id: caller matches it, not our concern here
	protocolID, _ := cur.TakeUint16()
	length, _ := cur.TakeUint16()
	unit, _ := cur.TakeByte()

	if protocolID != ProtocolIdentifierTCP {
		return RecvResult{Kind: RecvMalformed, Consumed: 1}
	}
	if length == 0 {
		return RecvResult{Kind: RecvMalformed, Consumed: 1}
	}
	frameLen := tcpHeaderLen + int(length) - 1
	if len(buf) < frameLen {
		return RecvResult{Kind: RecvNeedMore}
	}
	pdu := buf[tcpHeaderLen:frameLen]
	if len(pdu) == 0 {
		return RecvResult{Kind: RecvMalformed, Consumed: frameLen}
	}
	if pdu[0]&ExceptionBit != 0 {
		return RecvResult{Kind: RecvDeviceException, Unit: unit, PDU: pdu, Consumed: frameLen}
	}
	return RecvResult{Kind: RecvConsumed, Unit: unit, PDU: pdu, Consumed: frameLen}
}

// --- QH TCP (16-bit length field variant) ---

// qhTCPFramer frames exactly like tcpFramer (same MBAP header, same
// 16-bit length field at offset 4); it differs only in MaxPDUBytes,
// which lets the gateway's "QH" TCP dialect batch up to 65535 bytes
// into one transaction. Resolves the spec's
// Open Question about this variant's length-field width in favor of
// the original implementation's behavior (see original_source).
type qhTCPFramer struct{}

func (qhTCPFramer) Kind() TransportKind { return TransportQHTCP }
func (qhTCPFramer) MaxPDUBytes() int    { return MaxPDUBytesQHTCP }

func (qhTCPFramer) Pack(transactionID uint16, unit uint8, pdu []byte) []byte {
	return tcpFramer{}.Pack(transactionID, unit, pdu)
}

func (qhTCPFramer) TryParse(buf []byte) RecvResult {
	return tcpFramer{}.TryParse(buf)
}
