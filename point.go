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
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// TagType is the value shape a Point decodes its raw register/bit
// bytes into. It plays the role the teacher's DeviceRegister.DataType
// string played, but as a closed Go type instead of a string that has
// to be re-parsed on every decode.
type TagType int

const (
	TypeBit TagType = iota
	TypeUint8
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeUint64
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBytes
)

// registerWidth returns how many 16-bit registers a value of this
// type occupies (0 for variable-length types, resolved separately).
func (t TagType) registerWidth() int {
	switch t {
	case TypeBit, TypeUint8, TypeInt8, TypeUint16, TypeInt16:
		return 1
	case TypeUint32, TypeInt32, TypeFloat32:
		return 2
	case TypeUint64, TypeInt64, TypeFloat64:
		return 4
	default:
		return 0
	}
}

// Point is the parsed, validated form of one tag address: everything
// the Sorter and Driver need to place it into a read/write command
// and to reconstruct its value out of the command's response bytes.
// It replaces the teacher's flat DeviceRegister (which mixed address,
// type and decoded value into one struct) with a pure address+type
// descriptor; decoded values travel separately as a DecodedValue.
type Point struct {
	Addr string // original address string, kept for diagnostics

	Unit  uint8
	Area  Area
	Start uint16 // zero-based
	Count uint16 // registers (register areas) or bits (bit areas)
	Type  TagType

	BitIndex  uint8 // valid when Type == TypeBit and Area is a register area
	StrLen    uint16
	StrLayout byte // 'H', 'L', 'D', or 'E' — only for TypeString

	Endian16 byte    // 'B' or 'L' — only for 1-register numeric types
	Endian32 [2]byte // word order then byte order, each 'B' or 'L' — 32-bit types
	Endian64 byte    // 'B' or 'L' — 64-bit types
}

// End returns the exclusive end of the point's extent, in the same
// units as Start/Count (bits for bit areas, registers otherwise).
func (p *Point) End() uint16 { return p.Start + p.Count }

// ParsePoint parses one tag address of the form
// "<unit>!<area><position>[.option][#endian]" for a tag declared with
// the given type, treating position as 1-based (the host-facing
// default). The caller supplies the type because the address grammar
// alone is ambiguous between, say, a bare register read and a 32-bit
// value spanning two registers; the host always knows the type it
// configured the tag with.
func ParsePoint(addr string, typ TagType) (*Point, error) {
	return ParsePointWithBase(addr, typ, 1)
}

// ParsePointWithBase is ParsePoint generalized over the device's
// configured address_base (0 or 1), mirroring the original plugin's
// modbus_tag_to_point(tag, &point, plugin->address_base): position is
// the address as written in the tag string, and addressBase is
// subtracted from it to land on the zero-based wire offset.
func ParsePointWithBase(addr string, typ TagType, addressBase int) (*Point, error) {
	bang := strings.IndexByte(addr, '!')
	if bang <= 0 {
		return nil, newConfigError("ParsePoint", fmt.Errorf("%s: missing '!' separator", addr))
	}
	unit64, err := strconv.ParseUint(addr[:bang], 10, 8)
	if err != nil || unit64 == 0 {
		return nil, newConfigError("ParsePoint", fmt.Errorf("%s: invalid unit", addr))
	}

	rest := addr[bang+1:]
	if len(rest) == 0 {
		return nil, newConfigError("ParsePoint", fmt.Errorf("%s: empty address body", addr))
	}

	area, err := parseAreaDigit(rest[0])
	if err != nil {
		return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %w", addr, err))
	}
	rest = rest[1:]

	// Split off the optional ".option" and "#endian" suffixes.
	posPart, optPart, endianPart := splitAddressSuffixes(rest)

	position, err := strconv.ParseUint(posPart, 10, 16)
	if err != nil {
		return nil, newConfigError("ParsePoint", fmt.Errorf("%s: invalid position", addr))
	}
	if addressBase > 0 && position < uint64(addressBase) {
		return nil, newConfigError("ParsePoint", fmt.Errorf("%s: invalid position", addr))
	}

	p := &Point{
		Addr:  addr,
		Unit:  uint8(unit64),
		Area:  area,
		Start: uint16(position - uint64(addressBase)),
		Type:  typ,
	}

	if area == AreaCoil || area == AreaDiscreteInput {
		if typ != TypeBit {
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_TYPE_NOT_SUPPORT: only BIT allowed in a bit area"))
		}
		p.Count = 1
		if optPart != "" {
			idx, err := strconv.ParseUint(optPart, 10, 8)
			if err != nil || idx >= 8 {
				return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_ATTRIBUTE_NOT_SUPPORT: bit index must be < 8"))
			}
			p.BitIndex = uint8(idx)
		}
		return p, nil
	}

	switch typ {
	case TypeBit:
		p.Count = 1
		if optPart == "" {
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_ADDRESS_FORMAT_INVALID: BIT in a register area requires .bitIndex"))
		}
		idx, err := strconv.ParseUint(optPart, 10, 8)
		if err != nil || idx >= 16 {
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_ATTRIBUTE_NOT_SUPPORT: bit index must be < 16"))
		}
		p.BitIndex = uint8(idx)

	case TypeString:
		if optPart == "" {
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_ADDRESS_FORMAT_INVALID: STRING requires .length[H|L|D|E]"))
		}
		layout := optPart[len(optPart)-1]
		lenStr := optPart
		switch layout {
		case 'H', 'L', 'D', 'E':
			lenStr = optPart[:len(optPart)-1]
		default:
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_ATTRIBUTE_NOT_SUPPORT: unknown string layout"))
		}
		length, err := strconv.ParseUint(lenStr, 10, 16)
		if err != nil || length < 1 || length > 127 {
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_ATTRIBUTE_NOT_SUPPORT: string length must be in [1,127]"))
		}
		p.StrLen = uint16(length)
		p.StrLayout = layout
		switch layout {
		case 'H', 'L':
			p.Count = uint16((length + 1) / 2)
		default: // D, E
			p.Count = uint16(length)
		}

	case TypeBytes:
		if optPart == "" {
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_ADDRESS_FORMAT_INVALID: BYTES requires .length"))
		}
		length, err := strconv.ParseUint(optPart, 10, 16)
		if err != nil || length == 0 {
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_ATTRIBUTE_NOT_SUPPORT: invalid byte length"))
		}
		p.StrLen = uint16(length)
		p.Count = uint16((length + 1) / 2)

	default:
		width := typ.registerWidth()
		if width == 0 {
			return nil, newConfigError("ParsePoint", fmt.Errorf("%s: %s", addr, "TAG_TYPE_NOT_SUPPORT"))
		}
		p.Count = uint16(width)
		if err := p.parseNumericEndian(width, endianPart); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Point) parseNumericEndian(width int, endianPart string) error {
	switch width {
	case 1:
		p.Endian16 = 'L'
		if endianPart != "" {
			if len(endianPart) != 1 || (endianPart[0] != 'B' && endianPart[0] != 'L') {
				return newConfigError("ParsePoint", fmt.Errorf("%s: %s", p.Addr, "TAG_ATTRIBUTE_NOT_SUPPORT: expected #B or #L"))
			}
			p.Endian16 = endianPart[0]
		}
	case 2:
		p.Endian32 = [2]byte{'B', 'B'}
		if endianPart != "" {
			if len(endianPart) != 2 || !isBL(endianPart[0]) || !isBL(endianPart[1]) {
				return newConfigError("ParsePoint", fmt.Errorf("%s: %s", p.Addr, "TAG_ATTRIBUTE_NOT_SUPPORT: expected #{B|L}{B|L}"))
			}
			p.Endian32 = [2]byte{endianPart[0], endianPart[1]}
		}
	case 4:
		p.Endian64 = 'B'
		if endianPart != "" {
			if len(endianPart) != 1 || !isBL(endianPart[0]) {
				return newConfigError("ParsePoint", fmt.Errorf("%s: %s", p.Addr, "TAG_ATTRIBUTE_NOT_SUPPORT: expected #B or #L"))
			}
			p.Endian64 = endianPart[0]
		}
	}
	return nil
}

func isBL(b byte) bool { return b == 'B' || b == 'L' }

func parseAreaDigit(d byte) (Area, error) {
	switch d {
	case '0':
		return AreaCoil, nil
	case '1':
		return AreaDiscreteInput, nil
	case '3':
		return AreaInputRegister, nil
	case '4':
		return AreaHoldingRegister, nil
	default:
		return 0, fmt.Errorf("TAG_ADDRESS_FORMAT_INVALID: unknown area digit %q", d)
	}
}

// splitAddressSuffixes splits "position[.option][#endian]" into its
// three parts.
func splitAddressSuffixes(s string) (position, option, endian string) {
	if hash := strings.IndexByte(s, '#'); hash >= 0 {
		endian = s[hash+1:]
		s = s[:hash]
	}
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		option = s[dot+1:]
		s = s[:dot]
	}
	position = s
	return
}

// DecodedValue is the result of reconstructing a Point's value from
// the raw bytes a read command returned, mirroring the teacher's
// DecodedValue but driven off Point's endian options rather than a
// DataType string.
type DecodedValue struct {
	Raw     []byte
	AsType  any
	Float64 float64
}

// Decode reconstructs the point's value from raw, the tag's slice of
// the response payload (tag.Count registers' worth of big-endian
// bytes for register areas, or the whole payload's bit for bit
// areas — the Driver's scatter step is responsible for slicing raw to
// the tag's extent before calling Decode).
func (p *Point) Decode(raw []byte) (DecodedValue, error) {
	switch p.Type {
	case TypeBit:
		if len(raw) < 2 {
			return DecodedValue{}, fmt.Errorf("point %s: need 2 bytes for bit extraction, have %d", p.Addr, len(raw))
		}
		word := uint16(raw[0])<<8 | uint16(raw[1])
		set := word&(1<<p.BitIndex) != 0
		f := 0.0
		if set {
			f = 1.0
		}
		return DecodedValue{Raw: raw, AsType: set, Float64: f}, nil

	case TypeString:
		return p.decodeString(raw)

	case TypeBytes:
		b := make([]byte, p.StrLen)
		copy(b, raw)
		return DecodedValue{Raw: raw, AsType: b}, nil

	default:
		ordered := p.reorderNumeric(raw)
		return p.decodeNumeric(ordered)
	}
}

func (p *Point) decodeNumeric(b []byte) (DecodedValue, error) {
	switch p.Type {
	case TypeUint8:
		return DecodedValue{Raw: b, AsType: b[1], Float64: float64(b[1])}, nil
	case TypeInt8:
		v := int8(b[1])
		return DecodedValue{Raw: b, AsType: v, Float64: float64(v)}, nil
	case TypeUint16:
		v := uint16(b[0])<<8 | uint16(b[1])
		return DecodedValue{Raw: b, AsType: v, Float64: float64(v)}, nil
	case TypeInt16:
		v := int16(uint16(b[0])<<8 | uint16(b[1]))
		return DecodedValue{Raw: b, AsType: v, Float64: float64(v)}, nil
	case TypeUint32:
		v := beUint32(b)
		return DecodedValue{Raw: b, AsType: v, Float64: float64(v)}, nil
	case TypeInt32:
		v := int32(beUint32(b))
		return DecodedValue{Raw: b, AsType: v, Float64: float64(v)}, nil
	case TypeFloat32:
		v := float32FromBits(beUint32(b))
		return DecodedValue{Raw: b, AsType: v, Float64: float64(v)}, nil
	case TypeUint64:
		v := beUint64(b)
		return DecodedValue{Raw: b, AsType: v, Float64: float64(v)}, nil
	case TypeInt64:
		v := int64(beUint64(b))
		return DecodedValue{Raw: b, AsType: v, Float64: float64(v)}, nil
	case TypeFloat64:
		v := float64FromBits(beUint64(b))
		return DecodedValue{Raw: b, AsType: v, Float64: v}, nil
	default:
		return DecodedValue{}, fmt.Errorf("point %s: unsupported numeric type", p.Addr)
	}
}

// reorderNumeric normalizes raw (always big-endian register bytes, as
// they arrive on the wire) into big-endian byte order per the point's
// declared endianness, so decodeNumeric can always read big-endian.
func (p *Point) reorderNumeric(raw []byte) []byte {
	switch len(raw) {
	case 2:
		if p.Endian16 == 'L' {
			return []byte{raw[1], raw[0]}
		}
		return raw
	case 4:
		word, byteOrder := p.Endian32[0], p.Endian32[1]
		lo, hi := raw[0:2], raw[2:4]
		if byteOrder == 'L' {
			lo = []byte{lo[1], lo[0]}
			hi = []byte{hi[1], hi[0]}
		}
		if word == 'L' {
			return append(append([]byte{}, hi...), lo...)
		}
		return append(append([]byte{}, lo...), hi...)
	case 8:
		if p.Endian64 == 'L' {
			out := make([]byte, 8)
			for i := 0; i < 8; i++ {
				out[i] = raw[7-i]
			}
			return out
		}
		return raw
	default:
		return raw
	}
}

func (p *Point) decodeString(raw []byte) (DecodedValue, error) {
	b := make([]byte, len(raw))
	copy(b, raw)

	switch p.StrLayout {
	case 'L':
		for i := 0; i+1 < len(b); i += 2 {
			b[i], b[i+1] = b[i+1], b[i]
		}
	case 'D':
		out := make([]byte, 0, len(b)/2+1)
		for i := 0; i < len(b); i += 2 {
			out = append(out, b[i])
		}
		b = out
	case 'E':
		out := make([]byte, 0, len(b)/2+1)
		for i := 1; i < len(b); i += 2 {
			out = append(out, b[i])
		}
		b = out
	}

	if int(p.StrLen) < len(b) {
		b = b[:p.StrLen]
	}
	if !utf8.Valid(b) {
		return DecodedValue{Raw: raw, AsType: "?\x00"}, nil
	}
	if nul := indexByte(b, 0); nul >= 0 {
		b = b[:nul]
	}
	return DecodedValue{Raw: raw, AsType: string(b)}, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Encode turns a value into big-endian register bytes ready to hand
// to Stack.write, applying the point's endian option the same way
// Decode un-applies it.
func (p *Point) Encode(value any) ([]byte, error) {
	switch p.Type {
	case TypeBit:
		v, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("point %s: expected bool", p.Addr)
		}
		if v {
			return []byte{0xFF, 0x00}, nil
		}
		return []byte{0x00, 0x00}, nil
	case TypeString:
		s, _ := value.(string)
		return p.encodeString(s), nil
	case TypeBytes:
		b, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("point %s: expected []byte", p.Addr)
		}
		out := make([]byte, int(p.Count)*2)
		copy(out, b)
		return out, nil
	default:
		be, err := p.encodeNumeric(value)
		if err != nil {
			return nil, err
		}
		return p.reorderNumeric(be), nil
	}
}

func (p *Point) encodeNumeric(value any) ([]byte, error) {
	switch p.Type {
	case TypeUint8, TypeInt8, TypeUint16, TypeInt16:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return []byte{byte(v >> 8), byte(v)}, nil
	case TypeUint32, TypeInt32:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}, nil
	case TypeFloat32:
		f, ok := value.(float32)
		if !ok {
			ff, ok2 := value.(float64)
			if !ok2 {
				return nil, fmt.Errorf("point %s: expected float32/float64", p.Addr)
			}
			f = float32(ff)
		}
		bits := float32ToBits(f)
		return []byte{byte(bits >> 24), byte(bits >> 16), byte(bits >> 8), byte(bits)}, nil
	case TypeUint64, TypeInt64:
		v, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 8)
		for i := 0; i < 8; i++ {
			out[7-i] = byte(v >> (8 * i))
		}
		return out, nil
	case TypeFloat64:
		f, ok := value.(float64)
		if !ok {
			return nil, fmt.Errorf("point %s: expected float64", p.Addr)
		}
		bits := float64ToBits(f)
		out := make([]byte, 8)
		for i := 0; i < 8; i++ {
			out[7-i] = byte(bits >> (8 * i))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("point %s: unsupported numeric type for encode", p.Addr)
	}
}

func (p *Point) encodeString(s string) []byte {
	out := make([]byte, int(p.Count)*2)
	switch p.StrLayout {
	case 'D':
		for i := 0; i < len(s) && 2*i < len(out); i++ {
			out[2*i] = s[i]
		}
	case 'E':
		for i := 0; i < len(s) && 2*i+1 < len(out); i++ {
			out[2*i+1] = s[i]
		}
	default:
		copy(out, s)
		if p.StrLayout == 'L' {
			for i := 0; i+1 < len(out); i += 2 {
				out[i], out[i+1] = out[i+1], out[i]
			}
		}
	}
	return out
}

func float32FromBits(bits uint32) float32 { return math.Float32frombits(bits) }
func float64FromBits(bits uint64) float64 { return math.Float64frombits(bits) }
func float32ToBits(f float32) uint32      { return math.Float32bits(f) }
func float64ToBits(f float64) uint64      { return math.Float64bits(f) }

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected an integer value, got %T", value)
	}
}
