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

// Kind classifies a DriverError so callers can branch on failure
// category without string-matching error messages.
type Kind int

const (
	// KindTransport covers dial/read/write/timeout failures on the
	// underlying connection.
	KindTransport Kind = iota
	// KindFraming covers CRC mismatches, malformed MBAP headers and
	// other frame-decode failures.
	KindFraming
	// KindException covers a device-reported Modbus exception
	// response.
	KindException
	// KindConfig covers malformed point addresses or settings.
	KindConfig
	// KindTimeout covers a request that exceeded its deadline
	// without a matching response.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindFraming:
		return "framing"
	case KindException:
		return "exception"
	case KindConfig:
		return "config"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// DriverError is the error type returned by the Driver, Stack, queue,
// point parser and dialers in this package when they fail for a
// reason the caller might want to branch on. It wraps an underlying
// cause so %w unwrapping and errors.Is/As keep working through the
// stack.
type DriverError struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "stack.ReadHoldingRegisters"
	Unit    uint8
	Code    uint8 // exception code, only meaningful when Kind == KindException
	Err     error
}

func (e *DriverError) Error() string {
	if e.Kind == KindException {
		return fmt.Sprintf("%s: unit %d: exception 0x%02X (%s)", e.Op, e.Unit, e.Code, exceptionMessage(e.Code))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: unit %d: %s: %v", e.Op, e.Unit, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: unit %d: %s", e.Op, e.Unit, e.Kind)
}

func (e *DriverError) Unwrap() error { return e.Err }

func newTransportError(op string, unit uint8, err error) error {
	return &DriverError{Kind: KindTransport, Op: op, Unit: unit, Err: err}
}

func newFramingError(op string, unit uint8, err error) error {
	return &DriverError{Kind: KindFraming, Op: op, Unit: unit, Err: err}
}

func newExceptionError(op string, unit uint8, code uint8) error {
	return &DriverError{Kind: KindException, Op: op, Unit: unit, Code: code}
}

func newConfigError(op string, err error) error {
	return &DriverError{Kind: KindConfig, Op: op, Err: err}
}

func newTimeoutError(op string, unit uint8, err error) error {
	return &DriverError{Kind: KindTimeout, Op: op, Unit: unit, Err: err}
}
