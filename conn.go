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
	"net"
	"sync"
	"time"

	"github.com/hootrhino/goserial"
)

// Conn is what a Driver needs from its transport: a byte pipe it can
// read, write and eventually close. TCP, UDP and serial connections
// all satisfy it, so the Driver's poll loop never branches on
// transport kind. Generalizes the teacher's three separate
// *Transporter types (tcp_transporter.go, rtu_transporter.go,
// free_frame_transport.go) behind one seam.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// deadliner is implemented by connections (TCP, UDP) that support
// per-call timeouts; serial ports generally bake their timeout into
// the port configuration instead, so this is checked with a type
// assertion rather than required by Conn.
type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// TimeoutConn wraps any Conn with read/write deadlines applied around
// every call, the way the teacher's FreeFrameTransport did for its
// generic io.ReadWriteCloser. Kept as the common decorator for the
// TCP and UDP variants below instead of duplicating deadline handling
// in each dialer; DialSerial returns the port unwrapped, its timeout
// being part of the port configuration.
type TimeoutConn struct {
	mu           sync.Mutex
	inner        Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewTimeoutConn wraps inner with the given per-call timeouts. A zero
// timeout disables the deadline for that direction.
func NewTimeoutConn(inner Conn, readTimeout, writeTimeout time.Duration) *TimeoutConn {
	return &TimeoutConn{inner: inner, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (c *TimeoutConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.inner.(deadliner); ok && c.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.inner.Read(p)
}

func (c *TimeoutConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.inner.(deadliner); ok && c.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.inner.Write(p)
	if err != nil {
		return n, fmt.Errorf("conn write: %w", err)
	}
	if n != len(p) {
		return n, fmt.Errorf("conn write: partial write %d of %d bytes", n, len(p))
	}
	return n, nil
}

func (c *TimeoutConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Close()
}

// DialTCP opens the "classic" and "QH" TCP variants — both ride plain
// TCP, the only difference lives in framer.go's MaxPDUBytes.
func DialTCP(address string, dialTimeout, ioTimeout time.Duration) (Conn, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, newTransportError("DialTCP", 0, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}
	return NewTimeoutConn(conn, ioTimeout, ioTimeout), nil
}

// DialUDP opens a connected UDP socket to address, used by gateways
// that expose their Modbus interface over UDP rather than TCP/RTU.
func DialUDP(address string, ioTimeout time.Duration) (Conn, error) {
	conn, err := net.Dial("udp", address)
	if err != nil {
		return nil, newTransportError("DialUDP", 0, err)
	}
	return NewTimeoutConn(conn, ioTimeout, ioTimeout), nil
}

// SerialConfig configures a tty-client RTU connection. Field names
// and shapes mirror goserial.Config so the driver's own config
// structs (config.go) can deserialize straight into this.
type SerialConfig struct {
	Address  string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

// DialSerial opens an RTU connection over a local serial port through
// goserial — the tty-client connection variant.
func DialSerial(cfg SerialConfig) (Conn, error) {
	port, err := goserial.Open(&goserial.Config{
		Address:  cfg.Address,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, newTransportError("DialSerial", 0, err)
	}
	return port, nil
}
