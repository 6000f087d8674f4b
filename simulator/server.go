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
	"encoding/binary"
	"net"
	"sync"

	modbus "github.com/hootrhino/neuron-modbus"
)

// MaxClients bounds the number of concurrently served connections,
// per §4.6 ("accepts up to 16 concurrent clients").
const MaxClients = 16

// clientBufferSize is the size of each client's cyclic partial-frame
// buffer, per §4.6.
const clientBufferSize = 4096

// Server is a self-contained Modbus TCP server backed by a Store,
// sharing the parent package's Framer wire-level code so the
// bytes it produces and consumes are exactly what a real device
// exchanges. Grounded on the teacher's listener-per-transporter
// pattern, generalized into an accept loop with a live-connection
// semaphore instead of the teacher's one-client-at-a-time RTU focus.
type Server struct {
	store  *Store
	framer modbus.Framer
	logger modbus.Logger

	listener net.Listener
	sem      chan struct{}

	mu      sync.Mutex
	running bool
}

// NewServer returns a Server that will read/write Modbus TCP frames
// against store once Start is called.
func NewServer(store *Store, logger modbus.Logger) (*Server, error) {
	framer, err := modbus.NewFramer(modbus.TransportTCP)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = discardLogger{}
	}
	return &Server{store: store, framer: framer, logger: logger, sem: make(chan struct{}, MaxClients)}, nil
}

type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{}) {}
func (discardLogger) Infof(string, ...interface{})  {}
func (discardLogger) Warnf(string, ...interface{})  {}
func (discardLogger) Errorf(string, ...interface{}) {}
func (discardLogger) SetLevel(modbus.LogLevel)      {}

// Start binds address and begins accepting clients in a background
// goroutine. Returns the bound address (useful when address's port is
// 0) so callers and export_drivers_json can report it.
func (s *Server) Start(address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return "", modbusAlreadyRunning{}
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return "", err
	}
	s.listener = ln
	s.running = true
	go s.acceptLoop()
	return ln.Addr().String(), nil
}

// Stop closes the listener so no new clients are accepted. Client
// connections already being served are not closed; each stays open
// until its client disconnects.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.listener.Close()
}

// Running reports whether the server is currently accepting clients.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type modbusAlreadyRunning struct{}

func (modbusAlreadyRunning) Error() string { return "simulator: already running" }

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		select {
		case s.sem <- struct{}{}:
			go s.serveClient(conn)
		default:
			s.logger.Warnf("simulator: client rejected, %d already connected", MaxClients)
			_ = conn.Close()
		}
	}
}

func (s *Server) serveClient(conn net.Conn) {
	defer func() {
		<-s.sem
		_ = conn.Close()
	}()

	buf := make([]byte, 0, clientBufferSize)
	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)
		if len(buf) > clientBufferSize {
			buf = buf[len(buf)-clientBufferSize:]
		}

		for {
			res := s.framer.TryParse(buf)
			switch res.Kind {
			case modbus.RecvNeedMore:
				goto nextRead
			case modbus.RecvMalformed:
				drop := res.Consumed
				if drop <= 0 {
					drop = 1
				}
				buf = buf[drop:]
			default: // RecvConsumed or RecvDeviceException — a full frame is present
				transactionID := uint16(0)
				if len(buf) >= 2 {
					transactionID = binary.BigEndian.Uint16(buf[:2])
				}
				response := s.handleFrame(transactionID, res.Unit, res.PDU)
				if response != nil {
					if _, err := conn.Write(response); err != nil {
						return
					}
				}
				buf = buf[res.Consumed:]
			}
		}
	nextRead:
		continue
	}
}

// handleFrame decodes one request PDU, applies it to the Store, and
// packs the response frame.
func (s *Server) handleFrame(transactionID uint16, unit uint8, pdu []byte) []byte {
	if len(pdu) < 5 {
		return s.exceptionFrame(transactionID, unit, pdu, modbus.ExceptionIllegalDataValue)
	}
	funcCode := pdu[0]
	start := binary.BigEndian.Uint16(pdu[1:3])

	switch funcCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		count := binary.BigEndian.Uint16(pdu[3:5])
		area := readAreaForFunc(funcCode)
		data, exc := s.store.dispatch(unit, area, start, count, nil)
		if exc != 0 {
			return s.exceptionFrame(transactionID, unit, pdu, exc)
		}
		resp := append([]byte{funcCode, byte(len(data))}, data...)
		return s.framer.Pack(transactionID, unit, resp)

	case modbus.FuncCodeWriteSingleCoil:
		value := pdu[3:5]
		bit := []byte{0x00}
		if value[0] != 0 {
			bit = []byte{0x01}
		}
		_, exc := s.store.dispatch(unit, modbus.AreaCoil, start, 1, bit)
		if exc != 0 {
			return s.exceptionFrame(transactionID, unit, pdu, exc)
		}
		return s.framer.Pack(transactionID, unit, append([]byte{}, pdu...))

	case modbus.FuncCodeWriteSingleRegister:
		_, exc := s.store.dispatch(unit, modbus.AreaHoldingRegister, start, 1, pdu[3:5])
		if exc != 0 {
			return s.exceptionFrame(transactionID, unit, pdu, exc)
		}
		return s.framer.Pack(transactionID, unit, append([]byte{}, pdu...))

	case modbus.FuncCodeWriteMultipleCoils:
		count := binary.BigEndian.Uint16(pdu[3:5])
		byteCount := pdu[5]
		_, exc := s.store.dispatch(unit, modbus.AreaCoil, start, count, pdu[6:6+int(byteCount)])
		if exc != 0 {
			return s.exceptionFrame(transactionID, unit, pdu, exc)
		}
		return s.framer.Pack(transactionID, unit, pdu[:5])

	case modbus.FuncCodeWriteMultipleRegisters:
		count := binary.BigEndian.Uint16(pdu[3:5])
		byteCount := pdu[5]
		_, exc := s.store.dispatch(unit, modbus.AreaHoldingRegister, start, count, pdu[6:6+int(byteCount)])
		if exc != 0 {
			return s.exceptionFrame(transactionID, unit, pdu, exc)
		}
		return s.framer.Pack(transactionID, unit, pdu[:5])

	default:
		return s.exceptionFrame(transactionID, unit, pdu, modbus.ExceptionIllegalFunction)
	}
}

func (s *Server) exceptionFrame(transactionID uint16, unit uint8, pdu []byte, code uint8) []byte {
	funcCode := uint8(0)
	if len(pdu) > 0 {
		funcCode = pdu[0]
	}
	return s.framer.Pack(transactionID, unit, []byte{funcCode | modbus.ExceptionBit, code})
}

func readAreaForFunc(funcCode uint8) modbus.Area {
	switch funcCode {
	case modbus.FuncCodeReadCoils:
		return modbus.AreaCoil
	case modbus.FuncCodeReadDiscreteInputs:
		return modbus.AreaDiscreteInput
	case modbus.FuncCodeReadInputRegisters:
		return modbus.AreaInputRegister
	default:
		return modbus.AreaHoldingRegister
	}
}
