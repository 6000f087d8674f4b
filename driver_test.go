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
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	results []TagResult
}

func (s *recordingSink) OnValues(results []TagResult) { s.results = append(s.results, results...) }

type recordingWriteResponder struct {
	last WriteResult
}

func (r *recordingWriteResponder) OnWriteComplete(res WriteResult) { r.last = res }

func TestDriverRunCycleDecodesHoldingRegisters(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// 00 01 00 00 00 06 01 03 00 00 00 02 -> server replies with
	// 2 holding registers, unit 1, function 3: 0x1234, 0x5678.
	go func() {
		req := make([]byte, 12)
		_, _ = io.ReadFull(server, req)
		resp := []byte{req[0], req[1], 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x12, 0x34, 0x56, 0x78}
		_, _ = server.Write(resp)
	}()

	framer, err := NewFramer(TransportTCP)
	require.NoError(t, err)

	point, err := ParsePoint("1!40001", TypeUint16)
	require.NoError(t, err)
	point2, err := ParsePoint("1!40002", TypeUint16)
	require.NoError(t, err)

	g := &Group{Name: "g1", Tags: []GroupTag{
		{Name: "a", Addr: point.Addr, Type: TypeUint16},
		{Name: "b", Addr: point2.Addr, Type: TypeUint16},
	}}

	sink := &recordingSink{}
	d := NewDriver(DefaultSetting(), framer, []*Group{g}, nil, WithValueSink(sink))

	cycleBad := d.runCycle(client, g)
	require.False(t, cycleBad)
	require.Len(t, sink.results, 2)
	require.NoError(t, sink.results[0].Err)
	// Default UINT16 endianness is little-endian within the register.
	require.Equal(t, uint16(0x3412), sink.results[0].Value.AsType)
	require.Equal(t, uint16(0x7856), sink.results[1].Value.AsType)
}

func TestDriverRunCycleNoResponseMarksCycleBad(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		buf := make([]byte, 12)
		_, _ = io.ReadFull(server, buf)
		server.Close() // close without responding
	}()

	framer, _ := NewFramer(TransportTCP)
	point, _ := ParsePoint("1!40001", TypeUint16)
	g := &Group{Name: "g1", Tags: []GroupTag{{Name: "a", Addr: point.Addr, Type: TypeUint16}}}

	sink := &recordingSink{}
	d := NewDriver(DefaultSetting(), framer, []*Group{g}, nil, WithValueSink(sink))

	cycleBad := d.runCycle(client, g)
	require.True(t, cycleBad)
	require.Len(t, sink.results, 1)
	require.Error(t, sink.results[0].Err)
}

func TestDriverServeWriteSingleRegister(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := make([]byte, 12)
		_, _ = io.ReadFull(server, req)
		resp := append([]byte{}, req...)
		_, _ = server.Write(resp)
	}()

	framer, _ := NewFramer(TransportTCP)
	responder := &recordingWriteResponder{}
	d := NewDriver(DefaultSetting(), framer, nil, nil, WithWriteResponder(responder))

	point, err := ParsePoint("1!40001", TypeUint16)
	require.NoError(t, err)

	var doneErr error
	done := make(chan struct{})
	d.WriteTag(point, uint16(10), func(err error) {
		doneErr = err
		close(done)
	})

	req := d.queue.PopAny()
	require.NotNil(t, req)
	d.serveWrite(client, req)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write callback never invoked")
	}
	require.NoError(t, doneErr)
	require.NoError(t, responder.last.Err)
}

func TestDriverServeWriteReadsBackException(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := make([]byte, 12)
		_, _ = io.ReadFull(server, req)
		// MBAP header echoing the request's transaction id and unit,
		// PDU = exception(func|0x80) + code 3 (illegal data value).
		resp := []byte{req[0], req[1], 0x00, 0x00, 0x00, 0x03, req[6], req[7] | 0x80, 0x03}
		_, _ = server.Write(resp)
	}()

	framer, _ := NewFramer(TransportTCP)
	responder := &recordingWriteResponder{}
	d := NewDriver(DefaultSetting(), framer, nil, nil, WithWriteResponder(responder))

	point, err := ParsePoint("1!40001", TypeUint16)
	require.NoError(t, err)

	var doneErr error
	done := make(chan struct{})
	d.WriteTag(point, uint16(10), func(err error) {
		doneErr = err
		close(done)
	})

	req := d.queue.PopAny()
	require.NotNil(t, req)
	d.serveWrite(client, req)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write callback never invoked")
	}
	require.Error(t, doneErr)
	require.Error(t, responder.last.Err)
}

func TestDriverWriteTagsBatchesAdjacentRegisters(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := make([]byte, 17) // MBAP(7) + func+start+qty+byteCount(6) + 2 registers(4)
		_, _ = io.ReadFull(server, req)
		resp := []byte{req[0], req[1], 0x00, 0x00, 0x00, 0x06, req[6], req[7], req[8], req[9], req[10], req[11]}
		_, _ = server.Write(resp)
	}()

	framer, _ := NewFramer(TransportTCP)
	responder := &recordingWriteResponder{}
	d := NewDriver(DefaultSetting(), framer, nil, nil, WithWriteResponder(responder))

	p1, err := ParsePoint("1!40001", TypeUint16)
	require.NoError(t, err)
	p2, err := ParsePoint("1!40002", TypeUint16)
	require.NoError(t, err)

	var doneErr error
	done := make(chan struct{})
	d.WriteTags([]*Point{p1, p2}, map[*Point]any{p1: uint16(1), p2: uint16(2)}, func(err error) {
		doneErr = err
		close(done)
	})

	require.Equal(t, 1, d.queue.Len())
	req := d.queue.PopAny()
	require.NotNil(t, req)
	require.NotNil(t, req.Command)
	require.Len(t, req.Command.Tags, 2)

	d.serveWrite(client, req)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write callback never invoked")
	}
	require.NoError(t, doneErr)
	require.NoError(t, responder.last.Err)
	require.Len(t, responder.last.Tags, 2)
}

func TestDriverTestReadTag(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		req := make([]byte, 12)
		_, _ = io.ReadFull(server, req)
		resp := []byte{req[0], req[1], 0x00, 0x00, 0x00, 0x05, req[6], 0x03, 0x02, 0x12, 0x34}
		_, _ = server.Write(resp)
	}()

	framer, _ := NewFramer(TransportTCP)
	dial := func(useBackup bool) (Conn, error) { return client, nil }
	d := NewDriver(DefaultSetting(), framer, nil, dial)

	point, err := ParsePoint("1!40001", TypeUint16)
	require.NoError(t, err)

	val, err := d.TestReadTag(point)
	require.NoError(t, err)
	require.Equal(t, uint16(0x3412), val.AsType) // default #L swaps the register's bytes
}

func TestDegradeStateSwitchesAfterConsecutiveFailures(t *testing.T) {
	var d degradeState
	cfg := DefaultSetting()
	cfg.DeviceDegrade = 1
	cfg.DegradeCycle = 2
	now := time.Unix(1000, 0)

	toBackup, _ := d.observe(true, cfg, now)
	require.False(t, toBackup)
	toBackup, _ = d.observe(true, cfg, now)
	require.True(t, toBackup)

	// A success resets the streak.
	toBackup, _ = d.observe(false, cfg, now)
	require.False(t, toBackup)
}

func TestDegradeStateReturnsToPrimaryAfterWindow(t *testing.T) {
	var d degradeState
	cfg := DefaultSetting()
	cfg.DeviceDegrade = 1
	cfg.DegradeCycle = 1
	cfg.DegradeTimeS = 1
	now := time.Unix(2000, 0)

	toBackup, _ := d.observe(true, cfg, now)
	require.True(t, toBackup)

	_, toPrimary := d.observe(false, cfg, now.Add(2*time.Second))
	require.True(t, toPrimary)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "degraded", StateDegraded.String())
}
