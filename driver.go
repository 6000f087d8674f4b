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
	"sync"
	"sync/atomic"
	"time"
)

// State is one of the Driver's lifecycle states, per §4.5's state
// machine. Generalizes the teacher's ad-hoc int status field
// (poller.go) into a closed, named type.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TagResult is what a ValueSink receives for one tag after a read
// cycle: either a decoded value or a failure reason.
type TagResult struct {
	Tag   *Point
	Value DecodedValue
	Err   error
}

// ValueSink is the capability a host implements to receive decoded
// read results, replacing the teacher's void* callback pointer
// (REDESIGN FLAGS §9) with a plain Go interface.
type ValueSink interface {
	OnValues(results []TagResult)
}

// WriteResult is the aggregate outcome the host's WriteResponder
// receives once after a batched write completes.
type WriteResult struct {
	Tags []*Point
	Err  error
}

// WriteResponder is the capability a host implements to learn the
// outcome of a write it submitted through Driver.WriteTag/WriteTags.
type WriteResponder interface {
	OnWriteComplete(result WriteResult)
}

// Metrics is the set of counters and gauges a cycle updates, exposed
// through MetricSink so a host can wire them into its own telemetry
// rather than this package assuming any particular backend.
type Metrics struct {
	BytesSent     uint64
	BytesRecv     uint64
	RoundTripMS   int64
	GroupSendCount uint64
}

// MetricSink receives a Metrics snapshot after every cycle.
type MetricSink interface {
	OnMetrics(m Metrics)
}

// Group is one polled collection of tags sharing a read interval. The
// Driver caches each group's parsed Points and batched ReadCommands
// the first time its timer fires, per §4.5 step 1.
type Group struct {
	Name     string
	Interval time.Duration
	Tags     []GroupTag

	mu       sync.Mutex
	points   []*Point
	commands []*ReadCommand
}

// GroupTag is one tag declaration inside a Group: its address string
// and the type the host configured it with.
type GroupTag struct {
	Name string
	Addr string
	Type TagType
}

// plan lazily parses Tags into Points and batches them into
// ReadCommands, caching the result on the Group so repeat cycles don't
// re-parse and re-sort, per §4.5 step 1 ("If the group has no cached
// plan, build one").
func (g *Group) plan(maxPDUBytes, addressBase int) ([]*Point, []*ReadCommand, []error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.points != nil {
		return g.points, g.commands, nil
	}

	var errs []error
	points := make([]*Point, 0, len(g.Tags))
	for _, t := range g.Tags {
		p, err := ParsePointWithBase(t.Addr, t.Type, addressBase)
		if err != nil {
			errs = append(errs, fmt.Errorf("tag %s: %w", t.Name, err))
			// Keep a zero-value placeholder so the tag still shows up
			// in results, per §4.5: "emit a structured error per bad
			// tag but still include it as a placeholder".
			p = &Point{Addr: t.Addr, Type: t.Type}
		}
		points = append(points, p)
	}

	g.points = points
	g.commands = GroupReadCommands(points, maxPDUBytes)
	return g.points, g.commands, errs
}

// degradeState tracks the consecutive-failure streak that drives
// §4.5's "degrade mode": switching to a backup endpoint after
// degrade_cycle consecutive bad cycles, and back after degrade_time
// has elapsed with no further switch.
type degradeState struct {
	mu             sync.Mutex
	consecutiveBad int
	usingBackup    bool
	backupUntil    time.Time
}

// observe records one cycle's outcome and reports whether the active
// endpoint should flip. A successful cycle resets the streak to zero,
// matching the spec's "consecutive" predicate.
func (d *degradeState) observe(cycleBad bool, cfg Setting, now time.Time) (switchToBackup, switchToPrimary bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.usingBackup && now.After(d.backupUntil) {
		d.usingBackup = false
		d.consecutiveBad = 0
		switchToPrimary = true
	}

	if cfg.DeviceDegrade == 0 {
		return switchToBackup, switchToPrimary
	}

	if cycleBad {
		d.consecutiveBad++
	} else {
		d.consecutiveBad = 0
	}

	if !d.usingBackup && d.consecutiveBad >= cfg.DegradeCycle {
		d.usingBackup = true
		d.backupUntil = now.Add(cfg.degradeTime())
		d.consecutiveBad = 0
		switchToBackup = true
	}
	return switchToBackup, switchToPrimary
}

// Driver polls a set of Groups over one Conn/Stack pair and serves
// host-initiated writes through a bounded WriteQueue. It generalizes
// the teacher's poller.go goroutine-per-ticker design: one loop
// goroutine owns the connection and every Group's timer, so the wire
// is never touched concurrently from two goroutines.
type Driver struct {
	setting Setting
	stack   *Stack
	logger  Logger

	groups []*Group

	values ValueSink
	writes WriteResponder
	metric MetricSink

	queue *WriteQueue

	state   int32 // State, accessed atomically
	degrade degradeState

	dial func(useBackup bool) (Conn, error)

	stopCh chan struct{}
	doneCh chan struct{}
}

// DriverOption configures optional Driver collaborators.
type DriverOption func(*Driver)

func WithValueSink(v ValueSink) DriverOption       { return func(d *Driver) { d.values = v } }
func WithWriteResponder(w WriteResponder) DriverOption { return func(d *Driver) { d.writes = w } }
func WithMetricSink(m MetricSink) DriverOption     { return func(d *Driver) { d.metric = m } }
func WithLogger(l Logger) DriverOption             { return func(d *Driver) { d.logger = l } }

// NewDriver builds a Driver for setting, dialing connections through
// dial (so TCP/RTU/UDP selection and the choice of backup endpoint
// stay with the caller that supplies dial).
func NewDriver(setting Setting, framer Framer, groups []*Group, dial func(useBackup bool) (Conn, error), opts ...DriverOption) *Driver {
	d := &Driver{
		setting: setting,
		stack:   NewStack(framer),
		logger:  nopLogger{},
		groups:  groups,
		queue:   NewWriteQueue(256),
		dial:    dial,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	atomic.StoreInt32(&d.state, int32(StateDisconnected))
	return d
}

// State reports the Driver's current lifecycle state.
func (d *Driver) State() State { return State(atomic.LoadInt32(&d.state)) }

func (d *Driver) setState(s State) { atomic.StoreInt32(&d.state, int32(s)) }

// WriteTag enqueues a single-tag write, to be served by the next
// opportunity in the loop goroutine. done, if non-nil, is called with
// the outcome.
func (d *Driver) WriteTag(tag *Point, value any, done func(error)) {
	encoded, err := tag.Encode(value)
	if err != nil {
		if done != nil {
			done(newConfigError("Driver.WriteTag", err))
		}
		return
	}
	key := uint64(tag.Unit)<<48 | uint64(tag.Area)<<40 | uint64(tag.Start)
	d.queue.Push(&WriteRequest{Key: key, Tag: tag, Value: encoded, Done: done})
}

// WriteTags enqueues a batched write across tags, per §6's
// write_tags(req, tags) contract: the tags are grouped into as few
// wire commands as GroupWriteCommands can manage under the
// transport's PDU limit, and done/the host's WriteResponder fire
// exactly once with the aggregate outcome once every sub-command has
// been served.
func (d *Driver) WriteTags(tags []*Point, values map[*Point]any, done func(error)) {
	encoded := make(map[*Point][]byte, len(tags))
	for _, tag := range tags {
		value, ok := values[tag]
		if !ok {
			if done != nil {
				done(newConfigError("Driver.WriteTags", fmt.Errorf("no value supplied for tag %s", tag.Addr)))
			}
			return
		}
		b, err := tag.Encode(value)
		if err != nil {
			if done != nil {
				done(newConfigError("Driver.WriteTags", err))
			}
			return
		}
		encoded[tag] = b
	}

	commands := GroupWriteCommands(tags, encoded, d.stack.framer.MaxPDUBytes())
	if len(commands) == 0 {
		if done != nil {
			done(nil)
		}
		return
	}

	var mu sync.Mutex
	remaining := len(commands)
	var firstErr error
	finish := func(err error) {
		mu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		remaining--
		last := remaining == 0
		mu.Unlock()
		if !last {
			return
		}
		d.reportWrite(tags, firstErr)
		if done != nil {
			done(firstErr)
		}
	}

	for _, cmd := range commands {
		key := uint64(cmd.Unit)<<48 | uint64(cmd.Area)<<40 | uint64(cmd.Start)
		d.queue.Push(&WriteRequest{Key: key, Tag: cmd.Tags[0], Command: cmd, Done: finish})
	}
}

// TestReadTag performs an ad-hoc, one-off read of a single tag,
// bypassing any Group's cached plan: it builds its own single-tag
// ReadCommand and dials a short-lived connection rather than touching
// the loop goroutine's live connection, per §6's
// test_read_tag(req, tag) probe contract.
func (d *Driver) TestReadTag(tag *Point) (DecodedValue, error) {
	if d.dial == nil {
		return DecodedValue{}, newConfigError("Driver.TestReadTag", fmt.Errorf("no dialer configured"))
	}
	conn, err := d.dial(d.degrade.usingBackup)
	if err != nil {
		return DecodedValue{}, newTransportError("Driver.TestReadTag", tag.Unit, err)
	}
	defer conn.Close()

	cmd := &ReadCommand{Unit: tag.Unit, Area: tag.Area, Start: tag.Start, Count: tag.Count, Tags: []*Point{tag}}

	frame, expected, err := d.stack.BuildRead(cmd.Unit, cmd.Area, cmd.Start, cmd.Count)
	if err != nil {
		return DecodedValue{}, err
	}
	if !d.sendWithRetry(conn, frame) {
		return DecodedValue{}, newTransportError("Driver.TestReadTag", tag.Unit, errWriteFailed)
	}

	res, n := d.recvFrame(conn, cmd.Unit, expected)
	if n == 0 {
		return DecodedValue{}, newTimeoutError("Driver.TestReadTag", tag.Unit, errNoResponse)
	}
	switch res.Kind {
	case RecvConsumed:
		results := d.scatter(cmd, res.PDU)
		if len(results) == 0 {
			return DecodedValue{}, newFramingError("Driver.TestReadTag", tag.Unit, errProtocolDecode)
		}
		return results[0].Value, results[0].Err
	case RecvDeviceException:
		code := uint8(0)
		if len(res.PDU) > 1 {
			code = res.PDU[1]
		}
		return DecodedValue{}, newExceptionError("Driver.TestReadTag", tag.Unit, code)
	default:
		return DecodedValue{}, newFramingError("Driver.TestReadTag", tag.Unit, errProtocolDecode)
	}
}

// Start launches the Driver's single loop goroutine. It returns
// immediately; call Stop to shut the loop down.
func (d *Driver) Start() {
	d.setState(StateConnecting)
	go d.run()
}

// Stop signals the loop goroutine to exit and blocks until it has.
func (d *Driver) Stop() {
	close(d.stopCh)
	<-d.doneCh
	d.setState(StateStopped)
}

func (d *Driver) run() {
	defer close(d.doneCh)

	var conn Conn
	var err error

	reconnect := func(useBackup bool) bool {
		d.setState(StateConnecting)
		conn, err = d.dial(useBackup)
		if err != nil {
			d.logger.Warnf("dial failed: %v", err)
			d.setState(StateDisconnected)
			return false
		}
		if useBackup {
			d.setState(StateDegraded)
		} else {
			d.setState(StateConnected)
		}
		return true
	}

	if !reconnect(false) {
		d.waitRetryOrStop()
	}

	timers := make([]*time.Timer, len(d.groups))
	for i, g := range d.groups {
		interval := g.Interval
		if interval <= 0 {
			interval = d.setting.interval()
		}
		if interval <= 0 {
			interval = time.Second
		}
		timers[i] = time.NewTimer(interval)
	}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-d.stopCh:
			if conn != nil {
				_ = conn.Close()
			}
			return

		default:
		}

		fired := false
		for i, g := range d.groups {
			select {
			case <-timers[i].C:
				fired = true
				if conn == nil {
					if !reconnect(d.degrade.usingBackup) {
						break
					}
				}
				cycleBad := d.runCycle(conn, g)
				toBackup, toPrimary := d.degrade.observe(cycleBad, d.setting, time.Now())
				if toBackup || toPrimary {
					if conn != nil {
						_ = conn.Close()
					}
					conn = nil
					reconnect(toBackup)
				}
				if cycleBad {
					d.setState(StateDisconnected)
				}
				interval := g.Interval
				if interval <= 0 {
					interval = d.setting.interval()
				}
				if interval <= 0 {
					interval = time.Second
				}
				timers[i].Reset(interval)
			default:
			}
		}

		if req := d.queue.PopAny(); req != nil && conn != nil {
			d.serveWrite(conn, req)
		}

		if !fired {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (d *Driver) waitRetryOrStop() {
	retry := d.setting.retryInterval()
	if retry <= 0 {
		retry = 200 * time.Millisecond
	}
	select {
	case <-d.stopCh:
	case <-time.After(retry):
	}
}

// runCycle executes §4.5's per-group timer logic for one group and
// reports whether the cycle should count toward the degrade streak
// (true if at least one command hit DEVICE_NOT_RESPONSE or a
// disconnect).
func (d *Driver) runCycle(conn Conn, g *Group) (cycleBad bool) {
	start := time.Now()
	maxPDU := MaxRegsPerRead * 2
	if d.stack.framer.Kind() == TransportQHTCP {
		maxPDU = d.stack.framer.MaxPDUBytes()
	}
	points, commands, parseErrs := g.plan(maxPDU, d.setting.AddressBase)
	for _, e := range parseErrs {
		d.logger.Warnf("group %s: %v", g.Name, e)
	}

	results := make([]TagResult, 0, len(points))
	var sent, recv uint64

	for _, cmd := range commands {
		frame, expected, err := d.stack.BuildRead(cmd.Unit, cmd.Area, cmd.Start, cmd.Count)
		if err != nil {
			results = append(results, tagResultsForFailure(cmd.Tags, err)...)
			continue
		}

		ok := d.sendWithRetry(conn, frame)
		sent += uint64(len(frame))
		if !ok {
			results = append(results, tagResultsForFailure(cmd.Tags, newTransportError("Driver.runCycle", cmd.Unit, errWriteFailed))...)
			cycleBad = true
			break // remaining commands of this cycle are abandoned
		}

		res, n := d.recvFrame(conn, cmd.Unit, expected)
		recv += uint64(n)

		switch res.Kind {
		case RecvMalformed:
			results = append(results, tagResultsForFailure(cmd.Tags, newFramingError("Driver.runCycle", cmd.Unit, errProtocolDecode))...)
		case RecvDeviceException:
			code := uint8(0)
			if len(res.PDU) > 1 {
				code = res.PDU[1]
			}
			results = append(results, tagResultsForFailure(cmd.Tags, newExceptionError("Driver.runCycle", cmd.Unit, code))...)
		case RecvConsumed:
			results = append(results, d.scatter(cmd, res.PDU)...)
		default:
			results = append(results, tagResultsForFailure(cmd.Tags, newTimeoutError("Driver.runCycle", cmd.Unit, errNoResponse))...)
			cycleBad = true
		}

		if d.setting.interval() > 0 {
			time.Sleep(d.setting.interval())
		}
	}

	if d.values != nil && len(results) > 0 {
		d.values.OnValues(results)
	}
	if d.metric != nil {
		rtt := time.Since(start).Milliseconds()
		if cycleBad {
			rtt = int64(^uint64(0) >> 1) // MAX on disconnect, per §4.5 step 3
		}
		d.metric.OnMetrics(Metrics{BytesSent: sent, BytesRecv: recv, RoundTripMS: rtt, GroupSendCount: uint64(len(commands))})
	}
	return cycleBad
}

func tagResultsForFailure(tags []*Point, err error) []TagResult {
	out := make([]TagResult, len(tags))
	for i, t := range tags {
		out[i] = TagResult{Tag: t, Err: err}
	}
	return out
}

// scatter reconstructs each tag's value from cmd's response PDU, per
// §4.5's scatter/reconstruction rules.
func (d *Driver) scatter(cmd *ReadCommand, pdu []byte) []TagResult {
	if len(pdu) < 2 {
		return tagResultsForFailure(cmd.Tags, newFramingError("Driver.scatter", cmd.Unit, errProtocolDecode))
	}
	payload := pdu[2:]

	out := make([]TagResult, 0, len(cmd.Tags))
	for _, tag := range cmd.Tags {
		var raw []byte
		if cmd.Area.IsBit() {
			bitOffset := int(tag.Start - cmd.Start)
			byteOff := bitOffset / 8
			if byteOff >= len(payload) {
				out = append(out, TagResult{Tag: tag, Err: newFramingError("Driver.scatter", cmd.Unit, errProtocolDecode)})
				continue
			}
			bit := (payload[byteOff] >> uint(bitOffset%8)) & 1
			word := uint16(0)
			if bit == 1 {
				word = 1 << tag.BitIndex
			}
			raw = []byte{byte(word >> 8), byte(word)}
		} else {
			off := int(tag.Start-cmd.Start) * 2
			width := int(tag.Count) * 2
			if off+width > len(payload) {
				out = append(out, TagResult{Tag: tag, Err: newFramingError("Driver.scatter", cmd.Unit, errProtocolDecode)})
				continue
			}
			raw = payload[off : off+width]
		}
		val, err := tag.Decode(raw)
		out = append(out, TagResult{Tag: tag, Value: val, Err: err})
	}
	return out
}

// sendWithRetry writes frame to conn, retrying per the configured
// max_retries/retry_interval policy.
func (d *Driver) sendWithRetry(conn Conn, frame []byte) bool {
	attempts := d.setting.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		if _, err := conn.Write(frame); err == nil {
			return true
		}
		if i+1 < attempts && d.setting.retryInterval() > 0 {
			time.Sleep(d.setting.retryInterval())
		}
	}
	return false
}

// recvFrame reads conn incrementally, handing the accumulated bytes to
// the Stack after every chunk, and returns as soon as a whole frame
// resolves (success, exception, or unrecoverable malformed bytes) or
// the read budget of maxLen bytes is exhausted without one. It
// replaces a fixed "read exactly N bytes" scheme because a device
// exception reply is shorter than a success reply — the Framer
// recognizes a short exception frame as complete well before maxLen
// bytes arrive, so trying to read maxLen bytes up front would hang
// until a timeout on every exception. Returns the RecvNeedMore result
// and zero or more bytes read on EOF/short read/budget exhaustion, per
// §4.5 step 2c's "no response" outcome.
func (d *Driver) recvFrame(conn Conn, unit uint8, maxLen int) (RecvResult, int) {
	buf := make([]byte, maxLen)
	total := 0
	for total < maxLen {
		n, err := conn.Read(buf[total:])
		total += n
		if n > 0 {
			if res := d.stack.Recv(unit, buf[:total]); res.Kind != RecvNeedMore {
				return res, total
			}
		}
		if err != nil || n == 0 {
			return RecvResult{Kind: RecvNeedMore}, total
		}
	}
	return d.stack.Recv(unit, buf[:total]), total
}

// sendWriteCommand sends cmd's frame and reads back its acknowledgement
// or exception response, translating a failed send or a missing/bad
// acknowledgement into a driver error. Shared by serveWrite (single
// writes) and WriteTags (batched writes) so neither path can mistake
// silence or a device exception for success, per the maintainer note
// that serveWrite previously never read the device's reply at all.
func (d *Driver) sendWriteCommand(conn Conn, cmd *WriteCommand) error {
	frame, err := d.stack.BuildWrite(cmd)
	if err != nil {
		return err
	}
	if !d.sendWithRetry(conn, frame) {
		return newTransportError("Driver.sendWriteCommand", cmd.Unit, errWriteFailed)
	}

	res, n := d.recvFrame(conn, cmd.Unit, d.stack.WriteResponseSize())
	if n == 0 {
		return newTimeoutError("Driver.sendWriteCommand", cmd.Unit, errNoResponse)
	}
	switch res.Kind {
	case RecvConsumed:
		return nil
	case RecvDeviceException:
		code := uint8(0)
		if len(res.PDU) > 1 {
			code = res.PDU[1]
		}
		return newExceptionError("Driver.sendWriteCommand", cmd.Unit, code)
	default:
		return newTransportError("Driver.sendWriteCommand", cmd.Unit, errWriteAckFailed)
	}
}

// serveWrite serves one queued write request — either a single-tag
// WriteTag request or one sub-command of a WriteTags batch — and
// reports the outcome. Batch sub-commands report through the shared
// finish closure WriteTags installed as req.Done instead of through
// reportWrite directly, so the host's WriteResponder still fires
// exactly once per batch.
func (d *Driver) serveWrite(conn Conn, req *WriteRequest) {
	if req.Command != nil {
		err := d.sendWriteCommand(conn, req.Command)
		if req.Done != nil {
			req.Done(err)
		}
		return
	}

	payload, _ := req.Value.([]byte)
	cmd := &WriteCommand{Unit: req.Tag.Unit, Area: req.Tag.Area, Start: req.Tag.Start, Count: req.Tag.Count, Payload: payload, Tags: []*Point{req.Tag}}

	err := d.sendWriteCommand(conn, cmd)
	if req.Done != nil {
		req.Done(err)
	}
	d.reportWrite(cmd.Tags, err)
}

func (d *Driver) reportWrite(tags []*Point, err error) {
	if d.writes != nil {
		d.writes.OnWriteComplete(WriteResult{Tags: tags, Err: err})
	}
}

type driverSentinel string

func (e driverSentinel) Error() string { return string(e) }

var (
	errWriteFailed    = driverSentinel("PLUGIN_DISCONNECTED: write failed")
	errNoResponse     = driverSentinel("DEVICE_NOT_RESPONSE")
	errProtocolDecode = driverSentinel("PROTOCOL_DECODE_FAILURE")
	errWriteAckFailed = driverSentinel("PLUGIN_READ_FAILURE: write acknowledgement not received")
)
