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
	"math"
	"time"
)

// WaveformKind selects which generator drives a holding register.
type WaveformKind int

const (
	WaveformSine WaveformKind = iota
	WaveformSaw
	WaveformSquare
	WaveformRandom
)

// Waveform binds a generator to a unit/index pair the background
// worker evaluates once a second, per §4.6.
type Waveform struct {
	Kind  WaveformKind
	Unit  uint8
	Index uint16
	// Index2 is the second register of the pair for WaveformSine,
	// which spreads the IEEE-754 bits of a float across two
	// consecutive holding registers.
	Index2 uint16
}

// wangHash is the integer hash §4.6 specifies for the random
// generator's per-tick seed: `x*2654435761 ^ x<<13 ^ x>>17 ^ x<<5`.
func wangHash(x uint32) uint32 {
	x = x * 2654435761
	x = x ^ (x << 13) ^ (x >> 17) ^ (x << 5)
	return x
}

// evaluate computes w's value at t and returns the holding-register
// bytes to write. For WaveformSine it returns two uint16 register
// values (high word, low word of the float's bits); the others return
// exactly one.
func (w Waveform) evaluate(t time.Time, index uint32) []uint16 {
	switch w.Kind {
	case WaveformSine:
		phase := float64(t.UnixMilli()%60000) / 60000.0
		v := float32(100 * math.Sin(2*math.Pi*phase))
		bits := floatToBits(v)
		return []uint16{uint16(bits >> 16), uint16(bits)}

	case WaveformSaw:
		phase := float64(t.UnixMilli()%100000) / 100000.0
		v := int16(phase * 100)
		return []uint16{uint16(v)}

	case WaveformSquare:
		phase := t.UnixMilli() % 10000
		v := int16(-10)
		if phase < 5000 {
			v = 10
		}
		return []uint16{uint16(v)}

	case WaveformRandom:
		seed := uint32(t.UnixMilli()/1000) ^ index
		h := wangHash(seed)
		v := int16(h % 101) // uniform in [0, 100]
		return []uint16{uint16(v)}

	default:
		return []uint16{0}
	}
}

func floatToBits(f float32) uint32 {
	return math.Float32bits(f)
}

// WaveformWorker re-evaluates a set of Waveforms once a second against
// a Store, marking each waveform's indices read-only so client writes
// to them are rejected, matching the teacher-style single background
// ticker goroutine pattern used throughout this codebase's poll loops.
type WaveformWorker struct {
	store     *Store
	waveforms []Waveform
	stopCh    chan struct{}
}

// NewWaveformWorker returns a worker driving waveforms against store.
func NewWaveformWorker(store *Store, waveforms []Waveform) *WaveformWorker {
	for _, w := range waveforms {
		store.MarkHoldingReadonly(w.Unit, w.Index, true)
		if w.Kind == WaveformSine {
			store.MarkHoldingReadonly(w.Unit, w.Index2, true)
		}
	}
	return &WaveformWorker{store: store, waveforms: waveforms, stopCh: make(chan struct{})}
}

// Run evaluates every waveform once a second until Stop is called.
func (w *WaveformWorker) Run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case now := <-ticker.C:
			w.tick(now)
		}
	}
}

func (w *WaveformWorker) tick(now time.Time) {
	for i, wf := range w.waveforms {
		vals := wf.evaluate(now, uint32(i))
		w.store.SetHoldingRaw(wf.Unit, wf.Index, vals[0])
		if wf.Kind == WaveformSine && len(vals) > 1 {
			w.store.SetHoldingRaw(wf.Unit, wf.Index2, vals[1])
		}
	}
}

// Stop halts the worker's background goroutine.
func (w *WaveformWorker) Stop() { close(w.stopCh) }
