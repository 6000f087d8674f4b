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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWangHashIsDeterministic(t *testing.T) {
	require.Equal(t, wangHash(42), wangHash(42))
	require.NotEqual(t, wangHash(42), wangHash(43))
}

func TestWaveformSawRampsWithinBounds(t *testing.T) {
	w := Waveform{Kind: WaveformSaw}
	vals := w.evaluate(time.UnixMilli(0), 0)
	require.Len(t, vals, 1)
	require.LessOrEqual(t, int16(vals[0]), int16(100))
	require.GreaterOrEqual(t, int16(vals[0]), int16(0))
}

func TestWaveformSquareAlternates(t *testing.T) {
	w := Waveform{Kind: WaveformSquare}
	high := w.evaluate(time.UnixMilli(0), 0)
	low := w.evaluate(time.UnixMilli(6000), 0)
	require.Equal(t, int16(10), int16(high[0]))
	require.Equal(t, int16(-10), int16(low[0]))
}

func TestWaveformWorkerMarksReadonlyAndDrivesStore(t *testing.T) {
	store := NewStore()
	w := Waveform{Kind: WaveformSquare, Unit: 1, Index: 0}
	worker := NewWaveformWorker(store, []Waveform{w})

	err := store.WriteHolding(1, 0, 1, []byte{0, 1})
	require.Error(t, err) // marked read-only by NewWaveformWorker

	worker.tick(time.UnixMilli(0))
	got, err := store.ReadHolding(1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, int16(10), int16(uint16(got[0])<<8|uint16(got[1])))
}
