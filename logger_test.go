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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct{ *strings.Builder }

func (nopWriteCloser) Close() error { return nil }

func TestSimpleLoggerFiltersByLevel(t *testing.T) {
	var buf strings.Builder
	l := NewSimpleLogger(nopWriteCloser{&buf}, LevelWarning, "test")

	l.Debugf("should not appear")
	l.Infof("should not appear either")
	l.Warnf("degrade streak at %d", 3)
	l.Errorf("dial failed: %v", "boom")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "degrade streak at 3")
	require.Contains(t, out, "dial failed: boom")
	require.Contains(t, out, "[WARNING]")
	require.Contains(t, out, "[ERROR]")
}

func TestSimpleLoggerSetLevelFromString(t *testing.T) {
	var buf strings.Builder
	l := NewSimpleLogger(nopWriteCloser{&buf}, LevelError, "test")

	require.NoError(t, l.SetLevelFromString("debug"))
	require.Equal(t, LevelDebug, l.GetLevel())

	require.Error(t, l.SetLevelFromString("bogus"))
}

func TestSimpleLoggerWriteInfersLevel(t *testing.T) {
	var buf strings.Builder
	l := NewSimpleLogger(nopWriteCloser{&buf}, LevelDebug, "wire")

	_, _ = l.Write([]byte("[ERROR] connection reset"))
	require.Contains(t, buf.String(), "[ERROR]")
	require.Contains(t, buf.String(), "connection reset")
}
