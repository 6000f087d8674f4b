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

// Package modbus implements a Modbus master driver for an industrial
// gateway's southbound data-acquisition subsystem.
//
// It speaks RTU (serial, CRC-16 framed), classic TCP (MBAP header) and
// the "QH" TCP variant (16-bit length field) over the same tag model:
// callers describe what they want polled with a point address string
// of the form "<unit>!<area><position>[.option][#endian]" and the
// driver takes care of connecting, batching reads into the fewest
// possible wire requests, decoding the raw register bytes into typed
// values and delivering them through a ValueSink, and recovering from
// transport failures with a backoff/degrade policy.
//
// A Simulator (package simulator) speaks the same wire formats back
// at a Driver so the whole stack can be exercised without real
// hardware attached.
package modbus
