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

import "sort"

// ReadCommand is one batched read request covering the extent of
// every Point in Tags.
type ReadCommand struct {
	Unit  uint8
	Area  Area
	Start uint16
	Count uint16
	Tags  []*Point
}

// end is the exclusive end of the command's extent.
func (c *ReadCommand) end() uint16 { return c.Start + c.Count }

// GroupReadCommands sorts points under the canonical (unit, area,
// start, count) order and merges adjacent/overlapping same-unit
// same-area points into the fewest read commands whose byte size
// stays under maxPDUBytes. Replaces the teacher's intrusive-list
// grouping (group.go's GroupDeviceRegisterWithLogicalContinuity) with
// an owned slice sorted by sort.SliceStable, per the redesign that
// drops C-style intrusive linked lists in favor of plain Go slices.
func GroupReadCommands(points []*Point, maxPDUBytes int) []*ReadCommand {
	if len(points) == 0 {
		return nil
	}

	ordered := make([]*Point, len(points))
	copy(ordered, points)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		if a.Area != b.Area {
			return a.Area < b.Area
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.Count < b.Count
	})

	var commands []*ReadCommand
	for _, tag := range ordered {
		if len(commands) > 0 && canMerge(commands[len(commands)-1], tag, maxPDUBytes) {
			cmd := commands[len(commands)-1]
			if tag.End() > cmd.end() {
				cmd.Count = tag.End() - cmd.Start
			}
			cmd.Tags = append(cmd.Tags, tag)
			continue
		}
		commands = append(commands, &ReadCommand{
			Unit:  tag.Unit,
			Area:  tag.Area,
			Start: tag.Start,
			Count: tag.Count,
			Tags:  []*Point{tag},
		})
	}
	return commands
}

// canMerge reports whether tag can be folded into cmd's extent
// without exceeding maxPDUBytes, per §4.3's can_merge predicate.
func canMerge(cmd *ReadCommand, tag *Point, maxPDUBytes int) bool {
	if cmd.Unit != tag.Unit || cmd.Area != tag.Area {
		return false
	}
	if tag.Start > cmd.end() {
		return false // leaves a gap; not adjacent or overlapping
	}

	newEnd := cmd.end()
	if tag.End() > newEnd {
		newEnd = tag.End()
	}
	extent := newEnd - cmd.Start

	if cmd.Area.IsBit() {
		return int(extent)/8 < maxPDUBytes-1
	}
	return 2*int(extent) < maxPDUBytes
}

// WriteCommand is one batched write request; single-tag writes
// produce a command with exactly one tag.
type WriteCommand struct {
	Unit    uint8
	Area    Area
	Start   uint16
	Count   uint16
	Payload []byte
	Tags    []*Point
}

// GroupWriteCommands merges adjacent same-unit same-area register
// writes into one command each; coil writes are never merged (each
// gets its own command), matching §4.5's write-path rule that the
// write-sort predicate "merges only adjacent same-area same-unit
// register writes and never coils".
func GroupWriteCommands(points []*Point, values map[*Point][]byte, maxPDUBytes int) []*WriteCommand {
	if len(points) == 0 {
		return nil
	}

	ordered := make([]*Point, len(points))
	copy(ordered, points)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Unit != b.Unit {
			return a.Unit < b.Unit
		}
		if a.Area != b.Area {
			return a.Area < b.Area
		}
		return a.Start < b.Start
	})

	var commands []*WriteCommand
	for _, tag := range ordered {
		if tag.Area.IsBit() {
			commands = append(commands, &WriteCommand{
				Unit: tag.Unit, Area: tag.Area, Start: tag.Start, Count: tag.Count,
				Payload: values[tag], Tags: []*Point{tag},
			})
			continue
		}

		if len(commands) > 0 {
			cmd := commands[len(commands)-1]
			merged := cmd.Unit == tag.Unit && cmd.Area == tag.Area && !cmd.Area.IsBit() &&
				tag.Start == cmd.Start+cmd.Count &&
				2*int(cmd.Count+tag.Count) < maxPDUBytes
			if merged {
				cmd.Count += tag.Count
				cmd.Payload = append(cmd.Payload, values[tag]...)
				cmd.Tags = append(cmd.Tags, tag)
				continue
			}
		}
		commands = append(commands, &WriteCommand{
			Unit: tag.Unit, Area: tag.Area, Start: tag.Start, Count: tag.Count,
			Payload: append([]byte{}, values[tag]...), Tags: []*Point{tag},
		})
	}
	return commands
}
