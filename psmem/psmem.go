/*
 *
 * w3af - Web Application Attack and Audit Framework
 * Copyright (C) 2018 w3af.org
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation version 2 of the License.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package psmem aggregates memory accounting figures for a set of OS
// processes from their memory maps.
package psmem

import (
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMemory holds the private memory total for a single process.
type ProcessMemory struct {
	PID     int32
	Private uint64
}

// Usage is the result of one accounting pass over a process set.
//
// Shared maps a memory region to its shared size, deduplicated by region
// identity within this pass: multiple processes mapping the same region
// contribute one entry. Regions shared with processes outside the set may
// still be counted in full.
type Usage struct {
	Private   []ProcessMemory
	Shared    map[string]uint64
	Processes int
	Total     uint64
}

// anonRegion keys shared mappings that have no backing path.
const anonRegion = "[anon]"

// Collect gathers per-process private memory and, when includeShared is
// set, the shared region mapping for the given pids. Pids that can no
// longer be resolved are skipped; deciding whether a missing pid is fatal
// is left to the caller.
func Collect(pids []int32, includeShared bool) (*Usage, error) {
	u := &Usage{
		Shared: make(map[string]uint64),
	}

	for _, pid := range pids {
		proc, err := process.NewProcess(pid)
		if err != nil {
			// Process exited between pid listing and accounting.
			continue
		}

		maps, err := proc.MemoryMaps(false)
		if err != nil || maps == nil {
			continue
		}

		var private uint64
		for _, m := range *maps {
			private += m.PrivateClean + m.PrivateDirty

			if !includeShared {
				continue
			}
			shared := m.SharedClean + m.SharedDirty
			if shared == 0 {
				continue
			}
			key := m.Path
			if key == "" {
				key = anonRegion
			}
			u.Shared[key] = shared
		}

		u.Private = append(u.Private, ProcessMemory{PID: pid, Private: private})
		u.Processes++
		u.Total += private
	}

	for _, shared := range u.Shared {
		u.Total += shared
	}

	return u, nil
}
