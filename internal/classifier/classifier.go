// Copyright (C) 2025 Harborline, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package classifier maps file events to lanes. Classification is a pure,
// total function: every extension maps to exactly one lane, unrecognized
// extensions go to the fallback lane, and the same event always yields the
// same lane. Reclassifying mid-flight would break the ordering guarantee of
// the license-constrained lane, so the mapping is fixed at construction.
package classifier

import (
	"fmt"
	"strings"

	"github.com/harborline/filelane/internal/lane"
)

// Priority bands within a lane. Lower is more urgent. Priority is advisory:
// it is carried on the message for consumers and diagnostics.
const (
	PriorityHigh   = 0
	PriorityNormal = 1
	PriorityLow    = 2
)

// Size thresholds for priority banding. Files above largeFileBytes are
// processed at low priority so a batch of scanned archives does not starve
// interactive uploads.
const (
	smallFileBytes = 10 << 20  // 10 MiB
	largeFileBytes = 100 << 20 // 100 MiB
)

type Classifier struct {
	byExtension map[string]lane.ID
	fallback    lane.ID
}

// New builds a classifier from the static lane set. Returns an error if two
// lanes claim the same extension or the fallback lane is not among them.
func New(lanes []lane.Config, fallback lane.ID) (*Classifier, error) {
	byExt := make(map[string]lane.ID)
	fallbackSeen := false
	for _, lc := range lanes {
		if lc.ID == fallback {
			fallbackSeen = true
		}
		for _, ext := range lc.Extensions {
			ext = normalizeExtension(ext)
			if prev, ok := byExt[ext]; ok && prev != lc.ID {
				return nil, fmt.Errorf("extension %q claimed by lanes %s and %s", ext, prev, lc.ID)
			}
			byExt[ext] = lc.ID
		}
	}
	if !fallbackSeen {
		return nil, fmt.Errorf("fallback lane %s is not in the lane set", fallback)
	}
	return &Classifier{byExtension: byExt, fallback: fallback}, nil
}

// Classify maps a file event to its lane and priority. Pure; no I/O.
func (c *Classifier) Classify(ev lane.FileEvent) (lane.ID, int) {
	id, ok := c.byExtension[normalizeExtension(ev.Extension)]
	if !ok {
		id = c.fallback
	}

	switch {
	case ev.SizeBytes < smallFileBytes:
		return id, PriorityHigh
	case ev.SizeBytes < largeFileBytes:
		return id, PriorityNormal
	default:
		return id, PriorityLow
	}
}

func normalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
