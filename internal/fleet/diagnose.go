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

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborline/filelane/internal/lane"
)

// statsWindow is the trailing window used when comparing observed processing
// time against lease timeouts.
const statsWindow = 24 * time.Hour

// LaneReport is the per-lane slice of a diagnosis.
type LaneReport struct {
	Depths            lane.Depths
	DeadLettersMarked int64
	LeaseTimeout      time.Duration
	ObservedP95       time.Duration
}

// Report is the full fleet diagnosis. AntiPatterns names configuration
// problems worth fixing; Problems records sub-checks that could not run, so
// a partial report is still returned.
type Report struct {
	State        State
	Lanes        map[lane.ID]LaneReport
	AntiPatterns []string
	Problems     []string
}

// prefixInspector is the optional trigger capability for the duplicate
// registration check. Satisfied by *S3Trigger.
type prefixInspector interface {
	DuplicatePrefixes(ctx context.Context) ([]string, error)
}

// Diagnose is read-only and never fails: every sub-check that errors is
// recorded in Problems and the rest of the report is still produced.
func (c *Controller) Diagnose(ctx context.Context) Report {
	report := Report{
		Lanes: make(map[lane.ID]LaneReport, len(c.lanes)),
	}

	state, err := c.State(ctx)
	if err != nil {
		report.Problems = append(report.Problems, fmt.Sprintf("fleet state unavailable: %v", err))
	} else {
		report.State = state
	}

	var p95s map[string]time.Duration
	var dlCounts map[string]int64
	if c.stats != nil {
		if p95s, err = c.stats.ProcessingP95s(ctx, statsWindow); err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("processing stats unavailable: %v", err))
		}
		if dlCounts, err = c.stats.DeadLetterCounts(ctx); err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("dead-letter tallies unavailable: %v", err))
		}
	}

	for id, target := range c.lanes {
		lr := LaneReport{
			LeaseTimeout:      target.Config().LeaseTimeout,
			DeadLettersMarked: dlCounts[string(id)],
			ObservedP95:       p95s[string(id)],
		}

		depths, err := target.Depths(ctx)
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("lane %s depths unavailable: %v", id, err))
		} else {
			lr.Depths = depths
		}

		if lr.ObservedP95 > 0 && lr.LeaseTimeout > 0 && lr.ObservedP95 > lr.LeaseTimeout {
			report.AntiPatterns = append(report.AntiPatterns, fmt.Sprintf(
				"lane %s: lease timeout %s is shorter than observed p95 processing time %s, causing spurious redeliveries",
				id, lr.LeaseTimeout, lr.ObservedP95))
		}

		report.Lanes[id] = lr
	}

	if inspector, ok := c.trigger.(prefixInspector); ok {
		dups, err := inspector.DuplicatePrefixes(ctx)
		if err != nil {
			report.Problems = append(report.Problems, fmt.Sprintf("trigger inspection unavailable: %v", err))
		}
		for _, prefix := range dups {
			name := prefix
			if name == "" {
				name = "(bucket root)"
			}
			report.AntiPatterns = append(report.AntiPatterns, fmt.Sprintf(
				"duplicate ingestion triggers registered on prefix %s, every upload is delivered twice", name))
		}
	}

	slog.Info("Fleet diagnosis complete",
		slog.Int("lanes", len(report.Lanes)),
		slog.Int("antiPatterns", len(report.AntiPatterns)),
		slog.Int("problems", len(report.Problems)))
	return report
}
