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

package fleetdb

import (
	"context"
	"fmt"
	"time"
)

// Processing stats feed diagnostics: workers record per-item durations so
// `fleet diagnose` can compare observed processing time against configured
// lease timeouts from a different process.

func (s *Store) ProcessingStatInsert(ctx context.Context, laneID string, duration time.Duration, succeeded bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_stats (lane_id, duration_ms, succeeded)
		VALUES ($1, $2, $3)`,
		laneID, duration.Milliseconds(), succeeded)
	if err != nil {
		return fmt.Errorf("insert processing stat: %w", err)
	}
	return nil
}

// ProcessingP95s returns the 95th-percentile processing duration per lane
// over the trailing window. Lanes with no observations are absent from the
// result.
func (s *Store) ProcessingP95s(ctx context.Context, window time.Duration) (map[string]time.Duration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lane_id,
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms)
		FROM processing_stats
		WHERE observed_at > now() - $1::interval
		GROUP BY lane_id`,
		window)
	if err != nil {
		return nil, fmt.Errorf("query processing p95s: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Duration)
	for rows.Next() {
		var laneID string
		var p95ms float64
		if err := rows.Scan(&laneID, &p95ms); err != nil {
			return nil, fmt.Errorf("scan processing p95: %w", err)
		}
		out[laneID] = time.Duration(p95ms * float64(time.Millisecond))
	}
	return out, rows.Err()
}

// ProcessingStatsPrune deletes observations older than retain.
func (s *Store) ProcessingStatsPrune(ctx context.Context, retain time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM processing_stats
		WHERE observed_at < now() - $1::interval`,
		retain)
	if err != nil {
		return 0, fmt.Errorf("prune processing stats: %w", err)
	}
	return tag.RowsAffected(), nil
}
