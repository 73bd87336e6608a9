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
)

// Dead-letter markers implement worker.DeadLetterMarker. A marker is written
// after the dead-letter copy is sent but before the source delete, so a crash
// between the two steps is detected on redelivery instead of producing a
// second dead-letter copy.

func (s *Store) AlreadyDeadLettered(ctx context.Context, laneID, itemID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM dead_letters
			WHERE lane_id = $1 AND item_id = $2
		)`, laneID, itemID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dead-letter marker: %w", err)
	}
	return exists, nil
}

// DeadLetterCounts tallies marked dead letters per lane, for diagnostics.
func (s *Store) DeadLetterCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lane_id, count(*)
		FROM dead_letters
		GROUP BY lane_id`)
	if err != nil {
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var laneID string
		var n int64
		if err := rows.Scan(&laneID, &n); err != nil {
			return nil, fmt.Errorf("scan dead-letter count: %w", err)
		}
		out[laneID] = n
	}
	return out, rows.Err()
}

func (s *Store) MarkDeadLettered(ctx context.Context, laneID, itemID string, deliveryCount int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (lane_id, item_id, delivery_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (lane_id, item_id) DO NOTHING`,
		laneID, itemID, deliveryCount)
	if err != nil {
		return fmt.Errorf("mark dead-lettered: %w", err)
	}
	return nil
}
