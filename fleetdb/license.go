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

// License slots implement license.SlotStore: one row per constrained lane,
// claimed with an insert-or-steal-if-expired, renewed only by the live
// holder. The row's primary key is what makes the semaphore fleet-wide.

func (s *Store) SlotAcquire(ctx context.Context, laneID, holder string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO license_slots (lane_id, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lane_id) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE license_slots.expires_at < now()
		   OR license_slots.holder = EXCLUDED.holder`,
		laneID, holder, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquire license slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SlotRenew(ctx context.Context, laneID, holder string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE license_slots
		SET expires_at = $3
		WHERE lane_id = $1 AND holder = $2 AND expires_at >= now()`,
		laneID, holder, expiresAt)
	if err != nil {
		return false, fmt.Errorf("renew license slot: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SlotRelease(ctx context.Context, laneID, holder string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM license_slots
		WHERE lane_id = $1 AND holder = $2`,
		laneID, holder)
	if err != nil {
		return fmt.Errorf("release license slot: %w", err)
	}
	return nil
}
