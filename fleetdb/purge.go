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

// PurgeAuditInsert records a destructive queue purge: which lane, roughly how
// many messages were discarded, and who confirmed the action. Purges are rare
// and irreversible, so every one leaves a row.
func (s *Store) PurgeAuditInsert(ctx context.Context, laneID string, messageCount int64, confirmedBy string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO purge_audit (lane_id, message_count, confirmed_by)
		VALUES ($1, $2, $3)`,
		laneID, messageCount, confirmedBy)
	if err != nil {
		return fmt.Errorf("insert purge audit row: %w", err)
	}
	return nil
}
