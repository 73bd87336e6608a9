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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Snapshot is an append-only, point-in-time record of fleet intent, taken
// before any destructive stop action and read back by recovery. Rows are
// never updated; later snapshots supersede earlier ones.
type Snapshot struct {
	ID                int64
	TakenAt           time.Time
	DesiredCapacities map[string]int
	IngestionEnabled  bool
}

// ErrNoSnapshot is returned when recovery is requested with no snapshot on
// record.
var ErrNoSnapshot = errors.New("no fleet snapshot recorded")

func (s *Store) SnapshotInsert(ctx context.Context, snap Snapshot) (Snapshot, error) {
	capacities, err := json.Marshal(snap.DesiredCapacities)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal desired capacities: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO fleet_snapshots (desired_capacities, ingestion_enabled)
		VALUES ($1, $2)
		RETURNING id, taken_at`,
		capacities, snap.IngestionEnabled)

	if err := row.Scan(&snap.ID, &snap.TakenAt); err != nil {
		return Snapshot{}, fmt.Errorf("insert fleet snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) SnapshotLatest(ctx context.Context) (Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, taken_at, desired_capacities, ingestion_enabled
		FROM fleet_snapshots
		ORDER BY taken_at DESC, id DESC
		LIMIT 1`)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	return snap, err
}

func (s *Store) SnapshotList(ctx context.Context, limit int) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, taken_at, desired_capacities, ingestion_enabled
		FROM fleet_snapshots
		ORDER BY taken_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list fleet snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SnapshotPrune removes all but the newest keep snapshots.
func (s *Store) SnapshotPrune(ctx context.Context, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM fleet_snapshots
		WHERE id NOT IN (
			SELECT id FROM fleet_snapshots
			ORDER BY taken_at DESC, id DESC
			LIMIT $1
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune fleet snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var snap Snapshot
	var capacities []byte
	if err := row.Scan(&snap.ID, &snap.TakenAt, &capacities, &snap.IngestionEnabled); err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(capacities, &snap.DesiredCapacities); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal desired capacities: %w", err)
	}
	return snap, nil
}
