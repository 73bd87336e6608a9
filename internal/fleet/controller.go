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

// Package fleet is the emergency controller: stop, diagnose, recover, and
// purge over the whole lane fleet. Desired capacities and the trigger flag
// are never cached in memory; every operation re-reads them from the
// infrastructure or the snapshot store.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harborline/filelane/fleetdb"
	"github.com/harborline/filelane/internal/lane"
)

// State is the fleet lifecycle position.
type State string

const (
	StateNormal     State = "NORMAL"
	StateStopping   State = "STOPPING"
	StateStopped    State = "STOPPED"
	StateRecovering State = "RECOVERING"
)

// ErrConfirmation is returned when a destructive operation is invoked without
// the required confirmation token. Rejected before any mutation.
var ErrConfirmation = errors.New("confirmation token missing or incorrect")

// FleetToken is the confirmation token for fleet-wide destructive actions.
// Purge uses the lane ID instead.
const FleetToken = "fleet"

// CapacityScaler drives per-lane desired worker capacity. Satisfied by
// *ECSScaler.
type CapacityScaler interface {
	DesiredCapacities(ctx context.Context) (map[lane.ID]int, error)
	ReadyCounts(ctx context.Context) (map[lane.ID]int, error)
	SetDesiredCapacity(ctx context.Context, id lane.ID, count int) error
}

// IngestTrigger controls the storage-event binding that produces new file
// events. Satisfied by *S3Trigger.
type IngestTrigger interface {
	Enabled(ctx context.Context) (bool, error)
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// SnapshotStore persists append-only fleet snapshots. Satisfied by
// *fleetdb.Store.
type SnapshotStore interface {
	SnapshotInsert(ctx context.Context, snap fleetdb.Snapshot) (fleetdb.Snapshot, error)
	SnapshotLatest(ctx context.Context) (fleetdb.Snapshot, error)
	SnapshotPrune(ctx context.Context, keep int) (int64, error)
}

// LaneOps is the per-lane queue surface the controller needs. Satisfied by
// *lane.Lane.
type LaneOps interface {
	Config() lane.Config
	Depths(ctx context.Context) (lane.Depths, error)
	Purge(ctx context.Context) (int, error)
}

// PurgeAuditor records destructive purges before they happen. Satisfied by
// *fleetdb.Store.
type PurgeAuditor interface {
	PurgeAuditInsert(ctx context.Context, laneID string, messageCount int64, confirmedBy string) error
}

// Config carries the controller's recovery timing knobs and the snapshot
// retention floor.
type Config struct {
	GracePeriod        time.Duration `mapstructure:"grace_period"`
	HealthTimeout      time.Duration `mapstructure:"health_timeout"`
	HealthPollInterval time.Duration `mapstructure:"health_poll_interval"`
	SnapshotRetain     int           `mapstructure:"snapshot_retain"`
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:        30 * time.Second,
		HealthTimeout:      5 * time.Minute,
		HealthPollInterval: 10 * time.Second,
		SnapshotRetain:     10,
	}
}

// StatsSource provides observed processing durations and dead-letter tallies
// for diagnostics. Satisfied by *fleetdb.Store. Optional: diagnose degrades
// to queue depths only when absent.
type StatsSource interface {
	ProcessingP95s(ctx context.Context, window time.Duration) (map[string]time.Duration, error)
	DeadLetterCounts(ctx context.Context) (map[string]int64, error)
}

// Deps collects the controller's collaborators. Snapshots, Auditor, and Stats
// are usually all the same *fleetdb.Store.
type Deps struct {
	Scaler    CapacityScaler
	Trigger   IngestTrigger
	Snapshots SnapshotStore
	Auditor   PurgeAuditor
	Stats     StatsSource
	Lanes     map[lane.ID]LaneOps
}

type Controller struct {
	cfg     Config
	scaler  CapacityScaler
	trigger IngestTrigger
	store   SnapshotStore
	auditor PurgeAuditor
	stats   StatsSource
	lanes   map[lane.ID]LaneOps
}

func NewController(cfg Config, deps Deps) *Controller {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultConfig().HealthTimeout
	}
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = DefaultConfig().HealthPollInterval
	}
	if cfg.SnapshotRetain <= 0 {
		cfg.SnapshotRetain = DefaultConfig().SnapshotRetain
	}
	return &Controller{
		cfg:     cfg,
		scaler:  deps.Scaler,
		trigger: deps.Trigger,
		store:   deps.Snapshots,
		auditor: deps.Auditor,
		stats:   deps.Stats,
		lanes:   deps.Lanes,
	}
}

// State derives the fleet state from the infrastructure: stopped means the
// trigger is off and every lane's desired capacity is zero. Recovery is a
// transition held only for the duration of a Recover call, so an observer
// between calls sees NORMAL or STOPPED.
func (c *Controller) State(ctx context.Context) (State, error) {
	stopped, err := c.isStopped(ctx)
	if err != nil {
		return "", err
	}
	if stopped {
		return StateStopped, nil
	}
	return StateNormal, nil
}

// Stop snapshots current fleet intent, disables the ingestion trigger, and
// scales every lane to zero, in that order. Calling it again on a stopped
// fleet re-confirms the state without taking a new snapshot, and calling it
// on a partially stopped fleet (trigger off, capacities nonzero — an earlier
// stop was interrupted) resumes the scale-down, so in both cases the snapshot
// from the first stop remains the recovery input.
func (c *Controller) Stop(ctx context.Context, confirm string) (State, error) {
	if confirm != FleetToken {
		return StateNormal, ErrConfirmation
	}

	capacities, err := c.scaler.DesiredCapacities(ctx)
	if err != nil {
		return StateNormal, fmt.Errorf("failed to read desired capacities: %w", err)
	}
	enabled, err := c.trigger.Enabled(ctx)
	if err != nil {
		return StateNormal, fmt.Errorf("failed to read trigger state: %w", err)
	}

	if !enabled && allZero(capacities) {
		slog.Info("Fleet is already stopped, keeping existing snapshot")
		return StateStopped, nil
	}

	if enabled {
		snap, err := c.store.SnapshotInsert(ctx, fleetdb.Snapshot{
			DesiredCapacities: toStringMap(capacities),
			IngestionEnabled:  true,
		})
		if err != nil {
			return StateNormal, fmt.Errorf("%w: failed to persist fleet snapshot: %w", lane.ErrCoordination, err)
		}
		slog.Info("Fleet snapshot taken",
			slog.Int64("snapshotID", snap.ID),
			slog.Int("lanes", len(capacities)))

		// Retention sweep; best-effort, the stop must not fail on it. The
		// newest SnapshotRetain snapshots are never touched.
		if pruned, err := c.store.SnapshotPrune(ctx, c.cfg.SnapshotRetain); err != nil {
			slog.Warn("Failed to prune old fleet snapshots", slog.Any("error", err))
		} else if pruned > 0 {
			slog.Info("Pruned old fleet snapshots", slog.Int64("pruned", pruned))
		}

		if err := c.trigger.Disable(ctx); err != nil {
			return StateStopping, fmt.Errorf("failed to disable ingestion trigger: %w", err)
		}
		slog.Info("Ingestion trigger disabled")
	} else {
		// Snapshotting here would record ingestion as disabled and
		// supersede the good snapshot; recovery would then never re-enable
		// the trigger.
		slog.Info("Resuming interrupted stop, keeping existing snapshot")
	}

	for id, count := range capacities {
		if count == 0 {
			continue
		}
		if err := c.scaler.SetDesiredCapacity(ctx, id, 0); err != nil {
			return StateStopping, fmt.Errorf("failed to scale lane %s to zero: %w", id, err)
		}
		slog.Info("Lane scaled to zero", slog.String("lane", string(id)))
	}

	return StateStopped, nil
}

// Recover restores fleet intent from snap, or from the most recent snapshot
// when snap is nil. It re-enables the trigger, restores capacities, waits the
// grace period, then polls readiness. If the fleet does not become healthy
// within the timeout it reports RECOVERING rather than declaring success.
func (c *Controller) Recover(ctx context.Context, confirm string, snap *fleetdb.Snapshot) (State, error) {
	if confirm != FleetToken {
		return StateStopped, ErrConfirmation
	}

	if snap == nil {
		latest, err := c.store.SnapshotLatest(ctx)
		if err != nil {
			if errors.Is(err, fleetdb.ErrNoSnapshot) {
				return StateStopped, err
			}
			return StateStopped, fmt.Errorf("%w: failed to load fleet snapshot: %w", lane.ErrCoordination, err)
		}
		snap = &latest
	}
	slog.Info("Recovering fleet from snapshot",
		slog.Int64("snapshotID", snap.ID),
		slog.Time("takenAt", snap.TakenAt))

	if snap.IngestionEnabled {
		if err := c.trigger.Enable(ctx); err != nil {
			return StateRecovering, fmt.Errorf("failed to re-enable ingestion trigger: %w", err)
		}
		slog.Info("Ingestion trigger re-enabled")
	}

	desired := make(map[lane.ID]int, len(snap.DesiredCapacities))
	for id, count := range snap.DesiredCapacities {
		desired[lane.ID(id)] = count
		if err := c.scaler.SetDesiredCapacity(ctx, lane.ID(id), count); err != nil {
			return StateRecovering, fmt.Errorf("failed to restore capacity for lane %s: %w", id, err)
		}
		slog.Info("Lane capacity restored",
			slog.String("lane", id),
			slog.Int("desired", count))
	}

	select {
	case <-ctx.Done():
		return StateRecovering, ctx.Err()
	case <-time.After(c.cfg.GracePeriod):
	}

	return c.awaitHealthy(ctx, desired)
}

func (c *Controller) awaitHealthy(ctx context.Context, desired map[lane.ID]int) (State, error) {
	deadline := time.Now().Add(c.cfg.HealthTimeout)
	ticker := time.NewTicker(c.cfg.HealthPollInterval)
	defer ticker.Stop()

	for {
		ready, err := c.scaler.ReadyCounts(ctx)
		if err != nil {
			slog.Warn("Failed to poll fleet readiness", slog.Any("error", err))
		} else if healthy(desired, ready) {
			slog.Info("Fleet recovered to normal operation")
			return StateNormal, nil
		}

		if time.Now().After(deadline) {
			slog.Warn("Fleet health not reached within timeout, still recovering",
				slog.Duration("timeout", c.cfg.HealthTimeout))
			return StateRecovering, nil
		}

		select {
		case <-ctx.Done():
			return StateRecovering, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Purge drains one lane's source queue. The confirmation token is the lane ID
// itself. The pre-purge count and confirmation are written to the audit log
// before the queue is touched.
func (c *Controller) Purge(ctx context.Context, confirm string, id lane.ID) (int, error) {
	if confirm != string(id) {
		return 0, ErrConfirmation
	}
	target, ok := c.lanes[id]
	if !ok {
		return 0, fmt.Errorf("unknown lane %s", id)
	}

	depths, err := target.Depths(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read pre-purge depths for lane %s: %w", id, err)
	}

	if err := c.auditor.PurgeAuditInsert(ctx, string(id), int64(depths.Visible+depths.InFlight), confirm); err != nil {
		return 0, fmt.Errorf("%w: failed to record purge audit: %w", lane.ErrCoordination, err)
	}

	purged, err := target.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge lane %s: %w", id, err)
	}
	slog.Warn("Lane purged",
		slog.String("lane", string(id)),
		slog.Int("messagesDiscarded", purged),
		slog.String("confirmedBy", confirm))
	return purged, nil
}

func (c *Controller) isStopped(ctx context.Context) (bool, error) {
	enabled, err := c.trigger.Enabled(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read trigger state: %w", err)
	}
	if enabled {
		return false, nil
	}
	capacities, err := c.scaler.DesiredCapacities(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read desired capacities: %w", err)
	}
	return allZero(capacities), nil
}

func allZero(capacities map[lane.ID]int) bool {
	for _, count := range capacities {
		if count != 0 {
			return false
		}
	}
	return true
}

func healthy(desired, ready map[lane.ID]int) bool {
	for id, want := range desired {
		if ready[id] < want {
			return false
		}
	}
	return true
}

func toStringMap(in map[lane.ID]int) map[string]int {
	out := make(map[string]int, len(in))
	for id, count := range in {
		out[string(id)] = count
	}
	return out
}
