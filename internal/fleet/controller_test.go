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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/filelane/fleetdb"
	"github.com/harborline/filelane/internal/lane"
)

type fakeScaler struct {
	desired map[lane.ID]int
	ready   map[lane.ID]int
	err     error
}

func (s *fakeScaler) DesiredCapacities(context.Context) (map[lane.ID]int, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[lane.ID]int, len(s.desired))
	for id, n := range s.desired {
		out[id] = n
	}
	return out, nil
}

func (s *fakeScaler) ReadyCounts(context.Context) (map[lane.ID]int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ready, nil
}

func (s *fakeScaler) SetDesiredCapacity(_ context.Context, id lane.ID, count int) error {
	if s.err != nil {
		return s.err
	}
	s.desired[id] = count
	if s.ready == nil {
		s.ready = make(map[lane.ID]int)
	}
	s.ready[id] = count
	return nil
}

type fakeTrigger struct {
	enabled  bool
	disables int
	enables  int
	err      error
}

func (t *fakeTrigger) Enabled(context.Context) (bool, error) { return t.enabled, t.err }

func (t *fakeTrigger) Enable(context.Context) error {
	t.enables++
	t.enabled = true
	return t.err
}

func (t *fakeTrigger) Disable(context.Context) error {
	t.disables++
	t.enabled = false
	return t.err
}

type fakeSnapshots struct {
	snaps []fleetdb.Snapshot
	err   error
}

func (s *fakeSnapshots) SnapshotInsert(_ context.Context, snap fleetdb.Snapshot) (fleetdb.Snapshot, error) {
	if s.err != nil {
		return fleetdb.Snapshot{}, s.err
	}
	snap.ID = int64(len(s.snaps) + 1)
	snap.TakenAt = time.Now().UTC()
	s.snaps = append(s.snaps, snap)
	return snap, nil
}

func (s *fakeSnapshots) SnapshotLatest(context.Context) (fleetdb.Snapshot, error) {
	if s.err != nil {
		return fleetdb.Snapshot{}, s.err
	}
	if len(s.snaps) == 0 {
		return fleetdb.Snapshot{}, fleetdb.ErrNoSnapshot
	}
	return s.snaps[len(s.snaps)-1], nil
}

func (s *fakeSnapshots) SnapshotPrune(_ context.Context, keep int) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	if len(s.snaps) <= keep {
		return 0, nil
	}
	pruned := int64(len(s.snaps) - keep)
	s.snaps = s.snaps[len(s.snaps)-keep:]
	return pruned, nil
}

type fakeAuditor struct {
	lanes  []string
	counts []int64
}

func (a *fakeAuditor) PurgeAuditInsert(_ context.Context, laneID string, messageCount int64, _ string) error {
	a.lanes = append(a.lanes, laneID)
	a.counts = append(a.counts, messageCount)
	return nil
}

type fakeStatsSource struct {
	p95s   map[string]time.Duration
	dlq    map[string]int64
	p95Err error
	dlqErr error
}

func (s *fakeStatsSource) ProcessingP95s(context.Context, time.Duration) (map[string]time.Duration, error) {
	return s.p95s, s.p95Err
}

func (s *fakeStatsSource) DeadLetterCounts(context.Context) (map[string]int64, error) {
	return s.dlq, s.dlqErr
}

func fastFleetConfig() Config {
	return Config{
		GracePeriod:        time.Millisecond,
		HealthTimeout:      200 * time.Millisecond,
		HealthPollInterval: 10 * time.Millisecond,
	}
}

func newTestLane(t *testing.T, id lane.ID, leaseTimeout time.Duration) *lane.Lane {
	t.Helper()
	ln, err := lane.New(lane.Config{ID: id, MaxConcurrency: 2, LeaseTimeout: leaseTimeout},
		lane.NewMemoryQueue(time.Minute), nil)
	require.NoError(t, err)
	return ln
}

func testDeps(t *testing.T) (Deps, *fakeScaler, *fakeTrigger, *fakeSnapshots) {
	t.Helper()
	scaler := &fakeScaler{desired: map[lane.ID]int{"ocr": 8, "office": 4}}
	trigger := &fakeTrigger{enabled: true}
	snaps := &fakeSnapshots{}
	deps := Deps{
		Scaler:    scaler,
		Trigger:   trigger,
		Snapshots: snaps,
		Auditor:   &fakeAuditor{},
		Stats:     &fakeStatsSource{},
		Lanes: map[lane.ID]LaneOps{
			"ocr":    newTestLane(t, "ocr", 5*time.Minute),
			"office": newTestLane(t, "office", 10*time.Minute),
		},
	}
	return deps, scaler, trigger, snaps
}

func TestStopRequiresConfirmation(t *testing.T) {
	deps, scaler, trigger, snaps := testDeps(t)
	c := NewController(fastFleetConfig(), deps)

	_, err := c.Stop(context.Background(), "")
	assert.ErrorIs(t, err, ErrConfirmation)
	_, err = c.Stop(context.Background(), "FLEET")
	assert.ErrorIs(t, err, ErrConfirmation)

	assert.Empty(t, snaps.snaps, "a rejected stop must not mutate anything")
	assert.True(t, trigger.enabled)
	assert.Equal(t, 8, scaler.desired["ocr"])
}

func TestStopSnapshotsAndScalesToZero(t *testing.T) {
	deps, scaler, trigger, snaps := testDeps(t)
	c := NewController(fastFleetConfig(), deps)

	state, err := c.Stop(context.Background(), FleetToken)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)

	require.Len(t, snaps.snaps, 1)
	assert.Equal(t, map[string]int{"ocr": 8, "office": 4}, snaps.snaps[0].DesiredCapacities)
	assert.True(t, snaps.snaps[0].IngestionEnabled)

	assert.False(t, trigger.enabled)
	assert.Equal(t, 1, trigger.disables)
	assert.Equal(t, 0, scaler.desired["ocr"])
	assert.Equal(t, 0, scaler.desired["office"])

	derived, err := c.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, derived)
}

func TestStopIsIdempotent(t *testing.T) {
	deps, _, _, snaps := testDeps(t)
	c := NewController(fastFleetConfig(), deps)

	_, err := c.Stop(context.Background(), FleetToken)
	require.NoError(t, err)
	first := snaps.snaps[0]

	// A second stop re-confirms without snapshotting the all-zero state,
	// which would otherwise poison recovery.
	state, err := c.Stop(context.Background(), FleetToken)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)
	require.Len(t, snaps.snaps, 1)
	assert.Equal(t, first, snaps.snaps[0])
}

// stallingScaler fails the first n capacity writes, interrupting a stop
// mid-scale-down.
type stallingScaler struct {
	inner    *fakeScaler
	failures int
}

func (s *stallingScaler) DesiredCapacities(ctx context.Context) (map[lane.ID]int, error) {
	return s.inner.DesiredCapacities(ctx)
}

func (s *stallingScaler) ReadyCounts(ctx context.Context) (map[lane.ID]int, error) {
	return s.inner.ReadyCounts(ctx)
}

func (s *stallingScaler) SetDesiredCapacity(ctx context.Context, id lane.ID, count int) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("ecs throttled")
	}
	return s.inner.SetDesiredCapacity(ctx, id, count)
}

func TestStopRetryAfterPartialFailure(t *testing.T) {
	deps, scaler, trigger, snaps := testDeps(t)
	deps.Scaler = &stallingScaler{inner: scaler, failures: 1}
	c := NewController(fastFleetConfig(), deps)

	ctx := context.Background()
	_, err := c.Stop(ctx, FleetToken)
	require.Error(t, err, "first stop is interrupted mid-scale-down")
	require.False(t, trigger.enabled, "trigger was already disabled when the stop failed")

	state, err := c.Stop(ctx, FleetToken)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)

	require.Len(t, snaps.snaps, 1, "a resumed stop must not supersede the original snapshot")
	assert.True(t, snaps.snaps[0].IngestionEnabled)

	state, err = c.Recover(ctx, FleetToken, nil)
	require.NoError(t, err)
	assert.Equal(t, StateNormal, state)
	assert.True(t, trigger.enabled, "recovery must re-enable ingestion after a retried stop")
	assert.Equal(t, 8, scaler.desired["ocr"])
	assert.Equal(t, 4, scaler.desired["office"])
}

func TestStopPrunesBeyondRetention(t *testing.T) {
	deps, _, _, snaps := testDeps(t)
	cfg := fastFleetConfig()
	cfg.SnapshotRetain = 2
	c := NewController(cfg, deps)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Stop(ctx, FleetToken)
		require.NoError(t, err)
		_, err = c.Recover(ctx, FleetToken, nil)
		require.NoError(t, err)
	}

	assert.Len(t, snaps.snaps, 2, "retention keeps only the newest snapshots")
	latest, err := snaps.SnapshotLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ocr": 8, "office": 4}, latest.DesiredCapacities)
}

func TestRecoverRestoresSnapshot(t *testing.T) {
	deps, scaler, trigger, _ := testDeps(t)
	c := NewController(fastFleetConfig(), deps)

	_, err := c.Stop(context.Background(), FleetToken)
	require.NoError(t, err)

	state, err := c.Recover(context.Background(), FleetToken, nil)
	require.NoError(t, err)
	assert.Equal(t, StateNormal, state)

	assert.True(t, trigger.enabled)
	assert.Equal(t, 8, scaler.desired["ocr"])
	assert.Equal(t, 4, scaler.desired["office"])
}

func TestRecoverWithoutSnapshotFails(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	c := NewController(fastFleetConfig(), deps)

	_, err := c.Recover(context.Background(), FleetToken, nil)
	assert.ErrorIs(t, err, fleetdb.ErrNoSnapshot)
}

func TestRecoverReportsRecoveringWhenUnhealthy(t *testing.T) {
	deps, scaler, _, _ := testDeps(t)
	// Capacities restore but readiness never catches up.
	deps.Scaler = &capacityOnlyScaler{inner: scaler}
	c := NewController(fastFleetConfig(), deps)

	_, err := c.Stop(context.Background(), FleetToken)
	require.NoError(t, err)

	state, err := c.Recover(context.Background(), FleetToken, nil)
	require.NoError(t, err)
	assert.Equal(t, StateRecovering, state, "an unhealthy fleet must not be reported as recovered")
}

// capacityOnlyScaler applies capacity changes but reports zero ready tasks.
type capacityOnlyScaler struct {
	inner *fakeScaler
}

func (s *capacityOnlyScaler) DesiredCapacities(ctx context.Context) (map[lane.ID]int, error) {
	return s.inner.DesiredCapacities(ctx)
}

func (s *capacityOnlyScaler) ReadyCounts(context.Context) (map[lane.ID]int, error) {
	return map[lane.ID]int{}, nil
}

func (s *capacityOnlyScaler) SetDesiredCapacity(ctx context.Context, id lane.ID, count int) error {
	return s.inner.SetDesiredCapacity(ctx, id, count)
}

func TestPurgeRequiresLaneToken(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	c := NewController(fastFleetConfig(), deps)

	_, err := c.Purge(context.Background(), "fleet", "ocr")
	assert.ErrorIs(t, err, ErrConfirmation)
	_, err = c.Purge(context.Background(), "office", "ocr")
	assert.ErrorIs(t, err, ErrConfirmation)
}

func TestPurgeAuditsThenDrains(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	auditor := &fakeAuditor{}
	deps.Auditor = auditor

	target := newTestLane(t, "ocr", 5*time.Minute)
	deps.Lanes["ocr"] = target
	c := NewController(fastFleetConfig(), deps)

	ctx := context.Background()
	for _, key := range []string{"a.pdf", "b.pdf"} {
		_, err := target.Enqueue(ctx, lane.FileEvent{StorageKey: key, Extension: "pdf"}, 0)
		require.NoError(t, err)
	}

	purged, err := c.Purge(ctx, "ocr", "ocr")
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	require.Equal(t, []string{"ocr"}, auditor.lanes)
	assert.Equal(t, []int64{2}, auditor.counts)

	depths, err := target.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, lane.Depths{}, depths)
}

func TestPurgeUnknownLane(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	c := NewController(fastFleetConfig(), deps)

	_, err := c.Purge(context.Background(), "nope", "nope")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfirmation)
}

func TestDiagnoseReportsAntiPatterns(t *testing.T) {
	deps, _, _, _ := testDeps(t)
	deps.Stats = &fakeStatsSource{
		// Observed p95 on ocr exceeds its 5m lease timeout.
		p95s: map[string]time.Duration{"ocr": 7 * time.Minute, "office": time.Minute},
		dlq:  map[string]int64{"ocr": 12},
	}
	c := NewController(fastFleetConfig(), deps)

	report := c.Diagnose(context.Background())
	assert.Equal(t, StateNormal, report.State)
	assert.Empty(t, report.Problems)
	require.Len(t, report.AntiPatterns, 1)
	assert.Contains(t, report.AntiPatterns[0], "lane ocr")
	assert.Equal(t, int64(12), report.Lanes["ocr"].DeadLettersMarked)
	assert.Equal(t, 7*time.Minute, report.Lanes["ocr"].ObservedP95)
}

func TestDiagnoseIsPartialOnErrors(t *testing.T) {
	deps, scaler, _, _ := testDeps(t)
	deps.Stats = &fakeStatsSource{p95Err: errors.New("db down"), dlqErr: errors.New("db down")}
	scaler.err = errors.New("ecs unreachable")
	c := NewController(fastFleetConfig(), deps)

	report := c.Diagnose(context.Background())
	assert.Len(t, report.Lanes, 2, "queue depths still appear when stats are unavailable")
	assert.NotEmpty(t, report.Problems)
	assert.Empty(t, report.AntiPatterns)
}
