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

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/processor"
)

type fakeMarker struct {
	mu     sync.Mutex
	marked map[string]int
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{marked: make(map[string]int)}
}

func (m *fakeMarker) AlreadyDeadLettered(_ context.Context, laneID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[laneID+"/"+itemID]
	return ok, nil
}

func (m *fakeMarker) MarkDeadLettered(_ context.Context, laneID, itemID string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[laneID+"/"+itemID]++
	return nil
}

func (m *fakeMarker) markCount(laneID, itemID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marked[laneID+"/"+itemID]
}

type fakeStats struct {
	mu      sync.Mutex
	inserts int
}

func (s *fakeStats) ProcessingStatInsert(context.Context, string, time.Duration, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	return nil
}

func testPool(t *testing.T, q *lane.MemoryQueue, leaseTimeout time.Duration, maxDeliveries int, proc processor.Processor, marker DeadLetterMarker, opts ...Option) (*Pool, *lane.Lane) {
	t.Helper()
	cfg := lane.Config{
		ID:               "ocr",
		MaxConcurrency:   1,
		LeaseTimeout:     leaseTimeout,
		MaxDeliveryCount: maxDeliveries,
	}
	ln, err := lane.New(cfg, q, nil)
	require.NoError(t, err)

	opts = append([]Option{WithHeartbeatInterval(time.Hour)}, opts...)
	return NewPool(ln, proc, marker, opts...), ln
}

func receiveOne(t *testing.T, ln *lane.Lane, holder string) *lane.Lease {
	t.Helper()
	leases, err := ln.Receive(context.Background(), holder, 1, 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	return leases[0]
}

func TestHandleLeaseSuccessDeletes(t *testing.T) {
	ctx := context.Background()
	q := lane.NewMemoryQueue(time.Minute)
	stats := &fakeStats{}

	proc := processor.Func(func(_ context.Context, ev lane.FileEvent) (*processor.Artifact, processor.Outcome, error) {
		return &processor.Artifact{Key: "artifacts/" + ev.StorageKey, SizeBytes: 10}, processor.OutcomeSuccess, nil
	})
	pool, ln := testPool(t, q, time.Minute, 3, proc, newFakeMarker(), WithStatsRecorder(stats))

	_, err := ln.Enqueue(ctx, lane.FileEvent{StorageKey: "a.pdf", Extension: "pdf"}, 0)
	require.NoError(t, err)

	require.NoError(t, pool.handleLease(ctx, receiveOne(t, ln, pool.HolderID())))

	depths, err := ln.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, lane.Depths{}, depths)
	assert.Equal(t, 1, stats.inserts)
}

func TestHandleLeaseTerminalDeadLettersOnce(t *testing.T) {
	ctx := context.Background()
	q := lane.NewMemoryQueue(time.Minute)
	marker := newFakeMarker()

	proc := processor.Func(func(context.Context, lane.FileEvent) (*processor.Artifact, processor.Outcome, error) {
		return nil, processor.OutcomeTerminal, errors.New("corrupt file")
	})
	pool, ln := testPool(t, q, time.Minute, 3, proc, marker)

	id, err := ln.Enqueue(ctx, lane.FileEvent{StorageKey: "bad.pdf", Extension: "pdf"}, 0)
	require.NoError(t, err)

	require.NoError(t, pool.handleLease(ctx, receiveOne(t, ln, pool.HolderID())))

	depths, err := ln.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, lane.Depths{DeadLetter: 1}, depths, "terminal failure moves the item to the DLQ and deletes the source")
	assert.Equal(t, 1, marker.markCount("ocr", id))
}

func TestHandleLeaseRetriableLeavesForRedelivery(t *testing.T) {
	ctx := context.Background()
	q := lane.NewMemoryQueue(30 * time.Millisecond)

	var procCalls int
	proc := processor.Func(func(context.Context, lane.FileEvent) (*processor.Artifact, processor.Outcome, error) {
		procCalls++
		return nil, processor.OutcomeRetriable, errors.New("downstream busy")
	})
	pool, ln := testPool(t, q, 30*time.Millisecond, 3, proc, newFakeMarker())

	_, err := ln.Enqueue(ctx, lane.FileEvent{StorageKey: "busy.pdf", Extension: "pdf"}, 0)
	require.NoError(t, err)

	require.NoError(t, pool.handleLease(ctx, receiveOne(t, ln, pool.HolderID())))
	assert.Equal(t, 1, procCalls)

	// No delete happened, so the item comes back after the lease expires.
	time.Sleep(50 * time.Millisecond)
	lease := receiveOne(t, ln, pool.HolderID())
	assert.Equal(t, 2, lease.Item.DeliveryCount)
}

func TestHandleLeaseDeliveryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	q := lane.NewMemoryQueue(30 * time.Millisecond)
	marker := newFakeMarker()

	proc := processor.Func(func(context.Context, lane.FileEvent) (*processor.Artifact, processor.Outcome, error) {
		return nil, processor.OutcomeRetriable, errors.New("always busy")
	})
	pool, ln := testPool(t, q, 30*time.Millisecond, 2, proc, marker)

	id, err := ln.Enqueue(ctx, lane.FileEvent{StorageKey: "stuck.pdf", Extension: "pdf"}, 0)
	require.NoError(t, err)

	// Delivery 1: retriable, under budget, abandoned.
	require.NoError(t, pool.handleLease(ctx, receiveOne(t, ln, pool.HolderID())))
	time.Sleep(50 * time.Millisecond)

	// Delivery 2: budget reached, dead-lettered despite the retriable outcome.
	lease := receiveOne(t, ln, pool.HolderID())
	require.Equal(t, 2, lease.Item.DeliveryCount)
	require.NoError(t, pool.handleLease(ctx, lease))

	depths, err := ln.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, lane.Depths{DeadLetter: 1}, depths)
	assert.Equal(t, 1, marker.markCount("ocr", id))
	assert.Len(t, q.DeadLetters(), 1, "the delivery budget caps dead-letter copies at one")
}

func TestHandleLeaseMarkedItemOnlyDeletes(t *testing.T) {
	ctx := context.Background()
	q := lane.NewMemoryQueue(time.Minute)
	marker := newFakeMarker()

	var procCalls int
	proc := processor.Func(func(context.Context, lane.FileEvent) (*processor.Artifact, processor.Outcome, error) {
		procCalls++
		return nil, processor.OutcomeSuccess, nil
	})
	pool, ln := testPool(t, q, time.Minute, 3, proc, marker)

	id, err := ln.Enqueue(ctx, lane.FileEvent{StorageKey: "crashed.pdf", Extension: "pdf"}, 0)
	require.NoError(t, err)

	// Simulate a previous worker that dead-lettered and crashed before the
	// source delete.
	require.NoError(t, marker.MarkDeadLettered(ctx, "ocr", id, 3))

	require.NoError(t, pool.handleLease(ctx, receiveOne(t, ln, pool.HolderID())))

	assert.Zero(t, procCalls, "a marked item must not be processed again")
	assert.Equal(t, 1, marker.markCount("ocr", id), "no second dead-letter copy")

	depths, err := ln.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, lane.Depths{}, depths)
}
