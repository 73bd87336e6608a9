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

package lane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem(key string) WorkItem {
	return WorkItem{
		Event: FileEvent{
			StorageKey:   key,
			SizeBytes:    1024,
			Extension:    "pdf",
			DiscoveredAt: time.Now().UTC(),
		},
		Lane: "ocr",
	}
}

func TestMemoryQueueEnqueueReceiveDelete(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	id, err := q.Enqueue(ctx, testItem("docs/a.pdf"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	leases, err := q.Receive(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, id, leases[0].Item.ID)
	assert.Equal(t, 1, leases[0].Item.DeliveryCount)
	assert.Equal(t, "docs/a.pdf", leases[0].Item.Event.StorageKey)

	// In flight, invisible to a second receiver.
	more, err := q.Receive(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, more)

	require.NoError(t, q.Delete(ctx, leases[0]))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depths{}, depths)
}

func TestMemoryQueueRedeliveryIncrementsCount(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(20 * time.Millisecond)

	_, err := q.Enqueue(ctx, testItem("docs/b.pdf"))
	require.NoError(t, err)

	first, err := q.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Item.DeliveryCount)

	// Let the lease expire without settling.
	time.Sleep(40 * time.Millisecond)

	second, err := q.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Item.DeliveryCount)

	// The old receipt handle is dead.
	assert.ErrorIs(t, q.Delete(ctx, first[0]), ErrLeaseNotHeld)

	require.NoError(t, q.Delete(ctx, second[0]))
}

func TestMemoryQueueExtendLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(30 * time.Millisecond)

	_, err := q.Enqueue(ctx, testItem("docs/c.pdf"))
	require.NoError(t, err)

	leases, err := q.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	require.NoError(t, q.ExtendLease(ctx, leases[0], time.Minute))
	time.Sleep(50 * time.Millisecond)

	// Past the original window but inside the extension: still held.
	require.NoError(t, q.Delete(ctx, leases[0]))
}

func TestMemoryQueueDeadLetterDoesNotDelete(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	_, err := q.Enqueue(ctx, testItem("docs/d.pdf"))
	require.NoError(t, err)

	leases, err := q.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	require.NoError(t, q.DeadLetter(ctx, leases[0]))

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depths.DeadLetter)
	assert.Equal(t, 1, depths.InFlight, "dead-letter alone must not remove the source item")

	require.NoError(t, q.Delete(ctx, leases[0]))
	assert.Len(t, q.DeadLetters(), 1)
}

func TestMemoryQueuePurge(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	for _, key := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, testItem(key))
		require.NoError(t, err)
	}
	leases, err := q.Receive(ctx, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	purged, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, purged)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depths{}, depths)
}
