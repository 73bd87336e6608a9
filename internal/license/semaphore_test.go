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

package license

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSemaphoreExclusivity(t *testing.T) {
	ctx := context.Background()
	sem := NewLocalSemaphore()

	ok, err := sem.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sem.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a live slot must not be handed to a second holder")

	// Re-acquire by the same holder is allowed.
	ok, err = sem.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, sem.Release(ctx, "a"))

	ok, err = sem.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalSemaphoreExpiry(t *testing.T) {
	ctx := context.Background()
	sem := NewLocalSemaphore()

	ok, err := sem.Acquire(ctx, "a", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	// The slot expired; another holder may claim it.
	ok, err = sem.Acquire(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// The original holder lost the slot and must not renew it.
	assert.ErrorIs(t, sem.Renew(ctx, "a", time.Minute), ErrSlotLost)
	require.NoError(t, sem.Renew(ctx, "b", time.Minute))
}

func TestLocalSemaphoreReleaseByNonHolderIsNoop(t *testing.T) {
	ctx := context.Background()
	sem := NewLocalSemaphore()

	ok, err := sem.Acquire(ctx, "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, sem.Release(ctx, "b"))

	ok, err = sem.Acquire(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a stale release must not free another holder's slot")
}

func TestLocalSemaphoreConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	sem := NewLocalSemaphore()

	const holders = 32
	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			<-start
			ok, err := sem.Acquire(ctx, string(rune('a'+id)), time.Minute)
			require.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load(), "exactly one holder may win the race")
}
