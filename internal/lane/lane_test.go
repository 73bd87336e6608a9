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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGuard struct {
	mu       sync.Mutex
	held     bool
	holder   string
	acquires int
	releases int
	denied   bool
	err      error
}

func (g *fakeGuard) Acquire(_ context.Context, holder string, _ time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	g.acquires++
	if g.denied || (g.held && g.holder != holder) {
		return false, nil
	}
	g.held = true
	g.holder = holder
	return true, nil
}

func (g *fakeGuard) Renew(_ context.Context, holder string, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != holder {
		return ErrLeaseNotHeld
	}
	return nil
}

func (g *fakeGuard) Release(_ context.Context, holder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases++
	if g.holder == holder {
		g.held = false
		g.holder = ""
	}
	return nil
}

func constrainedConfig() Config {
	return Config{
		ID:               "docuworks",
		Extensions:       []string{"xdw"},
		MaxConcurrency:   1,
		Ordered:          true,
		LeaseTimeout:     time.Minute,
		MaxDeliveryCount: 3,
	}
}

func TestNewGuardValidation(t *testing.T) {
	q := NewMemoryQueue(time.Minute)

	_, err := New(constrainedConfig(), q, nil)
	assert.Error(t, err, "a constrained lane without a guard must be rejected")

	plain := Config{ID: "ocr", MaxConcurrency: 4, LeaseTimeout: time.Minute}
	_, err = New(plain, q, &fakeGuard{})
	assert.Error(t, err, "an unconstrained lane must not carry a guard")

	_, err = New(plain, q, nil)
	assert.NoError(t, err)

	_, err = New(constrainedConfig(), q, &fakeGuard{})
	assert.NoError(t, err)
}

func TestConstrainedReceiveSingleLease(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)
	guard := &fakeGuard{}
	ln, err := New(constrainedConfig(), q, guard)
	require.NoError(t, err)
	require.True(t, ln.Constrained())

	for _, key := range []string{"a.xdw", "b.xdw"} {
		_, err := ln.Enqueue(ctx, FileEvent{StorageKey: key, Extension: "xdw"}, 0)
		require.NoError(t, err)
	}

	leases, err := ln.Receive(ctx, "worker-1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, leases, 1, "a constrained lane never hands out more than one lease")
	assert.Equal(t, "worker-1", leases[0].HolderID)

	// A second receive is blocked while the first lease is outstanding,
	// without touching the guard or the queue.
	acquiresBefore := guard.acquires
	leases2, err := ln.Receive(ctx, "worker-2", 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leases2)
	assert.Equal(t, acquiresBefore, guard.acquires, "an outstanding lease must block re-entry before the guard")

	// Settling releases the slot.
	require.NoError(t, ln.Delete(ctx, leases[0]))
	assert.Equal(t, 1, guard.releases)
}

func TestConstrainedReceiveReleasesOnEmptyPoll(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)
	guard := &fakeGuard{}
	ln, err := New(constrainedConfig(), q, guard)
	require.NoError(t, err)

	leases, err := ln.Receive(ctx, "worker-1", 1, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, leases)
	assert.Equal(t, 1, guard.acquires)
	assert.Equal(t, 1, guard.releases, "an empty poll must not strand the license slot")
	assert.False(t, guard.held)
}

func TestConstrainedReceiveGuardFailureHalts(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)
	guard := &fakeGuard{err: ErrCoordination}
	ln, err := New(constrainedConfig(), q, guard)
	require.NoError(t, err)

	_, err = ln.Receive(ctx, "worker-1", 1, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrCoordination)
}

func TestUnconstrainedReceiveBoundedByConcurrency(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)
	cfg := Config{ID: "ocr", MaxConcurrency: 2, LeaseTimeout: time.Minute}
	ln, err := New(cfg, q, nil)
	require.NoError(t, err)

	for _, key := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		_, err := ln.Enqueue(ctx, FileEvent{StorageKey: key, Extension: "pdf"}, 0)
		require.NoError(t, err)
	}

	leases, err := ln.Receive(ctx, "worker-1", 100, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, leases, 2)
}
