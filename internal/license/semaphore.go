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

// Package license provides the fleet-wide single-holder semaphore that
// protects license-constrained lanes. The semaphore is backed by the same
// durable store as fleet snapshots, not by in-process locking, because
// multiple worker processes may drain the same lane.
package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harborline/filelane/internal/lane"
)

// Semaphore is a single-slot claim with an expiry. A holder that stops
// renewing loses the slot after the TTL, mirroring lease expiry on the queue
// side.
type Semaphore interface {
	// Acquire attempts to claim the slot for holder until now+ttl. Returns
	// false when another live holder owns it. An error means the coordination
	// substrate is unreachable and the caller must halt, not proceed.
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// Renew pushes the expiry of an already-held slot out to now+ttl.
	Renew(ctx context.Context, holder string, ttl time.Duration) error

	// Release frees the slot if holder still owns it. Releasing a slot lost
	// to expiry is not an error.
	Release(ctx context.Context, holder string) error
}

// SlotStore is the durable storage needed by the store-backed semaphore.
// Implemented by fleetdb.Store.
type SlotStore interface {
	SlotAcquire(ctx context.Context, laneID, holder string, expiresAt time.Time) (bool, error)
	SlotRenew(ctx context.Context, laneID, holder string, expiresAt time.Time) (bool, error)
	SlotRelease(ctx context.Context, laneID, holder string) error
}

// StoreSemaphore is the durable, fleet-wide semaphore implementation.
type StoreSemaphore struct {
	store  SlotStore
	laneID lane.ID
}

var _ Semaphore = (*StoreSemaphore)(nil)

func NewStoreSemaphore(store SlotStore, laneID lane.ID) *StoreSemaphore {
	return &StoreSemaphore{store: store, laneID: laneID}
}

func (s *StoreSemaphore) Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.store.SlotAcquire(ctx, string(s.laneID), holder, time.Now().Add(ttl))
	if err != nil {
		return false, fmt.Errorf("%w: acquire license slot for lane %s: %v", lane.ErrCoordination, s.laneID, err)
	}
	return ok, nil
}

func (s *StoreSemaphore) Renew(ctx context.Context, holder string, ttl time.Duration) error {
	ok, err := s.store.SlotRenew(ctx, string(s.laneID), holder, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("%w: renew license slot for lane %s: %v", lane.ErrCoordination, s.laneID, err)
	}
	if !ok {
		return ErrSlotLost
	}
	return nil
}

func (s *StoreSemaphore) Release(ctx context.Context, holder string) error {
	if err := s.store.SlotRelease(ctx, string(s.laneID), holder); err != nil {
		return fmt.Errorf("%w: release license slot for lane %s: %v", lane.ErrCoordination, s.laneID, err)
	}
	return nil
}

// ErrSlotLost is returned by Renew when the slot expired and was taken by
// another holder. The holder must abandon its lease and let the queue
// redeliver.
var ErrSlotLost = fmt.Errorf("license slot lost to another holder")

// LocalSemaphore is an in-process implementation for single-process
// deployments and tests. It honors the same expiry semantics as the
// store-backed one.
type LocalSemaphore struct {
	mu        sync.Mutex
	holder    string
	expiresAt time.Time
}

var _ Semaphore = (*LocalSemaphore)(nil)

func NewLocalSemaphore() *LocalSemaphore {
	return &LocalSemaphore{}
}

func (s *LocalSemaphore) Acquire(_ context.Context, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.holder != "" && s.holder != holder && s.expiresAt.After(now) {
		return false, nil
	}
	s.holder = holder
	s.expiresAt = now.Add(ttl)
	return true, nil
}

func (s *LocalSemaphore) Renew(_ context.Context, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holder != holder {
		return ErrSlotLost
	}
	s.expiresAt = time.Now().Add(ttl)
	return nil
}

func (s *LocalSemaphore) Release(_ context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holder == holder {
		s.holder = ""
		s.expiresAt = time.Time{}
	}
	return nil
}
