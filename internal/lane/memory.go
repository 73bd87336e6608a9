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
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same at-least-once semantics as
// the SQS implementation: leases expire, expired items are redelivered with
// deliveryCount+1, deletes require a live receipt handle. Used by tests and
// single-process local runs.
type MemoryQueue struct {
	mu           sync.Mutex
	leaseTimeout time.Duration

	visible  []*memoryItem
	inflight map[string]*memoryItem // receipt handle -> item
	dead     []WorkItem
}

type memoryItem struct {
	item      WorkItem
	receipt   string
	expiresAt time.Time
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(leaseTimeout time.Duration) *MemoryQueue {
	return &MemoryQueue{
		leaseTimeout: leaseTimeout,
		inflight:     make(map[string]*memoryItem),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item WorkItem) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	q.visible = append(q.visible, &memoryItem{item: item})
	return item.ID, nil
}

// reap returns expired in-flight items to the visible set with an incremented
// delivery count. Callers must hold q.mu.
func (q *MemoryQueue) reap(now time.Time) {
	for receipt, mi := range q.inflight {
		if mi.expiresAt.After(now) {
			continue
		}
		delete(q.inflight, receipt)
		mi.item.DeliveryCount++
		mi.receipt = ""
		q.visible = append(q.visible, mi)
	}
}

func (q *MemoryQueue) Receive(ctx context.Context, maxItems int, wait time.Duration) ([]*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		now := time.Now()
		q.reap(now)

		if len(q.visible) > 0 {
			n := maxItems
			if n > len(q.visible) {
				n = len(q.visible)
			}
			leases := make([]*Lease, 0, n)
			for _, mi := range q.visible[:n] {
				mi.receipt = uuid.NewString()
				mi.expiresAt = now.Add(q.leaseTimeout)
				if mi.item.DeliveryCount == 0 {
					mi.item.DeliveryCount = 1
				}
				q.inflight[mi.receipt] = mi
				leases = append(leases, &Lease{
					Item:          mi.item,
					ReceiptHandle: mi.receipt,
					AcquiredAt:    now,
					ExpiresAt:     mi.expiresAt,
				})
			}
			q.visible = q.visible[n:]
			q.mu.Unlock()
			return leases, nil
		}
		q.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) Delete(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[lease.ReceiptHandle]; !ok {
		return ErrLeaseNotHeld
	}
	delete(q.inflight, lease.ReceiptHandle)
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dead = append(q.dead, lease.Item)
	return nil
}

func (q *MemoryQueue) ExtendLease(_ context.Context, lease *Lease, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mi, ok := q.inflight[lease.ReceiptHandle]
	if !ok {
		return ErrLeaseNotHeld
	}
	mi.expiresAt = time.Now().Add(d)
	lease.ExpiresAt = mi.expiresAt
	return nil
}

func (q *MemoryQueue) Depths(_ context.Context) (Depths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reap(time.Now())
	return Depths{
		Visible:    len(q.visible),
		InFlight:   len(q.inflight),
		DeadLetter: len(q.dead),
	}, nil
}

func (q *MemoryQueue) Purge(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := len(q.visible) + len(q.inflight)
	q.visible = nil
	q.inflight = make(map[string]*memoryItem)
	return count, nil
}

// DeadLetters returns a copy of the dead-letter queue contents. Test helper.
func (q *MemoryQueue) DeadLetters() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]WorkItem, len(q.dead))
	copy(out, q.dead)
	return out
}
