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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/harborline/filelane/internal/lane")

	itemsEnqueued   metric.Int64Counter
	itemsReceived   metric.Int64Counter
	itemsDeadLetter metric.Int64Counter
)

func init() {
	var err error
	itemsEnqueued, err = meter.Int64Counter("filelane.lane.enqueued",
		metric.WithDescription("Work items enqueued per lane"))
	if err != nil {
		panic(fmt.Errorf("failed to create lane.enqueued counter: %w", err))
	}
	itemsReceived, err = meter.Int64Counter("filelane.lane.received",
		metric.WithDescription("Work item deliveries per lane"))
	if err != nil {
		panic(fmt.Errorf("failed to create lane.received counter: %w", err))
	}
	itemsDeadLetter, err = meter.Int64Counter("filelane.lane.dead_lettered",
		metric.WithDescription("Work items moved to the dead-letter queue per lane"))
	if err != nil {
		panic(fmt.Errorf("failed to create lane.dead_lettered counter: %w", err))
	}
}

// SingleLeaseGuard is the fleet-wide semaphore applied to license-constrained
// lanes. Satisfied by license.Semaphore.
type SingleLeaseGuard interface {
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, holder string, ttl time.Duration) error
	Release(ctx context.Context, holder string) error
}

// slotSkew pads the guard slot expiry past the queue lease expiry, so the
// slot can never free before the queue redelivers the item it protects.
const slotSkew = 15 * time.Second

// Lane pairs a queue with its concurrency policy. For a lane configured
// ordered with max concurrency 1, every Receive goes through the
// SingleLeaseGuard, so at most one lease exists across all worker processes.
type Lane struct {
	cfg   Config
	queue Queue
	guard SingleLeaseGuard

	// Local claim tracking the outstanding lease under the guard slot. The
	// store slot is re-entrant for its own holder (so renewal survives
	// expiry races), which means the slot alone cannot stop this process
	// from leasing a second item while the first is still live. The claim
	// can: Receive fails it until the outstanding lease settles or the
	// claim expires in step with the store slot.
	mu          sync.Mutex
	claimHeld   bool
	claimExpiry time.Time
}

// New builds a Lane. guard must be non-nil exactly when the lane is
// license-constrained (ordered with max concurrency 1).
func New(cfg Config, q Queue, guard SingleLeaseGuard) (*Lane, error) {
	if cfg.MaxDeliveryCount <= 0 {
		cfg.MaxDeliveryCount = 3
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if constrained(cfg) && guard == nil {
		return nil, fmt.Errorf("lane %s is license-constrained and requires a lease guard", cfg.ID)
	}
	if !constrained(cfg) && guard != nil {
		return nil, fmt.Errorf("lane %s is not license-constrained but was given a lease guard", cfg.ID)
	}
	return &Lane{cfg: cfg, queue: q, guard: guard}, nil
}

func constrained(cfg Config) bool {
	return cfg.Ordered && cfg.MaxConcurrency == 1
}

func (l *Lane) ID() ID         { return l.cfg.ID }
func (l *Lane) Config() Config { return l.cfg }

// Constrained reports whether this lane carries the fleet-wide single-lease
// guarantee.
func (l *Lane) Constrained() bool { return l.guard != nil }

// Enqueue makes ev durable on this lane's queue.
func (l *Lane) Enqueue(ctx context.Context, ev FileEvent, priority int) (string, error) {
	item := WorkItem{
		Event:      ev,
		Lane:       l.cfg.ID,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}
	id, err := l.queue.Enqueue(ctx, item)
	if err != nil {
		return "", fmt.Errorf("enqueue to lane %s: %w", l.cfg.ID, err)
	}
	itemsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", string(l.cfg.ID))))
	return id, nil
}

// Receive long-polls the lane's queue for up to wait. holder identifies the
// receiving worker and becomes the lease holder. For a constrained lane the
// guard slot is claimed before the queue is touched and released again if the
// poll comes back empty; while a lease handed out earlier is still
// outstanding, Receive returns empty rather than re-entering the slot. The
// slot TTL always covers the lease window plus skew, so an abandoned lease
// and its slot expire together.
func (l *Lane) Receive(ctx context.Context, holder string, maxItems int, wait time.Duration) ([]*Lease, error) {
	if maxItems <= 0 || maxItems > l.cfg.MaxConcurrency {
		maxItems = l.cfg.MaxConcurrency
	}

	if l.guard != nil {
		if !l.claimLocal(l.cfg.LeaseTimeout + slotSkew) {
			// A lease from this process is still outstanding. Wait out the
			// poll window so callers do not spin.
			return nil, waitOut(ctx, wait)
		}
		ok, err := l.guard.Acquire(ctx, holder, l.cfg.LeaseTimeout+slotSkew)
		if err != nil {
			l.releaseLocal()
			return nil, err
		}
		if !ok {
			// Another process holds the license. Not an error.
			l.releaseLocal()
			return nil, waitOut(ctx, wait)
		}
		maxItems = 1
	}

	leases, err := l.queue.Receive(ctx, maxItems, wait)
	if err != nil {
		if l.guard != nil {
			l.releaseGuard(ctx, holder)
		}
		return nil, fmt.Errorf("receive from lane %s: %w", l.cfg.ID, err)
	}
	if len(leases) == 0 {
		if l.guard != nil {
			l.releaseGuard(ctx, holder)
		}
		return nil, nil
	}

	for _, lease := range leases {
		lease.HolderID = holder
	}
	itemsReceived.Add(ctx, int64(len(leases)),
		metric.WithAttributes(attribute.String("lane", string(l.cfg.ID))))
	return leases, nil
}

// Delete settles the lease successfully: the item is removed from the source
// queue and, for a constrained lane, the license slot is freed.
func (l *Lane) Delete(ctx context.Context, lease *Lease) error {
	if err := l.queue.Delete(ctx, lease); err != nil {
		return fmt.Errorf("delete from lane %s: %w", l.cfg.ID, err)
	}
	if l.guard != nil {
		l.releaseGuard(ctx, lease.HolderID)
	}
	return nil
}

// DeadLetter copies the item to the dead-letter queue. Callers must follow
// with Delete; the pair is made idempotent by the worker's dead-letter marker
// so a crash between the two only repeats the Delete.
func (l *Lane) DeadLetter(ctx context.Context, lease *Lease) error {
	if err := l.queue.DeadLetter(ctx, lease); err != nil {
		return fmt.Errorf("dead-letter from lane %s: %w", l.cfg.ID, err)
	}
	itemsDeadLetter.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", string(l.cfg.ID))))
	return nil
}

// ExtendLease pushes the lease window out by d and renews the license slot to
// match it.
func (l *Lane) ExtendLease(ctx context.Context, lease *Lease, d time.Duration) error {
	if err := l.queue.ExtendLease(ctx, lease, d); err != nil {
		return fmt.Errorf("extend lease on lane %s: %w", l.cfg.ID, err)
	}
	if l.guard != nil {
		if err := l.guard.Renew(ctx, lease.HolderID, d+slotSkew); err != nil {
			return err
		}
		l.renewLocal(d + slotSkew)
	}
	return nil
}

// Abandon gives up a lease without settling it. The queue redelivers the item
// after the lease expires with deliveryCount+1; the guard slot and the local
// claim are left to expire on their own so the exclusivity window outlives
// the lease.
func (l *Lane) Abandon(_ context.Context, lease *Lease) {
	slog.Debug("Abandoning lease for redelivery",
		slog.String("lane", string(l.cfg.ID)),
		slog.String("itemID", lease.Item.ID),
		slog.Int("deliveryCount", lease.Item.DeliveryCount))
}

// Depths reports approximate queue depths for diagnostics.
func (l *Lane) Depths(ctx context.Context) (Depths, error) {
	return l.queue.Depths(ctx)
}

// Purge drains the source queue. Destructive; gated by the fleet controller.
func (l *Lane) Purge(ctx context.Context) (int, error) {
	return l.queue.Purge(ctx)
}

func (l *Lane) releaseGuard(ctx context.Context, holder string) {
	l.releaseLocal()
	if err := l.guard.Release(ctx, holder); err != nil {
		// The slot will expire on its own; log and move on.
		slog.Warn("Failed to release license slot, waiting for expiry",
			slog.String("lane", string(l.cfg.ID)),
			slog.Any("error", err))
	}
}

// claimLocal takes the in-process side of the guard slot. It fails while a
// lease from this process is outstanding; the expiry mirrors the store slot
// TTL so an abandoned lease frees both at the same moment.
func (l *Lane) claimLocal(ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimHeld && time.Now().Before(l.claimExpiry) {
		return false
	}
	l.claimHeld = true
	l.claimExpiry = time.Now().Add(ttl)
	return true
}

func (l *Lane) renewLocal(ttl time.Duration) {
	l.mu.Lock()
	l.claimExpiry = time.Now().Add(ttl)
	l.mu.Unlock()
}

func (l *Lane) releaseLocal() {
	l.mu.Lock()
	l.claimHeld = false
	l.mu.Unlock()
}

func waitOut(ctx context.Context, wait time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
