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
	"errors"
	"time"
)

// ID names a processing lane. Lane IDs are static configuration, never
// derived from message content.
type ID string

const (
	// LaneGeneric is the fallback lane for unrecognized extensions.
	LaneGeneric ID = "generic"
)

// FileEvent describes a newly discovered object in the store. It is created
// by the ingestion trigger and never mutated afterwards.
type FileEvent struct {
	StorageKey   string    `json:"storage_key"`
	SizeBytes    uint64    `json:"size_bytes"`
	Extension    string    `json:"extension"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// WorkItem is a FileEvent bound to a lane, owned by the lane's queue until a
// worker holds a lease on it. DeliveryCount counts deliveries including the
// current one; the queue increments it on every redelivery.
type WorkItem struct {
	ID            string    `json:"id"`
	Event         FileEvent `json:"event"`
	Lane          ID        `json:"lane"`
	Priority      int       `json:"priority"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	DeliveryCount int       `json:"-"`
}

// Lease is a time-bounded exclusive claim on a WorkItem. The receipt handle
// is the queue's token for delete/extend operations and is only valid for
// this delivery.
type Lease struct {
	Item          WorkItem
	ReceiptHandle string
	HolderID      string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
}

// Remaining reports how much of the lease window is left at time now.
func (l *Lease) Remaining(now time.Time) time.Duration {
	return l.ExpiresAt.Sub(now)
}

// Config is the static policy for one lane.
type Config struct {
	ID               ID            `mapstructure:"id" yaml:"id"`
	Extensions       []string      `mapstructure:"extensions" yaml:"extensions"`
	MaxConcurrency   int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	Ordered          bool          `mapstructure:"ordered" yaml:"ordered"`
	LeaseTimeout     time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"`
	MaxDeliveryCount int           `mapstructure:"max_delivery_count" yaml:"max_delivery_count"`
	QueueURL         string        `mapstructure:"queue_url" yaml:"queue_url"`
	DeadLetterURL    string        `mapstructure:"dead_letter_url" yaml:"dead_letter_url"`
}

// Depths is a point-in-time reading of a lane's queue state, used by
// diagnostics only.
type Depths struct {
	Visible    int
	InFlight   int
	DeadLetter int
}

var (
	// ErrLeaseNotHeld is returned for delete/extend calls against a lease the
	// queue no longer recognizes, typically because it already expired and the
	// item was redelivered elsewhere.
	ErrLeaseNotHeld = errors.New("lease not held")

	// ErrCoordination indicates the coordination substrate (license semaphore
	// or snapshot store) is unreachable. Callers must halt rather than proceed
	// without the guarantee it provides.
	ErrCoordination = errors.New("coordination substrate unavailable")
)

// Queue is the durable at-least-once queue behind a lane, paired with its
// dead-letter queue. Ambiguous results (timeout with unknown server-side
// effect) are reported as errors; callers assume "not applied" and retry.
type Queue interface {
	// Enqueue makes the item durable. The returned ID is queue-assigned.
	Enqueue(ctx context.Context, item WorkItem) (string, error)

	// Receive long-polls up to wait and returns zero or more leases. Received
	// items are invisible to other receivers until the lease expires or is
	// settled with Delete/DeadLetter.
	Receive(ctx context.Context, maxItems int, wait time.Duration) ([]*Lease, error)

	// Delete removes the item from the source queue. Required after success
	// and after DeadLetter.
	Delete(ctx context.Context, lease *Lease) error

	// DeadLetter copies the item to the dead-letter queue. It does not remove
	// the item from the source queue; callers must Delete afterwards.
	DeadLetter(ctx context.Context, lease *Lease) error

	// ExtendLease pushes the lease expiry out by d from now.
	ExtendLease(ctx context.Context, lease *Lease, d time.Duration) error

	// Depths reports approximate queue depths for diagnostics.
	Depths(ctx context.Context) (Depths, error)

	// Purge drains the source queue, returning the approximate number of
	// messages discarded. Destructive and irreversible.
	Purge(ctx context.Context) (int, error)
}
