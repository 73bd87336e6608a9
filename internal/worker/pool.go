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

// Package worker drains one lane with a bounded pool of goroutines, applying
// the per-message lifecycle: extend the lease while processing, delete after
// success, abandon for redelivery on retriable failure, dead-letter then
// delete on terminal failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/harborline/filelane/internal/idgen"
	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/processor"
)

var (
	meter = otel.Meter("github.com/harborline/filelane/internal/worker")

	itemsProcessed  metric.Int64Counter
	itemsFailed     metric.Int64Counter
	processDuration metric.Float64Histogram
)

func init() {
	var err error
	itemsProcessed, err = meter.Int64Counter("filelane.worker.processed",
		metric.WithDescription("Work items settled successfully per lane"))
	if err != nil {
		panic(fmt.Errorf("failed to create worker.processed counter: %w", err))
	}
	itemsFailed, err = meter.Int64Counter("filelane.worker.failed",
		metric.WithDescription("Work item failures per lane and kind"))
	if err != nil {
		panic(fmt.Errorf("failed to create worker.failed counter: %w", err))
	}
	processDuration, err = meter.Float64Histogram("filelane.worker.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Seconds spent processing one work item"))
	if err != nil {
		panic(fmt.Errorf("failed to create worker.duration histogram: %w", err))
	}
}

// DeadLetterMarker is the durable record that makes dead-letter-then-delete
// idempotent across crashes. Implemented by fleetdb.Store.
type DeadLetterMarker interface {
	// AlreadyDeadLettered reports whether the item was dead-lettered by an
	// earlier delivery that crashed before completing the source delete.
	AlreadyDeadLettered(ctx context.Context, laneID, itemID string) (bool, error)

	// MarkDeadLettered records that the item's dead-letter copy exists.
	MarkDeadLettered(ctx context.Context, laneID, itemID string, deliveryCount int) error
}

// StatsRecorder persists observed processing durations for diagnostics.
// Implemented by fleetdb.Store. Optional: recording is best-effort and never
// blocks settlement.
type StatsRecorder interface {
	ProcessingStatInsert(ctx context.Context, laneID string, duration time.Duration, succeeded bool) error
}

// Pool drains one lane. Concurrency is bounded by the lane's policy; the
// license-constrained lane is bounded fleet-wide by the lane's guard, not
// just here.
type Pool struct {
	lane   *lane.Lane
	proc   processor.Processor
	marker DeadLetterMarker
	stats  StatsRecorder
	ll     *slog.Logger

	holderID          string
	receiveWait       time.Duration
	drainGrace        time.Duration
	heartbeatInterval time.Duration
	receiveBackoff    time.Duration
}

type Option func(*Pool)

// WithReceiveWait sets the long-poll wait per receive call.
func WithReceiveWait(d time.Duration) Option {
	return func(p *Pool) { p.receiveWait = d }
}

// WithDrainGrace bounds how long shutdown waits for in-flight work before
// abandoning the remaining leases to expiry.
func WithDrainGrace(d time.Duration) Option {
	return func(p *Pool) { p.drainGrace = d }
}

// WithHeartbeatInterval overrides the lease-extension cadence. The default is
// a third of the lane's lease timeout.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Pool) { p.heartbeatInterval = d }
}

func WithLogger(ll *slog.Logger) Option {
	return func(p *Pool) { p.ll = ll }
}

// WithStatsRecorder enables persisted per-item duration observations.
func WithStatsRecorder(sr StatsRecorder) Option {
	return func(p *Pool) { p.stats = sr }
}

func NewPool(ln *lane.Lane, proc processor.Processor, marker DeadLetterMarker, opts ...Option) *Pool {
	hostname, _ := os.Hostname()
	p := &Pool{
		lane:              ln,
		proc:              proc,
		marker:            marker,
		ll:                slog.Default(),
		holderID:          fmt.Sprintf("%s-%d", hostname, idgen.DefaultFlakeGenerator.NextID()),
		receiveWait:       20 * time.Second,
		drainGrace:        30 * time.Second,
		heartbeatInterval: ln.Config().LeaseTimeout / 3,
		receiveBackoff:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ll = p.ll.With(
		slog.String("lane", string(ln.ID())),
		slog.String("holderID", p.holderID))
	return p
}

// HolderID identifies this pool as a lease holder.
func (p *Pool) HolderID() string { return p.holderID }

// Run receives and processes until ctx is cancelled, then drains. It returns
// a non-nil error only for coordination failures, which must halt the lane
// rather than continue without the guarantee.
func (p *Pool) Run(ctx context.Context) error {
	cfg := p.lane.Config()
	sem := make(chan struct{}, cfg.MaxConcurrency)
	var wg sync.WaitGroup

	p.ll.Info("Worker pool starting",
		slog.Int("maxConcurrency", cfg.MaxConcurrency),
		slog.Bool("constrained", p.lane.Constrained()))

	var runErr error
	for {
		select {
		case <-ctx.Done():
			goto drain
		default:
		}

		// Take concurrency slots before polling and ask for no more items
		// than the slots taken: a lease received with every worker busy
		// would age unheartbeated behind the sem, and on the constrained
		// lane it would be a second concurrent lease.
		select {
		case <-ctx.Done():
			goto drain
		case sem <- struct{}{}:
		}
		slots := 1
		for slots < cfg.MaxConcurrency {
			select {
			case sem <- struct{}{}:
				slots++
				continue
			default:
			}
			break
		}

		leases, err := p.lane.Receive(ctx, p.holderID, slots, p.receiveWait)
		if err != nil {
			for i := 0; i < slots; i++ {
				<-sem
			}
			if ctx.Err() != nil {
				goto drain
			}
			if errors.Is(err, lane.ErrCoordination) {
				// Without the semaphore guarantee we must not keep receiving.
				p.ll.Error("Coordination failure, halting lane workers", slog.Any("error", err))
				runErr = err
				goto drain
			}
			p.ll.Error("Failed to receive, backing off", slog.Any("error", err))
			select {
			case <-ctx.Done():
				goto drain
			case <-time.After(p.receiveBackoff):
			}
			continue
		}

		for i := len(leases); i < slots; i++ {
			<-sem
		}
		for _, ls := range leases {
			wg.Add(1)
			go func(ls *lane.Lease) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := p.handleLease(ctx, ls); err != nil {
					p.ll.Error("Lease handling hit coordination failure", slog.Any("error", err))
				}
			}(ls)
		}
	}

drain:
	p.ll.Info("Worker pool draining", slog.Duration("grace", p.drainGrace))
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.ll.Info("Worker pool drained")
	case <-time.After(p.drainGrace):
		// Abandoned leases expire and redeliver, which is safe.
		p.ll.Warn("Drain grace elapsed, abandoning in-flight leases")
	}
	return runErr
}
