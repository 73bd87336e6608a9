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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/license"
	"github.com/harborline/filelane/internal/logctx"
	"github.com/harborline/filelane/internal/processor"
)

// deleteAttempts bounds the retry loop on the success-path delete. The
// delete must land before the worker returns; leaving it uncommitted after
// successful processing is the redelivery-loop failure mode this design
// exists to prevent.
const (
	deleteAttempts   = 5
	deleteRetryPause = 2 * time.Second
)

// handleLease walks one delivery through the lifecycle:
//
//	RECEIVED -> PROCESSING -> SUCCEEDED          delete from source queue
//	                       -> FAILED_RETRIABLE   abandon; queue redelivers
//	                       -> FAILED_TERMINAL    dead-letter, then delete
//
// The returned error is non-nil only for coordination failures.
func (p *Pool) handleLease(ctx context.Context, ls *lane.Lease) error {
	item := ls.Item
	ll := p.ll.With(
		slog.String("itemID", item.ID),
		slog.String("storageKey", item.Event.StorageKey),
		slog.Int("deliveryCount", item.DeliveryCount))

	// A delivery of an item whose dead-letter copy already exists means a
	// previous worker crashed between dead-letter and delete. Finish the
	// delete, nothing else.
	marked, err := p.marker.AlreadyDeadLettered(ctx, string(item.Lane), item.ID)
	if err != nil {
		return fmt.Errorf("%w: dead-letter marker lookup: %v", lane.ErrCoordination, err)
	}
	if marked {
		ll.Warn("Item already dead-lettered by a previous delivery, completing delete")
		p.deleteOrAbandon(ctx, ls, ll)
		return nil
	}

	// Lease heartbeat: keep extending the window while processing runs. If
	// an extension fails because the lease or license slot is gone, abort
	// processing; the redelivery is treated as a crash, not a bug.
	procCtx, cancelProc := context.WithCancel(logctx.WithLogger(ctx, ll))
	defer cancelProc()
	stopHeartbeat := p.startHeartbeat(procCtx, cancelProc, ls, ll)

	start := time.Now()
	artifact, outcome, procErr := p.proc.Process(procCtx, item.Event)
	stopHeartbeat()

	elapsed := time.Since(start)
	processDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("lane", string(item.Lane)),
		attribute.String("outcome", outcome.String())))
	p.recordStat(ctx, item.Lane, elapsed, procErr == nil && outcome == processor.OutcomeSuccess)

	switch {
	case procErr == nil && outcome == processor.OutcomeSuccess:
		return p.settleSuccess(ctx, ls, artifact, ll)

	case outcome == processor.OutcomeTerminal:
		ll.Warn("Terminal processing failure, dead-lettering", slog.Any("error", procErr))
		return p.settleTerminal(ctx, ls, ll)

	case item.DeliveryCount >= p.lane.Config().MaxDeliveryCount:
		ll.Warn("Delivery budget exhausted, dead-lettering",
			slog.Int("maxDeliveryCount", p.lane.Config().MaxDeliveryCount),
			slog.Any("error", procErr))
		return p.settleTerminal(ctx, ls, ll)

	default:
		// FAILED_RETRIABLE: no delete, no manual backoff. The queue's own
		// redelivery cadence is the retry mechanism at this layer.
		itemsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("lane", string(item.Lane)),
			attribute.String("kind", "retriable")))
		ll.Info("Retriable failure, leaving lease to expire", slog.Any("error", procErr))
		p.lane.Abandon(ctx, ls)
		return nil
	}
}

// settleSuccess commits the single most important invariant: the item is
// removed from the source queue before control returns.
func (p *Pool) settleSuccess(ctx context.Context, ls *lane.Lease, artifact *processor.Artifact, ll *slog.Logger) error {
	if err := p.deleteWithRetry(ctx, ls); err != nil {
		// The work itself succeeded; the redelivery this causes is wasteful
		// but correct, because downstream effects are idempotent.
		ll.Error("Failed to delete after successful processing, item will redeliver",
			slog.Any("error", err))
		itemsFailed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("lane", string(ls.Item.Lane)),
			attribute.String("kind", "delete_failed")))
		return nil
	}

	attrs := []attribute.KeyValue{attribute.String("lane", string(ls.Item.Lane))}
	itemsProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
	if artifact != nil {
		ll.Info("Item processed",
			slog.String("artifactKey", artifact.Key),
			slog.Int64("artifactBytes", artifact.SizeBytes))
	} else {
		ll.Info("Item processed")
	}
	return nil
}

// settleTerminal dead-letters and then deletes, in that order. The marker
// between the two makes the pair idempotent: a crash after marking is
// finished by the next delivery with only a delete.
func (p *Pool) settleTerminal(ctx context.Context, ls *lane.Lease, ll *slog.Logger) error {
	item := ls.Item

	if err := p.lane.DeadLetter(ctx, ls); err != nil {
		// No marker yet, so abandoning here is safe: the redelivery retries
		// the whole terminal settlement.
		ll.Error("Failed to dead-letter, abandoning for redelivery", slog.Any("error", err))
		p.lane.Abandon(ctx, ls)
		return nil
	}

	if err := p.marker.MarkDeadLettered(ctx, string(item.Lane), item.ID, item.DeliveryCount); err != nil {
		return fmt.Errorf("%w: record dead-letter marker: %v", lane.ErrCoordination, err)
	}

	itemsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("lane", string(item.Lane)),
		attribute.String("kind", "terminal")))

	p.deleteOrAbandon(ctx, ls, ll)
	return nil
}

// recordStat is best-effort; a diagnostics gap never affects settlement.
func (p *Pool) recordStat(ctx context.Context, id lane.ID, elapsed time.Duration, succeeded bool) {
	if p.stats == nil {
		return
	}
	statCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.stats.ProcessingStatInsert(statCtx, string(id), elapsed, succeeded); err != nil {
		p.ll.Debug("Failed to record processing stat", slog.Any("error", err))
	}
}

func (p *Pool) deleteOrAbandon(ctx context.Context, ls *lane.Lease, ll *slog.Logger) {
	if err := p.deleteWithRetry(ctx, ls); err != nil {
		ll.Error("Failed to delete dead-lettered item, marker will finish it on redelivery",
			slog.Any("error", err))
	}
}

func (p *Pool) deleteWithRetry(ctx context.Context, ls *lane.Lease) error {
	var lastErr error
	for attempt := 1; attempt <= deleteAttempts; attempt++ {
		// Deletes run on a fresh context so shutdown cannot strand a
		// completed item in the queue.
		deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		err := p.lane.Delete(deleteCtx, ls)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, lane.ErrLeaseNotHeld) {
			// The lease expired under us; the item was or will be redelivered.
			return err
		}
		lastErr = err
		time.Sleep(deleteRetryPause)
	}
	return lastErr
}

// startHeartbeat extends the lease on a fixed cadence until stopped. A
// failed extension cancels processing: continuing past the lease window
// would let a second worker process the same item concurrently.
func (p *Pool) startHeartbeat(ctx context.Context, cancelProc context.CancelFunc, ls *lane.Lease, ll *slog.Logger) func() {
	hbCtx, stop := context.WithCancel(ctx)
	leaseTimeout := p.lane.Config().LeaseTimeout

	go func() {
		ticker := time.NewTicker(p.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.lane.ExtendLease(hbCtx, ls, leaseTimeout); err != nil {
					if hbCtx.Err() != nil {
						return
					}
					switch {
					case errors.Is(err, lane.ErrLeaseNotHeld), errors.Is(err, license.ErrSlotLost):
						ll.Warn("Lease lost during processing, aborting", slog.Any("error", err))
						cancelProc()
						return
					default:
						// Transient extension failure: keep trying, there may
						// be ticks left before the window closes.
						ll.Warn("Failed to extend lease, will retry", slog.Any("error", err))
					}
				}
			}
		}
	}()
	return stop
}
