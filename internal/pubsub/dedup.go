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

package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Deduplicator drops repeat notifications for the same object within a TTL
// window. Store notifications are at-least-once, so multipart uploads and
// retried deliveries produce the same event more than once. The window is
// in-process only: a duplicate surviving a restart is re-enqueued, which the
// at-least-once lane contract already tolerates.
type Deduplicator struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewDeduplicator(ttl time.Duration) *Deduplicator {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](ttl),
	)
	go cache.Start()
	return &Deduplicator{cache: cache}
}

// Seen reports whether key has been recorded within the window. It does not
// record; call Record only after the event is durably enqueued, so a failed
// enqueue is retried on the next delivery.
func (d *Deduplicator) Seen(ctx context.Context, key string) bool {
	if d.cache.Has(key) {
		slog.Debug("Duplicate notification detected, skipping",
			slog.String("key", key))
		eventsDuplicate.Add(ctx, 1)
		return true
	}
	return false
}

// Record marks key as seen for the TTL window.
func (d *Deduplicator) Record(key string) {
	d.cache.Set(key, struct{}{}, ttlcache.DefaultTTL)
}

// Stop shuts down the cache's expiry loop.
func (d *Deduplicator) Stop() {
	d.cache.Stop()
}

// DedupKey builds the window key for an object. Size is part of the key so a
// re-uploaded object with new content is processed again.
func DedupKey(storageKey string, sizeBytes uint64) string {
	return fmt.Sprintf("%s:%d", storageKey, sizeBytes)
}
