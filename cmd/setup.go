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

package cmd

import (
	"context"
	"fmt"

	"github.com/harborline/filelane/config"
	"github.com/harborline/filelane/fleetdb"
	"github.com/harborline/filelane/internal/awsclient"
	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/license"
)

// buildLanes constructs every configured lane against its SQS queue pair.
// License-constrained lanes get a store-backed semaphore, so the store is
// required whenever one is configured.
func buildLanes(ctx context.Context, cfg *config.Config, mgr *awsclient.Manager, store *fleetdb.Store) (map[lane.ID]*lane.Lane, error) {
	sqsClient, err := mgr.GetSQS(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	lanes := make(map[lane.ID]*lane.Lane, len(cfg.Lanes))
	for _, lc := range cfg.Lanes {
		if lc.QueueURL == "" || lc.DeadLetterURL == "" {
			return nil, fmt.Errorf("lane %s is missing queue_url or dead_letter_url", lc.ID)
		}

		queue, err := lane.NewSQSQueue(sqsClient.Client, lc)
		if err != nil {
			return nil, fmt.Errorf("failed to build queue for lane %s: %w", lc.ID, err)
		}

		var guard lane.SingleLeaseGuard
		if lc.Ordered && lc.MaxConcurrency == 1 {
			if store == nil {
				return nil, fmt.Errorf("lane %s is license-constrained and requires fleetdb", lc.ID)
			}
			guard = license.NewStoreSemaphore(store, lc.ID)
		}

		ln, err := lane.New(lc, queue, guard)
		if err != nil {
			return nil, err
		}
		lanes[lc.ID] = ln
	}
	return lanes, nil
}
