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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/harborline/filelane/config"
	"github.com/harborline/filelane/fleetdb"
	"github.com/harborline/filelane/internal/awsclient"
	"github.com/harborline/filelane/internal/classifier"
	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/pubsub"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Consume object-store notifications and route files onto lanes",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "filelane-ingest"
			doneCtx, doneFx, err := setupTelemetry(servicename)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			mgr, err := awsclient.NewManager(doneCtx)
			if err != nil {
				return fmt.Errorf("failed to create AWS manager: %w", err)
			}

			store, err := fleetdb.Connect(doneCtx)
			if err != nil {
				return fmt.Errorf("failed to connect to fleetdb: %w", err)
			}
			defer store.Close()

			lanes, err := buildLanes(doneCtx, cfg, mgr, store)
			if err != nil {
				return err
			}

			cl, err := classifier.New(cfg.Lanes, lane.LaneGeneric)
			if err != nil {
				return fmt.Errorf("failed to build classifier: %w", err)
			}

			sqsClient, err := mgr.GetSQS(doneCtx)
			if err != nil {
				return fmt.Errorf("failed to create SQS client: %w", err)
			}

			enqueuers := make(map[lane.ID]pubsub.Enqueuer, len(lanes))
			for id, ln := range lanes {
				enqueuers[id] = ln
			}

			svc, err := pubsub.NewSQSService(
				sqsClient,
				cfg.Ingest.QueueURL,
				cl,
				enqueuers,
				pubsub.NewDeduplicator(cfg.Ingest.DedupTTL),
			)
			if err != nil {
				return fmt.Errorf("failed to create ingestion service: %w", err)
			}
			return svc.Run(doneCtx)
		},
	}
	rootCmd.AddCommand(cmd)
}
