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
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/harborline/filelane/config"
	"github.com/harborline/filelane/fleetdb"
	"github.com/harborline/filelane/internal/awsclient"
	"github.com/harborline/filelane/internal/healthcheck"
	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/processor"
	"github.com/harborline/filelane/internal/resilience"
	"github.com/harborline/filelane/internal/worker"
)

func init() {
	var laneFlag string
	var healthPort int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain one lane (or all lanes) with leased worker pools",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "filelane-worker-" + laneFlag
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

			targets := make([]*lane.Lane, 0, len(lanes))
			if laneFlag == "all" {
				for _, ln := range lanes {
					targets = append(targets, ln)
				}
			} else {
				ln, ok := lanes[lane.ID(laneFlag)]
				if !ok {
					return fmt.Errorf("unknown lane %q", laneFlag)
				}
				targets = append(targets, ln)
			}

			s3Client, err := mgr.GetS3(doneCtx)
			if err != nil {
				return fmt.Errorf("failed to create S3 client: %w", err)
			}

			// One breaker per downstream dependency, shared by all pools in
			// this process.
			storeWrapper := resilience.NewWrapper("objectstore", cfg.Resilience, slog.Default())
			proc := processor.NewRelay(
				processor.NewResilientObjectStore(
					processor.NewS3ObjectStore(s3Client.Client, cfg.Ingest.Bucket), storeWrapper),
				processor.NewResilientObjectStore(
					processor.NewS3ObjectStore(s3Client.Client, cfg.Storage.ArtifactBucket), storeWrapper),
			)

			// Stats retention sweep. Diagnostics read a short window, so old
			// observations only cost storage; one pruner per process is plenty.
			if cfg.Worker.StatsRetention > 0 {
				go func() {
					ticker := time.NewTicker(6 * time.Hour)
					defer ticker.Stop()
					for {
						select {
						case <-doneCtx.Done():
							return
						case <-ticker.C:
							if pruned, err := store.ProcessingStatsPrune(doneCtx, cfg.Worker.StatsRetention); err != nil {
								slog.Warn("Failed to prune processing stats", slog.Any("error", err))
							} else if pruned > 0 {
								slog.Info("Pruned old processing stats", slog.Int64("pruned", pruned))
							}
						}
					}
				}()
			}

			health := healthcheck.NewServer(healthPort)
			go func() {
				if err := health.Start(doneCtx); err != nil {
					slog.Error("Health check server stopped", slog.Any("error", err))
				}
			}()
			health.SetReady(true)
			defer health.SetReady(false)

			var wg sync.WaitGroup
			var mu sync.Mutex
			var errs *multierror.Error
			for _, ln := range targets {
				pool := worker.NewPool(ln, proc, store,
					worker.WithReceiveWait(cfg.Worker.ReceiveWait),
					worker.WithDrainGrace(cfg.Worker.DrainGrace),
					worker.WithStatsRecorder(store),
				)
				wg.Add(1)
				go func(p *worker.Pool) {
					defer wg.Done()
					if err := p.Run(doneCtx); err != nil {
						mu.Lock()
						errs = multierror.Append(errs, err)
						mu.Unlock()
					}
				}(pool)
			}
			wg.Wait()
			return errs.ErrorOrNil()
		},
	}
	cmd.Flags().StringVar(&laneFlag, "lane", "", "Lane to drain, or 'all' to run every lane's pool in this process")
	cmd.Flags().IntVar(&healthPort, "health-port", 8090, "Port for /readyz and /livez")
	_ = cmd.MarkFlagRequired("lane")
	rootCmd.AddCommand(cmd)
}
