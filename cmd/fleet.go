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
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborline/filelane/config"
	"github.com/harborline/filelane/fleetdb"
	"github.com/harborline/filelane/internal/awsclient"
	"github.com/harborline/filelane/internal/fleet"
	"github.com/harborline/filelane/internal/lane"
)

func init() {
	var confirm string

	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Emergency control over the whole lane fleet",
	}
	cmd.PersistentFlags().StringVar(&confirm, "confirm", "", "Confirmation token: 'fleet' for stop/recover, the lane ID for purge")
	rootCmd.AddCommand(cmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Snapshot fleet intent, disable ingestion, and scale every lane to zero",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withController("filelane-fleet", func(ctx context.Context, ctl *fleet.Controller) error {
				state, err := ctl.Stop(ctx, confirm)
				if err != nil {
					return err
				}
				fmt.Printf("fleet state: %s\n", state)
				return nil
			})
		},
	}
	cmd.AddCommand(stopCmd)

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore fleet intent from the most recent snapshot",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withController("filelane-fleet", func(ctx context.Context, ctl *fleet.Controller) error {
				state, err := ctl.Recover(ctx, confirm, nil)
				if err != nil {
					return err
				}
				fmt.Printf("fleet state: %s\n", state)
				if state == fleet.StateRecovering {
					fmt.Println("fleet has not reached health yet; poll or re-invoke recover")
				}
				return nil
			})
		},
	}
	cmd.AddCommand(recoverCmd)

	diagnoseCmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Report queue depths, dead-letter tallies, and known anti-patterns",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withController("filelane-fleet", func(ctx context.Context, ctl *fleet.Controller) error {
				printReport(ctl.Diagnose(ctx))
				return nil
			})
		},
	}
	cmd.AddCommand(diagnoseCmd)

	purgeCmd := &cobra.Command{
		Use:   "purge <lane>",
		Short: "Discard every message in a lane's source queue (irreversible)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withController("filelane-fleet", func(ctx context.Context, ctl *fleet.Controller) error {
				purged, err := ctl.Purge(ctx, confirm, lane.ID(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("lane %s purged, %d messages discarded\n", args[0], purged)
				return nil
			})
		},
	}
	cmd.AddCommand(purgeCmd)

	var snapshotLimit int
	snapshotsCmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List retained fleet snapshots, newest first",
		RunE: func(_ *cobra.Command, _ []string) error {
			doneCtx, doneFx, err := setupTelemetry("filelane-fleet")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			store, err := fleetdb.Connect(doneCtx)
			if err != nil {
				return fmt.Errorf("failed to connect to fleetdb: %w", err)
			}
			defer store.Close()

			snaps, err := store.SnapshotList(doneCtx, snapshotLimit)
			if err != nil {
				return fmt.Errorf("failed to list fleet snapshots: %w", err)
			}
			for _, snap := range snaps {
				fmt.Printf("%-6d %s ingestion=%-5t capacities=%v\n",
					snap.ID, snap.TakenAt.Format(time.RFC3339), snap.IngestionEnabled, snap.DesiredCapacities)
			}
			return nil
		},
	}
	snapshotsCmd.Flags().IntVar(&snapshotLimit, "limit", 10, "Maximum number of snapshots to list")
	cmd.AddCommand(snapshotsCmd)
}

// withController wires the full operator stack (config, AWS clients, fleetdb,
// lanes) and hands a ready controller to fn.
func withController(servicename string, fn func(ctx context.Context, ctl *fleet.Controller) error) error {
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

	ecsClient, err := mgr.GetECS(doneCtx)
	if err != nil {
		return fmt.Errorf("failed to create ECS client: %w", err)
	}
	services := make(map[lane.ID]string, len(cfg.Scaling.Services))
	for id, svc := range cfg.Scaling.Services {
		services[lane.ID(id)] = svc
	}
	scaler, err := fleet.NewECSScaler(ecsClient.Client, cfg.Scaling.Cluster, services)
	if err != nil {
		return err
	}

	s3Client, err := mgr.GetS3(doneCtx)
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}
	trigger, err := fleet.NewS3Trigger(s3Client.Client, cfg.Ingest.Bucket, cfg.Ingest.QueueARN, cfg.Ingest.Prefix)
	if err != nil {
		return err
	}

	ops := make(map[lane.ID]fleet.LaneOps, len(lanes))
	for id, ln := range lanes {
		ops[id] = ln
	}

	ctl := fleet.NewController(cfg.Fleet, fleet.Deps{
		Scaler:    scaler,
		Trigger:   trigger,
		Snapshots: store,
		Auditor:   store,
		Stats:     store,
		Lanes:     ops,
	})
	return fn(doneCtx, ctl)
}

func printReport(report fleet.Report) {
	fmt.Printf("fleet state: %s\n", report.State)

	ids := make([]string, 0, len(report.Lanes))
	for id := range report.Lanes {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		lr := report.Lanes[lane.ID(id)]
		fmt.Printf("lane %-12s visible=%-6d inflight=%-6d dlq=%-6d marked=%-6d lease=%s",
			id, lr.Depths.Visible, lr.Depths.InFlight, lr.Depths.DeadLetter, lr.DeadLettersMarked, lr.LeaseTimeout)
		if lr.ObservedP95 > 0 {
			fmt.Printf(" p95=%s", lr.ObservedP95)
		}
		fmt.Println()
	}

	for _, ap := range report.AntiPatterns {
		fmt.Printf("anti-pattern: %s\n", ap)
	}
	for _, p := range report.Problems {
		fmt.Printf("partial: %s\n", p)
	}
}
