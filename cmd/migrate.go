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
	"time"

	"github.com/spf13/cobra"

	"github.com/harborline/filelane/fleetdb"
	"github.com/harborline/filelane/fleetdb/migrations"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Run fleetdb schema migrations",
		RunE:  migrateFleetDB,
	})
}

func migrateFleetDB(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Minute))
	defer cancel()

	slog.Info("Running fleetdb migrations")
	store, err := fleetdb.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to fleetdb: %w", err)
	}
	defer store.Close()

	if err := migrations.RunMigrationsUp(ctx, store.Pool()); err != nil {
		return fmt.Errorf("failed to migrate fleetdb: %w", err)
	}
	slog.Info("fleetdb migrations completed successfully")
	return nil
}
