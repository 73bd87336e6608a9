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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/harborline/filelane/internal/pubsub")

	eventsParsed    metric.Int64Counter
	eventsEnqueued  metric.Int64Counter
	eventsDuplicate metric.Int64Counter
	parseFailures   metric.Int64Counter
)

func init() {
	var err error
	eventsParsed, err = meter.Int64Counter("filelane.ingest.events_parsed",
		metric.WithDescription("File events parsed from store notifications"))
	if err != nil {
		panic(fmt.Errorf("failed to create ingest.events_parsed counter: %w", err))
	}
	eventsEnqueued, err = meter.Int64Counter("filelane.ingest.events_enqueued",
		metric.WithDescription("File events enqueued onto lanes"))
	if err != nil {
		panic(fmt.Errorf("failed to create ingest.events_enqueued counter: %w", err))
	}
	eventsDuplicate, err = meter.Int64Counter("filelane.ingest.events_duplicate",
		metric.WithDescription("File events dropped as recent duplicates"))
	if err != nil {
		panic(fmt.Errorf("failed to create ingest.events_duplicate counter: %w", err))
	}
	parseFailures, err = meter.Int64Counter("filelane.ingest.parse_failures",
		metric.WithDescription("Store notifications that could not be parsed"))
	if err != nil {
		panic(fmt.Errorf("failed to create ingest.parse_failures counter: %w", err))
	}
}
