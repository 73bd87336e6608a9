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

package processor

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/sony/gobreaker/v2"

	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/logctx"
	"github.com/harborline/filelane/internal/resilience"
)

// Relay is the default processor used when no conversion plugin is wired: it
// fetches the source object and stores a verbatim copy under the artifact
// prefix. Conversion logic replaces Relay at the Processor seam; everything
// around it (leases, outcomes, resilience) behaves identically.
type Relay struct {
	source    ObjectStore
	artifacts ObjectStore
	prefix    string
}

var _ Processor = (*Relay)(nil)

func NewRelay(source, artifacts ObjectStore) *Relay {
	return &Relay{source: source, artifacts: artifacts, prefix: "artifacts"}
}

func (r *Relay) Process(ctx context.Context, ev lane.FileEvent) (*Artifact, Outcome, error) {
	body, err := r.source.Fetch(ctx, ev.StorageKey)
	if err != nil {
		return nil, classifyOutcome(err), fmt.Errorf("fetch source object: %w", err)
	}

	key := path.Join(r.prefix, ev.StorageKey)
	if err := r.artifacts.Store(ctx, key, contentTypeFor(ev.Extension), body); err != nil {
		return nil, classifyOutcome(err), fmt.Errorf("store artifact: %w", err)
	}
	logctx.FromContext(ctx).Debug("Relayed object to artifact store",
		"artifactKey", key, "bytes", len(body))

	return &Artifact{
		Key:         key,
		ContentType: contentTypeFor(ev.Extension),
		SizeBytes:   int64(len(body)),
	}, OutcomeSuccess, nil
}

// classifyOutcome maps a downstream error to a settlement outcome. A shedding
// breaker and transient faults are worth a redelivery; everything else (bad
// permissions, missing object) will fail the same way every time.
func classifyOutcome(err error) Outcome {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return OutcomeRetriable
	}
	if errors.Is(err, context.Canceled) || resilience.IsTransient(err) {
		return OutcomeRetriable
	}
	return OutcomeTerminal
}

func contentTypeFor(ext string) string {
	switch ext {
	case "pdf":
		return "application/pdf"
	case "txt", "md", "csv":
		return "text/plain"
	case "html":
		return "text/html"
	case "json":
		return "application/json"
	case "xml":
		return "application/xml"
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "tif", "tiff":
		return "image/tiff"
	default:
		return "application/octet-stream"
	}
}
