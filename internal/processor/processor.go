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

// Package processor defines the seam where content extraction, conversion,
// and OCR plug in. The worker treats a Processor as an opaque function with a
// bounded contract on its outcome; the actual conversion logic lives outside
// this repository.
package processor

import (
	"context"

	"github.com/harborline/filelane/internal/lane"
)

// Outcome classifies a processing attempt. Retriable outcomes are left to
// queue redelivery; terminal outcomes are dead-lettered immediately.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetriable
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetriable:
		return "retriable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Artifact describes the output a processor produced for a file, such as an
// extracted-text document or a rendered preview.
type Artifact struct {
	Key         string
	ContentType string
	SizeBytes   int64
}

// Processor converts one file. Implementations must be safe for concurrent
// use; a lane's pool calls Process from multiple goroutines.
type Processor interface {
	Process(ctx context.Context, ev lane.FileEvent) (*Artifact, Outcome, error)
}

// Func adapts a plain function to the Processor interface.
type Func func(ctx context.Context, ev lane.FileEvent) (*Artifact, Outcome, error)

func (f Func) Process(ctx context.Context, ev lane.FileEvent) (*Artifact, Outcome, error) {
	return f(ctx, ev)
}

// ObjectStore is the object-store surface processors need. Always reached
// through the resilience wrapper (see Resilient* decorators).
type ObjectStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key, contentType string, body []byte) error
}

// SearchIndex is the index-write surface. Idempotent by document ID, which
// is what makes at-least-once delivery safe end to end.
type SearchIndex interface {
	Index(ctx context.Context, docID string, doc []byte) error
	Remove(ctx context.Context, docID string) error
}
