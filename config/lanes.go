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

package config

import (
	"time"

	"github.com/harborline/filelane/internal/lane"
)

// DefaultLanes is the stock lane set. The docuworks lane is the
// license-constrained one: ordered, max concurrency 1, held to a single
// fleet-wide lease by the license semaphore. Queue URLs come from deployment
// configuration, not defaults.
func DefaultLanes() []lane.Config {
	return []lane.Config{
		{
			ID:               "ocr",
			Extensions:       []string{"pdf", "tif", "tiff", "png", "jpg", "jpeg"},
			MaxConcurrency:   8,
			LeaseTimeout:     5 * time.Minute,
			MaxDeliveryCount: 3,
		},
		{
			ID:               "office",
			Extensions:       []string{"doc", "docx", "xls", "xlsx", "ppt", "pptx"},
			MaxConcurrency:   4,
			LeaseTimeout:     10 * time.Minute,
			MaxDeliveryCount: 3,
		},
		{
			ID:               "docuworks",
			Extensions:       []string{"xdw", "xbd"},
			MaxConcurrency:   1,
			Ordered:          true,
			LeaseTimeout:     15 * time.Minute,
			MaxDeliveryCount: 3,
		},
		{
			ID:               "text",
			Extensions:       []string{"txt", "csv", "md", "json", "xml", "html"},
			MaxConcurrency:   8,
			LeaseTimeout:     2 * time.Minute,
			MaxDeliveryCount: 3,
		},
		{
			ID:               lane.LaneGeneric,
			MaxConcurrency:   2,
			LeaseTimeout:     5 * time.Minute,
			MaxDeliveryCount: 3,
		},
	}
}
