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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/harborline/filelane/internal/lane"
)

// ParseS3Events turns a raw S3 bucket-notification body into file events.
// Object keys arrive URL-encoded and are unescaped here. Directory markers
// and non-create events yield no output; a record that fails to parse is
// logged and skipped rather than failing the whole notification.
func ParseS3Events(raw []byte) ([]lane.FileEvent, error) {
	var evt struct {
		Records []struct {
			EventName string `json:"eventName"`
			EventTime string `json:"eventTime"`
			S3        struct {
				Bucket struct {
					Name string `json:"name"`
				} `json:"bucket"`
				Object struct {
					Key  string `json:"key"`
					Size uint64 `json:"size"`
				} `json:"object"`
			} `json:"s3"`
		} `json:"Records"`
	}

	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("failed to parse S3 event: %w", err)
	}

	out := make([]lane.FileEvent, 0, len(evt.Records))
	for _, rec := range evt.Records {
		if rec.EventName != "" && !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
			continue
		}
		ev, err := parseS3Record(rec.S3.Object.Key, rec.S3.Object.Size, rec.EventTime)
		if err != nil {
			slog.Error("Failed to parse S3 record", slog.Any("error", err))
			continue
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func parseS3Record(key string, size uint64, eventTime string) (*lane.FileEvent, error) {
	key, err := url.QueryUnescape(key)
	if err != nil {
		return nil, fmt.Errorf("failed to unescape key: %w", err)
	}
	if strings.HasSuffix(key, "/") {
		// Directory marker, nothing to process.
		return nil, nil
	}

	discoveredAt := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, eventTime); err == nil {
		discoveredAt = t
	}

	return &lane.FileEvent{
		StorageKey:   key,
		SizeBytes:    size,
		Extension:    strings.TrimPrefix(path.Ext(key), "."),
		DiscoveredAt: discoveredAt,
	}, nil
}
