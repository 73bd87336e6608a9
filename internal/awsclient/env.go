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

package awsclient

import (
	"os"
	"strings"
)

// usePathStyleFromEnv enables path-style S3 addressing for local stacks
// (minio, localstack) that do not support virtual-hosted buckets.
func usePathStyleFromEnv() bool {
	return strings.ToLower(os.Getenv("S3_USE_PATH_STYLE")) == "true"
}
