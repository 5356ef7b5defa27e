// Copyright 2025 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"go.chromium.org/luci/common/tsmon/distribution"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"
)

var (
	requestCount = metric.NewCounter(
		"gscache/archive/requests",
		"Count of handled archive server requests",
		nil,
		field.String("handler"), // download | list_member | extract | decompress | list_dir
		field.Int("status"),     // HTTP status, 0 if cut short after the headers
	)

	requestDurationMS = metric.NewCumulativeDistribution(
		"gscache/archive/duration",
		"Duration of handling of archive server requests",
		&types.MetricMetadata{Units: types.Milliseconds},
		distribution.DefaultBucketer,
		field.String("handler"),
		field.Int("status"),
	)

	responseBytes = metric.NewCounter(
		"gscache/archive/response_bytes",
		"Bytes of response bodies sent by the archive server",
		&types.MetricMetadata{Units: types.Bytes},
		field.String("handler"),
	)
)
