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

package gs

import (
	"context"

	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

var callCount = metric.NewCounter(
	"gscache/gs/call_count",
	"Number of Google Storage calls, after retries.",
	&types.MetricMetadata{},
	// Stat, Open, Reader, ReadAt or List.
	field.String("method"),
	// failure.Kind of the error, "OK" on success.
	field.String("outcome"),
)

var callRetries = metric.NewCounter(
	"gscache/gs/retry_count",
	"Number of retries of Google Storage calls. Increments 1/retry.",
	&types.MetricMetadata{},
)

var bytesRead = metric.NewCounter(
	"gscache/gs/bytes_read",
	"Number of object bytes read from Google Storage.",
	&types.MetricMetadata{Units: types.Bytes},
	// Open or ReadAt.
	field.String("method"),
)

func reportCall(ctx context.Context, method string, err error) {
	outcome := "OK"
	if err != nil {
		outcome = failure.Of(err).String()
	}
	callCount.Add(ctx, 1, method, outcome)
}
