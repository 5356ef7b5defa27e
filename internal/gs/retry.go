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
	"net/http"
	"time"

	"google.golang.org/api/googleapi"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

// StatusCodeTag holds an http status code.
var StatusCodeTag = errtag.Make("Google Storage API Status Code", 0)

// StatusCode returns 200 for a nil error, and otherwise returns
// StatusCodeTag.Value(err).
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return StatusCodeTag.ValueOrDefault(err)
}

// retryPolicy retries 429 and 5xx replies and transport errors.
var retryPolicy = retry.ExponentialBackoff{
	Limited: retry.Limited{
		Delay:   200 * time.Millisecond,
		Retries: 5,
	},
	MaxDelay:   5 * time.Second,
	Multiplier: 2,
}

// withRetry executes a Google Storage API call, retrying on transient errors.
//
// If a request reached GS, but the service replied with an error, the
// corresponding HTTP status code can be extracted from the error via
// StatusCode(err). Responses with HTTP statuses >=500 and 429 are considered
// transient errors, as well as errors of requests that never reached GS.
//
// The final error is tagged with the failure kind matching the status code:
// 404 is NotFound, 401 and 403 are Unauthorized and everything else, including
// transport errors, is Unavailable. Errors already carrying a kind keep it.
func withRetry(ctx context.Context, call func() error) error {
	retries := 0
	err := retry.Retry(ctx, transient.Only(func() retry.Iterator {
		it := retryPolicy
		return &it
	}), func() error {
		err := call()
		if err == nil || failure.Of(err) != failure.Unknown {
			return err
		}

		// Any other error that is not googleapi.Error means we failed to call GCS.
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) {
			return transient.Tag.Apply(errors.Fmt("failed to call GS: %w", err))
		}

		logging.Infof(ctx, "GS replied with HTTP code %d", apiErr.Code)
		logging.Debugf(ctx, "full response body:\n%s", apiErr.Body)

		err = errors.Fmt("GS replied with HTTP code %d: %s", apiErr.Code, apiErr.Message)
		err = StatusCodeTag.ApplyValue(err, apiErr.Code)

		// Retry only on 429 and 5xx responses, according to
		// https://cloud.google.com/storage/docs/exponential-backoff.
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return transient.Tag.Apply(err)
		}
		return err
	}, func(err error, d time.Duration) {
		retries++
		logging.WithError(err).Warningf(ctx, "Transient error when accessing GS. Retrying in %s...", d)
	})

	if retries > 0 {
		callRetries.Add(ctx, int64(retries))
	}
	if err == nil || failure.Of(err) != failure.Unknown {
		return err
	}
	if code := StatusCode(err); code != 0 {
		return failure.FromHTTPStatus(code).Apply(err)
	}
	return failure.Unavailable.Apply(err)
}
