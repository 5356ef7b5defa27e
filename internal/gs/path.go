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
	"strings"
	"unicode"
	"unicode/utf8"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

// ValidatePath returns an error if p doesn't look like "/bucket/path".
//
// Object names come straight from request URLs, so they are checked to be
// valid UTF-8 without control characters. Errors are tagged with
// failure.BadRequest.
func ValidatePath(p string) error {
	chunks := strings.Split(p, "/")
	if len(chunks) < 3 || chunks[0] != "" {
		return failure.BadRequest.Errorf("a Google Storage path must have format /<bucket>/<path>, got %q", p)
	}
	if chunks[1] == "" || chunks[len(chunks)-1] == "" {
		return failure.BadRequest.Errorf("bucket and object names in %q must not be empty", p)
	}
	if !utf8.ValidString(p) {
		return failure.BadRequest.Errorf("the Google Storage path %q is not valid UTF-8", p)
	}
	for _, r := range p {
		if unicode.IsControl(r) {
			return failure.BadRequest.Errorf("forbidden symbol %q in the Google Storage path", r)
		}
	}
	return nil
}

// SplitPath given "/a/b/c" returns ("a", "b/c") or panics.
//
// Use ValidatePath for prior validation if you are concerned.
func SplitPath(p string) (bucket, path string) {
	if err := ValidatePath(p); err != nil {
		panic(err)
	}
	sep := strings.IndexByte(p[1:], '/') + 1
	return p[1:sep], p[sep+1:]
}

// URL renders a bucket and an object name as "gs://bucket/name".
func URL(bucket, name string) string {
	return "gs://" + bucket + "/" + name
}
