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

// Package failure classifies errors of the archive server.
//
// Every error that crosses a package boundary is tagged with a Kind. The HTTP
// layer is the only place that turns a Kind into a status code.
package failure

import (
	"fmt"
	"net/http"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
)

// Kind is a class of failure.
type Kind int

const (
	// Unknown is the kind of untagged errors.
	Unknown Kind = iota
	// NotFound means the object or archive does not exist in the backend.
	NotFound
	// Unauthorized means the backend rejected the read.
	Unauthorized
	// Unavailable means any other backend or transport failure.
	Unavailable
	// BadFormat means a listing or a range response is malformed.
	BadFormat
	// NoFileFound means a well-formed input had no matching archive member.
	NoFileFound
	// BadRequest means the client request itself is invalid.
	BadRequest
)

var kindNames = map[Kind]string{
	Unknown:      "Unknown",
	NotFound:     "NotFound",
	Unauthorized: "Unauthorized",
	Unavailable:  "Unavailable",
	BadFormat:    "BadFormat",
	NoFileFound:  "NoFileFound",
	BadRequest:   "BadRequest",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindTag carries the Kind of an error.
var KindTag = errtag.Make("gs_cache failure kind", Unknown)

// Apply tags err with k. Returns nil if err is nil.
func (k Kind) Apply(err error) error {
	if err == nil {
		return nil
	}
	return KindTag.ApplyValue(err, k)
}

// Errorf formats a new error tagged with k.
func (k Kind) Errorf(format string, args ...any) error {
	return k.Apply(errors.Fmt(format, args...))
}

// In returns true if err is tagged with k.
func (k Kind) In(err error) bool {
	return err != nil && Of(err) == k
}

// Of returns the Kind of err, or Unknown.
func Of(err error) Kind {
	return KindTag.ValueOrDefault(err)
}

// HTTPStatus maps the Kind of err to an HTTP status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch Of(err) {
	case NotFound, NoFileFound:
		return http.StatusNotFound
	case Unauthorized:
		return http.StatusUnauthorized
	case Unavailable:
		return http.StatusServiceUnavailable
	case BadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus classifies an error HTTP status returned by a storage peer.
//
// 404 is NotFound, 401 and 403 are Unauthorized, everything else is
// Unavailable.
func FromHTTPStatus(code int) Kind {
	switch code {
	case http.StatusNotFound:
		return NotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return Unauthorized
	default:
		return Unavailable
	}
}
