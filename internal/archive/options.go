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
	"flag"

	"go.chromium.org/chromiumos/gscache/internal/tarindex"
)

// DefaultMaxRangesPerRequest is the default of Options.MaxRangesPerRequest.
const DefaultMaxRangesPerRequest = 100

// Options configure the Service.
type Options struct {
	// CachingServer is "[scheme://]host[:port]" of the caching proxy in front
	// of the server.
	//
	// If set, member lists and member content are fetched through the proxy,
	// which caches them. If empty, everything is read from Google Storage
	// directly.
	CachingServer string

	// ReadAhead is how many bytes of an archive are fetched at once when
	// walking its tar headers.
	//
	// If zero, tarindex.DefaultReadAhead is used.
	ReadAhead int

	// MaxRangesPerRequest limits the number of byte ranges asked for in one
	// request when extracting many members.
	//
	// If zero, DefaultMaxRangesPerRequest is used.
	MaxRangesPerRequest int
}

// Register registers the command line flags.
func (o *Options) Register(f *flag.FlagSet) {
	if o.ReadAhead == 0 {
		o.ReadAhead = tarindex.DefaultReadAhead
	}
	if o.MaxRangesPerRequest == 0 {
		o.MaxRangesPerRequest = DefaultMaxRangesPerRequest
	}
	f.StringVar(
		&o.CachingServer,
		"caching-server",
		o.CachingServer,
		`URL of the caching proxy to fetch member lists and ranges through, e.g. "localhost:8888". If empty, Google Storage is read directly.`,
	)
	f.IntVar(
		&o.ReadAhead,
		"read-ahead",
		o.ReadAhead,
		`Bytes of an archive to fetch at once when walking its tar headers.`,
	)
	f.IntVar(
		&o.MaxRangesPerRequest,
		"max-ranges-per-request",
		o.MaxRangesPerRequest,
		`Max number of byte ranges in one request when extracting many members.`,
	)
}

// withDefaults returns a copy of the options with zero fields defaulted.
func (o Options) withDefaults() Options {
	if o.ReadAhead <= 0 {
		o.ReadAhead = tarindex.DefaultReadAhead
	}
	if o.MaxRangesPerRequest <= 0 {
		o.MaxRangesPerRequest = DefaultMaxRangesPerRequest
	}
	return o
}
