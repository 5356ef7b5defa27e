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

// Binary gs_archive_server serves Google Storage objects and the members of
// tar archives stored there.
//
// It is meant to run behind a caching HTTP proxy, see -caching-server.
package main

import (
	"flag"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/chromiumos/gscache/internal/archive"
	"go.chromium.org/chromiumos/gscache/internal/cachingserver"
	"go.chromium.org/chromiumos/gscache/internal/gs"
)

func main() {
	opts := archive.Options{}
	opts.Register(flag.CommandLine)

	server.Main(nil, nil, func(srv *server.Server) error {
		var cache *cachingserver.Client
		if opts.CachingServer != "" {
			var err error
			if cache, err = cachingserver.New(opts.CachingServer, nil); err != nil {
				return errors.Fmt("bad -caching-server: %w", err)
			}
			logging.Infof(srv.Context, "Fetching member lists and ranges through %s", opts.CachingServer)
		} else {
			logging.Warningf(srv.Context, "No -caching-server, reading Google Storage directly")
		}

		svc := archive.New(gs.Get(srv.Context), cache, opts)
		archive.InstallHandlers(srv.Routes, router.MiddlewareChain{}, svc)
		return nil
	})
}
