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

// Package cachingserver is a client of the caching reverse proxy in front of
// the archive server.
//
// The proxy caches whatever the archive server returns and loops requests
// it can't answer from its cache back to the archive server:
//
//	Client --(http)--> proxy --(http)--> archive server --(https)--> GS
//	  ^                                        |
//	  \----------------------------------------/
//
// Going through the proxy lets the archive server reuse cached archives and
// member lists, and get multi-range responses the GS API doesn't provide.
package cachingserver

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/context/ctxhttp"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

const (
	// CompressedTarExtHeader asks `download` of "<name>.tar" to return the
	// decompressed content of "<name>.tar<ext>" (or "<name><ext>" for ".tgz").
	CompressedTarExtHeader = "X-Compressed-Tar-Ext"
	// NoCacheHeader asks the proxy to bypass its cache.
	NoCacheHeader = "X-No-Cache"
)

// forwardedHeaders are the request headers passed to the proxy.
var forwardedHeaders = []string{"Range", NoCacheHeader, CompressedTarExtHeader}

// loggedResponseHeaders are the response headers worth logging.
var loggedResponseHeaders = []string{"Content-Type", "Content-Length", "Content-Range", "X-Cache", "Cache-Control"}

// Client calls the archive server RPCs through the caching proxy.
type Client struct {
	base   url.URL
	client *http.Client
}

// New returns a client of the proxy at the given URL.
//
// The URL is "[scheme://]host[:port]", the scheme defaults to http. Other URL
// components are ignored. If client is nil, http.DefaultClient is used.
func New(rawURL string, client *http.Client) (*Client, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Fmt("bad caching server URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Fmt("bad caching server URL %q: need a scheme and a host", rawURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		base:   url.URL{Scheme: u.Scheme, Host: u.Host},
		client: client,
	}, nil
}

// Download calls `download` for the object at path ("/bucket/object").
//
// The Range, X-No-Cache and X-Compressed-Tar-Ext headers of hdr are passed
// along. The caller owns the body of the returned response.
func (c *Client) Download(ctx context.Context, path string, hdr http.Header) (*http.Response, error) {
	return c.call(ctx, "download", path, hdr)
}

// ListMember calls `list_member` for the archive at path ("/bucket/object").
//
// The response body is the CSV member list. The caller owns it.
func (c *Client) ListMember(ctx context.Context, path string, hdr http.Header) (*http.Response, error) {
	return c.call(ctx, "list_member", path, hdr)
}

// URL returns the URL of an RPC for path.
func (c *Client) URL(action, path string) string {
	u := c.base
	u.Path = "/" + action + path
	return u.String()
}

func (c *Client) call(ctx context.Context, action, path string, hdr http.Header) (*http.Response, error) {
	target := c.URL(action, path)
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Fmt("building request to %q: %w", target, err)
	}
	fields := logging.Fields{"url": target}
	for _, h := range forwardedHeaders {
		if v := hdr.Get(h); v != "" {
			req.Header.Set(h, v)
			fields[h] = v
		}
	}
	fields.Debugf(ctx, "Sending request to caching server")

	resp, err := ctxhttp.Do(ctx, c.client, req)
	if err != nil {
		return nil, failure.Unavailable.Apply(errors.Fmt("calling caching server %q: %w", target, err))
	}

	fields = logging.Fields{"status": resp.StatusCode}
	for _, h := range loggedResponseHeaders {
		if v := resp.Header.Get(h); v != "" {
			fields[h] = v
		}
	}
	fields.Debugf(ctx, "Caching server response for %s", target)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, failure.FromHTTPStatus(resp.StatusCode).Errorf(
			"caching server replied HTTP %d for %q: %s", resp.StatusCode, target, strings.TrimSpace(string(msg)))
	}
	resp.Body = &body{ReadCloser: resp.Body, target: target}
	return resp, nil
}

// body tags failures to read a response body as failure.Unavailable.
type body struct {
	io.ReadCloser
	target string
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = failure.Unavailable.Apply(errors.Fmt("reading the response of %q: %w", b.target, err))
	}
	return n, err
}
