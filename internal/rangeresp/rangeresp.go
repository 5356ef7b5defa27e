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

// Package rangeresp turns responses to HTTP range requests back into files.
//
// The ranges are the contents of tar archive members, as located by package
// tarindex. A response to a request with one range carries the content in its
// body and the range in its Content-Range header. A response to a request
// with several ranges is a multipart/byteranges body:
//
//	HTTP/1.1 206 Partial Content
//	Content-Type: multipart/byteranges; boundary=magic_string
//
//	--magic_string
//	Content-Type: text/html
//	Content-Range: bytes 0-50/1270
//
//	<data>
//	--magic_string
//	Content-Type: text/html
//	Content-Range: bytes 100-150/1270
//
//	<data>
//	--magic_string--
package rangeresp

import (
	"context"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"go.chromium.org/chromiumos/gscache/internal/failure"
	"go.chromium.org/chromiumos/gscache/internal/tarindex"
)

// File is one extracted archive member.
type File struct {
	Name    string
	Content []byte
}

var contentRangeSeparators = regexp.MustCompile(`[-/ ]`)

// ParseContentRange parses a `bytes <start>-<end>/<total>` value of the
// Content-Range header, with or without the header name in front.
//
// Returns the start offset and the length of the range. The total may be `*`
// and is otherwise ignored.
func ParseContentRange(v string) (start, length int64, err error) {
	if strings.HasPrefix(strings.ToLower(v), "content-range:") {
		v = strings.TrimSpace(v[len("content-range:"):])
	}
	parts := contentRangeSeparators.Split(v, -1)
	if len(parts) != 4 || parts[0] != "bytes" {
		return 0, 0, failure.BadFormat.Errorf("wrong format of Content-Range %q", v)
	}
	start, err1 := strconv.ParseInt(parts[1], 10, 64)
	end, err2 := strconv.ParseInt(parts[2], 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start {
		return 0, 0, failure.BadFormat.Errorf("wrong format of Content-Range %q", v)
	}
	return start, end - start + 1, nil
}

// FromResponse returns the files carried by a response to a range request
// for the content of the given members.
//
// The response is either a single range (it has a Content-Range header) or a
// multipart/byteranges one. Anything else, e.g. a 200 response to a range
// request the server chose to ignore, is a failure.BadFormat error.
//
// The iterator reads resp.Body; closing it is up to the caller.
func FromResponse(ctx context.Context, resp *http.Response, members []tarindex.MemberInfo) (*FileIterator, error) {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		return newSinglePartIterator(ctx, resp.Body, cr, members), nil
	}
	ct := resp.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "multipart/byteranges" {
		return nil, failure.BadFormat.Errorf("the response (HTTP %d, Content-Type %q) is not for a range request", resp.StatusCode, ct)
	}
	if params["boundary"] == "" {
		return nil, failure.BadFormat.Errorf("no boundary in Content-Type %q", ct)
	}
	return NewFileIterator(ctx, resp.Body, params["boundary"], members), nil
}
