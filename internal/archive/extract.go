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
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/bmatcuk/doublestar"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/gscache/internal/failure"
	"go.chromium.org/chromiumos/gscache/internal/gs"
	"go.chromium.org/chromiumos/gscache/internal/rangeresp"
	"go.chromium.org/chromiumos/gscache/internal/tarindex"
)

// globChars are the characters that make a `file` parameter a pattern.
const globChars = `*?[{\`

// IsGlob is true if p has glob meta characters.
func IsGlob(p string) bool {
	return strings.ContainsAny(p, globChars)
}

// globMatcher matches member names against any of the patterns.
//
// The first malformed pattern met is remembered in err.
type globMatcher struct {
	patterns []string
	err      error
}

func (g *globMatcher) match(name string) bool {
	for _, p := range g.patterns {
		ok, err := doublestar.Match(p, name)
		if err != nil {
			if g.err == nil {
				g.err = failure.BadRequest.Apply(errors.Fmt("bad pattern %q: %w", p, err))
			}
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func fileOf(m tarindex.MemberInfo, content []byte) rangeresp.File {
	return rangeresp.File{Name: m.Filename, Content: content}
}

// fetchViaCache gets members with multi-range requests to the caching server,
// at most MaxRangesPerRequest ranges at once.
func (e *Extraction) fetchViaCache(ctx context.Context, jw *rangeresp.JSONWriter, members []tarindex.MemberInfo) error {
	limit := e.s.opts.MaxRangesPerRequest
	for start := 0; start < len(members); start += limit {
		chunk := members[start:min(start+limit, len(members))]
		specs := make([]string, len(chunk))
		for i, m := range chunk {
			specs[i] = m.RangeSpec()
		}
		h := upstreamHeader(e.ref, e.hdr)
		h.Set("Range", "bytes="+strings.Join(specs, ","))

		resp, err := e.s.cache.Download(ctx, e.ref.tar, h)
		if err != nil {
			return err
		}
		n, err := writeRangeResponse(ctx, jw, resp, chunk)
		resp.Body.Close()
		if err != nil {
			return errors.Fmt("extracting from %s: %w", e.ref.tar, err)
		}
		if n != len(chunk) {
			logging.Warningf(ctx, "Asked for %d members of %s, got %d", len(chunk), e.ref.tar, n)
		}
	}
	return nil
}

func writeRangeResponse(ctx context.Context, jw *rangeresp.JSONWriter, resp *http.Response, members []tarindex.MemberInfo) (int, error) {
	if resp.StatusCode != http.StatusPartialContent {
		return 0, failure.BadFormat.Errorf("expecting HTTP %d to a range request, got %d", http.StatusPartialContent, resp.StatusCode)
	}
	it, err := rangeresp.FromResponse(ctx, resp, members)
	if err != nil {
		return 0, err
	}
	return jw.WriteAll(it)
}

// fetchRanges gets members of a plain tar with one ranged read per member.
func (e *Extraction) fetchRanges(ctx context.Context, jw *rangeresp.JSONWriter, members []tarindex.MemberInfo) error {
	for _, m := range members {
		content, err := e.readRange(ctx, m)
		if err != nil {
			return err
		}
		if err := jw.Write(fileOf(m, content)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extraction) readRange(ctx context.Context, m tarindex.MemberInfo) ([]byte, error) {
	rc, err := e.s.gs.Open(ctx, e.ref.tar, e.gen, gs.ByteRange{Start: m.ContentStart, Length: m.Size})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	content := make([]byte, m.Size)
	if _, err := io.ReadFull(rc, content); err != nil {
		return nil, failure.Unavailable.Apply(errors.Fmt("reading %q from %s: %w", m.Filename, e.ref.tar, err))
	}
	return content, nil
}

// fetchFromStream gets members of a compressed tar in one pass over its
// decompressed content.
func (e *Extraction) fetchFromStream(ctx context.Context, jw *rangeresp.JSONWriter, members []tarindex.MemberInfo) error {
	rc, err := e.s.openDecompressed(ctx, e.ref, e.hdr)
	if err != nil {
		return err
	}
	defer rc.Close()

	var pos int64
	for _, m := range members {
		if m.ContentStart < pos {
			return failure.BadFormat.Errorf("member %q at %d overlaps the previous one ending at %d", m.Filename, m.ContentStart, pos)
		}
		if err := skip(rc, m.ContentStart-pos); err != nil {
			return errors.Fmt("seeking to %q in %s: %w", m.Filename, e.ref.compressed, err)
		}
		content := make([]byte, m.Size)
		if _, err := io.ReadFull(rc, content); err != nil {
			return orKind(failure.BadFormat, errors.Fmt("reading %q from %s: %w", m.Filename, e.ref.compressed, err))
		}
		pos = m.ContentStart + m.Size
		if err := jw.Write(fileOf(m, content)); err != nil {
			return err
		}
	}
	return nil
}

// checkSingleRange verifies that resp has exactly the content of m.
func checkSingleRange(resp *http.Response, m tarindex.MemberInfo) error {
	if resp.StatusCode != http.StatusPartialContent {
		return failure.BadFormat.Errorf("expecting HTTP %d to a range request of %q, got %d", http.StatusPartialContent, m.Filename, resp.StatusCode)
	}
	start, length, err := rangeresp.ParseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	if start != m.ContentStart || length != m.Size {
		return failure.BadFormat.Errorf("got %d bytes at %d for %q, expecting %d bytes at %d", length, start, m.Filename, m.Size, m.ContentStart)
	}
	return nil
}
