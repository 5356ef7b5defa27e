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

// Package archive implements the archive server: downloads of Google Storage
// objects and random access to members of tar archives stored there.
//
// Members are located through their byte offsets (see package tarindex), so
// extracting a member of a plain tar reads just its bytes. Compressed tar
// archives can't be read at random offsets, so they are decompressed as a
// stream. When a caching server is configured, member lists and member bytes
// are requested through it, and it loops requests it can't answer from its
// cache back to this server.
package archive

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/gscache/internal/cachingserver"
	"go.chromium.org/chromiumos/gscache/internal/failure"
	"go.chromium.org/chromiumos/gscache/internal/gs"
	"go.chromium.org/chromiumos/gscache/internal/rangeresp"
	"go.chromium.org/chromiumos/gscache/internal/tarindex"
)

const (
	defaultContentType = "application/octet-stream"
	tarContentType     = "application/x-tar"
)

// Service implements the archive server operations.
//
// It has no state of its own and is safe for concurrent use.
type Service struct {
	gs    gs.GoogleStorage
	cache *cachingserver.Client
	opts  Options
}

// New returns a Service reading from the given Google Storage.
//
// cache may be nil, then everything is read from Google Storage directly.
func New(storage gs.GoogleStorage, cache *cachingserver.Client, opts Options) *Service {
	return &Service{
		gs:    storage,
		cache: cache,
		opts:  opts.withDefaults(),
	}
}

// Object is content to send to a client.
type Object struct {
	// Body is the content. It is nil for Stat results.
	//
	// If it is also an io.ReadSeeker, it can serve range requests.
	Body io.ReadCloser
	// ContentType is the MIME type of the content.
	ContentType string
	// Size is the content length or -1 if unknown.
	Size int64
}

// Stat returns the attributes of a Google Storage object as an Object
// without a body.
func (s *Service) Stat(ctx context.Context, path string) (*Object, error) {
	if err := gs.ValidatePath(path); err != nil {
		return nil, err
	}
	attrs, err := s.gs.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Object{ContentType: contentType(attrs), Size: attrs.Size}, nil
}

// Download returns the content of a Google Storage object.
//
// If hdr has X-Compressed-Tar-Ext, the object is the tar decompressed from the
// object named by the path and the extension, see Decompress.
//
// If hdr has a Range header, the body is seekable, so ranges can be served
// from it. Otherwise it is a single stream of the whole object.
func (s *Service) Download(ctx context.Context, path string, hdr http.Header) (*Object, error) {
	if err := gs.ValidatePath(path); err != nil {
		return nil, err
	}
	if ext := hdr.Get(cachingserver.CompressedTarExtHeader); ext != "" {
		ref, err := parseArchivePath(path, ext)
		if err != nil {
			return nil, err
		}
		logging.Infof(ctx, "Serving %s decompressed from %s", ref.tar, ref.compressed)
		return s.Decompress(ctx, ref.compressed, hdr)
	}

	attrs, err := s.gs.Stat(ctx, path)
	if err != nil {
		return nil, err
	}
	obj := &Object{ContentType: contentType(attrs), Size: attrs.Size}
	if hdr.Get("Range") != "" {
		r, err := s.gs.Reader(ctx, path, attrs.Generation)
		if err != nil {
			return nil, err
		}
		obj.Body = readSeekNopCloser{tarindex.NewReadAheadReader(r, r.Size(), s.opts.ReadAhead)}
		return obj, nil
	}
	if obj.Body, err = s.gs.Open(ctx, path, attrs.Generation, gs.ByteRange{}); err != nil {
		return nil, err
	}
	return obj, nil
}

// Decompress returns the tar decompressed from a compressed tar archive.
//
// The decompressed tar is spooled to a temporary file first, so its size is
// known and ranges can be served from it. The file is deleted when the body
// is closed.
func (s *Service) Decompress(ctx context.Context, path string, hdr http.Header) (*Object, error) {
	if err := gs.ValidatePath(path); err != nil {
		return nil, err
	}
	c := codecBySuffix(path)
	if c == nil {
		return nil, failure.BadRequest.Errorf("%q is not a compressed tar archive, supported extensions: %s", path, supportedSuffixes())
	}
	ref := archiveRef{
		tar:        strings.TrimSuffix(path, c.suffix) + tarExt,
		compressed: path,
		codec:      c,
	}
	rc, err := s.openDecompressed(ctx, ref, hdr)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := os.CreateTemp("", "gscache-*.tar")
	if err != nil {
		return nil, errors.Fmt("creating a spool file: %w", err)
	}
	spool := &tempFile{f}
	size, err := io.Copy(spool, rc)
	if err == nil {
		_, err = spool.Seek(0, io.SeekStart)
	}
	if err != nil {
		spool.Close()
		return nil, errors.Fmt("decompressing %q: %w", path, err)
	}
	logging.Infof(ctx, "Decompressed %s: %s", path, humanize.Bytes(uint64(size)))
	return &Object{Body: spool, ContentType: tarContentType, Size: size}, nil
}

// Members is a member list of an archive, computed as it is read.
type Members struct {
	it    *tarindex.Iterator
	body  io.Closer
	gen   int64
	first *tarindex.MemberInfo
}

// Next returns the next member in archive order or iterator.Done.
func (m *Members) Next() (tarindex.MemberInfo, error) {
	if f := m.first; f != nil {
		m.first = nil
		return *f, nil
	}
	return m.it.Next()
}

// Close releases the archive being read.
func (m *Members) Close() error {
	return m.body.Close()
}

// ListMembers starts listing members of a tar archive.
//
// The path is either of a tar, or of a compressed tar, in which case offsets
// are in the decompressed tar. A tar path with X-Compressed-Tar-Ext in hdr
// refers to the tar decompressed from the compressed object, see
// parseArchivePath.
//
// Only the tar headers of a plain tar are read. A compressed tar is read
// fully, through the caching server if there is one.
//
// An archive without members is a failure.BadFormat error. The caller must
// close the returned Members.
func (s *Service) ListMembers(ctx context.Context, path string, hdr http.Header) (*Members, error) {
	ref, err := s.resolve(path, hdr)
	if err != nil {
		return nil, err
	}
	return s.listMembers(ctx, ref, hdr)
}

func (s *Service) listMembers(ctx context.Context, ref archiveRef, hdr http.Header) (*Members, error) {
	var src io.Reader
	var body io.Closer
	var gen int64
	switch {
	case ref.isCompressed() && s.cache != nil:
		resp, err := s.cache.Download(ctx, ref.tar, upstreamHeader(ref, hdr))
		if err != nil {
			return nil, err
		}
		src, body = resp.Body, resp.Body
	case ref.isCompressed():
		rc, err := s.openDecompressed(ctx, ref, hdr)
		if err != nil {
			return nil, err
		}
		src, body = rc, rc
	default:
		r, err := s.gs.Reader(ctx, ref.tar, 0)
		if err != nil {
			return nil, err
		}
		src, body, gen = tarindex.NewReadAheadReader(r, r.Size(), s.opts.ReadAhead), closerFunc(func() error { return nil }), r.Generation()
	}

	it := tarindex.NewIterator(tarindex.NewListingReader(src))
	first, err := it.Next()
	switch {
	case err == iterator.Done:
		body.Close()
		return nil, failure.BadFormat.Errorf("no members in %s", ref.tar)
	case err != nil:
		body.Close()
		return nil, errors.Fmt("listing members of %s: %w", ref.tar, err)
	}
	return &Members{it: it, body: body, gen: gen, first: &first}, nil
}

// Extract returns the content of one member of a tar archive.
//
// The file must be the member name exactly as listed. If the archive has it
// more than once, the last one wins, the way tar extracts it.
//
// The member is located through the member list, then only its bytes are
// requested. A missing member is a failure.NoFileFound error, and nothing
// past the member list is read in that case.
func (s *Service) Extract(ctx context.Context, path, file string, hdr http.Header) (*Object, error) {
	ref, err := s.resolve(path, hdr)
	if err != nil {
		return nil, err
	}
	found, gen, err := s.findMembers(ctx, ref, hdr, func(name string) bool { return name == file })
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, failure.NoFileFound.Errorf("no %q in %s", file, path)
	}
	m := found[len(found)-1]
	logging.Infof(ctx, "Extracting %q (%s at offset %d) from %s", m.Filename, humanize.Bytes(uint64(m.Size)), m.ContentStart, path)

	obj := &Object{ContentType: defaultContentType, Size: m.Size}
	switch {
	case m.Size == 0:
		obj.Body = io.NopCloser(strings.NewReader(""))
	case s.cache != nil:
		h := upstreamHeader(ref, hdr)
		h.Set("Range", m.RangeHeader())
		resp, err := s.cache.Download(ctx, ref.tar, h)
		if err != nil {
			return nil, err
		}
		if err := checkSingleRange(resp, m); err != nil {
			resp.Body.Close()
			return nil, err
		}
		obj.Body = resp.Body
	case ref.isCompressed():
		rc, err := s.openDecompressed(ctx, ref, hdr)
		if err != nil {
			return nil, err
		}
		if err := skip(rc, m.ContentStart); err != nil {
			rc.Close()
			return nil, errors.Fmt("seeking to %q in %s: %w", m.Filename, path, err)
		}
		obj.Body = &readCloser{Reader: io.LimitReader(rc, m.Size), Closer: rc}
	default:
		obj.Body, err = s.gs.Open(ctx, ref.tar, gen, gs.ByteRange{Start: m.ContentStart, Length: m.Size})
		if err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Extraction is a set of members of one archive to be extracted together.
type Extraction struct {
	// Members are the matched members in archive order.
	Members []tarindex.MemberInfo

	s   *Service
	ref archiveRef
	hdr http.Header
	gen int64
}

// ExtractFiles finds members of a tar archive matching any of the patterns.
//
// Patterns are shell globs where `*` doesn't match `/` and `**` matches any
// number of path segments. A malformed pattern is a failure.BadRequest error.
// Use WriteJSON of the result to get the content of the members.
func (s *Service) ExtractFiles(ctx context.Context, path string, patterns []string, hdr http.Header) (*Extraction, error) {
	ref, err := s.resolve(path, hdr)
	if err != nil {
		return nil, err
	}
	g := &globMatcher{patterns: patterns}
	found, gen, err := s.findMembers(ctx, ref, hdr, g.match)
	if err == nil {
		err = g.err
	}
	if err != nil {
		return nil, err
	}
	found = lastOfEach(found)
	logging.Infof(ctx, "%d member(s) of %s match %q", len(found), path, patterns)
	return &Extraction{
		Members: found,
		s:       s,
		ref:     ref,
		hdr:     hdr,
		gen:     gen,
	}, nil
}

// WriteJSON writes the members as a JSON object of base64 encoded content
// keyed by member names. No members is `{}`.
//
// Empty members come first, the rest are in archive order.
func (e *Extraction) WriteJSON(ctx context.Context, w io.Writer) error {
	jw := rangeresp.NewJSONWriter(w)
	var toFetch []tarindex.MemberInfo
	for _, m := range e.Members {
		if m.Size == 0 {
			if err := jw.Write(fileOf(m, []byte{})); err != nil {
				return err
			}
		} else {
			toFetch = append(toFetch, m)
		}
	}

	var err error
	switch {
	case len(toFetch) == 0:
	case e.s.cache != nil:
		err = e.fetchViaCache(ctx, jw, toFetch)
	case e.ref.isCompressed():
		err = e.fetchFromStream(ctx, jw, toFetch)
	default:
		err = e.fetchRanges(ctx, jw, toFetch)
	}
	if err != nil {
		return err
	}
	return jw.Close()
}

// ListDir lists objects and prefixes under a Google Storage path, like
// `gsutil ls gs://<path>` does.
//
// The path is "/bucket" or "/bucket/prefix". A prefix naming a "directory"
// lists its content. Nothing found is a failure.NotFound error.
func (s *Service) ListDir(ctx context.Context, path string) ([]string, error) {
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if bucket == "" || !strings.HasPrefix(path, "/") {
		return nil, failure.BadRequest.Errorf("expecting /<bucket>[/<prefix>], got %q", path)
	}

	names, err := s.gs.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		out = names
	} else {
		for _, name := range names {
			switch name {
			case gs.URL(bucket, prefix):
				out = append(out, name)
			case gs.URL(bucket, prefix+"/"):
				content, err := s.gs.List(ctx, bucket, prefix+"/")
				if err != nil {
					return nil, err
				}
				out = append(out, content...)
			}
		}
	}
	if len(out) == 0 {
		return nil, failure.NotFound.Errorf("%s matched no objects", gs.URL(bucket, prefix))
	}
	slices.Sort(out)
	return out, nil
}

////////////////////////////////////////////////////////////////////////////////

// resolve validates an archive path of a request.
func (s *Service) resolve(path string, hdr http.Header) (archiveRef, error) {
	if err := gs.ValidatePath(path); err != nil {
		return archiveRef{}, err
	}
	return parseArchivePath(path, hdr.Get(cachingserver.CompressedTarExtHeader))
}

// findMembers returns members of an archive with names accepted by match,
// in archive order, and the generation of the archive if it is known.
//
// With a caching server, the member list is its cached CSV.
func (s *Service) findMembers(ctx context.Context, ref archiveRef, hdr http.Header, match func(string) bool) (found []tarindex.MemberInfo, gen int64, err error) {
	if s.cache != nil {
		resp, err := s.cache.ListMember(ctx, ref.tar, upstreamHeader(ref, hdr))
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for sc.Scan() {
			if sc.Text() == "" {
				continue
			}
			m, err := tarindex.ParseCSVLine(sc.Text())
			if err != nil {
				return nil, 0, errors.Fmt("member list of %s: %w", ref.tar, err)
			}
			if match(m.Filename) {
				found = append(found, m)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, 0, failure.Unavailable.Apply(errors.Fmt("reading member list of %s: %w", ref.tar, err))
		}
		return found, 0, nil
	}

	members, err := s.listMembers(ctx, ref, hdr)
	if err != nil {
		return nil, 0, err
	}
	defer members.Close()
	for {
		m, err := members.Next()
		switch {
		case err == iterator.Done:
			return found, members.gen, nil
		case err != nil:
			return nil, 0, errors.Fmt("listing members of %s: %w", ref.tar, err)
		case match(m.Filename):
			found = append(found, m)
		}
	}
}

// lastOfEach drops members shadowed by a later member with the same name.
func lastOfEach(members []tarindex.MemberInfo) []tarindex.MemberInfo {
	last := make(map[string]int, len(members))
	for i, m := range members {
		last[m.Filename] = i
	}
	out := members[:0]
	for i, m := range members {
		if last[m.Filename] == i {
			out = append(out, m)
		}
	}
	return out
}

// openDecompressed starts reading the decompressed content of a compressed
// archive.
//
// The compressed object is read through the caching server if there is one.
func (s *Service) openDecompressed(ctx context.Context, ref archiveRef, hdr http.Header) (io.ReadCloser, error) {
	var src io.ReadCloser
	if s.cache != nil {
		h := http.Header{}
		if v := hdr.Get(cachingserver.NoCacheHeader); v != "" {
			h.Set(cachingserver.NoCacheHeader, v)
		}
		resp, err := s.cache.Download(ctx, ref.compressed, h)
		if err != nil {
			return nil, err
		}
		src = resp.Body
	} else {
		var err error
		if src, err = s.gs.Open(ctx, ref.compressed, 0, gs.ByteRange{}); err != nil {
			return nil, err
		}
	}

	dr, err := ref.codec.newReader(src)
	if err != nil {
		src.Close()
		return nil, orKind(failure.BadFormat, errors.Fmt("decompressing %s: %w", ref.compressed, err))
	}
	return &readCloser{
		Reader: &formatCheckedReader{dr},
		Closer: closerFunc(func() error {
			dr.Close()
			return src.Close()
		}),
	}, nil
}

// upstreamHeader returns headers of requests to the caching server made on
// behalf of a request with headers hdr.
func upstreamHeader(ref archiveRef, hdr http.Header) http.Header {
	h := http.Header{}
	if v := hdr.Get(cachingserver.NoCacheHeader); v != "" {
		h.Set(cachingserver.NoCacheHeader, v)
	}
	if ref.isCompressed() {
		h.Set(cachingserver.CompressedTarExtHeader, ref.codec.ext)
	}
	return h
}

func contentType(attrs *gs.Attrs) string {
	if attrs.ContentType == "" {
		return defaultContentType
	}
	return attrs.ContentType
}

// skip discards n bytes of r.
func skip(r io.Reader, n int64) error {
	switch copied, err := io.CopyN(io.Discard, r, n); {
	case err == nil:
		return nil
	case err == io.EOF:
		return failure.BadFormat.Errorf("unexpected end of archive after %d bytes", copied)
	default:
		return orKind(failure.BadFormat, err)
	}
}

// orKind tags err with k unless it already has a kind.
func orKind(k failure.Kind, err error) error {
	if failure.Of(err) != failure.Unknown {
		return err
	}
	return k.Apply(err)
}

// formatCheckedReader tags read errors of a decompressor that carry no
// failure.Kind as failure.BadFormat. Errors of the compressed source keep
// their kind.
type formatCheckedReader struct {
	r io.Reader
}

func (f *formatCheckedReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err != nil && err != io.EOF {
		err = orKind(failure.BadFormat, err)
	}
	return n, err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type readCloser struct {
	io.Reader
	io.Closer
}

type readSeekNopCloser struct {
	io.ReadSeeker
}

func (readSeekNopCloser) Close() error { return nil }

// tempFile is a file deleted when closed.
type tempFile struct {
	*os.File
}

func (f *tempFile) Close() error {
	err := f.File.Close()
	if rmErr := os.Remove(f.Name()); err == nil {
		err = rmErr
	}
	return err
}
