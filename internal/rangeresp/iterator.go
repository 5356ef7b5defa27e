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

package rangeresp

import (
	"context"
	"io"
	"mime/multipart"

	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/gscache/internal/failure"
	"go.chromium.org/chromiumos/gscache/internal/tarindex"
)

// FileIterator yields the files of a range response in body order.
//
// It consumes the body once, as it is read, so parts of any size can be
// streamed. Parts are matched to members by the start of their range. Parts
// matching no member are skipped.
type FileIterator struct {
	ctx     context.Context
	byStart map[int64]tarindex.MemberInfo

	nextPart func() (contentRange string, body io.Reader, err error)
	parts    int // parts seen so far
	matched  int // parts matched to a member so far
	err      error
}

// NewFileIterator returns an iterator over a multipart/byteranges body with
// the given boundary.
func NewFileIterator(ctx context.Context, body io.Reader, boundary string, members []tarindex.MemberInfo) *FileIterator {
	mr := multipart.NewReader(body, boundary)
	it := newIterator(ctx, members)
	it.nextPart = func() (string, io.Reader, error) {
		part, err := mr.NextPart()
		switch {
		case err == io.EOF:
			return "", nil, iterator.Done
		case errors.Is(err, io.EOF) && it.parts == 0:
			// Not even a single boundary, i.e. no parts at all.
			return "", nil, iterator.Done
		case err != nil:
			return "", nil, asBadFormat(errors.Fmt("reading part %d: %w", it.parts+1, err))
		}
		return part.Header.Get("Content-Range"), part, nil
	}
	return it
}

// newSinglePartIterator returns an iterator over a body which is the content
// of the single range contentRange.
func newSinglePartIterator(ctx context.Context, body io.Reader, contentRange string, members []tarindex.MemberInfo) *FileIterator {
	it := newIterator(ctx, members)
	done := false
	it.nextPart = func() (string, io.Reader, error) {
		if done {
			return "", nil, iterator.Done
		}
		done = true
		return contentRange, body, nil
	}
	return it
}

func newIterator(ctx context.Context, members []tarindex.MemberInfo) *FileIterator {
	byStart := make(map[int64]tarindex.MemberInfo, len(members))
	for _, m := range members {
		byStart[m.ContentStart] = m
	}
	return &FileIterator{ctx: ctx, byStart: byStart}
}

// Next returns the next file, or iterator.Done when there are no more.
//
// If not a single part matched a member, including when there are no parts at
// all, the error is tagged with failure.NoFileFound. Malformed parts result in
// failure.BadFormat errors. After an error, Next keeps returning it.
func (it *FileIterator) Next() (File, error) {
	if it.err != nil {
		return File{}, it.err
	}
	f, err := it.next()
	if err != nil {
		it.err = err
	}
	return f, err
}

func (it *FileIterator) next() (File, error) {
	for {
		contentRange, body, err := it.nextPart()
		if err == iterator.Done {
			if it.matched == 0 {
				return File{}, failure.NoFileFound.Errorf("no file matches the ranges of %d response parts", it.parts)
			}
			return File{}, iterator.Done
		}
		if err != nil {
			return File{}, err
		}
		it.parts++

		if contentRange == "" {
			return File{}, failure.BadFormat.Errorf("part %d has no Content-Range", it.parts)
		}
		start, length, err := ParseContentRange(contentRange)
		if err != nil {
			return File{}, errors.Fmt("part %d: %w", it.parts, err)
		}
		m, ok := it.byStart[start]
		if !ok {
			logging.Warningf(it.ctx, "Skipping part %d: no file matches %q", it.parts, contentRange)
			continue
		}
		if m.Size != length {
			return File{}, failure.BadFormat.Errorf("part %d: range %q doesn't match the size %d of %q", it.parts, contentRange, m.Size, m.Filename)
		}

		content, err := io.ReadAll(io.LimitReader(body, length+1))
		if err != nil {
			return File{}, asBadFormat(errors.Fmt("reading %q: %w", m.Filename, err))
		}
		if int64(len(content)) != length {
			return File{}, failure.BadFormat.Errorf("got %d bytes of %q, expecting %d", len(content), m.Filename, length)
		}
		it.matched++
		return File{Name: m.Filename, Content: content}, nil
	}
}

// asBadFormat tags errors of a broken body, keeping the tags set by the
// transport.
func asBadFormat(err error) error {
	if failure.Of(err) == failure.Unknown {
		return failure.BadFormat.Apply(err)
	}
	return err
}
