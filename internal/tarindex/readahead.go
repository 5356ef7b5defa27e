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

package tarindex

import (
	"fmt"
	"io"
)

// DefaultReadAhead is the default window of ReadAheadReader.
const DefaultReadAhead = 1 << 20

// ReadAheadReader is an io.ReadSeeker over an io.ReaderAt that reads ahead.
//
// It is meant for walking tar headers of a remote archive: each ReadAt is
// a network round trip, so reads are served from a window fetched at once.
// Seeking outside of the window is free until the next Read.
type ReadAheadReader struct {
	ra     io.ReaderAt
	size   int64
	window int

	off    int64  // current position
	bufOff int64  // position of buf in the source
	buf    []byte // current window

	fetches int // number of ReadAt calls made so far
}

var _ io.ReadSeeker = (*ReadAheadReader)(nil)

// NewReadAheadReader returns a reader of the first size bytes of ra.
//
// If window is not positive, DefaultReadAhead is used.
func NewReadAheadReader(ra io.ReaderAt, size int64, window int) *ReadAheadReader {
	if window <= 0 {
		window = DefaultReadAhead
	}
	return &ReadAheadReader{ra: ra, size: size, window: window}
}

// Read implements io.Reader.
func (r *ReadAheadReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.off >= r.size {
		return 0, io.EOF
	}
	if r.off < r.bufOff || r.off >= r.bufOff+int64(len(r.buf)) {
		if err := r.fetch(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf[r.off-r.bufOff:])
	r.off += int64(n)
	return n, nil
}

func (r *ReadAheadReader) fetch() error {
	length := int64(r.window)
	if rest := r.size - r.off; rest < length {
		length = rest
	}
	if cap(r.buf) < int(length) {
		r.buf = make([]byte, r.window)
	}
	buf := r.buf[:length]

	r.fetches++
	n, err := r.ra.ReadAt(buf, r.off)
	if n < len(buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		r.buf = r.buf[:0]
		return err
	}
	r.buf = buf
	r.bufOff = r.off
	return nil
}

// Seek implements io.Seeker.
func (r *ReadAheadReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.off
	case io.SeekEnd:
		offset += r.size
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative position %d", offset)
	}
	r.off = offset
	return offset, nil
}

// Size is the size of the underlying data.
func (r *ReadAheadReader) Size() int64 { return r.size }
