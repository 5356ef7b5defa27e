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
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/iotools"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

// listingReader renders tar headers as a `tar tvR` listing.
type listingReader struct {
	tr  *tar.Reader
	pos func() (int64, error)

	base int64        // position of the archive start in the underlying reader
	next int64        // where the next record starts, relative to base
	buf  bytes.Buffer // rendered lines not yet read
	err  error        // sticky, io.EOF after the end-of-archive line
}

// NewListingReader returns a reader of the `tar tvR` listing of the tar
// archive read from r.
//
// Lines are produced on demand as the listing is read, one tar header at
// a time. If r is an io.ReadSeeker, member content is skipped by seeking, so
// only the header blocks are actually read.
//
// Names with line breaks have them escaped as `\n` and `\r`, otherwise the
// listing would be ambiguous.
func NewListingReader(r io.Reader) io.Reader {
	lr := &listingReader{}
	if rs, ok := r.(io.ReadSeeker); ok {
		lr.tr = tar.NewReader(rs)
		lr.pos = func() (int64, error) { return rs.Seek(0, io.SeekCurrent) }
		lr.base, lr.err = lr.pos()
	} else {
		cr := &iotools.CountingReader{Reader: r}
		lr.tr = tar.NewReader(cr)
		lr.pos = func() (int64, error) { return cr.Count, nil }
	}
	return lr
}

func (lr *listingReader) Read(p []byte) (int, error) {
	for lr.buf.Len() == 0 {
		if lr.err != nil {
			return 0, lr.err
		}
		lr.err = lr.fill()
	}
	return lr.buf.Read(p)
}

// fill renders the next header, or the end-of-archive line.
func (lr *listingReader) fill() error {
	hdr, err := lr.tr.Next()
	if err == io.EOF {
		fmt.Fprintf(&lr.buf, "block %d: ** Block of NULs **\n", lr.next/BlockSize)
		return io.EOF
	}
	if err != nil {
		if failure.Of(err) == failure.Unknown {
			err = failure.BadFormat.Apply(err)
		}
		return errors.Fmt("reading tar header at %d: %w", lr.next, err)
	}
	for key := range hdr.PAXRecords {
		if strings.HasPrefix(key, "GNU.sparse.") {
			return failure.BadFormat.Errorf("sparse member %q is not supported", hdr.Name)
		}
	}
	if hdr.Typeflag == tar.TypeGNUSparse {
		return failure.BadFormat.Errorf("sparse member %q is not supported", hdr.Name)
	}

	pos, err := lr.pos()
	if err != nil {
		return errors.Fmt("locating the content of %q: %w", hdr.Name, err)
	}
	recordStart := lr.next
	contentStart := pos - lr.base
	if contentStart < recordStart+BlockSize {
		return failure.BadFormat.Errorf("content of %q at %d overlaps its header at %d", hdr.Name, contentStart, recordStart)
	}
	lr.next = contentStart + RoundUp512(hdr.Size)

	fmt.Fprintf(&lr.buf, "block %d: %s %s %d %s %s\n",
		recordStart/BlockSize,
		modeString(hdr),
		ownership(hdr),
		hdr.Size,
		hdr.ModTime.UTC().Format("2006-01-02 15:04"),
		displayName(hdr))
	return nil
}

// modeString renders the type and permission bits the way `tar tv` does.
func modeString(hdr *tar.Header) string {
	typ := byte('-')
	switch hdr.Typeflag {
	case tar.TypeDir:
		typ = 'd'
	case tar.TypeSymlink:
		typ = 'l'
	case tar.TypeLink:
		typ = 'h'
	case tar.TypeChar:
		typ = 'c'
	case tar.TypeBlock:
		typ = 'b'
	case tar.TypeFifo:
		typ = 'p'
	}
	return string(typ) + fs.FileMode(hdr.Mode).Perm().String()[1:]
}

// ownership renders "user/group", falling back to numeric ids when the names
// are missing or would break the listing into more fields.
func ownership(hdr *tar.Header) string {
	user, group := hdr.Uname, hdr.Gname
	if user == "" || separators.MatchString(user) {
		user = strconv.Itoa(hdr.Uid)
	}
	if group == "" || separators.MatchString(group) {
		group = strconv.Itoa(hdr.Gid)
	}
	return user + "/" + group
}

var nameEscaper = strings.NewReplacer("\n", `\n`, "\r", `\r`)

func displayName(hdr *tar.Header) string {
	name := nameEscaper.Replace(hdr.Name)
	switch hdr.Typeflag {
	case tar.TypeSymlink:
		return name + " -> " + nameEscaper.Replace(hdr.Linkname)
	case tar.TypeLink:
		return name + " link to " + nameEscaper.Replace(hdr.Linkname)
	}
	return name
}
