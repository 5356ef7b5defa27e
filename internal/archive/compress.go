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
	"compress/bzip2"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

const tarExt = ".tar"

// codec decompresses one kind of compressed tar archive.
type codec struct {
	// suffix is the archive name suffix, e.g. ".tar.gz".
	suffix string
	// ext is the value of X-Compressed-Tar-Ext for such archives, e.g. ".gz".
	ext string
	// newReader starts decompressing r.
	newReader func(r io.Reader) (io.ReadCloser, error)
}

var codecs = []codec{
	{
		suffix: ".tar.gz",
		ext:    ".gz",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	},
	{
		suffix: ".tgz",
		ext:    ".tgz",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	},
	{
		suffix: ".tar.bz2",
		ext:    ".bz2",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(bzip2.NewReader(r)), nil
		},
	},
	{
		suffix: ".tar.xz",
		ext:    ".xz",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			xr, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(xr), nil
		},
	},
	{
		suffix: ".tar.zst",
		ext:    ".zst",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
	},
	{
		suffix: ".tar.lz4",
		ext:    ".lz4",
		newReader: func(r io.Reader) (io.ReadCloser, error) {
			return io.NopCloser(lz4.NewReader(r)), nil
		},
	},
}

// codecBySuffix returns the codec of a compressed archive or nil.
func codecBySuffix(name string) *codec {
	for i := range codecs {
		if strings.HasSuffix(name, codecs[i].suffix) {
			return &codecs[i]
		}
	}
	return nil
}

// codecByExt returns the codec for an X-Compressed-Tar-Ext value or nil.
func codecByExt(ext string) *codec {
	for i := range codecs {
		if codecs[i].ext == ext {
			return &codecs[i]
		}
	}
	return nil
}

// archiveRef is a tar archive that may be stored compressed.
type archiveRef struct {
	// tar is the path of the decompressed tar, e.g. "/bucket/foo.tar".
	tar string
	// compressed is the path of the stored object if it is compressed.
	compressed string
	// codec decompresses the stored object, nil if it is a plain tar.
	codec *codec
}

// isCompressed is true if the stored object needs decompression.
func (a archiveRef) isCompressed() bool { return a.codec != nil }

// parseArchivePath resolves an archive path given in a request.
//
// A path of a compressed archive ("foo.tgz", "bar.tar.xz") refers to its
// decompressed tar ("foo.tar", "bar.tar"). A ".tar" path with a non-empty
// ext (the X-Compressed-Tar-Ext header) refers to the tar decompressed from
// "<path><ext>", or "<path without .tar>.tgz" for ".tgz".
func parseArchivePath(path, ext string) (archiveRef, error) {
	if ext != "" {
		c := codecByExt(ext)
		if c == nil {
			return archiveRef{}, failure.BadRequest.Errorf("unsupported compressed tar extension %q", ext)
		}
		if !strings.HasSuffix(path, tarExt) {
			return archiveRef{}, failure.BadRequest.Errorf("%q must end with %q to be decompressed from %q", path, tarExt, ext)
		}
		compressed := path + ext
		if c.ext == ".tgz" {
			compressed = strings.TrimSuffix(path, tarExt) + c.suffix
		}
		return archiveRef{tar: path, compressed: compressed, codec: c}, nil
	}

	if c := codecBySuffix(path); c != nil {
		return archiveRef{
			tar:        strings.TrimSuffix(path, c.suffix) + tarExt,
			compressed: path,
			codec:      c,
		}, nil
	}
	if strings.HasSuffix(path, tarExt) {
		return archiveRef{tar: path}, nil
	}
	return archiveRef{}, failure.BadRequest.Errorf("%q is not a tar archive, supported extensions: %s", path, supportedSuffixes())
}

func supportedSuffixes() string {
	s := []string{tarExt}
	for _, c := range codecs {
		s = append(s, c.suffix)
	}
	return strings.Join(s, ", ")
}
