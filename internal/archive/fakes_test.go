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
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"go.chromium.org/chromiumos/gscache/internal/failure"
	"go.chromium.org/chromiumos/gscache/internal/gs"
)

// fakeStorage is an in-memory gs.GoogleStorage that logs calls.
type fakeStorage struct {
	m         sync.Mutex
	objects   map[string]fakeObject
	calls     []string
	readAts   int
	bytesRead int64
}

type fakeObject struct {
	data        []byte
	contentType string
	gen         int64
	cutAt       int // if positive, whole object reads fail after this many bytes
}

var _ gs.GoogleStorage = (*fakeStorage)(nil)

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string]fakeObject{}}
}

func (f *fakeStorage) put(path string, data []byte, contentType string) {
	f.m.Lock()
	defer f.m.Unlock()
	f.objects[path] = fakeObject{data: data, contentType: contentType, gen: f.objects[path].gen + 1}
}

// putCut stores an object whose whole reads fail with failure.Unavailable
// after cutAt bytes, the way a dropped connection fails.
func (f *fakeStorage) putCut(path string, data []byte, cutAt int) {
	f.put(path, data, "")
	f.m.Lock()
	defer f.m.Unlock()
	obj := f.objects[path]
	obj.cutAt = cutAt
	f.objects[path] = obj
}

// reset forgets the logged calls.
func (f *fakeStorage) reset() {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls = nil
	f.readAts = 0
	f.bytesRead = 0
}

// log returns the calls other than ReadAt.
func (f *fakeStorage) log() []string {
	f.m.Lock()
	defer f.m.Unlock()
	return slices.Clone(f.calls)
}

// reads returns the number of ReadAt calls and the total bytes read.
func (f *fakeStorage) reads() (int, int64) {
	f.m.Lock()
	defer f.m.Unlock()
	return f.readAts, f.bytesRead
}

func (f *fakeStorage) get(path string, gen int64) (fakeObject, error) {
	obj, ok := f.objects[path]
	if !ok || (gen > 0 && gen != obj.gen) {
		return fakeObject{}, failure.NotFound.Errorf("no object %s#%d", path, gen)
	}
	return obj, nil
}

func (f *fakeStorage) Stat(ctx context.Context, path string) (*gs.Attrs, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls = append(f.calls, "Stat "+path)
	obj, err := f.get(path, 0)
	if err != nil {
		return nil, err
	}
	return &gs.Attrs{Size: int64(len(obj.data)), ContentType: obj.contentType, Generation: obj.gen}, nil
}

func (f *fakeStorage) Open(ctx context.Context, path string, gen int64, r gs.ByteRange) (io.ReadCloser, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if r.IsZero() {
		f.calls = append(f.calls, "Open "+path)
	} else {
		f.calls = append(f.calls, fmt.Sprintf("Open %s %s", path, r.Header()))
	}
	obj, err := f.get(path, gen)
	if err != nil {
		return nil, err
	}
	data := obj.data
	if r.IsZero() && obj.cutAt > 0 {
		f.bytesRead += int64(obj.cutAt)
		return io.NopCloser(io.MultiReader(
			bytes.NewReader(data[:obj.cutAt]),
			iotest.ErrReader(failure.Unavailable.Errorf("connection reset reading %s", path)),
		)), nil
	}
	if !r.IsZero() {
		if r.Start+r.Length > int64(len(data)) {
			return nil, failure.Unavailable.Errorf("range %s is out of %d bytes", r.Header(), len(data))
		}
		data = data[r.Start : r.Start+r.Length]
	}
	f.bytesRead += int64(len(data))
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) Reader(ctx context.Context, path string, gen int64) (gs.Reader, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls = append(f.calls, "Reader "+path)
	obj, err := f.get(path, gen)
	if err != nil {
		return nil, err
	}
	return &fakeReader{f: f, data: obj.data, gen: obj.gen}, nil
}

func (f *fakeStorage) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("List %s %q", bucket, prefix))

	var prefixes, items []string
	found := false
	for path := range f.objects {
		name, ok := strings.CutPrefix(path, "/"+bucket+"/")
		if !ok {
			continue
		}
		found = true
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			p := gs.URL(bucket, prefix+rest[:i+1])
			if !slices.Contains(prefixes, p) {
				prefixes = append(prefixes, p)
			}
		} else {
			items = append(items, gs.URL(bucket, name))
		}
	}
	if !found {
		return nil, failure.NotFound.Errorf("no bucket %s", bucket)
	}
	slices.Sort(prefixes)
	slices.Sort(items)
	return append(prefixes, items...), nil
}

type fakeReader struct {
	f    *fakeStorage
	data []byte
	gen  int64
}

func (r *fakeReader) Size() int64       { return int64(len(r.data)) }
func (r *fakeReader) Generation() int64 { return r.gen }

func (r *fakeReader) ReadAt(p []byte, off int64) (int, error) {
	r.f.m.Lock()
	defer r.f.m.Unlock()
	r.f.readAts++
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	r.f.bytesRead += int64(n)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

////////////////////////////////////////////////////////////////////////////////

type entry struct {
	hdr  tar.Header
	body string
}

var entryTime = time.Date(2019, 3, 4, 5, 6, 7, 0, time.UTC)

func regular(name, body string) entry {
	return entry{
		hdr: tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
			ModTime:  entryTime,
		},
		body: body,
	}
}

func directory(name string) entry {
	return entry{hdr: tar.Header{Typeflag: tar.TypeDir, Name: name, Mode: 0755, ModTime: entryTime}}
}

func symlink(name, target string) entry {
	return entry{hdr: tar.Header{Typeflag: tar.TypeSymlink, Name: name, Linkname: target, Mode: 0777, ModTime: entryTime}}
}

func makeTar(t testing.TB, entries ...entry) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		hdr := e.hdr
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatalf("WriteHeader(%q): %s", hdr.Name, err)
		}
		if _, err := io.WriteString(tw, e.body); err != nil {
			t.Fatalf("Write(%q): %s", hdr.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	return buf.Bytes()
}

// bigBody is larger than the read-ahead window used in tests.
var bigBody = strings.Repeat("0123456789abcdef", 4096)

// sampleEntries is the content of the test archives.
func sampleEntries() []entry {
	return []entry{
		regular("foo", ""),
		regular("bar with spaces", strings.Repeat("b", 123)),
		directory("dir/"),
		symlink("dir/link", "../foo"),
		regular("dir/a.txt", "aaa"),
		regular("dir/sub/b.txt", "bbbb"),
		regular("dir/sub/c.bin", "c"),
		regular("big.bin", bigBody),
		regular("dup", "first"),
		regular("dup", "second"),
		regular("last", "!"),
	}
}

type compressor func(t testing.TB, data []byte) []byte

func closeAll(t testing.TB, w io.WriteCloser, data []byte) {
	t.Helper()
	if _, err := w.Write(data); err != nil {
		t.Fatalf("compressing: %s", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("compressing: %s", err)
	}
}

// compressors produce the compressed archives by suffix. There's no bzip2
// writer, see bzipTar.
var compressors = map[string]compressor{
	".tar.gz": func(t testing.TB, data []byte) []byte {
		buf := &bytes.Buffer{}
		closeAll(t, gzip.NewWriter(buf), data)
		return buf.Bytes()
	},
	".tgz": func(t testing.TB, data []byte) []byte {
		buf := &bytes.Buffer{}
		closeAll(t, gzip.NewWriter(buf), data)
		return buf.Bytes()
	},
	".tar.zst": func(t testing.TB, data []byte) []byte {
		buf := &bytes.Buffer{}
		w, err := zstd.NewWriter(buf)
		if err != nil {
			t.Fatalf("zstd: %s", err)
		}
		closeAll(t, w, data)
		return buf.Bytes()
	},
	".tar.xz": func(t testing.TB, data []byte) []byte {
		buf := &bytes.Buffer{}
		w, err := xz.NewWriter(buf)
		if err != nil {
			t.Fatalf("xz: %s", err)
		}
		closeAll(t, w, data)
		return buf.Bytes()
	},
	".tar.lz4": func(t testing.TB, data []byte) []byte {
		buf := &bytes.Buffer{}
		closeAll(t, lz4.NewWriter(buf), data)
		return buf.Bytes()
	},
}

// bzipTar is a bzip2 compressed tar with one member, "bz/hello.txt", holding
// "hello from bzip2\n".
var bzipTar = mustDecodeBase64(
	"QlpoOTFBWSZTWSlXHxcAAHP7gMoQIABAAfeABABzZt5QCAggAHUNU9TahtQ0NGQGjR6gkqaGgDIA" +
		"ANH3dIxCBsiEIf06cmtiagREnMOOSD2iloYAiwBL7aj8fE0LVGmTa0Ng0g6QJd3yExAhtPufyr7C" +
		"/4xSQfi7kinChIFKuPi4")

func mustDecodeBase64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
