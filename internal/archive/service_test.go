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
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"

	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/logging/memlogger"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/gscache/internal/cachingserver"
	"go.chromium.org/chromiumos/gscache/internal/failure"
	"go.chromium.org/chromiumos/gscache/internal/tarindex"
)

var sampleNames = []string{
	"foo",
	"bar with spaces",
	"dir/",
	"dir/link -> ../foo",
	"dir/a.txt",
	"dir/sub/b.txt",
	"dir/sub/c.bin",
	"big.bin",
	"dup",
	"dup",
	"last",
}

func drain(t testing.TB, m *Members) []tarindex.MemberInfo {
	t.Helper()
	defer m.Close()
	var out []tarindex.MemberInfo
	for {
		info, err := m.Next()
		if err == iterator.Done {
			return out
		}
		if err != nil {
			t.Fatalf("listing members: %s", err)
		}
		out = append(out, info)
	}
}

func names(members []tarindex.MemberInfo) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Filename
	}
	return out
}

func contentOf(data []byte, m tarindex.MemberInfo) string {
	return string(data[m.ContentStart : m.ContentStart+m.Size])
}

func readAll(t testing.TB, obj *Object) string {
	t.Helper()
	defer obj.Body.Close()
	b, err := io.ReadAll(obj.Body)
	if err != nil {
		t.Fatalf("reading the body: %s", err)
	}
	return string(b)
}

func TestService(t *testing.T) {
	t.Parallel()

	ftt.Run("With a fake storage", t, func(t *ftt.Test) {
		ctx := memlogger.Use(context.Background())

		tarData := makeTar(t, sampleEntries()...)
		storage := newFakeStorage()
		storage.put("/bucket/a.tar", tarData, "application/x-tar")
		for suffix, compress := range compressors {
			storage.put("/bucket/a"+suffix, compress(t, tarData), "")
		}
		storage.put("/bucket/b.tar.bz2", bzipTar, "")
		storage.put("/bucket/empty.tar", makeTar(t), "")
		storage.put("/bucket/junk.tar", bytes.Repeat([]byte("not a tar"), 200), "")
		storage.put("/bucket/plain.txt", []byte("just some text"), "text/plain")
		storage.put("/bucket/dir/x", []byte("x"), "")
		storage.put("/bucket/dir/sub/y", []byte("y"), "")

		s := New(storage, nil, Options{ReadAhead: 4096})

		t.Run("ListMembers", func(t *ftt.Test) {
			t.Run("Plain tar", func(t *ftt.Test) {
				storage.reset()
				m, err := s.ListMembers(ctx, "/bucket/a.tar", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				members := drain(t, m)

				assert.That(t, names(members), should.Match(sampleNames))
				assert.That(t, members[0].RecordStart, should.Equal[int64](0))
				for i := 1; i < len(members); i++ {
					prev := members[i-1]
					assert.That(t, prev.ContentStart+tarindex.RoundUp512(prev.Size), should.Equal(members[i].RecordStart))
				}
				for i, e := range sampleEntries() {
					if e.hdr.Typeflag == tar.TypeReg {
						assert.That(t, contentOf(tarData, members[i]), should.Equal(e.body))
					}
				}

				// Only the headers were fetched, not the big member.
				assert.That(t, storage.log(), should.Match([]string{"Reader /bucket/a.tar"}))
				_, read := storage.reads()
				assert.Loosely(t, read, should.BeLessThan(int64(len(tarData)/2)))
			})

			t.Run("Compressed tars", func(t *ftt.Test) {
				plain, err := s.ListMembers(ctx, "/bucket/a.tar", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				want := drain(t, plain)

				for suffix := range compressors {
					storage.reset()
					m, err := s.ListMembers(ctx, "/bucket/a"+suffix, http.Header{})
					assert.Loosely(t, err, should.BeNil, truth.Explain("%s", suffix))
					assert.That(t, drain(t, m), should.Match(want), truth.Explain("%s", suffix))
					assert.That(t, storage.log(), should.Match([]string{"Open /bucket/a" + suffix}))
				}
			})

			t.Run("Compressed tar named by the header", func(t *ftt.Test) {
				storage.reset()
				m, err := s.ListMembers(ctx, "/bucket/a.tar", http.Header{
					cachingserver.CompressedTarExtHeader: {".tgz"},
				})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, names(drain(t, m)), should.Match(sampleNames))
				assert.That(t, storage.log(), should.Match([]string{"Open /bucket/a.tgz"}))
			})

			t.Run("Bzip2", func(t *ftt.Test) {
				m, err := s.ListMembers(ctx, "/bucket/b.tar.bz2", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				members := drain(t, m)
				assert.That(t, names(members), should.Match([]string{"bz/hello.txt"}))
				assert.That(t, members[0].Size, should.Equal[int64](17))
			})

			t.Run("No members", func(t *ftt.Test) {
				_, err := s.ListMembers(ctx, "/bucket/empty.tar", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadFormat))
				assert.Loosely(t, err, should.ErrLike("no members"))
			})

			t.Run("Not a tar", func(t *ftt.Test) {
				_, err := s.ListMembers(ctx, "/bucket/junk.tar", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadFormat))
			})

			t.Run("Missing", func(t *ftt.Test) {
				_, err := s.ListMembers(ctx, "/bucket/missing.tar", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.NotFound))
			})

			t.Run("Bad paths", func(t *ftt.Test) {
				for _, p := range []string{"/bucket/plain.txt", "/bucket/a.zip", "bucket/a.tar", "/bucket/"} {
					_, err := s.ListMembers(ctx, p, http.Header{})
					assert.That(t, failure.Of(err), should.Equal(failure.BadRequest), truth.Explain("%s", p))
				}
				_, err := s.ListMembers(ctx, "/bucket/a.tar", http.Header{
					cachingserver.CompressedTarExtHeader: {".rar"},
				})
				assert.That(t, failure.Of(err), should.Equal(failure.BadRequest))
			})
		})

		t.Run("Extract", func(t *ftt.Test) {
			t.Run("Plain tar reads just the member", func(t *ftt.Test) {
				storage.reset()
				obj, err := s.Extract(ctx, "/bucket/a.tar", "dir/sub/b.txt", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, obj.Size, should.Equal[int64](4))
				assert.That(t, readAll(t, obj), should.Equal("bbbb"))

				log := storage.log()
				assert.Loosely(t, log, should.HaveLength(2))
				assert.That(t, log[0], should.Equal("Reader /bucket/a.tar"))
				assert.Loosely(t, log[1], should.HavePrefix("Open /bucket/a.tar bytes="))
			})

			t.Run("Big member", func(t *ftt.Test) {
				obj, err := s.Extract(ctx, "/bucket/a.tar", "big.bin", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, readAll(t, obj) == bigBody, should.BeTrue)
			})

			t.Run("Unknown member is not downloaded", func(t *ftt.Test) {
				storage.reset()
				_, err := s.Extract(ctx, "/bucket/a.tar", "nope", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.NoFileFound))
				assert.That(t, failure.HTTPStatus(err), should.Equal(http.StatusNotFound))
				assert.That(t, storage.log(), should.Match([]string{"Reader /bucket/a.tar"}))
			})

			t.Run("Empty member", func(t *ftt.Test) {
				storage.reset()
				obj, err := s.Extract(ctx, "/bucket/a.tar", "foo", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, obj.Size, should.Equal[int64](0))
				assert.Loosely(t, readAll(t, obj), should.BeEmpty)
				assert.That(t, storage.log(), should.Match([]string{"Reader /bucket/a.tar"}))
			})

			t.Run("The last duplicate wins", func(t *ftt.Test) {
				obj, err := s.Extract(ctx, "/bucket/a.tar", "dup", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, readAll(t, obj), should.Equal("second"))
			})

			t.Run("Names are exact", func(t *ftt.Test) {
				_, err := s.Extract(ctx, "/bucket/a.tar", "dir/*.txt", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.NoFileFound))
			})

			t.Run("Compressed tars", func(t *ftt.Test) {
				for suffix := range compressors {
					obj, err := s.Extract(ctx, "/bucket/a"+suffix, "dir/a.txt", http.Header{})
					assert.Loosely(t, err, should.BeNil, truth.Explain("%s", suffix))
					assert.That(t, obj.Size, should.Equal[int64](3))
					assert.That(t, readAll(t, obj), should.Equal("aaa"), truth.Explain("%s", suffix))
				}

				obj, err := s.Extract(ctx, "/bucket/a.tar.zst", "big.bin", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, readAll(t, obj) == bigBody, should.BeTrue)

				obj, err = s.Extract(ctx, "/bucket/b.tar.bz2", "bz/hello.txt", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, readAll(t, obj), should.Equal("hello from bzip2\n"))
			})

			t.Run("Compressed tar named by the header", func(t *ftt.Test) {
				storage.reset()
				obj, err := s.Extract(ctx, "/bucket/a.tar", "last", http.Header{
					cachingserver.CompressedTarExtHeader: {".gz"},
				})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, readAll(t, obj), should.Equal("!"))
				assert.That(t, storage.log(), should.Match([]string{
					"Open /bucket/a.tar.gz", // the listing
					"Open /bucket/a.tar.gz", // the content
				}))
			})
		})

		t.Run("ExtractFiles", func(t *ftt.Test) {
			extractJSON := func(t *ftt.Test, path string, patterns ...string) (string, []string) {
				storage.reset()
				ext, err := s.ExtractFiles(ctx, path, patterns, http.Header{})
				assert.Loosely(t, err, should.BeNil)
				buf := &bytes.Buffer{}
				assert.Loosely(t, ext.WriteJSON(ctx, buf), should.BeNil)
				return buf.String(), storage.log()
			}

			t.Run("Plain tar", func(t *ftt.Test) {
				out, log := extractJSON(t, "/bucket/a.tar", "dir/*.txt", "**/c.bin", "foo")
				assert.That(t, out, should.Equal(`{"foo": "", "dir/a.txt": "YWFh", "dir/sub/c.bin": "Yw=="}`))
				assert.Loosely(t, log, should.HaveLength(3))

				var decoded map[string][]byte
				assert.Loosely(t, json.Unmarshal([]byte(out), &decoded), should.BeNil)
				assert.That(t, string(decoded["dir/a.txt"]), should.Equal("aaa"))
			})

			t.Run("Compressed tar is read once", func(t *ftt.Test) {
				out, log := extractJSON(t, "/bucket/a.tgz", "dir/sub/*")
				assert.That(t, out, should.Equal(`{"dir/sub/b.txt": "YmJiYg==", "dir/sub/c.bin": "Yw=="}`))
				assert.That(t, log, should.Match([]string{"Open /bucket/a.tgz", "Open /bucket/a.tgz"}))
			})

			t.Run("The last duplicate wins", func(t *ftt.Test) {
				out, _ := extractJSON(t, "/bucket/a.tar", "du?")
				assert.That(t, out, should.Equal(`{"dup": "c2Vjb25k"}`))
			})

			t.Run("No match", func(t *ftt.Test) {
				out, _ := extractJSON(t, "/bucket/a.tar", "*.nothing")
				assert.That(t, out, should.Equal("{}"))
			})

			t.Run("Bad pattern", func(t *ftt.Test) {
				_, err := s.ExtractFiles(ctx, "/bucket/a.tar", []string{"["}, http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadRequest))
			})
		})

		t.Run("Download", func(t *ftt.Test) {
			t.Run("Whole object", func(t *ftt.Test) {
				storage.reset()
				obj, err := s.Download(ctx, "/bucket/plain.txt", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, obj.ContentType, should.Equal("text/plain"))
				assert.That(t, obj.Size, should.Equal[int64](14))
				assert.That(t, readAll(t, obj), should.Equal("just some text"))
				assert.That(t, storage.log(), should.Match([]string{"Stat /bucket/plain.txt", "Open /bucket/plain.txt"}))
			})

			t.Run("Default content type", func(t *ftt.Test) {
				obj, err := s.Stat(ctx, "/bucket/dir/x")
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, obj.ContentType, should.Equal("application/octet-stream"))
				assert.Loosely(t, obj.Body, should.BeNil)
			})

			t.Run("Range requests get a seekable body", func(t *ftt.Test) {
				obj, err := s.Download(ctx, "/bucket/plain.txt", http.Header{"Range": {"bytes=5-"}})
				assert.Loosely(t, err, should.BeNil)
				rs, ok := obj.Body.(io.ReadSeeker)
				assert.That(t, ok, should.BeTrue)
				_, err = rs.Seek(5, io.SeekStart)
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, readAll(t, obj), should.Equal("some text"))
			})

			t.Run("Decompressed on request", func(t *ftt.Test) {
				obj, err := s.Download(ctx, "/bucket/a.tar", http.Header{
					cachingserver.CompressedTarExtHeader: {".xz"},
				})
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, obj.ContentType, should.Equal("application/x-tar"))
				assert.That(t, obj.Size, should.Equal(int64(len(tarData))))
				assert.That(t, readAll(t, obj) == string(tarData), should.BeTrue)
			})

			t.Run("Errors", func(t *ftt.Test) {
				_, err := s.Download(ctx, "/bucket/missing", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.NotFound))
				_, err = s.Download(ctx, "/bucket", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadRequest))
			})
		})

		t.Run("Decompress", func(t *ftt.Test) {
			t.Run("OK", func(t *ftt.Test) {
				obj, err := s.Decompress(ctx, "/bucket/a.tar.lz4", http.Header{})
				assert.Loosely(t, err, should.BeNil)
				spool := obj.Body.(*tempFile).Name()
				assert.That(t, readAll(t, obj) == string(tarData), should.BeTrue)
				_, err = os.Stat(spool)
				assert.That(t, os.IsNotExist(err), should.BeTrue)
			})

			t.Run("Not compressed", func(t *ftt.Test) {
				_, err := s.Decompress(ctx, "/bucket/a.tar", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadRequest))
			})

			t.Run("Corrupted", func(t *ftt.Test) {
				storage.put("/bucket/broken.tar.gz", []byte("not gzip at all"), "")
				_, err := s.Decompress(ctx, "/bucket/broken.tar.gz", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadFormat))
			})
		})

		t.Run("Broken compressed streams", func(t *ftt.Test) {
			gz := compressors[".tar.gz"](t, tarData)

			t.Run("Truncated archive", func(t *ftt.Test) {
				storage.put("/bucket/truncated.tar.gz", gz[:len(gz)/2], "")

				_, err := s.Decompress(ctx, "/bucket/truncated.tar.gz", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadFormat))

				_, err = s.Extract(ctx, "/bucket/truncated.tar.gz", "last", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadFormat))

				_, err = s.ExtractFiles(ctx, "/bucket/truncated.tar.gz", []string{"*"}, http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.BadFormat))
			})

			t.Run("Storage failing mid-stream", func(t *ftt.Test) {
				storage.putCut("/bucket/flaky.tar.gz", gz, len(gz)/2)

				_, err := s.Decompress(ctx, "/bucket/flaky.tar.gz", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.Unavailable))

				_, err = s.Extract(ctx, "/bucket/flaky.tar.gz", "last", http.Header{})
				assert.That(t, failure.Of(err), should.Equal(failure.Unavailable))
			})
		})

		t.Run("ListDir", func(t *ftt.Test) {
			t.Run("Bucket", func(t *ftt.Test) {
				out, err := s.ListDir(ctx, "/bucket")
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, out, should.Contain("gs://bucket/dir/"))
				assert.Loosely(t, out, should.Contain("gs://bucket/a.tar"))
			})

			t.Run("Directory", func(t *ftt.Test) {
				want := []string{"gs://bucket/dir/sub/", "gs://bucket/dir/x"}
				for _, p := range []string{"/bucket/dir", "/bucket/dir/"} {
					out, err := s.ListDir(ctx, p)
					assert.Loosely(t, err, should.BeNil)
					assert.That(t, out, should.Match(want), truth.Explain("%s", p))
				}
			})

			t.Run("Object", func(t *ftt.Test) {
				out, err := s.ListDir(ctx, "/bucket/plain.txt")
				assert.Loosely(t, err, should.BeNil)
				assert.That(t, out, should.Match([]string{"gs://bucket/plain.txt"}))
			})

			t.Run("Nothing", func(t *ftt.Test) {
				_, err := s.ListDir(ctx, "/bucket/pla")
				assert.That(t, failure.Of(err), should.Equal(failure.NotFound))
				_, err = s.ListDir(ctx, "/another")
				assert.That(t, failure.Of(err), should.Equal(failure.NotFound))
				_, err = s.ListDir(ctx, "/")
				assert.That(t, failure.Of(err), should.Equal(failure.BadRequest))
			})
		})
	})
}

func TestParseArchivePath(t *testing.T) {
	t.Parallel()

	ftt.Run("parseArchivePath", t, func(t *ftt.Test) {
		cases := []struct {
			path, ext       string
			tar, compressed string
		}{
			{"/b/foo.tar", "", "/b/foo.tar", ""},
			{"/b/foo.tgz", "", "/b/foo.tar", "/b/foo.tgz"},
			{"/b/foo.tar.gz", "", "/b/foo.tar", "/b/foo.tar.gz"},
			{"/b/foo.tar.xz", "", "/b/foo.tar", "/b/foo.tar.xz"},
			{"/b/foo.tar.bz2", "", "/b/foo.tar", "/b/foo.tar.bz2"},
			{"/b/foo.tar.zst", "", "/b/foo.tar", "/b/foo.tar.zst"},
			{"/b/foo.tar.lz4", "", "/b/foo.tar", "/b/foo.tar.lz4"},
			{"/b/foo.tar", ".gz", "/b/foo.tar", "/b/foo.tar.gz"},
			{"/b/foo.tar", ".tgz", "/b/foo.tar", "/b/foo.tgz"},
			{"/b/foo.tar", ".bz2", "/b/foo.tar", "/b/foo.tar.bz2"},
		}
		for _, c := range cases {
			ref, err := parseArchivePath(c.path, c.ext)
			assert.Loosely(t, err, should.BeNil)
			assert.That(t, ref.tar, should.Equal(c.tar), truth.Explain("%s %s", c.path, c.ext))
			assert.That(t, ref.compressed, should.Equal(c.compressed), truth.Explain("%s %s", c.path, c.ext))
			assert.That(t, ref.isCompressed(), should.Equal(c.compressed != ""))
		}

		for _, c := range [][2]string{
			{"/b/foo.zip", ""},
			{"/b/foo", ""},
			{"/b/foo.tgz", ".gz"},
			{"/b/foo.tar", ".zip"},
		} {
			_, err := parseArchivePath(c[0], c[1])
			assert.That(t, failure.Of(err), should.Equal(failure.BadRequest), truth.Explain("%s %s", c[0], c[1]))
		}
	})
}
