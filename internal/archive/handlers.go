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
	"bufio"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/chromiumos/gscache/internal/cachingserver"
	"go.chromium.org/chromiumos/gscache/internal/failure"
)

// handlerFunc serves one request for an object path ("/bucket/object").
type handlerFunc func(ctx context.Context, w *responseWriter, r *http.Request, path string) error

// InstallHandlers installs the archive server routes:
//
//	GET  /download/<bucket>/<object>
//	HEAD /download/<bucket>/<object>
//	GET  /list_member/<bucket>/<archive>
//	GET  /extract/<bucket>/<archive>?file=<member or pattern>[&file=...]
//	GET  /decompress/<bucket>/<compressed archive>
//	GET  /list_dir/<bucket>[/<prefix>]
func InstallHandlers(r *router.Router, mw router.MiddlewareChain, s *Service) {
	h := &handlers{s: s}
	r.GET("/download/*path", mw, h.wrap("download", h.download))
	r.Handle(http.MethodHead, "/download/*path", mw, h.wrap("download", h.download))
	r.GET("/list_member/*path", mw, h.wrap("list_member", h.listMember))
	r.GET("/extract/*path", mw, h.wrap("extract", h.extract))
	r.GET("/decompress/*path", mw, h.wrap("decompress", h.decompress))
	r.GET("/list_dir/*path", mw, h.wrap("list_dir", h.listDir))
}

type handlers struct {
	s *Service
}

// wrap turns a handlerFunc into a router.Handler.
//
// Errors returned before anything was written become HTTP errors with the
// status of their failure.Kind. Errors after that abort the response, so the
// client sees it cut short.
func (h *handlers) wrap(name string, fn handlerFunc) router.Handler {
	return func(c *router.Context) {
		ctx := c.Request.Context()
		start := clock.Now(ctx)
		path := c.Params.ByName("path")
		w := &responseWriter{ResponseWriter: c.Writer}

		err := fn(ctx, w, c.Request, path)

		aborted := false
		switch {
		case err == nil:
		case w.status == 0:
			status := failure.HTTPStatus(err)
			if status >= 500 {
				logging.WithError(err).Errorf(ctx, "%s %s: HTTP %d", name, path, status)
			} else {
				logging.WithError(err).Warningf(ctx, "%s %s: HTTP %d", name, path, status)
			}
			http.Error(w, err.Error(), status)
		default:
			logging.WithError(err).Errorf(ctx, "%s %s failed after sending %s", name, path, humanize.Bytes(uint64(w.bytes)))
			aborted = true
		}

		status := w.status
		if status == 0 {
			status = http.StatusOK
		}
		if aborted {
			status = 0
		}
		requestCount.Add(ctx, 1, name, status)
		requestDurationMS.Add(ctx, float64(clock.Since(ctx, start).Milliseconds()), name, status)
		responseBytes.Add(ctx, w.bytes, name)

		if aborted {
			panic(http.ErrAbortHandler)
		}
	}
}

func (h *handlers) download(ctx context.Context, w *responseWriter, r *http.Request, path string) error {
	var obj *Object
	var err error
	if r.Method == http.MethodHead && r.Header.Get(cachingserver.CompressedTarExtHeader) == "" {
		obj, err = h.s.Stat(ctx, path)
	} else {
		obj, err = h.s.Download(ctx, path, r.Header)
	}
	if err != nil {
		return err
	}
	w.Header().Set("Accept-Ranges", "bytes")
	return serveObject(w, r, obj)
}

func (h *handlers) listMember(ctx context.Context, w *responseWriter, r *http.Request, path string) error {
	members, err := h.s.ListMembers(ctx, path, r.Header)
	if err != nil {
		return err
	}
	defer members.Close()

	w.Header().Set("Content-Type", "text/csv;charset=utf-8")
	bw := bufio.NewWriterSize(w, 64*1024)
	count := 0
	for {
		m, err := members.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		if _, err := io.WriteString(bw, m.CSVLine()+"\n"); err != nil {
			return err
		}
		count++
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	logging.Infof(ctx, "Listed %d members of %s", count, path)
	return nil
}

func (h *handlers) extract(ctx context.Context, w *responseWriter, r *http.Request, path string) error {
	var files []string
	for _, f := range r.URL.Query()["file"] {
		if f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return failure.BadRequest.Errorf(`parameter "file" is required`)
	}

	if len(files) == 1 && !IsGlob(files[0]) {
		obj, err := h.s.Extract(ctx, path, files[0], r.Header)
		if err != nil {
			return err
		}
		return serveObject(w, r, obj)
	}

	ext, err := h.s.ExtractFiles(ctx, path, files, r.Header)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return ext.WriteJSON(ctx, w)
}

func (h *handlers) decompress(ctx context.Context, w *responseWriter, r *http.Request, path string) error {
	obj, err := h.s.Decompress(ctx, path, r.Header)
	if err != nil {
		return err
	}
	w.Header().Set("Accept-Ranges", "bytes")
	return serveObject(w, r, obj)
}

func (h *handlers) listDir(ctx context.Context, w *responseWriter, r *http.Request, path string) error {
	names, err := h.s.ListDir(ctx, path)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain;charset=utf-8")
	for _, name := range names {
		if _, err := io.WriteString(w, name+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// serveObject sends obj, serving the requested ranges if its body can seek.
func serveObject(w *responseWriter, r *http.Request, obj *Object) error {
	if obj.Body != nil {
		defer obj.Body.Close()
	}
	w.Header().Set("Content-Type", obj.ContentType)

	if rs, ok := obj.Body.(io.ReadSeeker); ok && r.Header.Get("Range") != "" {
		http.ServeContent(w, r, "", time.Time{}, rs)
		return nil
	}

	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if obj.Body == nil || r.Method == http.MethodHead {
		return nil
	}
	_, err := io.Copy(w, obj.Body)
	return err
}

// responseWriter remembers what was sent.
type responseWriter struct {
	http.ResponseWriter

	status int   // status sent, 0 if none yet
	bytes  int64 // body bytes sent
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
