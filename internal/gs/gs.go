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

// Package gs is the storage backend of the archive server.
package gs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/storage/v1"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/iotools"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/auth"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

// GoogleStorage is a wrapper over raw Google Cloud Storage JSON API.
//
// Use Get() to grab an implementation.
//
// Uses service's own service account for authentication.
//
// All object paths are expected to be in format "/<bucket>/<object>", methods
// would panic otherwise. Use ValidatePath prior to calling GoogleStorage
// methods if necessary.
//
// Errors returned by GoogleStorage are tagged with a failure.Kind and with
// HTTP status codes of corresponding Google Storage API replies (if
// available). Use StatusCode(err) to extract them.
//
// Retries on transient errors internally a bunch of times. Logs all calls to
// the info log.
type GoogleStorage interface {
	// Stat returns attributes of the live generation of an object.
	Stat(ctx context.Context, path string) (*Attrs, error)

	// Open starts reading an object at the given generation (if 'gen' is
	// positive) or at the live generation.
	//
	// Reads the whole object if 'r' is zero, otherwise only the range.
	Open(ctx context.Context, path string, gen int64, r ByteRange) (io.ReadCloser, error)

	// Reader returns an io.ReaderAt implementation to read contents of a file at
	// a specific generation (if 'gen' is positive) or at the current live
	// generation (if 'gen' is zero or negative).
	Reader(ctx context.Context, path string, gen int64) (Reader, error)

	// List returns "gs://" URLs of objects and prefixes directly under the
	// given prefix of a bucket, "/" being the delimiter.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// Attrs are the attributes of an object the server cares about.
type Attrs struct {
	Size        int64
	ContentType string
	Generation  int64
}

// ByteRange is a range of bytes of an object. The zero value is the whole
// object.
type ByteRange struct {
	Start  int64
	Length int64
}

// IsZero is true for the whole object range.
func (r ByteRange) IsZero() bool { return r == ByteRange{} }

// Header renders the range as the value of the Range header.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.Start+r.Length-1)
}

// Reader can read chunks of a Google Storage file.
//
// Use GoogleStorage.Reader to get the reader.
type Reader interface {
	io.ReaderAt

	// Size is the total file size.
	Size() int64
	// Generation is generation number of the content we are reading.
	Generation() int64
}

// impl is actual implementation of GoogleStorage using real API.
type impl struct {
	ctx context.Context

	testingTransport http.RoundTripper // used in tests to mock the transport
	testingBasePath  string            // used in tests to mock Google Storage URL

	o      sync.Once
	err    error            // an initialization error, if any
	client *http.Client     // authenticating HTTP client
	srv    *storage.Service // the raw Cloud Storage API service
}

// Get returns Google Storage JSON API wrapper.
//
// Its guts are lazily initializes on first use, to simplify error handling.
//
// The returned object is associated with the given context and it should not
// outlive it. Each individual method still accepts a context though, which
// can be a derivative of the root context (for example to provide custom
// per-method deadline or logging fields).
func Get(ctx context.Context) GoogleStorage {
	return &impl{ctx: ctx}
}

func (gs *impl) init() error {
	gs.o.Do(func() {
		var err error

		tr := gs.testingTransport
		if tr == nil {
			tr, err = auth.GetRPCTransport(gs.ctx, auth.AsSelf, auth.WithScopes(storage.CloudPlatformScope))
			if err != nil {
				gs.err = transient.Tag.Apply(errors.Fmt("failed to get authenticating transport: %w", err))
				return
			}
		}

		gs.client = &http.Client{Transport: tr}
		gs.srv, err = storage.New(gs.client)
		if err != nil {
			gs.err = errors.Fmt("failed to construct storage.Service: %w", err)
		} else if gs.testingBasePath != "" {
			gs.srv.BasePath = gs.testingBasePath
		}
	})

	return gs.err
}

func (gs *impl) Stat(ctx context.Context, path string) (attrs *Attrs, err error) {
	logging.Infof(ctx, "gs: Stat(path=%q)", path)
	defer func() { reportCall(ctx, "Stat", err) }()
	if err := gs.init(); err != nil {
		return nil, failure.Unavailable.Apply(err)
	}

	var obj *storage.Object
	call := gs.srv.Objects.Get(SplitPath(path)).Context(ctx)
	if err := withRetry(ctx, func() (err error) { obj, err = call.Do(); return }); err != nil {
		return nil, errors.Fmt("failed to stat %q: %w", path, err)
	}
	return &Attrs{
		Size:        int64(obj.Size),
		ContentType: obj.ContentType,
		Generation:  obj.Generation,
	}, nil
}

func (gs *impl) Open(ctx context.Context, path string, gen int64, r ByteRange) (rc io.ReadCloser, err error) {
	logging.Infof(ctx, "gs: Open(path=%q, gen=%d, range=%+v)", path, gen, r)
	defer func() { reportCall(ctx, "Open", err) }()
	if err := gs.init(); err != nil {
		return nil, failure.Unavailable.Apply(err)
	}

	var resp *http.Response
	err = withRetry(ctx, func() (err error) {
		// 'Download' is magic. Unlike regular call.Do(), it will append alt=media
		// to the request string, thus asking GS to return the object body instead
		// of its metadata.
		call := gs.srv.Objects.Get(SplitPath(path)).Context(ctx)
		if gen > 0 {
			call.Generation(gen)
		}
		if !r.IsZero() {
			call.Header().Set("Range", r.Header())
		}
		resp, err = call.Download()
		return
	})
	if err != nil {
		return nil, errors.Fmt("failed to open %q: %w", path, err)
	}
	return &countingBody{
		ctx:            ctx,
		method:         "Open",
		body:           resp.Body,
		CountingReader: iotools.CountingReader{Reader: resp.Body},
	}, nil
}

// Reader returns an io.ReaderAt implementation to read contents of a file at
// a specific generation (if 'gen' is positive) or at the current live
// generation (if 'gen' is zero or negative).
func (gs *impl) Reader(ctx context.Context, path string, gen int64) (r Reader, err error) {
	logging.Infof(ctx, "gs: Reader(path=%q, gen=%d)", path, gen)
	defer func() { reportCall(ctx, "Reader", err) }()
	if err := gs.init(); err != nil {
		return nil, failure.Unavailable.Apply(err)
	}

	// Fetch the object metadata, including its size and the generation number
	// (which is useful when 'gen' is <= 0).
	call := gs.srv.Objects.Get(SplitPath(path)).Context(ctx)
	if gen > 0 {
		call.Generation(gen)
	}
	var obj *storage.Object
	err = withRetry(ctx, func() (err error) { obj, err = call.Do(); return })
	if err != nil {
		return nil, errors.Fmt("failed to grab the object size and generation: %w", err)
	}

	// Carry on reading from the resolved generation. That way we are not
	// concerned with concurrent changes that may be happening to the file while
	// we are reading it.
	return &readerImpl{
		ctx:  ctx,
		gs:   gs,
		path: path,
		size: int64(obj.Size),
		gen:  obj.Generation,
	}, nil
}

func (gs *impl) List(ctx context.Context, bucket, prefix string) (out []string, err error) {
	logging.Infof(ctx, "gs: List(bucket=%q, prefix=%q)", bucket, prefix)
	defer func() { reportCall(ctx, "List", err) }()
	if err := gs.init(); err != nil {
		return nil, failure.Unavailable.Apply(err)
	}

	call := gs.srv.Objects.List(bucket).Context(ctx).Prefix(prefix).Delimiter("/")
	for pageToken := ""; ; {
		call.PageToken(pageToken)
		var objs *storage.Objects
		if err := withRetry(ctx, func() (err error) { objs, err = call.Do(); return }); err != nil {
			return nil, errors.Fmt("failed to list gs://%s/%s: %w", bucket, prefix, err)
		}
		for _, p := range objs.Prefixes {
			out = append(out, URL(bucket, p))
		}
		for _, obj := range objs.Items {
			out = append(out, URL(bucket, obj.Name))
		}
		if pageToken = objs.NextPageToken; pageToken == "" {
			return out, nil
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

// countingBody reports the number of bytes read when closed.
type countingBody struct {
	iotools.CountingReader

	ctx    context.Context
	method string
	body   io.Closer
}

// Read tags failures to read the body as failure.Unavailable.
func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.CountingReader.Read(p)
	if err != nil && err != io.EOF {
		err = failure.Unavailable.Apply(errors.Fmt("reading the body of %s: %w", b.method, err))
	}
	return n, err
}

func (b *countingBody) Close() error {
	bytesRead.Add(b.ctx, b.Count, b.method)
	return b.body.Close()
}

// readerImpl implements Reader using real APIs.
type readerImpl struct {
	ctx  context.Context
	gs   *impl
	path string
	size int64
	gen  int64
}

func (r *readerImpl) Size() int64       { return r.size }
func (r *readerImpl) Generation() int64 { return r.gen }

func (r *readerImpl) ReadAt(p []byte, off int64) (n int, err error) {
	toRead := int64(len(p))
	if off+toRead > r.size {
		toRead = r.size - off
	}
	if toRead <= 0 {
		return 0, io.EOF
	}

	logging.Debugf(r.ctx, "gs: ReadAt(path=%q, offset=%d, length=%d, gen=%d)", r.path, off, toRead, r.gen)
	if err := r.gs.init(); err != nil {
		return 0, failure.Unavailable.Apply(err)
	}
	defer func() {
		if err != io.EOF {
			reportCall(r.ctx, "ReadAt", err)
		}
	}()

	err = withRetry(r.ctx, func() error {
		n = 0

		call := r.gs.srv.Objects.Get(SplitPath(r.path)).Context(r.ctx).Generation(r.gen)
		call.Header().Set("Range", ByteRange{Start: off, Length: toRead}.Header())
		resp, err := call.Download()
		if err != nil {
			return err
		}
		defer googleapi.CloseBody(resp)

		n, err = io.ReadFull(resp.Body, p[:int(toRead)])
		if err != nil {
			return transient.Tag.Apply(errors.Fmt("failed to read the response: %w", err))
		}
		return nil
	})
	bytesRead.Add(r.ctx, int64(n), "ReadAt")

	if err == nil && off+toRead == r.size {
		err = io.EOF
	}
	return
}
