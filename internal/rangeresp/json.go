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
	"encoding/json"
	"io"

	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/errors"
)

// JSONWriter streams files as a single JSON object:
//
//	{"<name>": "<base64 content>", "<name>": "<base64 content>", ...}
//
// Files are written as they come, so the whole object is never in memory.
type JSONWriter struct {
	w     io.Writer
	count int
}

// NewJSONWriter returns a JSONWriter writing to w.
func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{w: w}
}

// Write appends one file to the object.
func (j *JSONWriter) Write(f File) error {
	name, err := json.Marshal(f.Name)
	if err != nil {
		return errors.Fmt("encoding the name of %q: %w", f.Name, err)
	}
	content, err := json.Marshal(f.Content)
	if err != nil {
		return errors.Fmt("encoding %q: %w", f.Name, err)
	}
	sep := ", "
	if j.count == 0 {
		sep = "{"
	}
	for _, chunk := range [][]byte{[]byte(sep), name, []byte(": "), content} {
		if _, err := j.w.Write(chunk); err != nil {
			return err
		}
	}
	j.count++
	return nil
}

// WriteAll writes all files of it. Returns the number of files written.
func (j *JSONWriter) WriteAll(it *FileIterator) (int, error) {
	n := 0
	for {
		f, err := it.Next()
		if err == iterator.Done {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := j.Write(f); err != nil {
			return n, err
		}
		n++
	}
}

// Close ends the object. Writes `{}` if there were no files.
//
// It doesn't close the underlying writer.
func (j *JSONWriter) Close() error {
	end := "}"
	if j.count == 0 {
		end = "{}"
	}
	_, err := io.WriteString(j.w, end)
	return err
}

// Count is the number of files written so far.
func (j *JSONWriter) Count() int { return j.count }
