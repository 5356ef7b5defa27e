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
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

// Fields of a `tar tvR` line, e.g.
//
//	block 0: -rw-r--r-- user/group 123 2018-01-02 15:04 path/to/file
//	...
//	block 7: ** Block of NULs **
const (
	fieldBlock = iota
	fieldBlockNum
	fieldMode
	fieldOwnership
	fieldSize
	fieldDate
	fieldHour
	fieldMin
	fieldFilename

	numFields
)

// Placeholders for the fields missing in the end-of-archive line.
var fieldNames = [numFields]string{
	"block", "block_num", "mode", "ownership", "size", "date", "hour", "min", "filename",
}

var separators = regexp.MustCompile(`[ \t:]+`)

// maxLineSize bounds a single listing line, i.e. the member name.
const maxLineSize = 1 << 20

// listingLine is one parsed line of a `tar tvR` listing.
type listingLine struct {
	fields      [numFields]string
	short       bool // true for the end-of-archive marker
	recordStart int64
}

// parseListingLine splits a listing line into its fields.
//
// A line with too few fields is filled with placeholders and marked as short.
// It is only acceptable as the last line of the listing.
func parseListingLine(line string) (*listingLine, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := separators.Split(line, numFields)

	l := &listingLine{}
	copy(l.fields[:], parts)
	if len(parts) < numFields {
		l.short = true
		copy(l.fields[len(parts):], fieldNames[len(parts):])
	}

	if l.fields[fieldBlock] != "block" {
		return nil, failure.BadFormat.Errorf("not a `tar tvR` line: %q", line)
	}
	block, err := strconv.ParseInt(l.fields[fieldBlockNum], 10, 64)
	if err != nil || block < 0 {
		return nil, failure.BadFormat.Errorf("bad block number in %q", line)
	}
	l.recordStart = block * BlockSize
	return l, nil
}

func (l *listingLine) size() (int64, error) {
	size, err := strconv.ParseInt(l.fields[fieldSize], 10, 64)
	if err != nil || size < 0 {
		return 0, failure.BadFormat.Errorf("bad size %q of %q", l.fields[fieldSize], l.fields[fieldFilename])
	}
	return size, nil
}

// Iterator yields MemberInfo of a `tar tvR` listing in archive order.
//
// It reads the listing lazily and keeps only the previous line, since a member
// is complete only once the record start of the next one is known. The last
// member is completed by the end-of-archive line, which must be present.
//
// An Iterator is single-pass. After an error, it keeps returning that error.
type Iterator struct {
	sc     *bufio.Scanner
	prev   *listingLine
	lineNo int
	err    error
}

// NewIterator returns an Iterator over the listing read from r.
func NewIterator(r io.Reader) *Iterator {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &Iterator{sc: sc}
}

// Next returns the next member, or iterator.Done when there are no more.
//
// Malformed listings result in errors tagged with failure.BadFormat. Errors
// from the underlying reader are passed through with their tags.
func (it *Iterator) Next() (MemberInfo, error) {
	if it.err != nil {
		return MemberInfo{}, it.err
	}
	m, err := it.next()
	if err != nil {
		it.err = err
	}
	return m, err
}

func (it *Iterator) next() (MemberInfo, error) {
	for it.sc.Scan() {
		it.lineNo++
		line := it.sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cur, err := parseListingLine(line)
		if err != nil {
			return MemberInfo{}, errors.Fmt("line %d: %w", it.lineNo, err)
		}

		prev := it.prev
		it.prev = cur
		if prev == nil {
			continue
		}
		if prev.short {
			return MemberInfo{}, failure.BadFormat.Errorf("line %d: a truncated line is followed by %q", it.lineNo, line)
		}
		return complete(prev, cur, it.lineNo)
	}

	if err := it.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return MemberInfo{}, failure.BadFormat.Errorf("line %d: longer than %d bytes", it.lineNo+1, maxLineSize)
		}
		return MemberInfo{}, errors.Fmt("reading tar listing: %w", err)
	}
	switch {
	case it.prev == nil:
		return MemberInfo{}, failure.BadFormat.Errorf("empty tar listing")
	case !it.prev.short:
		return MemberInfo{}, failure.BadFormat.Errorf("tar listing ends without the end-of-archive line after %q", it.prev.fields[fieldFilename])
	}
	return MemberInfo{}, iterator.Done
}

// complete computes the member described by prev using the record start of
// the line that follows it.
func complete(prev, cur *listingLine, lineNo int) (MemberInfo, error) {
	size, err := prev.size()
	if err != nil {
		return MemberInfo{}, errors.Fmt("line %d: %w", lineNo-1, err)
	}
	contentStart := cur.recordStart - RoundUp512(size)
	if contentStart < prev.recordStart+BlockSize {
		return MemberInfo{}, failure.BadFormat.Errorf(
			"line %d: record at %d can't follow %q at %d with %d bytes of content",
			lineNo, cur.recordStart, prev.fields[fieldFilename], prev.recordStart, size)
	}
	return MemberInfo{
		Filename:     prev.fields[fieldFilename],
		RecordStart:  prev.recordStart,
		RecordSize:   cur.recordStart - prev.recordStart,
		ContentStart: contentStart,
		Size:         size,
	}, nil
}

// ListMembers drains the listing read from r.
//
// Useful when the whole member list is needed anyway, e.g. to search it.
func ListMembers(r io.Reader) ([]MemberInfo, error) {
	var out []MemberInfo
	it := NewIterator(r)
	for {
		switch m, err := it.Next(); {
		case err == iterator.Done:
			return out, nil
		case err != nil:
			return nil, err
		default:
			out = append(out, m)
		}
	}
}
