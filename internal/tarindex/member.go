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

// Package tarindex computes byte offsets of tar archive members.
//
// The offsets are reconstructed from a `tar tvR` style listing, which carries
// the starting 512-byte block of every member record. The content of a member
// starts where the next record starts minus its own padded size:
//
//	|********|************************.......|********|****
//	| header |         content               | header |
//	|        |<----- prev size ----->|
//	|        |<- prev size round up to 512 ->|
//	         ^prev content start             ^cur record start
//
// The listing itself can be produced natively by NewListingReader.
package tarindex

import (
	"fmt"
	"strconv"
	"strings"

	"go.chromium.org/chromiumos/gscache/internal/failure"
)

// BlockSize is the size of a tar block.
const BlockSize = 512

// RoundUp512 rounds n up to the nearest multiple of BlockSize.
func RoundUp512(n int64) int64 {
	return (n + BlockSize - 1) &^ (BlockSize - 1)
}

// MemberInfo describes one member of a tar archive.
//
// Offsets are zero-based and in bytes.
type MemberInfo struct {
	// Filename is the member path as listed, e.g. "dir/" or "link -> target".
	Filename string
	// RecordStart is where the member header starts.
	RecordStart int64
	// RecordSize is the distance to the next member header.
	RecordSize int64
	// ContentStart is where the member content starts.
	ContentStart int64
	// Size is the unpadded content size.
	Size int64
}

// csvFields is the number of fields in a CSV line.
const csvFields = 5

// CSVLine renders m as "filename,record_start,record_size,content_start,size".
//
// The filename is not escaped. There's no trailing newline.
func (m MemberInfo) CSVLine() string {
	return fmt.Sprintf("%s,%d,%d,%d,%d", m.Filename, m.RecordStart, m.RecordSize, m.ContentStart, m.Size)
}

// ParseCSVLine parses a line produced by CSVLine.
//
// Numeric fields are taken from the right, so a filename with commas still
// parses. A filename with a newline can't be represented.
func ParseCSVLine(line string) (MemberInfo, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := make([]string, csvFields)
	rest := line
	for i := csvFields - 1; i > 0; i-- {
		idx := strings.LastIndexByte(rest, ',')
		if idx < 0 {
			return MemberInfo{}, failure.BadFormat.Errorf("expecting %d comma separated fields in %q", csvFields, line)
		}
		fields[i] = rest[idx+1:]
		rest = rest[:idx]
	}
	fields[0] = rest

	var nums [csvFields - 1]int64
	for i := range nums {
		n, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil || n < 0 {
			return MemberInfo{}, failure.BadFormat.Errorf("bad number %q in %q", fields[i+1], line)
		}
		nums[i] = n
	}
	return MemberInfo{
		Filename:     fields[0],
		RecordStart:  nums[0],
		RecordSize:   nums[1],
		ContentStart: nums[2],
		Size:         nums[3],
	}, nil
}

// RangeHeader returns the value of the Range header that fetches the content
// of m, e.g. "bytes=512-634".
//
// Panics on empty members, they don't have a satisfiable range.
func (m MemberInfo) RangeHeader() string {
	return "bytes=" + m.RangeSpec()
}

// RangeSpec returns "<start>-<end>" with the inclusive end of the content.
//
// Panics on empty members.
func (m MemberInfo) RangeSpec() string {
	if m.Size <= 0 {
		panic(fmt.Sprintf("member %q has no content", m.Filename))
	}
	return fmt.Sprintf("%d-%d", m.ContentStart, m.ContentStart+m.Size-1)
}
