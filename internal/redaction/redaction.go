// Copyright 2024 The scopefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redaction computes, for a single open file, which byte ranges must
// be hidden from the reader and how to partition a read request into
// pass-through and zeroed segments.
package redaction

import (
	"sort"
)

// A Range is a half-open byte interval [Start, End) that must not be
// disclosed.
type Range struct {
	Start int64
	End   int64
}

// Info holds the canonical redaction plan for one open: a sorted,
// overlap-merged, zero-width-filtered list of ranges. Immutable after
// construction.
type Info struct {
	ranges []Range
}

// NewInfo canonicalizes the raw ranges supplied by the authority. The input
// may be unsorted, overlapping, duplicated, or contain zero-width ranges; any
// permutation of the same multiset of raw ranges yields the same Info.
func NewInfo(raw []Range) *Info {
	rs := make([]Range, 0, len(raw))
	for _, r := range raw {
		if r.Start >= r.End {
			continue
		}
		rs = append(rs, r)
	}

	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Start != rs[j].Start {
			return rs[i].Start < rs[j].Start
		}
		return rs[i].End < rs[j].End
	})

	// Merge touching or overlapping neighbors in place.
	merged := rs[:0]
	for _, r := range rs {
		if len(merged) > 0 && merged[len(merged)-1].End >= r.Start {
			if r.End > merged[len(merged)-1].End {
				merged[len(merged)-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}

	return &Info{ranges: merged}
}

// Needed reports whether any byte of the file is redacted for this open.
func (in *Info) Needed() bool {
	return len(in.ranges) > 0
}

// Size returns the number of canonical ranges.
func (in *Info) Size() int {
	return len(in.ranges)
}

// Ranges returns the canonical ranges. The caller must not mutate the result.
func (in *Info) Ranges() []Range {
	return in.ranges
}

// OverlappingRanges returns the contiguous sub-run of canonical ranges that
// intersect the request interval [offset, offset+size). Empty when the
// request lies entirely outside the redacted region.
func (in *Info) OverlappingRanges(offset, size int64) []Range {
	if size <= 0 || len(in.ranges) == 0 {
		return nil
	}
	end := offset + size

	// First range whose End > offset.
	lo := sort.Search(len(in.ranges), func(i int) bool {
		return in.ranges[i].End > offset
	})
	// First range whose Start >= end.
	hi := sort.Search(len(in.ranges), func(i int) bool {
		return in.ranges[i].Start >= end
	})

	if lo >= hi {
		return nil
	}
	return in.ranges[lo:hi]
}

// A ReadRange is one segment of a partitioned read request. Redacted segments
// are served from a shared zero buffer; the rest pass through to the
// underlying descriptor at Offset.
type ReadRange struct {
	Offset   int64
	Size     int64
	Redacted bool
}

// ReadRanges partitions the request [offset, offset+size) into a sequence of
// segments that exactly tile it, alternating between pass-through and
// redacted. A nil result means no byte of the request is redacted and the
// caller should do a plain read.
func (in *Info) ReadRanges(offset, size int64) []ReadRange {
	overlapping := in.OverlappingRanges(offset, size)
	if len(overlapping) == 0 {
		return nil
	}

	end := offset + size
	out := make([]ReadRange, 0, 2*len(overlapping)+1)
	cur := offset

	for _, r := range overlapping {
		if r.Start > cur {
			out = append(out, ReadRange{Offset: cur, Size: r.Start - cur})
			cur = r.Start
		}

		rEnd := r.End
		if rEnd > end {
			rEnd = end
		}
		out = append(out, ReadRange{Offset: cur, Size: rEnd - cur, Redacted: true})
		cur = rEnd
	}

	if cur < end {
		out = append(out, ReadRange{Offset: cur, Size: end - cur})
	}

	return out
}
