// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convert

import "github.com/aclements/go-quipper/perffile"

const anonFilename = "//anon"

const hugePageSize = 2 << 20 // 2MiB

// DeduceHugePages fixes up the pgoff and filename of anonymous
// huge-page MMAP events. The kernel sometimes reports a huge-page
// mapping's backing file as pgoff=0, filename="//anon" even though it
// is really the continuation of the previous, file-backed mapping;
// this walks the mmap subsequence and, wherever a pair of adjacent,
// same-pid, 2MiB-aligned mappings look like a split huge page, fills
// in the missing pgoff/filename on whichever side is missing it.
//
// DeduceHugePages does not allocate a new slice; it mutates the MMAP
// events in place and returns events unchanged.
func DeduceHugePages(events []perffile.Record) []perffile.Record {
	var prev *perffile.RecordMmap
	for _, ev := range events {
		cur, ok := ev.(*perffile.RecordMmap)
		if !ok {
			continue
		}
		if prev != nil {
			deduceOne(prev, cur)
		}
		prev = cur
	}
	return events
}

// deduceOne applies the huge-page deduction rule to one adjacent
// pair. p is the nearest earlier mmap event, e the current one.
func deduceOne(p, e *perffile.RecordMmap) {
	if p.PID != e.PID {
		return
	}
	if p.Addr+p.Len != e.Addr {
		return
	}
	if p.Filename != e.Filename && p.Filename != anonFilename && e.Filename != anonFilename {
		return
	}

	if p.PgOff == 0 && p.Addr%hugePageSize == 0 && p.Len%hugePageSize == 0 {
		if e.PgOff >= p.Len {
			p.PgOff = e.PgOff - p.Len
		}
		if p.Filename == anonFilename {
			p.Filename = e.Filename
		}
	}

	if e.Addr%hugePageSize == 0 && e.Len%hugePageSize == 0 {
		if e.PgOff == 0 {
			e.PgOff = p.PgOff + p.Len
		}
		if e.Filename == anonFilename {
			e.Filename = p.Filename
		}
	}
}

// CombineMappings merges adjacent MMAP events that describe a single
// mapping split across multiple records: same pid, same filename,
// contiguous real addresses, and contiguous file offsets. It returns
// a new slice; CombineMappings never increases the number of events
// and the combined events' total length equals the sum of the inputs
// it replaces.
func CombineMappings(events []perffile.Record) []perffile.Record {
	out := make([]perffile.Record, 0, len(events))
	var prev *perffile.RecordMmap
	for _, ev := range events {
		cur, ok := ev.(*perffile.RecordMmap)
		if !ok {
			out = append(out, ev)
			continue
		}
		if prev != nil && canCombine(prev, cur) {
			prev.Len += cur.Len
			continue
		}
		prev = cur
		out = append(out, ev)
	}
	return out
}

func canCombine(prev, cur *perffile.RecordMmap) bool {
	return prev.PID == cur.PID &&
		prev.Filename == cur.Filename &&
		prev.Addr+prev.Len == cur.Addr &&
		prev.PgOff+prev.Len == cur.PgOff
}
