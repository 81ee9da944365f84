// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convert

import (
	"testing"

	"github.com/aclements/go-quipper/perffile"
)

func mmap(pid int, addr, size, pgoff uint64, filename string) *perffile.RecordMmap {
	r := &perffile.RecordMmap{}
	r.PID, r.TID = pid, pid
	r.Addr, r.Len, r.PgOff = addr, size, pgoff
	r.Filename = filename
	return r
}

func TestDeduceHugePages(t *testing.T) {
	p := mmap(1, 0x400000, 0x200000, 0, anonFilename)
	e := mmap(1, 0x600000, 0x200000, 0x800000, "/bin/x")

	DeduceHugePages([]perffile.Record{p, e})

	if p.PgOff != 0x600000 {
		t.Errorf("p.PgOff = %#x, want 0x600000", p.PgOff)
	}
	if p.Filename != "/bin/x" {
		t.Errorf("p.Filename = %q, want /bin/x", p.Filename)
	}
	if e.PgOff != 0x800000 || e.Filename != "/bin/x" {
		t.Errorf("e mutated: pgoff=%#x filename=%q", e.PgOff, e.Filename)
	}
}

func TestDeduceHugePagesDifferentPID(t *testing.T) {
	p := mmap(1, 0x400000, 0x200000, 0, anonFilename)
	e := mmap(2, 0x600000, 0x200000, 0x800000, "/bin/x")

	DeduceHugePages([]perffile.Record{p, e})

	if p.Filename != anonFilename || p.PgOff != 0 {
		t.Errorf("cross-pid pair should not be deduced, got pgoff=%#x filename=%q", p.PgOff, p.Filename)
	}
}

func TestCombineMappings(t *testing.T) {
	a := mmap(1, 0x1000, 0x1000, 0, "/bin/x")
	b := mmap(1, 0x2000, 0x1000, 0x1000, "/bin/x")
	c := mmap(1, 0x3000, 0x1000, 0x3000, "/bin/x") // not contiguous pgoff

	events := []perffile.Record{a, b, c}
	out := CombineMappings(events)

	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	merged := out[0].(*perffile.RecordMmap)
	if merged.Len != 0x2000 {
		t.Errorf("merged.Len = %#x, want 0x2000", merged.Len)
	}
	if out[1].(*perffile.RecordMmap) != c {
		t.Errorf("third mapping should survive unmerged")
	}
}

func TestCombineMappingsMonotone(t *testing.T) {
	a := mmap(1, 0x1000, 0x1000, 0, "/bin/x")
	b := mmap(1, 0x2000, 0x2000, 0x1000, "/bin/x")

	var totalIn uint64
	for _, m := range []*perffile.RecordMmap{a, b} {
		totalIn += m.Len
	}

	out := CombineMappings([]perffile.Record{a, b})
	if len(out) > 2 {
		t.Fatalf("CombineMappings increased event count")
	}
	var totalOut uint64
	for _, ev := range out {
		totalOut += ev.(*perffile.RecordMmap).Len
	}
	if totalOut != totalIn {
		t.Errorf("total length = %#x, want %#x", totalOut, totalIn)
	}
}
