// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package addrmap

import (
	"errors"
	"testing"
)

type mapRange struct {
	addr, size uint64
}

var kMapRanges = []mapRange{
	{0xff000000, 0x100000},
	{0x00a00000, 0x10000},
	{0x0c000000, 0x1000000},
	{0x00001000, 0x30000},
}

func TestMapSingle(t *testing.T) {
	for _, rng := range kMapRanges {
		var mp Mapper
		if err := mp.Map(rng.addr, rng.size, 1, 0, false); err != nil {
			t.Fatalf("Map(%#x, %#x): %v", rng.addr, rng.size, err)
		}
		for i := uint64(0); i < 8; i++ {
			a := rng.addr + i*(rng.size/8)
			mapped, _, ok := mp.Lookup(a)
			if !ok || mapped != i*(rng.size/8) {
				t.Errorf("Lookup(%#x) = %#x, %v; want %#x, true", a, mapped, ok, i*(rng.size/8))
			}
		}
		if _, _, ok := mp.Lookup(rng.addr - 1); ok {
			t.Errorf("Lookup(%#x) succeeded; want failure", rng.addr-1)
		}
		if got := mp.MaxMappedLength(); got != rng.size {
			t.Errorf("MaxMappedLength() = %#x, want %#x", got, rng.size)
		}
	}
}

func TestMapAll(t *testing.T) {
	var mp Mapper
	var total uint64
	for _, rng := range kMapRanges {
		if err := mp.Map(rng.addr, rng.size, 1, 0, false); err != nil {
			t.Fatalf("Map(%#x, %#x): %v", rng.addr, rng.size, err)
		}
		total += rng.size
	}
	if got := mp.NumMappedRanges(); got != len(kMapRanges) {
		t.Errorf("NumMappedRanges() = %d, want %d", got, len(kMapRanges))
	}
	if got := mp.MaxMappedLength(); got != total {
		t.Errorf("MaxMappedLength() = %#x, want %#x", got, total)
	}
	for _, probe := range []uint64{0, 0x500000, 0x0c000000 - 1, 0xfffffff0} {
		if _, _, ok := mp.Lookup(probe); ok {
			t.Errorf("Lookup(%#x) succeeded; want failure", probe)
		}
	}
}

func TestOverlapBig(t *testing.T) {
	var mp Mapper
	for _, rng := range kMapRanges {
		if err := mp.Map(rng.addr, rng.size, 1, 0, false); err != nil {
			t.Fatalf("Map(%#x, %#x): %v", rng.addr, rng.size, err)
		}
	}

	if err := mp.Map(0xa00, 0xff000000, 2, 0, false); !errors.Is(err, ErrMappingOverlap) {
		t.Fatalf("Map with removeOld=false = %v, want ErrMappingOverlap", err)
	}

	if err := mp.Map(0xa00, 0xff000000, 2, 0, true); err != nil {
		t.Fatalf("Map with removeOld=true: %v", err)
	}
	if got := mp.NumMappedRanges(); got != 1 {
		t.Errorf("NumMappedRanges() = %d, want 1", got)
	}
	if got := mp.MaxMappedLength(); got != 0xff000000 {
		t.Errorf("MaxMappedLength() = %#x, want %#x", got, uint64(0xff000000))
	}
	for _, a := range []uint64{0xa00, 0xa01, 0xff000a00 - 1} {
		mapped, m, ok := mp.Lookup(a)
		if !ok || mapped != a-0xa00 || m.ID != 2 {
			t.Errorf("Lookup(%#x) = %#x, %+v, %v; want %#x, id=2, true", a, mapped, m, ok, a-0xa00)
		}
	}
}

func TestSplitRangeWithOffsetBase(t *testing.T) {
	var mp Mapper
	if err := mp.Map(0x10000, 0x4000, 'A', 0x5000, false); err != nil {
		t.Fatalf("Map A: %v", err)
	}
	if err := mp.Map(0x12000, 0x1000, 'B', 0, true); err != nil {
		t.Fatalf("Map B: %v", err)
	}
	if got := mp.NumMappedRanges(); got != 3 {
		t.Fatalf("NumMappedRanges() = %d, want 3", got)
	}

	mapped, m, ok := mp.Lookup(0x10000)
	if !ok || m.ID != 'A' || m.Size != 0x2000 || m.BaseOffset != 0x5000 {
		t.Errorf("head fragment = %+v, mapped=%#x, ok=%v", m, mapped, ok)
	}
	mapped, m, ok = mp.Lookup(0x13000)
	if !ok || m.ID != 'A' || m.Size != 0x1000 || m.BaseOffset != 0x8000 {
		t.Errorf("tail fragment = %+v, mapped=%#x, ok=%v", m, mapped, ok)
	}
	mapped, m, ok = mp.Lookup(0x12800)
	if !ok || mapped != 0x2800 || m.ID != 'B' {
		t.Errorf("Lookup(0x12800) = %#x, id=%v, %v; want 0x2800, id=B, true", mapped, m.ID, ok)
	}
}

func TestPageAlignment(t *testing.T) {
	var mp Mapper
	mp.SetPageAlignment(0x1000)

	cases := []struct {
		addr, size, want uint64
	}{
		{0xff000100, 0x1fff00, 0x100},
		{0x00a00180, 0x10000, 0x200180},
		{0x0c000300, 0x1000800, 0x211300},
	}
	for _, c := range cases {
		if err := mp.Map(c.addr, c.size, 1, 0, false); err != nil {
			t.Fatalf("Map(%#x, %#x): %v", c.addr, c.size, err)
		}
		mapped, _, ok := mp.Lookup(c.addr)
		if !ok || mapped != c.want {
			t.Errorf("Lookup(%#x) = %#x, %v; want %#x, true", c.addr, mapped, ok, c.want)
		}
	}
}

func TestHugeOverflow(t *testing.T) {
	var mp Mapper
	if err := mp.Map(^uint64(0)-10, 20, 1, 0, false); !errors.Is(err, ErrOverflowingRange) {
		t.Errorf("Map with wraparound = %v, want ErrOverflowingRange", err)
	}
	if err := mp.Map(0, 0, 1, 0, false); !errors.Is(err, ErrOverflowingRange) {
		t.Errorf("Map with zero size = %v, want ErrOverflowingRange", err)
	}
}

func TestMisalignedSplit(t *testing.T) {
	var mp Mapper
	mp.SetPageAlignment(0x1000)
	if err := mp.Map(0x10000, 0x4000, 1, 0, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := mp.Map(0x10800, 0x800, 2, 0, true); !errors.Is(err, ErrMisalignedSplit) {
		t.Fatalf("Map across unaligned boundary = %v, want ErrMisalignedSplit", err)
	}
	// The mapper must be untouched by the rejected Map.
	if got := mp.NumMappedRanges(); got != 1 {
		t.Errorf("NumMappedRanges() = %d after rejected Map, want 1", got)
	}
}
