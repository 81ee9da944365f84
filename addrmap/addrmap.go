// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addrmap implements an interval map from real address ranges
// to a synthetic, collision-free "quipper-space" used to anonymize
// addresses recorded in a profile.
//
// It generalizes the read-only range table idiom (sorted slice plus
// binary search) into a transactional structure that supports
// inserting, splitting, and evicting overlapping ranges, and packing
// the survivors into a dense address space honoring an optional page
// alignment.
package addrmap

import (
	"errors"
	"sort"
)

// Sentinel errors returned by Mapper.Map. Follow the same %w-wrappable
// idiom as perffile's error taxonomy.
var (
	// ErrOverflowingRange is returned when addr+size overflows
	// uint64, or size is zero.
	ErrOverflowingRange = errors.New("addrmap: range overflows address space")

	// ErrMappingOverlap is returned when a new range overlaps an
	// existing one and removeOld is false.
	ErrMappingOverlap = errors.New("addrmap: mapping overlaps an existing range")

	// ErrMisalignedSplit is returned when removing an overlap would
	// split an existing mapping at a boundary that isn't a multiple
	// of the configured page alignment.
	ErrMisalignedSplit = errors.New("addrmap: split fragment violates page alignment")
)

// A Mapping is one real-address range and its assigned position in
// quipper-space.
type Mapping struct {
	RealAddr   uint64
	Size       uint64
	ID         int64
	BaseOffset uint64
	MappedAddr uint64

	// seq orders this mapping relative to others for packing,
	// independent of how mappings sort by RealAddr for lookup. A
	// fragment split off an existing mapping inherits its seq; a
	// freshly inserted range gets the next one.
	seq int64
}

func (m *Mapping) realEnd() uint64 {
	return m.RealAddr + m.Size
}

// A Mapper packs non-overlapping real-address ranges into
// quipper-space. The zero Mapper is ready to use.
//
// A Mapper is not safe for concurrent use; callers must serialize
// access externally.
type Mapper struct {
	// mappings is always kept sorted by RealAddr, for Lookup and
	// findOverlaps' binary search, and densely repacked after every
	// mutation. Packing order is tracked separately, by seq.
	mappings      []Mapping
	pageAlignment uint64
	maxMapped     uint64
	nextSeq       int64
}

// SetPageAlignment sets the page size, in bytes, that quipper-space
// packing must respect. When p is nonzero, each mapping's MappedAddr
// preserves the low bits of its RealAddr modulo p, and the packing
// cursor is rounded up to a multiple of p between mappings. When p is
// zero (the default), mappings are packed back to back with no
// padding.
//
// Changing the page alignment repacks all existing mappings.
func (mp *Mapper) SetPageAlignment(p uint64) {
	mp.pageAlignment = p
	mp.repack()
}

// NumMappedRanges returns the number of mappings currently held.
func (mp *Mapper) NumMappedRanges() int {
	return len(mp.mappings)
}

// MaxMappedLength returns the largest MappedAddr+Size over all
// mappings, i.e. the total span of quipper-space in use.
func (mp *Mapper) MaxMappedLength() uint64 {
	return mp.maxMapped
}

// Lookup finds the mapping containing addr, if any, and returns its
// quipper-space address.
func (mp *Mapper) Lookup(addr uint64) (mappedAddr uint64, mapping *Mapping, ok bool) {
	i := sort.Search(len(mp.mappings), func(i int) bool {
		return addr < mp.mappings[i].realEnd()
	})
	if i < len(mp.mappings) && mp.mappings[i].RealAddr <= addr {
		m := &mp.mappings[i]
		return m.MappedAddr + (addr - m.RealAddr), m, true
	}
	return 0, nil, false
}

// MappedIDAndOffset returns the id and file offset for addr, given the
// mapping returned by a prior Lookup of addr.
func MappedIDAndOffset(addr uint64, m *Mapping) (id int64, offset uint64) {
	return m.ID, m.BaseOffset + (addr - m.RealAddr)
}

// Map inserts a new range [realAddr, realAddr+size) into the mapper,
// associated with id and baseOffset.
//
// If the new range overlaps one or more existing ranges and removeOld
// is false, Map returns ErrMappingOverlap and leaves the mapper
// unchanged. If removeOld is true, overlapping ranges are evicted or
// split to make room; a partially-covered range is split into a head
// and/or tail fragment that preserve its id and an adjusted
// baseOffset. If page alignment is set and the split would introduce
// a boundary that isn't a multiple of the page size, Map returns
// ErrMisalignedSplit and leaves the mapper unchanged (the whole
// operation is transactional).
func (mp *Mapper) Map(realAddr, size uint64, id int64, baseOffset uint64, removeOld bool) error {
	if size == 0 || realAddr+size < realAddr {
		return ErrOverflowingRange
	}
	end := realAddr + size

	overlaps := mp.findOverlaps(realAddr, end)
	if len(overlaps) == 0 {
		mp.mappings = append(mp.mappings, Mapping{RealAddr: realAddr, Size: size, ID: id, BaseOffset: baseOffset, seq: mp.nextSeq})
		mp.nextSeq++
		mp.repack()
		return nil
	}
	if !removeOld {
		return ErrMappingOverlap
	}

	// Validate alignment of every split boundary before mutating
	// anything, so a rejected Map leaves the mapper untouched.
	if mp.pageAlignment != 0 {
		for _, i := range overlaps {
			m := &mp.mappings[i]
			if m.RealAddr < realAddr && realAddr%mp.pageAlignment != 0 {
				return ErrMisalignedSplit
			}
			if m.realEnd() > end && end%mp.pageAlignment != 0 {
				return ErrMisalignedSplit
			}
		}
	}

	next := make([]Mapping, 0, len(mp.mappings)+1)
	oi := 0
	for i, m := range mp.mappings {
		if oi < len(overlaps) && overlaps[oi] == i {
			oi++
			if m.RealAddr < realAddr {
				next = append(next, Mapping{
					RealAddr:   m.RealAddr,
					Size:       realAddr - m.RealAddr,
					ID:         m.ID,
					BaseOffset: m.BaseOffset,
					seq:        m.seq,
				})
			}
			if m.realEnd() > end {
				next = append(next, Mapping{
					RealAddr:   end,
					Size:       m.realEnd() - end,
					ID:         m.ID,
					BaseOffset: m.BaseOffset + (end - m.RealAddr),
					seq:        m.seq,
				})
			}
			continue
		}
		next = append(next, m)
	}
	next = append(next, Mapping{RealAddr: realAddr, Size: size, ID: id, BaseOffset: baseOffset, seq: mp.nextSeq})
	mp.nextSeq++
	mp.mappings = next
	mp.repack()
	return nil
}

// findOverlaps returns the indices, in ascending order, of mappings
// whose real interval intersects [addr, end).
func (mp *Mapper) findOverlaps(addr, end uint64) []int {
	lo := sort.Search(len(mp.mappings), func(i int) bool {
		return mp.mappings[i].realEnd() > addr
	})
	var out []int
	for i := lo; i < len(mp.mappings) && mp.mappings[i].RealAddr < end; i++ {
		out = append(out, i)
	}
	return out
}

// repack sorts mappings by RealAddr, for Lookup's binary search, then
// recomputes MappedAddr for each by packing them back to back in
// quipper-space (respecting pageAlignment, if set) in the order they
// were originally inserted by Map, not in RealAddr order.
func (mp *Mapper) repack() {
	sort.Slice(mp.mappings, func(i, j int) bool {
		return mp.mappings[i].RealAddr < mp.mappings[j].RealAddr
	})

	order := make([]*Mapping, len(mp.mappings))
	for i := range mp.mappings {
		order[i] = &mp.mappings[i]
	}
	sort.Slice(order, func(i, j int) bool {
		return order[i].seq < order[j].seq
	})

	var cursor uint64
	for _, m := range order {
		if mp.pageAlignment == 0 {
			m.MappedAddr = cursor
		} else {
			m.MappedAddr = alignUp(cursor, mp.pageAlignment) + m.RealAddr%mp.pageAlignment
		}
		cursor = m.MappedAddr + m.Size
	}
	mp.maxMapped = cursor
}

func alignUp(x, p uint64) uint64 {
	if x%p == 0 {
		return x
	}
	return x + (p - x%p)
}
