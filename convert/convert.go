// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package convert implements the second-pass processing of a decoded
// profile: synthesizing per-process address mappings from MMAP
// events, optionally remapping sample and callchain addresses through
// them, accumulating statistics, and the post-pass huge-page
// deduction and mmap combining.
//
// This generalizes the teacher's perfsession package, which tracks
// per-pid mmap state only to answer "what's mapped at this address"
// for symbolization; Process additionally mutates the profile (address
// remapping, mmap fixups) and keeps running statistics instead of just
// exposing a lookup.
package convert

import (
	"github.com/aclements/go-moremath/stats"

	"github.com/aclements/go-quipper/addrmap"
	"github.com/aclements/go-quipper/perffile"
	"github.com/aclements/go-quipper/profile"
)

// Config controls optional Process behavior.
type Config struct {
	// Remap causes sample and callchain addresses to be rewritten
	// into quipper-space via the per-process address mappers built
	// from MMAP/MMAP2 events. When false, events pass through
	// unmodified (aside from the huge-page and combine fixups,
	// which always run).
	Remap bool

	// DiscardUnusedEvents drops MMAP events that no remapped
	// sample or callchain entry ever referenced. Only meaningful
	// when Remap is also set. This is experimental: the criteria
	// for "unused" are not rigorously specified, so it defaults to
	// off.
	DiscardUnusedEvents bool

	// PageAlignment, if nonzero, is passed to every per-process
	// address mapper (see addrmap.Mapper.SetPageAlignment).
	PageAlignment uint64
}

// A MappedSample wraps a RecordSample with the result of address
// remapping. It implements perffile.Record via the embedded
// *RecordSample, so it can replace the original sample in-place in a
// profile.Profile's Events slice.
type MappedSample struct {
	*perffile.RecordSample

	// Mapped is true if the sample's instruction pointer fell
	// within a known mapping.
	Mapped bool

	// MappedIP is the quipper-space rewrite of RecordSample.IP,
	// valid when Mapped is true.
	MappedIP uint64

	// MappingID and MappingOffset identify the owning mapping and
	// the sample's offset into it, valid when Mapped is true.
	MappingID     int64
	MappingOffset uint64

	// MappedCallchain parallels RecordSample.Callchain, with each
	// entry rewritten to quipper-space where a mapping was found
	// (left unchanged otherwise).
	MappedCallchain []uint64
}

type converter struct {
	cfg Config

	kernel     *addrmap.Mapper
	pidMappers map[int]*addrmap.Mapper

	mmapID  map[*perffile.RecordMmap]int64
	usedIDs map[int64]bool
	nextID  int64

	stats *profile.Stats
}

func (c *converter) mapperFor(pid int) *addrmap.Mapper {
	// Per tools/perf/util/machine.c, the kernel (and threads not
	// yet assigned a PID) is implicitly PID -1.
	if pid < 0 {
		return c.kernel
	}
	m, ok := c.pidMappers[pid]
	if !ok {
		m = &addrmap.Mapper{}
		if c.cfg.PageAlignment != 0 {
			m.SetPageAlignment(c.cfg.PageAlignment)
		}
		c.pidMappers[pid] = m
	}
	return m
}

// Process walks p.Events once, in order, maintaining per-process
// address mappers from MMAP/MMAP2 events, optionally remapping sample
// addresses through them, and accumulating p.Stats. It then runs the
// huge-page deducer and mmap combiner over the mmap subsequence.
//
// Process mutates p in place and is not safe to call concurrently
// with readers of p.
func Process(p *profile.Profile, cfg Config) error {
	c := &converter{
		cfg:        cfg,
		kernel:     &addrmap.Mapper{},
		pidMappers: make(map[int]*addrmap.Mapper),
		mmapID:     make(map[*perffile.RecordMmap]int64),
		usedIDs:    make(map[int64]bool),
		stats:      &p.Stats,
	}
	if cfg.PageAlignment != 0 {
		c.kernel.SetPageAlignment(cfg.PageAlignment)
	}

	var periods, weights stats.Sample

	for i, ev := range p.Events {
		switch r := ev.(type) {
		case *perffile.RecordMmap:
			id := c.nextID
			c.nextID++
			c.mmapID[r] = id
			// Mapping failures (an empty or wrapping range, or a
			// misaligned split) are tolerated: the region is simply
			// left unmapped, matching the policy that parse
			// errors are fatal but data-quality issues are not.
			c.mapperFor(r.PID).Map(r.Addr, r.Len, id, r.PgOff, true)

		case *perffile.RecordLost:
			c.stats.EventsLost += int64(r.NumLost)

		case *perffile.RecordSample:
			c.stats.SamplesCount++
			periods.Xs = append(periods.Xs, float64(r.Period))
			weights.Xs = append(weights.Xs, float64(r.Weight))

			if cfg.Remap {
				p.Events[i] = c.remapSample(r)
			}
		}
	}

	c.stats.PeriodSummary = summarize(&periods)
	c.stats.WeightSummary = summarize(&weights)

	if cfg.DiscardUnusedEvents {
		p.Events = c.discardUnused(p.Events)
	}

	p.Events = CombineMappings(DeduceHugePages(p.Events))

	return nil
}

// remapSample rewrites r.IP and each entry of r.Callchain through the
// address mapper for r's process, recording which mapping (if any)
// the instruction pointer fell in.
func (c *converter) remapSample(r *perffile.RecordSample) *MappedSample {
	m := &MappedSample{RecordSample: r}
	mapper := c.mapperFor(r.PID)

	if mapped, mapping, ok := mapper.Lookup(r.IP); ok {
		id, off := addrmap.MappedIDAndOffset(r.IP, mapping)
		m.Mapped = true
		m.MappedIP = mapped
		m.MappingID = id
		m.MappingOffset = off
		c.usedIDs[id] = true
		c.stats.SamplesMapped++
	}

	if len(r.Callchain) > 0 {
		m.MappedCallchain = make([]uint64, len(r.Callchain))
		for i, ip := range r.Callchain {
			if mapped, mapping, ok := mapper.Lookup(ip); ok {
				m.MappedCallchain[i] = mapped
				id, _ := addrmap.MappedIDAndOffset(ip, mapping)
				c.usedIDs[id] = true
			} else {
				m.MappedCallchain[i] = ip
			}
		}
	}

	for _, b := range r.BranchStack {
		if _, _, ok := mapper.Lookup(b.From); ok {
			c.stats.BranchEntriesMapped++
		}
		if _, _, ok := mapper.Lookup(b.To); ok {
			c.stats.BranchEntriesMapped++
		}
	}

	return m
}

// discardUnused drops MMAP events whose id was never recorded as the
// owner of a remapped sample or callchain entry.
func (c *converter) discardUnused(events []perffile.Record) []perffile.Record {
	out := events[:0]
	for _, ev := range events {
		if mm, ok := ev.(*perffile.RecordMmap); ok {
			if !c.usedIDs[c.mmapID[mm]] {
				c.stats.EventsDiscarded++
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}

func summarize(s *stats.Sample) profile.Summary {
	if len(s.Xs) == 0 {
		return profile.Summary{}
	}
	min, max := s.Xs[0], s.Xs[0]
	for _, x := range s.Xs {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return profile.Summary{
		Count:  int64(len(s.Xs)),
		Mean:   s.Mean(),
		StdDev: s.StdDev(),
		Min:    min,
		Max:    max,
	}
}
