// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package profile

import "github.com/aclements/go-quipper/perffile"

// FromFile reads every record from f in file order and populates a
// Profile with the decoded metadata and the raw event sequence. It
// does not perform any of the second-pass processing (mapping
// synthesis, remapping, huge-page deduction); see package convert for
// that.
func FromFile(f *perffile.File) (*Profile, error) {
	p := &Profile{
		StringMetadata: StringMetadata{
			Hostname:  f.Meta.Hostname,
			OSRelease: f.Meta.OSRelease,
			Version:   f.Meta.Version,
			Arch:      f.Meta.Arch,
			CPUDesc:   f.Meta.CPUDesc,
			CPUID:     f.Meta.CPUID,
		},
		BuildIDs:    f.Meta.BuildIDs,
		PMUMappings: f.Meta.PMUMappings,
		GroupDescs:  f.Meta.Groups,
		TracingData: f.Meta.TracingData,
	}

	if f.Meta.TotalMem != 0 {
		p.Uint64Metadata = append(p.Uint64Metadata, Uint64Metadata{Name: "total memory", Uint64Value: uint64(f.Meta.TotalMem)})
	}
	if f.Meta.CPUsOnline != 0 || f.Meta.CPUsAvail != 0 {
		p.Uint32Metadata = append(p.Uint32Metadata, Uint32Metadata{
			Name:        "nrcpus",
			Uint32Value: [2]uint32{uint32(f.Meta.CPUsOnline), uint32(f.Meta.CPUsAvail)},
		})
	}
	if f.Meta.CoreGroups != nil || f.Meta.ThreadGroups != nil {
		p.CPUTopology = &CPUTopology{
			CoreGroups:   f.Meta.CoreGroups,
			ThreadGroups: f.Meta.ThreadGroups,
		}
	}
	p.NUMATopology = f.Meta.NUMANodes

	for _, attr := range f.Events {
		p.FileAttrs = append(p.FileAttrs, FileAttr{Attr: attr})
	}

	// EVENT_DESC lists event names in the same order as the attrs
	// section; it carries no other information the attrs section
	// doesn't already have, so match by position.
	for i, ed := range f.Meta.EventDescs {
		var attr *perffile.EventAttr
		if i < len(f.Events) {
			attr = f.Events[i]
		}
		p.EventTypes = append(p.EventTypes, EventType{Attr: attr, Name: ed.Name})
	}

	rs := f.Records(perffile.RecordsFileOrder)
	for rs.Next() {
		p.Events = append(p.Events, cloneRecord(rs.Record))
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	p.Stats.UnknownEventTypes = int64(rs.UnknownEventTypes)

	return p, nil
}

// cloneRecord copies a perffile.Record that may alias Records' reused
// internal buffers, so it remains valid after the next call to
// Records.Next.
func cloneRecord(r perffile.Record) perffile.Record {
	switch r := r.(type) {
	case *perffile.RecordMmap:
		c := *r
		return &c
	case *perffile.RecordComm:
		c := *r
		return &c
	case *perffile.RecordExit:
		c := *r
		return &c
	case *perffile.RecordFork:
		c := *r
		return &c
	case *perffile.RecordSample:
		c := *r
		if r.Callchain != nil {
			c.Callchain = append([]uint64(nil), r.Callchain...)
		}
		if r.Raw != nil {
			c.Raw = append([]byte(nil), r.Raw...)
		}
		if r.BranchStack != nil {
			c.BranchStack = append([]perffile.BranchRecord(nil), r.BranchStack...)
		}
		if r.RegsUser != nil {
			c.RegsUser = append([]uint64(nil), r.RegsUser...)
		}
		if r.RegsIntr != nil {
			c.RegsIntr = append([]uint64(nil), r.RegsIntr...)
		}
		if r.StackUser != nil {
			c.StackUser = append([]byte(nil), r.StackUser...)
		}
		if r.Aux != nil {
			c.Aux = append([]byte(nil), r.Aux...)
		}
		if r.SampleRead != nil {
			c.SampleRead = append([]perffile.Count(nil), r.SampleRead...)
		}
		return &c
	case *perffile.RecordUnknown:
		c := *r
		c.Data = append([]byte(nil), r.Data...)
		return &c
	default:
		// Other record kinds carry no reused buffers.
		return r
	}
}
