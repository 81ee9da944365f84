// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convert

import (
	"testing"

	"github.com/aclements/go-quipper/perffile"
	"github.com/aclements/go-quipper/profile"
)

func sample(pid int, ip uint64, period uint64) *perffile.RecordSample {
	r := &perffile.RecordSample{}
	r.PID, r.TID = pid, pid
	r.IP = ip
	r.Period = period
	return r
}

func TestProcessRemap(t *testing.T) {
	mm := mmap(1, 0x1000, 0x1000, 0, "/bin/x")
	s1 := sample(1, 0x1100, 10)
	s2 := sample(1, 0x5000, 20) // outside any mapping

	p := &profile.Profile{Events: []perffile.Record{mm, s1, s2}}

	if err := Process(p, Config{Remap: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if p.Stats.SamplesCount != 2 {
		t.Errorf("SamplesCount = %d, want 2", p.Stats.SamplesCount)
	}
	if p.Stats.SamplesMapped != 1 {
		t.Errorf("SamplesMapped = %d, want 1", p.Stats.SamplesMapped)
	}

	m1, ok := p.Events[1].(*MappedSample)
	if !ok || !m1.Mapped || m1.MappedIP != 0x100 {
		t.Errorf("sample 1 = %+v, ok=%v; want mapped at 0x100", m1, ok)
	}
	m2, ok := p.Events[2].(*MappedSample)
	if !ok || m2.Mapped {
		t.Errorf("sample 2 should be unmapped, got %+v", m2)
	}
}

func TestProcessNoRemap(t *testing.T) {
	mm := mmap(1, 0x1000, 0x1000, 0, "/bin/x")
	s1 := sample(1, 0x1100, 10)

	p := &profile.Profile{Events: []perffile.Record{mm, s1}}
	if err := Process(p, Config{}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, ok := p.Events[1].(*perffile.RecordSample); !ok {
		t.Errorf("sample should be left unwrapped when Remap is false")
	}
}

func TestProcessDiscardUnused(t *testing.T) {
	used := mmap(1, 0x1000, 0x1000, 0, "/bin/x")
	unused := mmap(1, 0x2000, 0x1000, 0, "/bin/y")
	s := sample(1, 0x1100, 10)

	p := &profile.Profile{Events: []perffile.Record{used, unused, s}}
	if err := Process(p, Config{Remap: true, DiscardUnusedEvents: true}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	for _, ev := range p.Events {
		if mm, ok := ev.(*perffile.RecordMmap); ok && mm == unused {
			t.Errorf("unused mapping should have been discarded")
		}
	}
	if p.Stats.EventsDiscarded != 1 {
		t.Errorf("EventsDiscarded = %d, want 1", p.Stats.EventsDiscarded)
	}
}
