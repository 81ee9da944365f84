// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"bytes"
	"testing"
)

func testAttr() *EventAttr {
	return &EventAttr{
		Event:        EventHardwareCPUCycles,
		SamplePeriod: 1000,
		SampleFormat: SampleFormatIP | SampleFormatTID | SampleFormatTime | SampleFormatPeriod,
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	attr := testAttr()
	cfg := WriteConfig{
		Attrs: []AttrWithIDs{{Attr: attr, IDs: nil}},
		Meta: FileMeta{
			Hostname: "testhost",
			Arch:     "x86_64",
		},
		Records: []Record{
			&RecordComm{
				RecordCommon: RecordCommon{EventAttr: attr, PID: 100, TID: 100},
				Comm:         "myprogram",
			},
			&RecordMmap{
				RecordCommon: RecordCommon{EventAttr: attr, PID: 100, TID: 100},
				Addr:         0x400000, Len: 0x1000, PgOff: 0,
				Filename: "/bin/myprogram",
			},
			&RecordSample{
				RecordCommon: RecordCommon{EventAttr: attr, Format: attr.SampleFormat, PID: 100, TID: 100, Time: 123456789},
				IP:           0x401234,
				Period:       1000,
			},
		},
	}

	var buf bytes.Buffer
	if err := Write(&buf, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if f.Meta.Hostname != "testhost" {
		t.Errorf("Hostname = %q, want testhost", f.Meta.Hostname)
	}
	if f.Meta.Arch != "x86_64" {
		t.Errorf("Arch = %q, want x86_64", f.Meta.Arch)
	}
	if len(f.Events) != 1 {
		t.Fatalf("len(f.Events) = %d, want 1", len(f.Events))
	}

	rs := f.Records(RecordsFileOrder)
	var got []Record
	for rs.Next() {
		switch r := rs.Record.(type) {
		case *RecordComm:
			c := *r
			got = append(got, &c)
		case *RecordMmap:
			c := *r
			got = append(got, &c)
		case *RecordSample:
			c := *r
			got = append(got, &c)
		default:
			t.Errorf("unexpected record type %T", r)
		}
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}

	comm := got[0].(*RecordComm)
	if comm.PID != 100 || comm.Comm != "myprogram" {
		t.Errorf("comm = %+v", comm)
	}
	mm := got[1].(*RecordMmap)
	if mm.Addr != 0x400000 || mm.Len != 0x1000 || mm.Filename != "/bin/myprogram" {
		t.Errorf("mmap = %+v", mm)
	}
	sample := got[2].(*RecordSample)
	if sample.IP != 0x401234 || sample.PID != 100 || sample.Period != 1000 || sample.Time != 123456789 {
		t.Errorf("sample = %+v", sample)
	}
}

func TestWriteReadFeatureBlobs(t *testing.T) {
	attr := testAttr()
	cfg := WriteConfig{
		Attrs: []AttrWithIDs{{Attr: attr}},
		Meta: FileMeta{
			Hostname:   "h",
			CPUsOnline: 4, CPUsAvail: 8,
			TotalMem: 16 * 1024,
			CmdLine:  []string{"perf", "record", "-a"},
			PMUMappings: map[PMUTypeID]string{
				4: "cpu",
			},
		},
		Records: []Record{
			&RecordComm{RecordCommon: RecordCommon{EventAttr: attr, PID: 1, TID: 1}, Comm: "x"},
		},
	}

	var buf bytes.Buffer
	if err := Write(&buf, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := New(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if f.Meta.CPUsOnline != 4 || f.Meta.CPUsAvail != 8 {
		t.Errorf("nrcpus = %d/%d, want 4/8", f.Meta.CPUsOnline, f.Meta.CPUsAvail)
	}
	if f.Meta.TotalMem != 16*1024 {
		t.Errorf("TotalMem = %d, want %d", f.Meta.TotalMem, 16*1024)
	}
	if len(f.Meta.CmdLine) != 3 || f.Meta.CmdLine[1] != "record" {
		t.Errorf("CmdLine = %v", f.Meta.CmdLine)
	}
	if f.Meta.PMUMappings[4] != "cpu" {
		t.Errorf("PMUMappings = %v", f.Meta.PMUMappings)
	}
}
