// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
)

// A File is a perf.data file. It consists of a sequence of records,
// which can be retrieved with the Records method, as well as several
// optional metadata fields.
//
// A File parsed from a piped perf.data stream (see NewPiped) has no
// random-access header or feature section; File.Meta and File.Events
// are instead populated incrementally as Records.Next consumes
// RecordHeaderAttr, RecordHeaderBuildID, and RecordHeaderTracingData
// records from the stream.
type File struct {
	// Meta contains the metadata for this profile, such as
	// information about the hardware.
	Meta FileMeta

	// Events lists all events that may appear in this profile.
	Events []*EventAttr

	r       io.ReaderAt
	pipeR   *bufio.Reader
	pipePos int64
	closer  io.Closer
	hdr     fileHeader
	order   binary.ByteOrder
	piped   bool

	attrs    []fileAttr
	idToAttr map[attrID]*EventAttr

	sampleIDOffset int // byte offset of AttrID in sample

	sampleIDAll    bool // non-samples have sample_id trailer
	recordIDOffset int  // byte offset of AttrID in non-sample, from end

	attrsPinned bool // whether sampleIDOffset/recordIDOffset/sampleIDAll are pinned yet
}

// New reads a "perf.data" file from r.
//
// The caller must keep r open as long as it is using the returned
// *File.
func New(r io.ReaderAt) (*File, error) {
	// See perf_session__open in tools/perf/util/session.c.
	file := &File{r: r, order: binary.LittleEndian, idToAttr: make(map[attrID]*EventAttr)}

	// Read and check the file magic.
	//
	// See perf_session__read_header in tools/perf/util/header.c
	var magic [8]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, fmt.Errorf("reading file magic: %w: %v", ErrIOShort, err)
	}
	switch string(magic[:]) {
	case "PERFILE2":
		file.order = binary.LittleEndian
	case "2ELIFREP":
		file.order = binary.BigEndian
	case "PERFFILE":
		return nil, fmt.Errorf("version 1 profiles not supported")
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, string(magic[:]))
	}

	sr := io.NewSectionReader(r, 0, 1024)
	if err := binary.Read(sr, file.order, &file.hdr); err != nil {
		return nil, fmt.Errorf("reading file header: %w", err)
	}
	if file.hdr.Size != uint64(binary.Size(&file.hdr)) {
		return nil, fmt.Errorf("bad header size %d", file.hdr.Size)
	}

	// hdr.Data.Size is the last thing written out by perf, so if
	// it's zero, we're working with a partial file.
	if file.hdr.Data.Size == 0 {
		return nil, fmt.Errorf("truncated data file; was 'perf record' properly terminated?")
	}

	// Read EventAttrs. Note that the attr size is represented in
	// both the file header and in each individual attr, but perf
	// doesn't validate the file-level attr size against reality.
	if file.hdr.AttrSize == 0 {
		return nil, fmt.Errorf("bad attr size 0")
	}
	nAttrs := int(file.hdr.Attrs.Size / file.hdr.AttrSize)
	if nAttrs == 0 {
		return nil, fmt.Errorf("no event types")
	} else if nAttrs > 64*1024 {
		return nil, fmt.Errorf("too many attrs or bad attr size")
	}
	file.attrs = make([]fileAttr, nAttrs)
	attrSR := file.hdr.Attrs.sectionReader(r)
	for i := 0; i < nAttrs; i++ {
		if err := readFileAttr(attrSR, &file.attrs[i], file.order); err != nil {
			return nil, fmt.Errorf("reading event attr %d: %w", i, err)
		}
		file.Events = append(file.Events, &file.attrs[i].Attr)
	}

	// Read EventAttr IDs and build the ID -> EventAttr map.
	for i := range file.attrs {
		attr := &file.attrs[i]
		var ids []attrID
		if err := readSlice(attr.IDs.sectionReader(r), &ids, file.order); err != nil {
			return nil, fmt.Errorf("reading event IDs: %w", err)
		}
		if len(ids) == 0 {
			// Single-attr profiles don't always record their
			// IDs; fall back to indexing by ID 0.
			file.idToAttr[0] = &attr.Attr
		}
		for _, id := range ids {
			file.idToAttr[id] = &attr.Attr
		}
	}

	// Check that sample formats are consistent across all event
	// types and pin down where the sample_id lives.
	for i := range file.attrs {
		if err := file.pinAttrConsistency(&file.attrs[i].Attr); err != nil {
			return nil, err
		}
	}

	// Load feature sections. These are laid out as one fileSection
	// per set feature bit, in ascending bit order, immediately
	// following the record data; the bit positions themselves are
	// not stored, so this directory must be walked sequentially.
	sr = io.NewSectionReader(r, int64(file.hdr.Data.Offset+file.hdr.Data.Size), int64(numFeatureBits*binary.Size(fileSection{})))
	for bit := feature(0); bit < feature(numFeatureBits); bit++ {
		if !file.hdr.hasFeature(bit) {
			continue
		}
		var sec fileSection
		if err := binary.Read(sr, file.order, &sec); err != nil {
			return nil, fmt.Errorf("reading feature directory: %w", err)
		}
		if err := file.Meta.parse(bit, sec, file.r, file.order); err != nil {
			return nil, err
		}
	}

	return file, nil
}

// NewPiped reads a perf.data stream in the "piped" layout produced by
// "perf record -o -" (or "perf record" writing to a non-seekable
// destination). Unlike New, r need not support random access: there is
// no header, attrs section, or feature directory up front. Instead,
// File.Events and File.Meta are populated incrementally as Records
// consumes RecordHeaderAttr, RecordHeaderBuildID, and
// RecordHeaderTracingData records embedded in the record stream
// itself.
//
// Only RecordsFileOrder is supported for piped input, since any other
// order requires re-reading the stream, which a true pipe cannot do.
func NewPiped(r io.Reader) (*File, error) {
	br := bufio.NewReaderSize(r, 16<<10)

	var magic [8]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("reading file magic: %w: %v", ErrIOShort, err)
	}
	file := &File{piped: true, pipeR: br, pipePos: 8, idToAttr: make(map[attrID]*EventAttr)}
	switch string(magic[:]) {
	case "PERFILE2":
		file.order = binary.LittleEndian
	case "2ELIFREP":
		file.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, string(magic[:]))
	}

	var size uint64
	if err := binary.Read(br, file.order, &size); err != nil {
		return nil, fmt.Errorf("reading pipe header size: %w: %v", ErrIOShort, err)
	}
	file.pipePos += 8
	if size != 16 {
		return nil, fmt.Errorf("bad piped header size %d", size)
	}
	return file, nil
}

// Open opens the named "perf.data" file using os.Open.
//
// The caller must call f.Close() on the returned file when it is
// done.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// pinAttrConsistency checks that attr's sample-info layout agrees
// with every EventAttr seen so far in this file, pinning
// File.sampleIDOffset, File.recordIDOffset, and File.sampleIDAll on
// the first attr seen.
//
// See perf_evlist__valid_sample_type and
// perf_evlist__valid_sample_id_all in tools/perf/util/evlist.c.
func (f *File) pinAttrConsistency(attr *EventAttr) error {
	sampleOff := attr.SampleFormat.sampleIDOffset()
	recordOff := attr.SampleFormat.recordIDOffset()
	idAll := attr.Flags&EventFlagSampleIDAll != 0

	if !f.attrsPinned {
		f.sampleIDOffset = sampleOff
		f.recordIDOffset = recordOff
		f.sampleIDAll = idAll
		f.attrsPinned = true
	} else {
		if f.sampleIDOffset != sampleOff {
			return fmt.Errorf("%w: incompatible sample ID offsets %d and %d", ErrInconsistentAttrs, f.sampleIDOffset, sampleOff)
		}
		if f.recordIDOffset != recordOff {
			return fmt.Errorf("%w: incompatible record ID offsets %d and %d", ErrInconsistentAttrs, f.recordIDOffset, recordOff)
		}
		if f.sampleIDAll != idAll {
			return fmt.Errorf("%w: incompatible SampleIDAll flags", ErrInconsistentAttrs)
		}
	}

	if attr.SampleFormat&SampleFormatRead != 0 && attr.ReadFormat&ReadFormatID == 0 && attr.ReadFormat&ReadFormatGroup != 0 {
		return fmt.Errorf("bad event read format")
	}
	return nil
}

func readFileAttr(rd io.Reader, fa *fileAttr, order binary.ByteOrder) error {
	// See read_attr in tools/perf/util/header.c.
	attr, err := readEventAttr(rd, order)
	if err != nil {
		return err
	}
	fa.Attr = attr

	// Finally, read the IDs fileSection, which follows the attr.
	return binary.Read(rd, order, &fa.IDs)
}

// readEventAttr reads a single versioned perf_event_attr from rd and
// decodes it into an EventAttr. This is shared between normal-mode
// attrs-section parsing (readFileAttr) and piped-mode
// RecordTypeHeaderAttr records, which carry the same on-disk
// structure inline in the record stream.
func readEventAttr(rd io.Reader, order binary.ByteOrder) (EventAttr, error) {
	var attr eventAttrVN
	if err := binary.Read(rd, order, &attr.eventAttrV0); err != nil {
		return EventAttr{}, err
	}
	if attr.Size == 0 {
		// Assume ABI v0.
		attr.Size = uint32(binary.Size(&attr.eventAttrV0))
	} else if attr.Size > uint32(binary.Size(&attr)) {
		return EventAttr{}, fmt.Errorf("event attr size %d too large; more recent and unsupported format", attr.Size)
	} else {
		// Read whatever's left of the versioned struct. There
		// are specific ABI versions, but perf doesn't bother
		// distinguishing them on read, so neither do we: we
		// just read as many trailing fields as fit in the
		// declared size.
		left := int(attr.Size) - binary.Size(&attr.eventAttrV0)
		rattr := reflect.ValueOf(&attr).Elem()
		for i := 1; i < rattr.NumField() && left > 0; i++ {
			field := rattr.Field(i).Addr().Interface()
			if err := binary.Read(rd, order, field); err != nil {
				return EventAttr{}, err
			}
			left -= binary.Size(field)
		}
	}

	return decodeEventAttr(attr), nil
}

// decodeEventAttr converts an on-disk eventAttrVN into an EventAttr.
func decodeEventAttr(attr eventAttrVN) EventAttr {
	var out EventAttr

	if attr.Flags&EventFlagFreq == 0 {
		out.SamplePeriod = attr.SamplePeriodOrFreq
	} else {
		out.SampleFreq = attr.SamplePeriodOrFreq
	}
	out.SampleFormat = attr.SampleFormat
	out.ReadFormat = attr.ReadFormat
	out.Flags = attr.Flags &^ eventFlagPreciseMask
	out.Precise = EventPrecision((attr.Flags & eventFlagPreciseMask) >> eventFlagPreciseShift)
	if attr.Flags&EventFlagWakeupWatermark == 0 {
		out.WakeupEvents = attr.WakeupEventsOrWatermark
	} else {
		out.WakeupWatermark = attr.WakeupEventsOrWatermark
	}
	out.BranchSampleType = attr.BranchSampleType
	out.SampleRegsUser = attr.SampleRegsUser
	out.SampleStackUser = attr.SampleStackUser
	out.SampleRegsIntr = attr.SampleRegsIntr
	out.AuxWatermark = attr.AuxWatermark
	out.SampleMaxStack = attr.SampleMaxStack

	g := EventGeneric{Type: attr.Type, ID: attr.Config}
	if attr.Type == EventTypeBreakpoint {
		g.ID = uint64(attr.BPType)
		g.Config = []uint64{attr.BPAddrOrConfig1, attr.BPLenOrConfig2}
	}
	out.Event = g.Decode()

	return out
}

// Close closes the File.
//
// If the File was created using New or NewPiped directly instead of
// Open, Close has no effect.
func (f *File) Close() error {
	var err error
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}
	return err
}

// readSlice reads an entire section into a slice. v must be a pointer
// to a slice; the slice itself may be nil. The section size must be
// an exact multiple of the size of the element type of v.
func readSlice(sr *io.SectionReader, v interface{}, order binary.ByteOrder) error {
	vt := reflect.TypeOf(v)
	if vt.Kind() != reflect.Ptr || vt.Elem().Kind() != reflect.Slice {
		panic("v must be a pointer to a slice")
	}
	et := vt.Elem().Elem()
	esize := binary.Size(reflect.Zero(et).Interface())
	if esize <= 0 {
		return fmt.Errorf("unsupported slice element type %v", et)
	}
	nelem := int(sr.Size() / int64(esize))
	if sr.Size()%int64(esize) != 0 {
		return fmt.Errorf("section size %d is not a multiple of element size %d", sr.Size(), esize)
	}

	reflect.ValueOf(v).Elem().Set(reflect.MakeSlice(vt.Elem(), nelem, nelem))

	return binary.Read(sr, order, v)
}

//go:generate stringer -type=RecordsOrder

type RecordsOrder int

const (
	// RecordsFileOrder requests records in file order. This is
	// efficient because it allows streaming the records directly
	// from the file, but the records may not be in time-stamp or
	// even causal order.
	RecordsFileOrder RecordsOrder = iota

	// RecordsCausalOrder requests records in causal order. This is
	// weakly time-ordered: any two records will be in time-stamp
	// order *unless* those records are both RecordSamples. This is
	// potentially more efficient than RecordsTimeOrder, though the
	// current implementation does not distinguish the two.
	RecordsCausalOrder

	// RecordsTimeOrder requests records in time-stamp order. This
	// is the most expensive iteration order because it requires
	// buffering and/or re-reading potentially large sections of
	// the input file in order to sort the records.
	RecordsTimeOrder
)

// Records returns an iterator over the records in the profile. The
// order argument specifies the order for iterating through the
// records in this File. Callers should choose the least
// resource-intensive iteration order that satisfies their needs.
//
// Only RecordsFileOrder is valid for a File created with NewPiped.
func (f *File) Records(order RecordsOrder) *Records {
	if f.piped {
		if order != RecordsFileOrder {
			return &Records{err: fmt.Errorf("perffile: only RecordsFileOrder is supported for piped input")}
		}
		return &Records{f: f}
	}

	if order == RecordsCausalOrder || order == RecordsTimeOrder {
		// Sort the records by making two passes: first record
		// the offsets and time-stamps of all records, then sort
		// this by time-stamp and re-read in the new offset
		// order.
		//
		// See process_finished_round in session.c for how perf
		// does this.
		//
		// TODO: Optimize the first pass to decode only the
		// record length and time-stamp.
		//
		// TODO: Optimize IO on the second pass by keeping track
		// of the non-monotonic boundaries and performing
		// separately buffered reads of each sub-stream.
		rs := f.Records(RecordsFileOrder)
		pos, ts := make([]int64, 0), make([]uint64, 0)
		for rs.Next() {
			c := rs.Record.Common()
			pos = append(pos, c.Offset)
			ts = append(ts, c.Time)
		}
		if rs.Err() != nil {
			return &Records{err: rs.Err()}
		}
		sort.Stable(&timeSorter{pos, ts})
		return &Records{f: f, rawSR: f.hdr.Data.sectionReader(f.r), order: pos}
	}

	return &Records{f: f, sr: newBufferedSectionReader(f.hdr.Data.sectionReader(f.r))}
}

type timeSorter struct {
	pos []int64
	ts  []uint64
}

func (s *timeSorter) Len() int {
	return len(s.pos)
}

func (s *timeSorter) Less(i, j int) bool {
	return s.ts[i] < s.ts[j]
}

func (s *timeSorter) Swap(i, j int) {
	s.pos[i], s.pos[j] = s.pos[j], s.pos[i]
	s.ts[i], s.ts[j] = s.ts[j], s.ts[i]
}
