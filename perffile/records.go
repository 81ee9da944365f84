// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Records is an iterator over the records in a "perf.data" file.
//
// Typical usage is
//    rs := file.Records(perffile.RecordsFileOrder)
//    for rs.Next() {
//      switch r := rs.Record.(type) {
//        ...
//      }
//    }
//    if err := rs.Err(); err != nil { ... }
type Records struct {
	f  *File
	sr *bufferedSectionReader // streaming, file-order iteration

	// rawSR and order support RecordsCausalOrder/RecordsTimeOrder:
	// order holds the absolute file offset of each record in
	// time-stamp order, and rawSR is seeked to each in turn.
	rawSR *io.SectionReader
	order []int64
	idx   int

	err error

	// The current record.  Determine which type of record this is
	// using a type switch.
	Record Record

	// Read buffer.  Reused (and resized) by Next.
	buf []byte

	// UnknownEventTypes counts records whose type Next didn't
	// recognize. See ErrUnknownEventType.
	UnknownEventTypes int

	// Cache for common record types
	recordMmap   RecordMmap
	recordComm   RecordComm
	recordExit   RecordExit
	recordFork   RecordFork
	recordSample RecordSample
}

// Err returns the first error encountered by Records.
func (r *Records) Err() error {
	return r.err
}

// Next fetches the next record into r.Record.  It returns true if
// successful, and false if it reaches the end of the record stream or
// encounters an error.
//
// The record stored in r.Record may be reused by later invocations of
// Next, so if the caller may need the record after another call to
// Next, it must make its own copy.
func (r *Records) Next() bool {
	// See perf_evsel__parse_sample
	if r.err != nil {
		return false
	}

	order := r.f.order

	var rd io.Reader
	var offset int64
	switch {
	case r.f.piped:
		rd = r.f.pipeR
		offset = r.f.pipePos

	case r.order != nil:
		if r.idx >= len(r.order) {
			return false
		}
		offset = r.order[r.idx]
		r.idx++
		if _, err := r.rawSR.Seek(offset-int64(r.f.hdr.Data.Offset), io.SeekStart); err != nil {
			r.err = fmt.Errorf("%w: %v", ErrIOShort, err)
			return false
		}
		rd = r.rawSR

	default:
		relOffset, _ := r.sr.Seek(0, 1)
		offset = relOffset + int64(r.f.hdr.Data.Offset)
		rd = r.sr
	}

	var common RecordCommon
	common.Offset = offset

	// Read record header
	var hdr recordHeader
	if err := binary.Read(rd, order, &hdr); err != nil {
		if err != io.EOF {
			r.err = fmt.Errorf("%w: %v", ErrIOShort, err)
		}
		return false
	}
	if hdr.Size < 8 {
		r.err = fmt.Errorf("%w: record size %d smaller than header", ErrIOShort, hdr.Size)
		return false
	}

	// Read record data
	rlen := int(hdr.Size - 8)
	if rlen > len(r.buf) {
		r.buf = make([]byte, rlen)
	}
	var bd = &bufDecoder{r.buf[:rlen], order}
	if _, err := io.ReadFull(rd, bd.buf); err != nil {
		r.err = fmt.Errorf("%w: %v", ErrIOShort, err)
		return false
	}
	if r.f.piped {
		r.f.pipePos += 8 + int64(rlen)
	}

	// Parse common sample_id fields
	if r.f.sampleIDAll && hdr.Type != RecordTypeSample && hdr.Type < recordTypeUserStart {
		r.parseCommon(bd, &common)
	}

	// Parse record
	// TODO: Don't array out-of-bounds on short records
	switch hdr.Type {
	default:
		// As far as I can tell, RecordTypeRead can never
		// appear in a perf.data file. Unrecognized record
		// types are surfaced to callers as RecordUnknown
		// rather than as a hard error, since new kernels
		// routinely add record types older readers don't
		// know about.
		if hdr.Type < recordTypeUserStart {
			r.UnknownEventTypes++
		}
		r.Record = &RecordUnknown{hdr, common, bd.buf}

	case RecordTypeMmap:
		r.Record = r.parseMmap(bd, &hdr, &common, false)

	case RecordTypeAux:
		r.Record = r.parseAux(bd, &common)

	case RecordTypeItraceStart:
		r.Record = r.parseItraceStart(bd, &common)

	case RecordTypeLostSamples:
		r.Record = r.parseLostSamples(bd, &common)

	case RecordTypeLost:
		r.Record = r.parseLost(bd, &hdr, &common)

	case RecordTypeComm:
		r.Record = r.parseComm(bd, &hdr, &common)

	case RecordTypeExit:
		r.Record = r.parseExit(bd, &hdr, &common)

	case RecordTypeThrottle:
		r.Record = r.parseThrottle(bd, &hdr, &common, true)

	case RecordTypeUnthrottle:
		r.Record = r.parseThrottle(bd, &hdr, &common, false)

	case RecordTypeFork:
		r.Record = r.parseFork(bd, &hdr, &common)

	case RecordTypeSample:
		r.Record = r.parseSample(bd, &hdr)

	case RecordTypeMmap2:
		r.Record = r.parseMmap(bd, &hdr, &common, true)

	case RecordTypeHeaderAttr:
		r.Record = r.parseHeaderAttr(bd, &common)

	case RecordTypeHeaderBuildID:
		r.Record = r.parseHeaderBuildID(bd, &hdr, &common)

	case RecordTypeHeaderTracingData:
		r.Record = r.parseHeaderTracingData(bd, &common, rd)

	case RecordTypeFinishedRound:
		r.Record = &RecordFinishedRound{RecordCommon: common}
	}
	if r.err != nil {
		return false
	}
	return true
}

func (r *Records) getAttr(id attrID) *EventAttr {
	if attr, ok := r.f.idToAttr[id]; ok {
		return attr
	}
	r.err = fmt.Errorf("event has unknown eventAttr ID %d", id)
	return nil
}

// parseCommon parses the common sample_id structure in the trailer of
// non-sample records.
func (r *Records) parseCommon(bd *bufDecoder, o *RecordCommon) bool {
	// Get EventAttr ID
	if r.f.recordIDOffset == -1 {
		o.ID = 0
	} else {
		o.ID = attrID(bd.order.Uint64(bd.buf[len(bd.buf)+r.f.recordIDOffset:]))
	}
	o.EventAttr = r.getAttr(o.ID)
	if o.EventAttr == nil {
		return false
	}

	// Narrow decoder to the trailer
	commonLen := o.EventAttr.SampleFormat.trailerBytes()
	bd = &bufDecoder{bd.buf[len(bd.buf)-commonLen:], bd.order}

	// Decode trailer
	t := o.EventAttr.SampleFormat
	o.Format = t
	o.PID = int(bd.i32If(t&SampleFormatTID != 0))
	o.TID = int(bd.i32If(t&SampleFormatTID != 0))
	o.Time = bd.u64If(t&SampleFormatTime != 0)
	bd.u64If(t&SampleFormatID != 0)
	o.StreamID = bd.u64If(t&SampleFormatStreamID != 0)
	o.CPU = bd.u32If(t&SampleFormatCPU != 0)
	o.Res = bd.u32If(t&SampleFormatCPU != 0)
	return true
}

func (r *Records) parseMmap(bd *bufDecoder, hdr *recordHeader, common *RecordCommon, v2 bool) Record {
	o := &r.recordMmap
	o.RecordCommon = *common
	o.Format |= SampleFormatTID

	// Decode hdr.Misc
	o.Data = (hdr.Misc&recordMiscMmapData != 0)
	o.v2 = v2

	// Decode fields
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Addr, o.Len, o.PgOff = bd.u64(), bd.u64(), bd.u64()
	if v2 {
		o.Major, o.Minor = bd.u32(), bd.u32()
		o.Ino, o.InoGeneration = bd.u64(), bd.u64()
		o.Prot, o.Flags = bd.u32(), bd.u32()
	}
	o.Filename = bd.cstring()

	return o
}

func (r *Records) parseLost(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordLost{RecordCommon: *common}
	o.Format |= SampleFormatID

	o.ID = attrID(bd.u64())
	o.EventAttr = r.getAttr(o.ID)
	o.NumLost = bd.u64()

	return o
}

func (r *Records) parseComm(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &r.recordComm
	o.RecordCommon = *common
	o.Format |= SampleFormatTID

	// Decode hdr.Misc
	o.Exec = (hdr.Misc&recordMiscCommExec != 0)

	// Decode fields
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	o.Comm = bd.cstring()

	return o
}

func (r *Records) parseExit(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &r.recordExit
	o.RecordCommon = *common
	o.Format |= SampleFormatTID | SampleFormatTime

	o.PID, o.PPID = int(bd.i32()), int(bd.i32())
	o.TID, o.PTID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()

	return o
}

func (r *Records) parseThrottle(bd *bufDecoder, hdr *recordHeader, common *RecordCommon, enable bool) Record {
	o := &RecordThrottle{RecordCommon: *common, Enable: enable}
	o.Format |= SampleFormatTime | SampleFormatID | SampleFormatStreamID

	o.Time = bd.u64()
	// Throttle events always have an event attr ID, even if the
	// IDs aren't recorded.  So if we see an unknown attr ID, just
	// assume it's the default event.
	id := attrID(bd.u64())
	if r.f.idToAttr[id] == nil && r.f.idToAttr[0] != nil {
		o.EventAttr = r.f.idToAttr[0]
	} else {
		o.EventAttr = r.getAttr(id)
	}
	o.StreamID = bd.u64()

	return o
}

func (r *Records) parseFork(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &r.recordFork
	o.RecordCommon = *common
	o.Format |= SampleFormatTID | SampleFormatTime

	o.PID, o.PPID = int(bd.i32()), int(bd.i32())
	o.TID, o.PTID = int(bd.i32()), int(bd.i32())
	o.Time = bd.u64()

	return o
}

func (r *Records) parseSample(bd *bufDecoder, hdr *recordHeader) Record {
	o := &r.recordSample
	o.RecordCommon = RecordCommon{}

	// Get sample EventAttr ID
	if r.f.sampleIDOffset == -1 {
		o.ID = 0
	} else {
		o.ID = attrID(bd.order.Uint64(bd.buf[r.f.sampleIDOffset:]))
	}
	o.EventAttr = r.getAttr(o.ID)
	if o.EventAttr == nil {
		return nil
	}

	// Decode hdr.Misc
	o.CPUMode = CPUMode(hdr.Misc & recordMiscCPUModeMask)
	o.ExactIP = (hdr.Misc&recordMiscExactIP != 0)

	// Decode the rest of the sample. See the comment above
	// PERF_RECORD_SAMPLE in include/uapi/linux/perf_event.h for the
	// on-disk field order, which does not match the bit order of
	// SampleFormat.
	t := o.EventAttr.SampleFormat
	o.Format = t
	bd.u64If(t&SampleFormatIdentifier != 0)
	o.IP = bd.u64If(t&SampleFormatIP != 0)
	o.PID = int(bd.i32If(t&SampleFormatTID != 0))
	o.TID = int(bd.i32If(t&SampleFormatTID != 0))
	o.Time = bd.u64If(t&SampleFormatTime != 0)
	o.Addr = bd.u64If(t&SampleFormatAddr != 0)
	bd.u64If(t&SampleFormatID != 0)
	o.StreamID = bd.u64If(t&SampleFormatStreamID != 0)
	o.CPU = bd.u32If(t&SampleFormatCPU != 0)
	o.Res = bd.u32If(t&SampleFormatCPU != 0)
	o.Period = bd.u64If(t&SampleFormatPeriod != 0)

	if t&SampleFormatRead != 0 {
		r.parseReadFormat(bd, o.EventAttr.ReadFormat, &o.SampleRead)
	} else {
		o.SampleRead = nil
	}

	if t&SampleFormatCallchain != 0 {
		callchainLen := int(bd.u64())
		if o.Callchain == nil || cap(o.Callchain) < callchainLen {
			o.Callchain = make([]uint64, callchainLen)
		} else {
			o.Callchain = o.Callchain[:callchainLen]
		}
		bd.u64s(o.Callchain)
	} else {
		o.Callchain = nil
	}

	if t&SampleFormatRaw != 0 {
		rawSize := bd.u32()
		if o.Raw == nil || cap(o.Raw) < int(rawSize) {
			o.Raw = make([]byte, rawSize)
		} else {
			o.Raw = o.Raw[:rawSize]
		}
		bd.bytes(o.Raw)
	} else {
		o.Raw = nil
	}

	o.BranchHWIndex = -1
	if t&SampleFormatBranchStack != 0 {
		if o.EventAttr.BranchSampleType&BranchSampleHWIndex != 0 {
			o.BranchHWIndex = int64(bd.u64())
		}
		count := int(bd.u64())
		if o.BranchStack == nil || cap(o.BranchStack) < count {
			o.BranchStack = make([]BranchRecord, count)
		} else {
			o.BranchStack = o.BranchStack[:count]
		}
		for i := range o.BranchStack {
			o.BranchStack[i].From = bd.u64()
			o.BranchStack[i].To = bd.u64()
			flags := bd.u64()
			o.BranchStack[i].Flags = BranchFlags(flags)
			if o.EventAttr.BranchSampleType&BranchSampleNoCycles == 0 {
				o.BranchStack[i].Cycles = uint16(flags >> 4)
			}
			if o.EventAttr.BranchSampleType&BranchSampleTypeSave != 0 {
				o.BranchStack[i].Type = BranchType(flags >> 20)
			}
		}
	} else {
		o.BranchStack = nil
	}

	if t&SampleFormatRegsUser != 0 {
		o.RegsUserABI = SampleRegsABI(bd.u64())
		count := weight(o.EventAttr.SampleRegsUser)
		if o.RegsUser == nil || cap(o.RegsUser) < count {
			o.RegsUser = make([]uint64, count)
		} else {
			o.RegsUser = o.RegsUser[:count]
		}
		bd.u64s(o.RegsUser)
	} else {
		o.RegsUserABI, o.RegsUser = 0, nil
	}

	if t&SampleFormatStackUser != 0 {
		size := int(bd.u64())
		if o.StackUser == nil || cap(o.StackUser) < size {
			o.StackUser = make([]byte, size)
		} else {
			o.StackUser = o.StackUser[:size]
		}
		bd.bytes(o.StackUser)
		if size != 0 {
			o.StackUserDynSize = bd.u64()
		} else {
			o.StackUserDynSize = 0
		}
	} else {
		o.StackUser = nil
		o.StackUserDynSize = 0
	}

	o.Weights = Weights{}
	if t&SampleFormatWeightStruct != 0 {
		raw := bd.u64()
		o.Weights.Var1 = uint32(raw)
		o.Weights.Var2 = uint16(raw >> 32)
		o.Weights.Var3 = uint16(raw >> 48)
		o.Weight = uint64(o.Weights.Var1)
	} else if t&SampleFormatWeight != 0 {
		o.Weight = bd.u64()
	} else {
		o.Weight = 0
	}

	if t&SampleFormatDataSrc != 0 {
		o.DataSrc = decodeDataSrc(bd.u64())
	} else {
		o.DataSrc = DataSrc{}
	}

	transaction := bd.u64If(t&SampleFormatTransaction != 0)
	o.Transaction = Transaction(transaction & 0xffffffff)
	o.AbortCode = uint32(transaction >> 32)

	if t&SampleFormatRegsIntr != 0 {
		o.RegsIntrABI = SampleRegsABI(bd.u64())
		count := weight(o.EventAttr.SampleRegsIntr)
		if o.RegsIntr == nil || cap(o.RegsIntr) < count {
			o.RegsIntr = make([]uint64, count)
		} else {
			o.RegsIntr = o.RegsIntr[:count]
		}
		bd.u64s(o.RegsIntr)
	} else {
		o.RegsIntrABI, o.RegsIntr = 0, nil
	}

	o.PhysAddr = bd.u64If(t&SampleFormatPhysAddr != 0)
	o.CGroup = bd.u64If(t&SampleFormatCGroup != 0)
	o.DataPageSize = bd.u64If(t&SampleFormatDataPageSize != 0)
	o.CodePageSize = bd.u64If(t&SampleFormatCodePageSize != 0)

	if t&SampleFormatAux != 0 {
		size := int(bd.u64())
		if o.Aux == nil || cap(o.Aux) < size {
			o.Aux = make([]byte, size)
		} else {
			o.Aux = o.Aux[:size]
		}
		bd.bytes(o.Aux)
	} else {
		o.Aux = nil
	}

	return o
}

func (r *Records) parseReadFormat(bd *bufDecoder, f ReadFormat, out *[]Count) {
	n := 1
	if f&ReadFormatGroup != 0 {
		n = int(bd.u64())
	}

	if *out == nil || cap(*out) < n {
		*out = make([]Count, n)
	} else {
		*out = (*out)[:n]
	}

	if f&ReadFormatGroup == 0 {
		o := &(*out)[0]
		o.Value = bd.u64()
		o.TimeEnabled = bd.u64If(f&ReadFormatTotalTimeEnabled != 0)
		o.TimeRunning = bd.u64If(f&ReadFormatTotalTimeRunning != 0)
		if f&ReadFormatID != 0 {
			o.EventAttr = r.getAttr(attrID(bd.u64()))
		} else {
			o.EventAttr = nil
		}
	} else {
		for i := range *out {
			o := &(*out)[i]
			o.TimeEnabled = bd.u64If(f&ReadFormatTotalTimeEnabled != 0)
			o.TimeRunning = bd.u64If(f&ReadFormatTotalTimeRunning != 0)
			o.Value = bd.u64()
			if f&ReadFormatID != 0 {
				o.EventAttr = r.getAttr(attrID(bd.u64()))
			} else {
				o.EventAttr = nil
			}
		}
	}
}

func (r *Records) parseAux(bd *bufDecoder, common *RecordCommon) Record {
	o := &RecordAux{RecordCommon: *common}
	o.Offset = bd.u64()
	o.Size = bd.u64()
	flags := bd.u64()
	o.Flags = AuxFlags(flags &^ 0xff00000000000000)
	o.PMUFormat = AuxPMUFormat((flags >> 56) & 0xff)
	return o
}

func (r *Records) parseItraceStart(bd *bufDecoder, common *RecordCommon) Record {
	o := &RecordItraceStart{RecordCommon: *common}
	o.Format |= SampleFormatTID
	o.PID, o.TID = int(bd.i32()), int(bd.i32())
	return o
}

func (r *Records) parseLostSamples(bd *bufDecoder, common *RecordCommon) Record {
	o := &RecordLostSamples{RecordCommon: *common}
	o.Lost = bd.u64()
	return o
}

// parseHeaderAttr decodes an inline EventAttr from a piped-mode
// stream and registers it the same way New does for a normal-mode
// attrs section.
func (r *Records) parseHeaderAttr(bd *bufDecoder, common *RecordCommon) Record {
	attr, err := readEventAttr(bd, bd.order)
	if err != nil {
		r.err = fmt.Errorf("reading inline event attr: %w", err)
		return nil
	}

	ids := make([]uint64, len(bd.buf)/8)
	for i := range ids {
		ids[i] = bd.u64()
	}

	r.f.Events = append(r.f.Events, &attr)
	if len(ids) == 0 {
		r.f.idToAttr[0] = &attr
	}
	for _, id := range ids {
		r.f.idToAttr[attrID(id)] = &attr
	}
	if err := r.f.pinAttrConsistency(&attr); err != nil {
		r.err = err
		return nil
	}

	return &RecordHeaderAttr{RecordCommon: *common, EventAttr: &attr, IDs: ids}
}

// parseHeaderBuildID decodes a single build ID to filename mapping,
// the same per-entry layout as the HEADER_BUILD_ID feature section
// (see FileMeta.parseBuildID), but as it arrives inline in a
// piped-mode stream.
func (r *Records) parseHeaderBuildID(bd *bufDecoder, hdr *recordHeader, common *RecordCommon) Record {
	o := &RecordHeaderBuildID{RecordCommon: *common}
	o.BuildIDInfo.CPUMode = CPUMode(hdr.Misc & recordMiscCPUModeMask)
	o.BuildIDInfo.PID = int(bd.i32())
	// The build ID is 20 bytes, but padded to 8 bytes.
	buildID := make([]byte, 24)
	bd.bytes(buildID)
	o.BuildIDInfo.BuildID = BuildID(buildID[:20])
	o.BuildIDInfo.Filename = bd.cstring()

	r.f.Meta.BuildIDs = append(r.f.Meta.BuildIDs, o.BuildIDInfo)

	return o
}

// parseHeaderTracingData decodes the ftrace format blob carried
// inline in a piped-mode stream. The kernel appends the tracing data
// after this record's own header.size rather than within it, so the
// payload has to be read directly from rd (the same stream Next just
// consumed this record's framing from) rather than from bd.
func (r *Records) parseHeaderTracingData(bd *bufDecoder, common *RecordCommon, rd io.Reader) Record {
	size := bd.u32()
	data := make([]byte, size)
	if _, err := io.ReadFull(rd, data); err != nil {
		r.err = fmt.Errorf("%w: %v", ErrIOShort, err)
		return &RecordHeaderTracingData{RecordCommon: *common}
	}
	if r.f.piped {
		r.f.pipePos += int64(size)
	}
	r.f.Meta.TracingData = data
	return &RecordHeaderTracingData{RecordCommon: *common, Data: data}
}

func decodeDataSrc(d uint64) (out DataSrc) {
	// See perf_mem_data_src in include/uapi/linux/perf_event.h
	op := (d >> 0) & 0x1f
	lvl := (d >> 5) & 0x3fff
	snoop := (d >> 19) & 0x1f
	lock := (d >> 24) & 0x3
	dtlb := (d >> 26) & 0x7f

	if op&0x1 != 0 {
		out.Op = DataSrcOpNA
	} else {
		out.Op = DataSrcOp(op >> 1)
	}

	if lvl&0x1 != 0 {
		out.Miss, out.Level = false, DataSrcLevelNA
	} else {
		out.Miss = (lvl & 0x4) != 0
		out.Level = DataSrcLevel(lvl >> 3)
	}

	if snoop&0x1 != 0 {
		out.Snoop = DataSrcSnoopNA
	} else {
		out.Snoop = DataSrcSnoop(snoop >> 1)
	}

	if lock&0x1 != 0 {
		out.Locked = DataSrcLockNA
	} else if lock&0x02 != 0 {
		out.Locked = DataSrcLockLocked
	} else {
		out.Locked = DataSrcLockUnlocked
	}

	if dtlb&0x1 != 0 {
		out.TLB = DataSrcTLBNA
	} else {
		out.TLB = DataSrcTLB(dtlb >> 1)
	}
	return
}

func weight(x uint64) int {
	x -= (x >> 1) & 0x5555555555555555
	x = (x & 0x3333333333333333) + ((x >> 2) & 0x3333333333333333)
	x = (x + (x >> 4)) & 0x0f0f0f0f0f0f0f0f
	return int((x * 0x0101010101010101) >> 56)
}
