// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// AttrWithIDs pairs an EventAttr with the set of sample/attr IDs that
// refer to it, mirroring the on-disk fileAttr/IDs-section relationship.
type AttrWithIDs struct {
	Attr *EventAttr
	IDs  []uint64
}

// WriteConfig is the input to Write: everything needed to reconstruct
// a normal-mode perf.data file.
type WriteConfig struct {
	Attrs   []AttrWithIDs
	Meta    FileMeta
	Records []Record
}

// writeOrder is the byte order Write always emits, regardless of the
// byte order any input File was read in.
var writeOrder = binary.LittleEndian

// WriteFile creates name and writes cfg to it using Write.
func WriteFile(name string, cfg WriteConfig) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, cfg)
}

// Write serializes cfg as a normal-mode (non-piped) perf.data file and
// writes it to w.
//
// The emitter reserves the header, then appends the attrs section, the
// attr ID tables, the event records, and the metadata feature blobs in
// that fixed order, backfilling the header with the resulting offsets
// and sizes once everything else has been laid out. Write always
// emits little-endian byte order (the "PERFILE2" magic), regardless
// of the byte order of any source file the records were read from.
func Write(w io.Writer, cfg WriteConfig) error {
	order := writeOrder

	attrToID := make(map[*EventAttr]uint64, len(cfg.Attrs))
	for _, a := range cfg.Attrs {
		if len(a.IDs) > 0 {
			attrToID[a.Attr] = a.IDs[0]
		}
	}

	var sampleIDAll bool
	if len(cfg.Attrs) > 0 {
		sampleIDAll = cfg.Attrs[0].Attr.Flags&EventFlagSampleIDAll != 0
	}
	var trailerAttr *EventAttr
	if len(cfg.Attrs) > 0 {
		trailerAttr = cfg.Attrs[0].Attr
	}

	// Attr IDs blob: one contiguous []attrID run per attr.
	var idsBuf bytes.Buffer
	idSections := make([]fileSection, len(cfg.Attrs))
	for i, a := range cfg.Attrs {
		idSections[i] = fileSection{Offset: uint64(idsBuf.Len()), Size: uint64(8 * len(a.IDs))}
		for _, id := range a.IDs {
			var tmp [8]byte
			order.PutUint64(tmp[:], id)
			idsBuf.Write(tmp[:])
		}
	}

	attrSize := uint32(binary.Size(eventAttrVN{}))

	// Data section: the event records themselves.
	var dataBuf bytes.Buffer
	for i, rec := range cfg.Records {
		hdr, body, err := encodeRecord(rec, order, attrToID, sampleIDAll, trailerAttr)
		if err != nil {
			return fmt.Errorf("encoding record %d: %w", i, err)
		}
		hdr.Size = uint16(8 + len(body))
		if err := binary.Write(&dataBuf, order, hdr); err != nil {
			return err
		}
		dataBuf.Write(body)
		if td, ok := rec.(*RecordHeaderTracingData); ok {
			// The tracing data payload itself lives outside
			// this record's header.size, immediately
			// following it in the stream; see
			// parseHeaderTracingData.
			dataBuf.Write(td.Data)
		}
	}

	// Feature metadata blobs, in ascending bit order, plus the
	// directory of fileSections pointing at them.
	featureBlobs, features, err := encodeFeatures(&cfg.Meta, cfg.Attrs, order)
	if err != nil {
		return err
	}

	// Now that every variable-length piece is serialized, lay out
	// absolute offsets: header, then attrs array (with embedded
	// per-attr ID-section pointers rebased into the ids blob's final
	// position), then the ids blob, then the data section, then the
	// feature directory, then the feature blobs themselves.
	headerSize := uint64(binary.Size(fileHeader{}))
	attrsOffset := headerSize
	attrsSize := uint64(len(cfg.Attrs)) * (uint64(attrSize) + uint64(binary.Size(fileSection{})))
	idsOffset := attrsOffset + attrsSize
	dataOffset := idsOffset + uint64(idsBuf.Len())
	featureDirOffset := dataOffset + uint64(dataBuf.Len())
	featureDirSize := uint64(len(features)) * uint64(binary.Size(fileSection{}))
	blobOffset := featureDirOffset + featureDirSize

	var attrsBuf bytes.Buffer
	for i, a := range cfg.Attrs {
		enc := encodeEventAttr(a.Attr)
		if err := binary.Write(&attrsBuf, order, &enc); err != nil {
			return err
		}
		sec := idSections[i]
		sec.Offset += idsOffset
		if err := binary.Write(&attrsBuf, order, &sec); err != nil {
			return err
		}
	}

	var featureDirBuf bytes.Buffer
	off := blobOffset
	for _, blob := range featureBlobs {
		sec := fileSection{Offset: off, Size: uint64(len(blob))}
		if err := binary.Write(&featureDirBuf, order, &sec); err != nil {
			return err
		}
		off += uint64(len(blob))
	}

	hdr := fileHeader{
		Magic: [8]byte{'P', 'E', 'R', 'F', 'I', 'L', 'E', '2'},
		Size:  headerSize,
		// AttrSize is the on-disk stride of one fileAttr entry
		// (the versioned attr struct plus its trailing IDs
		// fileSection pointer), used by readers to recover the
		// attr count from the attrs section's total size.
		AttrSize: uint64(attrSize) + uint64(binary.Size(fileSection{})),
		Attrs:    fileSection{Offset: attrsOffset, Size: attrsSize},
		Data:     fileSection{Offset: dataOffset, Size: uint64(dataBuf.Len())},
	}
	for _, f := range features {
		hdr.Features[f/64] |= 1 << (uint(f) % 64)
	}

	if err := binary.Write(w, order, &hdr); err != nil {
		return err
	}
	if _, err := w.Write(attrsBuf.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(idsBuf.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(dataBuf.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(featureDirBuf.Bytes()); err != nil {
		return err
	}
	for _, blob := range featureBlobs {
		if _, err := w.Write(blob); err != nil {
			return err
		}
	}
	return nil
}

// encodeEventAttr is the write-side counterpart of decodeEventAttr.
func encodeEventAttr(attr *EventAttr) eventAttrVN {
	var out eventAttrVN

	g := attr.Event.Generic()
	out.Type = g.Type
	if g.Type == EventTypeBreakpoint {
		out.BPType = uint32(g.ID)
		if len(g.Config) >= 2 {
			out.BPAddrOrConfig1, out.BPLenOrConfig2 = g.Config[0], g.Config[1]
		}
	} else {
		out.Config = g.ID
	}

	out.Size = uint32(binary.Size(eventAttrVN{}))

	flags := attr.Flags&^eventFlagPreciseMask | EventFlags(attr.Precise)<<eventFlagPreciseShift
	if attr.Flags&EventFlagFreq != 0 {
		out.SamplePeriodOrFreq = attr.SampleFreq
	} else {
		out.SamplePeriodOrFreq = attr.SamplePeriod
	}
	if attr.WakeupWatermark != 0 {
		flags |= EventFlagWakeupWatermark
		out.WakeupEventsOrWatermark = attr.WakeupWatermark
	} else {
		out.WakeupEventsOrWatermark = attr.WakeupEvents
	}
	out.Flags = flags
	out.SampleFormat = attr.SampleFormat
	out.ReadFormat = attr.ReadFormat
	out.BranchSampleType = attr.BranchSampleType
	out.SampleRegsUser = attr.SampleRegsUser
	out.SampleStackUser = attr.SampleStackUser
	out.SampleRegsIntr = attr.SampleRegsIntr
	out.AuxWatermark = attr.AuxWatermark
	out.SampleMaxStack = attr.SampleMaxStack

	return out
}

// idFor returns the attr ID to embed in a record's sample_id trailer:
// the record's own ID if one was recorded, otherwise whatever ID its
// EventAttr maps to.
func idFor(c *RecordCommon, attrToID map[*EventAttr]uint64) uint64 {
	if c.ID != 0 {
		return uint64(c.ID)
	}
	if c.EventAttr != nil {
		return attrToID[c.EventAttr]
	}
	return 0
}

// encodeCommonTrailer appends the sample_id trailer shared by
// non-sample records when every attr in the file sets
// EventFlagSampleIDAll. It mirrors Records.parseCommon's field order.
func encodeCommonTrailer(enc *bufEncoder, attr *EventAttr, c *RecordCommon, attrToID map[*EventAttr]uint64) {
	t := attr.SampleFormat
	enc.i32If(t&SampleFormatTID != 0, int32(c.PID))
	enc.i32If(t&SampleFormatTID != 0, int32(c.TID))
	enc.u64If(t&SampleFormatTime != 0, c.Time)
	enc.u64If(t&SampleFormatID != 0, idFor(c, attrToID))
	enc.u64If(t&SampleFormatStreamID != 0, c.StreamID)
	enc.u32If(t&SampleFormatCPU != 0, c.CPU)
	enc.u32If(t&SampleFormatCPU != 0, c.Res)
	enc.u64If(t&SampleFormatIdentifier != 0, idFor(c, attrToID))
}

// encodeRecord serializes a single record body (everything after the
// 8-byte recordHeader) and returns the header's Type/Misc along with
// the body bytes; Write fills in Size once the body length is known.
func encodeRecord(rec Record, order binary.ByteOrder, attrToID map[*EventAttr]uint64, sampleIDAll bool, trailerAttr *EventAttr) (recordHeader, []byte, error) {
	enc := &bufEncoder{order: order}
	hdr := recordHeader{Type: rec.Type()}

	appendTrailer := func(c *RecordCommon) {
		if sampleIDAll && trailerAttr != nil {
			encodeCommonTrailer(enc, trailerAttr, c, attrToID)
		}
	}

	switch r := rec.(type) {
	case *RecordMmap:
		if r.Data {
			hdr.Misc |= recordMiscMmapData
		}
		if r.v2 {
			hdr.Type = RecordTypeMmap2
		}
		enc.i32(int32(r.PID))
		enc.i32(int32(r.TID))
		enc.u64(r.Addr)
		enc.u64(r.Len)
		enc.u64(r.PgOff)
		if r.v2 {
			enc.u32(r.Major)
			enc.u32(r.Minor)
			enc.u64(r.Ino)
			enc.u64(r.InoGeneration)
			enc.u32(r.Prot)
			enc.u32(r.Flags)
		}
		enc.cstring(r.Filename)
		appendTrailer(&r.RecordCommon)

	case *RecordLost:
		enc.u64(uint64(r.ID))
		enc.u64(r.NumLost)
		appendTrailer(&r.RecordCommon)

	case *RecordComm:
		if r.Exec {
			hdr.Misc |= recordMiscCommExec
		}
		enc.i32(int32(r.PID))
		enc.i32(int32(r.TID))
		enc.cstring(r.Comm)
		appendTrailer(&r.RecordCommon)

	case *RecordExit:
		enc.i32(int32(r.PID))
		enc.i32(int32(r.PPID))
		enc.i32(int32(r.TID))
		enc.i32(int32(r.PTID))
		enc.u64(r.Time)
		appendTrailer(&r.RecordCommon)

	case *RecordThrottle:
		hdr.Type = RecordTypeThrottle
		if !r.Enable {
			hdr.Type = RecordTypeUnthrottle
		}
		enc.u64(r.Time)
		enc.u64(idFor(&r.RecordCommon, attrToID))
		enc.u64(r.StreamID)
		appendTrailer(&r.RecordCommon)

	case *RecordFork:
		enc.i32(int32(r.PID))
		enc.i32(int32(r.PPID))
		enc.i32(int32(r.TID))
		enc.i32(int32(r.PTID))
		enc.u64(r.Time)
		appendTrailer(&r.RecordCommon)

	case *RecordAux:
		enc.u64(r.Offset)
		enc.u64(r.Size)
		enc.u64(uint64(r.Flags) | uint64(r.PMUFormat)<<56)
		appendTrailer(&r.RecordCommon)

	case *RecordItraceStart:
		enc.i32(int32(r.PID))
		enc.i32(int32(r.TID))
		appendTrailer(&r.RecordCommon)

	case *RecordLostSamples:
		enc.u64(r.Lost)
		appendTrailer(&r.RecordCommon)

	case *RecordFinishedRound:
		// No body.

	case *RecordHeaderAttr:
		eattr := encodeEventAttr(r.EventAttr)
		if err := binary.Write(bufEncoderWriter{enc}, order, &eattr); err != nil {
			return hdr, nil, err
		}
		for _, id := range r.IDs {
			enc.u64(id)
		}

	case *RecordHeaderBuildID:
		hdr.Misc = recordMisc(uint16(r.BuildIDInfo.CPUMode) & uint16(recordMiscCPUModeMask))
		enc.i32(int32(r.BuildIDInfo.PID))
		buildID := make([]byte, 24)
		copy(buildID, r.BuildIDInfo.BuildID)
		enc.bytes(buildID)
		enc.cstring(r.BuildIDInfo.Filename)

	case *RecordHeaderTracingData:
		enc.u32(uint32(len(r.Data)))

	case *RecordSample:
		if err := encodeSample(enc, r); err != nil {
			return hdr, nil, err
		}

	case *RecordUnknown:
		hdr = r.recordHeader
		enc.bytes(r.Data)

	default:
		return hdr, nil, fmt.Errorf("unsupported record type %T", rec)
	}

	return hdr, enc.buf, nil
}

// encodeSample is the write-side counterpart of Records.parseSample.
func encodeSample(enc *bufEncoder, r *RecordSample) error {
	if r.EventAttr == nil {
		return fmt.Errorf("sample has no EventAttr")
	}
	t := r.EventAttr.SampleFormat

	enc.u64If(t&SampleFormatIdentifier != 0, uint64(r.ID))
	enc.u64If(t&SampleFormatIP != 0, r.IP)
	enc.i32If(t&SampleFormatTID != 0, int32(r.PID))
	enc.i32If(t&SampleFormatTID != 0, int32(r.TID))
	enc.u64If(t&SampleFormatTime != 0, r.Time)
	enc.u64If(t&SampleFormatAddr != 0, r.Addr)
	enc.u64If(t&SampleFormatID != 0, uint64(r.ID))
	enc.u64If(t&SampleFormatStreamID != 0, r.StreamID)
	enc.u32If(t&SampleFormatCPU != 0, r.CPU)
	enc.u32If(t&SampleFormatCPU != 0, r.Res)
	enc.u64If(t&SampleFormatPeriod != 0, r.Period)

	if t&SampleFormatRead != 0 {
		encodeReadFormat(enc, r.EventAttr.ReadFormat, r.SampleRead)
	}

	if t&SampleFormatCallchain != 0 {
		enc.u64(uint64(len(r.Callchain)))
		enc.u64s(r.Callchain)
	}

	if t&SampleFormatRaw != 0 {
		enc.u32(uint32(len(r.Raw)))
		enc.bytes(r.Raw)
	}

	if t&SampleFormatBranchStack != 0 {
		if r.EventAttr.BranchSampleType&BranchSampleHWIndex != 0 {
			enc.u64(uint64(r.BranchHWIndex))
		}
		enc.u64(uint64(len(r.BranchStack)))
		for _, b := range r.BranchStack {
			enc.u64(b.From)
			enc.u64(b.To)
			enc.u64(uint64(b.Flags))
		}
	}

	if t&SampleFormatRegsUser != 0 {
		enc.u64(uint64(r.RegsUserABI))
		enc.u64s(r.RegsUser)
	}

	if t&SampleFormatStackUser != 0 {
		enc.u64(uint64(len(r.StackUser)))
		enc.bytes(r.StackUser)
		if len(r.StackUser) != 0 {
			enc.u64(r.StackUserDynSize)
		}
	}

	switch {
	case t&SampleFormatWeightStruct != 0:
		raw := uint64(r.Weights.Var1) | uint64(r.Weights.Var2)<<32 | uint64(r.Weights.Var3)<<48
		enc.u64(raw)
	case t&SampleFormatWeight != 0:
		enc.u64(r.Weight)
	}

	if t&SampleFormatDataSrc != 0 {
		enc.u64(encodeDataSrc(r.DataSrc))
	}

	enc.u64If(t&SampleFormatTransaction != 0, uint64(r.Transaction)&0xffffffff|uint64(r.AbortCode)<<32)

	if t&SampleFormatRegsIntr != 0 {
		enc.u64(uint64(r.RegsIntrABI))
		enc.u64s(r.RegsIntr)
	}

	enc.u64If(t&SampleFormatPhysAddr != 0, r.PhysAddr)
	enc.u64If(t&SampleFormatCGroup != 0, r.CGroup)
	enc.u64If(t&SampleFormatDataPageSize != 0, r.DataPageSize)
	enc.u64If(t&SampleFormatCodePageSize != 0, r.CodePageSize)

	if t&SampleFormatAux != 0 {
		enc.u64(uint64(len(r.Aux)))
		enc.bytes(r.Aux)
	}

	return nil
}

func encodeReadFormat(enc *bufEncoder, f ReadFormat, in []Count) {
	if f&ReadFormatGroup != 0 {
		enc.u64(uint64(len(in)))
		for _, c := range in {
			enc.u64If(f&ReadFormatTotalTimeEnabled != 0, c.TimeEnabled)
			enc.u64If(f&ReadFormatTotalTimeRunning != 0, c.TimeRunning)
			enc.u64(c.Value)
			if f&ReadFormatID != 0 {
				enc.u64(0) // attr ID isn't tracked by Count; see DESIGN.md
			}
		}
		return
	}
	if len(in) == 0 {
		in = []Count{{}}
	}
	c := in[0]
	enc.u64(c.Value)
	enc.u64If(f&ReadFormatTotalTimeEnabled != 0, c.TimeEnabled)
	enc.u64If(f&ReadFormatTotalTimeRunning != 0, c.TimeRunning)
	if f&ReadFormatID != 0 {
		enc.u64(0)
	}
}

// encodeDataSrc is the inverse of decodeDataSrc.
func encodeDataSrc(ds DataSrc) uint64 {
	var op, lvl, snoop, lock, dtlb uint64

	if ds.Op == DataSrcOpNA {
		op = 1
	} else {
		op = uint64(ds.Op) << 1
	}

	if ds.Level == DataSrcLevelNA {
		lvl = 1
	} else {
		lvl = uint64(ds.Level) << 3
		if ds.Miss {
			lvl |= 0x4
		}
	}

	if ds.Snoop == DataSrcSnoopNA {
		snoop = 1
	} else {
		snoop = uint64(ds.Snoop) << 1
	}

	switch ds.Locked {
	case DataSrcLockNA:
		lock = 1
	case DataSrcLockLocked:
		lock = 2
	default:
		lock = 0
	}

	if ds.TLB == DataSrcTLBNA {
		dtlb = 1
	} else {
		dtlb = uint64(ds.TLB) << 1
	}

	return op | lvl<<5 | snoop<<19 | lock<<24 | dtlb<<26
}

// bufEncoderWriter adapts a *bufEncoder to io.Writer so binary.Write
// can append a fixed-size struct directly to its buffer.
type bufEncoderWriter struct{ enc *bufEncoder }

func (w bufEncoderWriter) Write(p []byte) (int, error) {
	w.enc.bytes(p)
	return len(p), nil
}

// encodeFeatures builds the metadata feature blobs present in m, in
// ascending bit order, returning the blob bytes alongside the feature
// bit each one corresponds to.
func encodeFeatures(m *FileMeta, attrs []AttrWithIDs, order binary.ByteOrder) ([][]byte, []feature, error) {
	var blobs [][]byte
	var bits []feature

	add := func(f feature, b []byte) {
		blobs = append(blobs, b)
		bits = append(bits, f)
	}
	str := func(s string) []byte {
		enc := &bufEncoder{order: order}
		enc.lenString(s)
		return enc.buf
	}

	if m.TracingData != nil {
		add(featureTracingData, append([]byte(nil), m.TracingData...))
	}
	if m.BuildIDs != nil {
		enc := &bufEncoder{order: order}
		for _, bid := range m.BuildIDs {
			enc.bytes(encodeBuildID(bid, order))
		}
		add(featureBuildID, enc.buf)
	}
	if m.Hostname != "" {
		add(featureHostname, str(m.Hostname))
	}
	if m.OSRelease != "" {
		add(featureOSRelease, str(m.OSRelease))
	}
	if m.Version != "" {
		add(featureVersion, str(m.Version))
	}
	if m.Arch != "" {
		add(featureArch, str(m.Arch))
	}
	if m.CPUsOnline != 0 || m.CPUsAvail != 0 {
		enc := &bufEncoder{order: order}
		enc.u32(uint32(m.CPUsOnline))
		enc.u32(uint32(m.CPUsAvail))
		add(featureNrCpus, enc.buf)
	}
	if m.CPUDesc != "" {
		add(featureCPUDesc, str(m.CPUDesc))
	}
	if m.CPUID != "" {
		add(featureCPUID, str(m.CPUID))
	}
	if m.TotalMem != 0 {
		enc := &bufEncoder{order: order}
		enc.u64(uint64(m.TotalMem / 1024))
		add(featureTotalMem, enc.buf)
	}
	if m.CmdLine != nil {
		enc := &bufEncoder{order: order}
		enc.stringList(m.CmdLine)
		add(featureCmdline, enc.buf)
	}
	if m.EventDescs != nil {
		enc := &bufEncoder{order: order}
		enc.u32(uint32(len(m.EventDescs)))
		attrSize := uint32(binary.Size(eventAttrVN{}))
		enc.u32(attrSize)
		for i, ed := range m.EventDescs {
			var eattr eventAttrVN
			if i < len(attrs) {
				eattr = encodeEventAttr(attrs[i].Attr)
			}
			if err := binary.Write(bufEncoderWriter{enc}, order, &eattr); err != nil {
				return nil, nil, err
			}
			enc.u32(uint32(len(ed.IDs)))
			enc.lenString(ed.Name)
			enc.u64s(ed.IDs)
		}
		add(featureEventDesc, enc.buf)
	}
	if m.CoreGroups != nil || m.ThreadGroups != nil {
		enc := &bufEncoder{order: order}
		enc.stringList(cpuSetStrings(m.CoreGroups))
		enc.stringList(cpuSetStrings(m.ThreadGroups))
		add(featureCPUTopology, enc.buf)
	}
	if m.NUMANodes != nil {
		enc := &bufEncoder{order: order}
		enc.u32(uint32(len(m.NUMANodes)))
		for _, n := range m.NUMANodes {
			enc.u32(uint32(n.Node))
			enc.u64(uint64(n.MemTotal / 1024))
			enc.u64(uint64(n.MemFree / 1024))
			enc.lenString(n.CPUs.String())
		}
		add(featureNUMATopology, enc.buf)
	}
	if m.PMUMappings != nil {
		enc := &bufEncoder{order: order}
		enc.u32(uint32(len(m.PMUMappings)))
		for id, name := range m.PMUMappings {
			enc.u32(uint32(id))
			enc.lenString(name)
		}
		add(featurePMUMappings, enc.buf)
	}
	if m.Groups != nil {
		enc := &bufEncoder{order: order}
		enc.u32(uint32(len(m.Groups)))
		for _, g := range m.Groups {
			enc.lenString(g.Name)
			enc.u32(uint32(g.Leader))
			enc.u32(uint32(g.NumMembers))
		}
		add(featureGroupDesc, enc.buf)
	}

	return blobs, bits, nil
}

func cpuSetStrings(sets []CPUSet) []string {
	out := make([]string, len(sets))
	for i, s := range sets {
		out[i] = s.String()
	}
	return out
}

// encodeBuildID serializes one build-ID feature-section entry, the
// same per-entry layout FileMeta.parseBuildID reads.
func encodeBuildID(bid BuildIDInfo, order binary.ByteOrder) []byte {
	enc := &bufEncoder{order: order}
	enc.u32(0) // record type, unused on read
	enc.u16(uint16(bid.CPUMode) & uint16(recordMiscCPUModeMask))
	enc.u16(0) // size placeholder, backfilled below
	enc.i32(int32(bid.PID))
	buildID := make([]byte, 24)
	copy(buildID, bid.BuildID)
	enc.bytes(buildID)
	enc.cstring(bid.Filename)
	for len(enc.buf)%8 != 0 {
		enc.buf = append(enc.buf, 0)
	}
	order.PutUint16(enc.buf[6:8], uint16(len(enc.buf)))
	return enc.buf
}
