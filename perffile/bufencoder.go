// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import "encoding/binary"

// bufEncoder is the write-side counterpart of bufDecoder: it appends
// to an in-memory byte slice using a fixed byte order, so a record or
// metadata blob can be assembled before it's known how long it will
// be (needed to backfill the record's header.size).
type bufEncoder struct {
	buf   []byte
	order binary.ByteOrder
}

func (b *bufEncoder) bytes(x []byte) {
	b.buf = append(b.buf, x...)
}

func (b *bufEncoder) u16(x uint16) {
	var tmp [2]byte
	b.order.PutUint16(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) u32(x uint32) {
	var tmp [4]byte
	b.order.PutUint32(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) i32(x int32) {
	b.u32(uint32(x))
}

func (b *bufEncoder) u64(x uint64) {
	var tmp [8]byte
	b.order.PutUint64(tmp[:], x)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *bufEncoder) u64s(xs []uint64) {
	for _, x := range xs {
		b.u64(x)
	}
}

func (b *bufEncoder) u32If(cond bool, x uint32) {
	if cond {
		b.u32(x)
	}
}

func (b *bufEncoder) i32If(cond bool, x int32) {
	if cond {
		b.i32(x)
	}
}

func (b *bufEncoder) u64If(cond bool, x uint64) {
	if cond {
		b.u64(x)
	}
}

// cstring writes s followed by a single NUL terminator; it does not
// pad or align, matching how bufDecoder.cstring only reads up to the
// first NUL.
func (b *bufEncoder) cstring(s string) {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
}

// lenString writes a 4-byte length prefix, the NUL-terminated string,
// then pads with NULs to the next multiple of 8 bytes, matching
// bufDecoder.lenString's on-disk layout.
func (b *bufEncoder) lenString(s string) {
	n := len(s) + 1
	padded := (n + 7) &^ 7
	b.u32(uint32(padded))
	b.buf = append(b.buf, s...)
	for i := len(s); i < padded; i++ {
		b.buf = append(b.buf, 0)
	}
}

func (b *bufEncoder) stringList(ss []string) {
	b.u32(uint32(len(ss)))
	for _, s := range ss {
		b.lenString(s)
	}
}
