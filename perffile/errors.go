// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perffile

import "errors"

// Sentinel errors returned (possibly wrapped with fmt.Errorf's %w) by
// parsing and emitting. Callers can test for these with errors.Is.
var (
	// ErrIOShort is returned when a read or write could not be
	// satisfied for the requested length.
	ErrIOShort = errors.New("perffile: short read or write")

	// ErrBadMagic is returned when a file does not begin with
	// either byte order of the "PERFILE2" magic.
	ErrBadMagic = errors.New("perffile: bad or unsupported file magic")

	// ErrInconsistentAttrs is returned when a file's EventAttrs
	// disagree about where the event ID lives in a sample or
	// sample_id trailer.
	ErrInconsistentAttrs = errors.New("perffile: EventAttrs have inconsistent sample ID layout")

	// ErrUnknownEventType is not returned by this package. When a
	// record's type isn't recognized, Records.Next surfaces it as a
	// RecordUnknown holding its header.Size bytes and continues; for
	// kernel record types it also increments Records.UnknownEventTypes.
	ErrUnknownEventType = errors.New("perffile: unknown event record type")

	// ErrMalformedMetadata is returned (wrapped) when a metadata
	// feature section cannot be parsed. The section's declared size
	// is not compared against the bytes its parser consumes.
	ErrMalformedMetadata = errors.New("perffile: malformed metadata section")
)
