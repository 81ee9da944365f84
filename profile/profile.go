// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package profile defines the structured, schema-stable container
// that the perf.data codec reads into and emits from. Unlike perffile,
// which mirrors the kernel's wire layout exactly, profile is meant to
// be stable across perf/kernel versions: a Profile built from one
// perf.data file should remain meaningful even if read back by a
// different version of this package.
package profile

import "github.com/aclements/go-quipper/perffile"

// A Profile is the fully-decoded, post-processed representation of a
// perf.data capture.
type Profile struct {
	FileAttrs  []FileAttr
	EventTypes []EventType
	Events     []Event

	BuildIDs []perffile.BuildIDInfo

	StringMetadata StringMetadata
	Uint32Metadata []Uint32Metadata
	Uint64Metadata []Uint64Metadata

	CPUTopology  *CPUTopology
	NUMATopology []perffile.NUMANode
	PMUMappings  map[perffile.PMUTypeID]string
	GroupDescs   []perffile.GroupDesc

	TracingData []byte

	// MetadataMask and ExtMetadataMask together record which
	// feature bits were present in the source file, for round-trip
	// fidelity: bit i of MetadataMask is feature i for i < 64;
	// ExtMetadataMask[j] holds bits 64*(j+1)..64*(j+2)-1.
	MetadataMask    uint64
	ExtMetadataMask [3]uint64

	TimestampSec uint64

	Stats Stats
}

// A FileAttr pairs an EventAttr with the ids that tag samples
// produced by it, mirroring perffile's attrs-section entries.
type FileAttr struct {
	Attr *perffile.EventAttr
	IDs  []uint64
}

// An EventType names an event class, when the source file's
// EVENT_DESC feature was present.
type EventType struct {
	Attr *perffile.EventAttr
	Name string
}

// Event is the discriminated union of decoded record kinds. It is
// satisfied by perffile.Record, so every record perffile can parse is
// directly usable as an Event.
type Event = perffile.Record

// StringMetadata holds the single-valued string feature fields.
type StringMetadata struct {
	Hostname  string
	OSRelease string
	Version   string
	Arch      string
	CPUDesc   string
	CPUID     string
}

// A Uint32Metadata is a named pair of uint32 values, used for the
// NRCPUS feature (online, available).
type Uint32Metadata struct {
	Name        string
	Uint32Value [2]uint32
}

// A Uint64Metadata is a named uint64 value, used for the TOTAL_MEM
// feature.
type Uint64Metadata struct {
	Name        string
	Uint64Value uint64
}

// CPUTopology describes the machine's package/core layout.
type CPUTopology struct {
	CoreGroups   []perffile.CPUSet
	ThreadGroups []perffile.CPUSet
}

// Stats carries C5's running counters plus descriptive statistics
// over sampled period and weight values.
type Stats struct {
	SamplesCount        int64
	SamplesMapped       int64
	BranchEntriesMapped int64
	EventsLost          int64
	UnknownEventTypes   int64
	EventsDiscarded     int64

	PeriodSummary Summary
	WeightSummary Summary
}

// A Summary is a descriptive statistics snapshot, populated from
// go-moremath/stats.Sample.
type Summary struct {
	Count  int64
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}
