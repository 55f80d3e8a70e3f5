package types

import "strings"

// State is the set of conditions found by a segment check. The zero value
// is OK: nothing needs repairing.
type State uint

const (
	SegmentOK State = 0
	// Data is out of order or has holes: a repack would fix it.
	SegmentDirty State = 1 << (iota - 1)
	// The index does not match the data: a rescan would fix it.
	SegmentUnaligned
	// All records have been removed.
	SegmentDeleted
	// The index references data that is not on disk.
	SegmentMissing
	// Data is damaged and needs manual intervention.
	SegmentCorrupted
	SegmentArchiveAge
	SegmentDeleteAge
	// The summary sidecar is older than the index.
	SegmentUnoptimized
)

var stateNames = []struct {
	flag State
	name string
}{
	{SegmentDirty, "DIRTY"},
	{SegmentUnaligned, "UNALIGNED"},
	{SegmentDeleted, "DELETED"},
	{SegmentMissing, "MISSING"},
	{SegmentCorrupted, "CORRUPTED"},
	{SegmentArchiveAge, "ARCHIVE_AGE"},
	{SegmentDeleteAge, "DELETE_AGE"},
	{SegmentUnoptimized, "UNOPTIMIZED"},
}

func (s State) Union(o State) State {
	return s | o
}

// Minus removes the flags in o.
func (s State) Minus(o State) State {
	return s &^ o
}

func (s State) Has(flag State) bool {
	return flag != 0 && s&flag == flag
}

func (s State) IsOK() bool {
	return s == SegmentOK
}

// NeedsRepair reports whether any flag other than the age flags is set.
func (s State) NeedsRepair() bool {
	return s.Minus(SegmentArchiveAge|SegmentDeleteAge) != SegmentOK
}

func (s State) String() string {
	var names []string
	if !s.NeedsRepair() {
		names = append(names, "OK")
	}
	for _, n := range stateNames {
		if s.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}
