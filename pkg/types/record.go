package types

import (
	"sort"
	"time"
)

// Record is the decoded metadata of one stored record, reduced to what the
// segment layer needs: where it lives, its reference time and, while it is
// being written, its bytes.
type Record struct {
	Source  Blob
	RefTime time.Time
	Notes   []string
	Data    []byte
}

// DataSize is the size of the cached bytes, or of the source when the bytes
// are not loaded.
func (r *Record) DataSize() uint64 {
	if r.Data != nil {
		return uint64(len(r.Data))
	}
	return r.Source.Size
}

// GetData returns the cached bytes or reads them through the source blob.
func (r *Record) GetData() ([]byte, error) {
	if r.Data != nil {
		return r.Data, nil
	}
	return r.Source.Read()
}

func (r *Record) Clone() *Record {
	c := *r
	if r.Notes != nil {
		c.Notes = append([]string(nil), r.Notes...)
	}
	return &c
}

// Collection is an ordered listing of records.
type Collection []*Record

// SortSegment orders records as they should be laid out in a segment:
// by reference time, then by current offset.
func (c Collection) SortSegment() {
	sort.SliceStable(c, func(i, j int) bool {
		if !c[i].RefTime.Equal(c[j].RefTime) {
			return c[i].RefTime.Before(c[j].RefTime)
		}
		return c[i].Source.Offset < c[j].Source.Offset
	})
}

// Span returns the interval covered by the reference times, and false if
// the collection is empty or has no reference times.
func (c Collection) Span() (Interval, bool) {
	var iv Interval
	found := false
	for _, r := range c {
		if r.RefTime.IsZero() {
			continue
		}
		if !found {
			iv = Interval{Begin: r.RefTime, End: r.RefTime}
			found = true
			continue
		}
		iv.Extend(r.RefTime)
	}
	return iv, found
}

// Without returns the records whose source offset is not in offsets.
func (c Collection) Without(offsets []uint64) Collection {
	drop := make(map[uint64]struct{}, len(offsets))
	for _, o := range offsets {
		drop[o] = struct{}{}
	}
	res := make(Collection, 0, len(c))
	for _, r := range c {
		if _, ok := drop[r.Source.Offset]; !ok {
			res = append(res, r)
		}
	}
	return res
}

func (c Collection) Offsets() []uint64 {
	res := make([]uint64, len(c))
	for i, r := range c {
		res[i] = r.Source.Offset
	}
	return res
}

// Duplicates lists offsets referenced by more than one record.
func (c Collection) Duplicates() []uint64 {
	seen := make(map[uint64]int, len(c))
	var dups []uint64
	for _, r := range c {
		seen[r.Source.Offset]++
		if seen[r.Source.Offset] == 2 {
			dups = append(dups, r.Source.Offset)
		}
	}
	return dups
}

func (c Collection) TotalSize() uint64 {
	var total uint64
	for _, r := range c {
		total += r.Source.Size
	}
	return total
}

func (c Collection) Summary() Summary {
	var s Summary
	for _, r := range c {
		s.Add(r)
	}
	return s
}

// Clone deep copies the records, so that repacks can rewrite sources without
// touching the caller's listing.
func (c Collection) Clone() Collection {
	res := make(Collection, len(c))
	for i, r := range c {
		res[i] = r.Clone()
	}
	return res
}

func (c Collection) Reversed() Collection {
	res := make(Collection, len(c))
	for i, r := range c {
		res[len(c)-1-i] = r
	}
	return res
}
