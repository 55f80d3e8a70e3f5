// Package segment ties a container to the index that describes it, and
// implements reading, appending, checking and repairing whole segments.
//
// A segment is read through a Reader under a lock.ReadLock, appended to
// through a Writer under a lock.AppendLock, and inspected by a Checker
// under a lock.CheckLock. Repairs go through a Fixer, which holds an
// escalation of the check lock for as long as it is open.
package segment

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/types"
)

var (
	// ErrAmbiguous is returned when a repair would have to choose between
	// records claiming the same position.
	ErrAmbiguous = errors.New("ambiguous repair needs manual intervention")
	// ErrDataMissing is returned for operations that need the segment data.
	ErrDataMissing = errors.New("segment data is missing")
)

// IndexKind selects how a segment caches the listing of its records.
type IndexKind int

const (
	// IndexScan keeps no cache: every query decodes the data.
	IndexScan IndexKind = iota
	// IndexMetadata keeps a .metadata listing and a .summary next to the data.
	IndexMetadata
	// IndexIseg keeps a per-segment SQLite catalog in .index.
	IndexIseg
)

func (k IndexKind) String() string {
	switch k {
	case IndexScan:
		return "scan"
	case IndexMetadata:
		return "metadata"
	case IndexIseg:
		return "iseg"
	}
	return fmt.Sprintf("index(%d)", int(k))
}

func ParseIndexKind(s string) (IndexKind, error) {
	switch s {
	case "scan", "":
		return IndexScan, nil
	case "metadata":
		return IndexMetadata, nil
	case "iseg":
		return IndexIseg, nil
	}
	return 0, fmt.Errorf("unknown index kind %q", s)
}

// Query selects records from a segment.
type Query struct {
	// Interval restricts results to records with a reference time inside
	// it; nil selects everything.
	Interval *types.Interval
	// Sort orders results by reference time instead of storage order.
	Sort bool
	// WithData binds the returned records to the reader so that their
	// bytes can be read.
	WithData bool
}

func (q Query) matches(r *types.Record) bool {
	return q.Interval == nil || q.Interval.ContainsTime(r.RefTime)
}

// Reader queries one segment.
type Reader interface {
	Segment() *types.Segment
	types.BlobReader
	Stream(b types.Blob, w io.Writer) (int64, error)
	// ReadAll visits every record, bound to this reader.
	ReadAll(visit func(*types.Record) bool) (bool, error)
	Query(q Query, visit func(*types.Record) bool) (bool, error)
	// QuerySummary aggregates the records in iv, or all of them if iv is nil.
	QuerySummary(iv *types.Interval) (types.Summary, error)
	// Close drops the reader's hold on the data. The read lock belongs to
	// the caller and stays held.
	Close() error
}

// InboundResult is the outcome of storing one record.
type InboundResult int

const (
	InboundPending InboundResult = iota
	InboundOK
	InboundError
)

// Inbound is a record offered to a Writer.
type Inbound struct {
	Record  *types.Record
	Result  InboundResult
	Message string
}

// AcquireResult describes the segment after a batch was stored.
type AcquireResult struct {
	CountOK      int
	CountFailed  int
	SegmentMtime time.Time
	DataSpan     types.Interval
	HasSpan      bool
}

// Writer appends batches of records to one segment.
type Writer interface {
	Segment() *types.Segment
	// Acquire stores the whole batch or nothing. Per-record outcomes are
	// written into the batch entries.
	Acquire(batch []*Inbound, cfg data.WriterConfig) (AcquireResult, error)
	Close() error
}

// FsckResult is the outcome of a consistency check.
type FsckResult struct {
	State    types.State
	Mtime    time.Time
	Size     int64
	Interval types.Interval
	// HasInterval is false when the check did not get as far as reading
	// the reference times.
	HasInterval bool
}

// Checker inspects one segment.
type Checker interface {
	Segment() *types.Segment
	Data() data.Data
	IndexKind() IndexKind
	// Scan returns the records the segment is known to contain, bound to a
	// reader: the cached listing if there is one, else a rescan of the data.
	Scan() (types.Collection, error)
	// ScanData decodes the data, ignoring any cached listing.
	ScanData(visit func(*types.Record) bool) (bool, error)
	Fsck(rep Reporter, quick bool) FsckResult
	// Fixer escalates the check lock for the lifetime of the fixer.
	Fixer() (Fixer, error)
	Close() error
}

type MarkRemovedResult struct {
	SegmentMtime time.Time
	DataSpan     types.Interval
	HasSpan      bool
}

type ReorderResult struct {
	SizePre      int64
	SizePost     int64
	SegmentMtime time.Time
}

type ConvertResult struct {
	SizePre      int64
	SizePost     int64
	SegmentMtime time.Time
}

// Fixer repairs one segment. All operations need exclusive access, which
// is held until Close.
type Fixer interface {
	Checker() Checker
	// MarkRemoved forgets the records at offsets without touching the data.
	MarkRemoved(offsets []uint64) (MarkRemovedResult, error)
	// Reorder rewrites the data in the order of mds and reindexes it.
	Reorder(mds types.Collection, cfg types.RepackConfig) (ReorderResult, error)
	Tar() (ConvertResult, error)
	Zip() (ConvertResult, error)
	Compress(groupSize uint) (ConvertResult, error)
	// Remove deletes the index, and the data too if withData is set.
	Remove(withData bool) (int64, error)
	RemoveData() (int64, error)
	// Reindex replaces the cached listing with mds, leaving the data alone.
	Reindex(mds types.Collection) error

	TestTruncateData(dataIdx int) error
	TestMakeHole(holeSize uint64, dataIdx int) error
	TestMakeOverlap(overlapSize uint64, dataIdx int) error
	TestCorruptData(dataIdx int) error
	TestTouchContents(ts time.Time) error
	TestMarkAllRemoved() error

	Close() error
}
