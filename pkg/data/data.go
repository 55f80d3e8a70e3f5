// Package data implements the containers that hold the bytes of a segment:
// plain concatenation, newline separated lines, grouped gzip with a seek
// index, and tar or zip archives with one member per record.
package data

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/scan"
	"github.com/downfa11-org/segstore/pkg/types"
)

var (
	// ErrNotSupported is returned for operations a container cannot perform.
	ErrNotSupported = errors.New("operation not supported by this segment type")
	// ErrExists is returned when creating a container over existing data.
	ErrExists = errors.New("segment data already exists")
	// ErrCorrupted matches validation failures of stored records.
	ErrCorrupted = scan.ErrCorrupted
)

// Kind tags the container variant of a segment.
type Kind int

const (
	KindConcat Kind = iota
	KindLines
	KindGzConcat
	KindGzLines
	KindTar
	KindZip
)

func (k Kind) String() string {
	switch k {
	case KindConcat:
		return "concat"
	case KindLines:
		return "lines"
	case KindGzConcat:
		return "gzconcat"
	case KindGzLines:
		return "gzlines"
	case KindTar:
		return "tar"
	case KindZip:
		return "zip"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Padding is the number of separator bytes written after each record.
func (k Kind) Padding() int {
	if k == KindLines || k == KindGzLines {
		return 1
	}
	return 0
}

// Archive reports whether offsets are member indices instead of byte offsets.
func (k Kind) Archive() bool {
	return k == KindTar || k == KindZip
}

// Options configures how containers are detected, written and created.
type Options struct {
	// DefaultFileSegment selects the container used for segments not yet on
	// disk: "" or "file" for plain files, "gz", "tar" or "zip".
	DefaultFileSegment string
	// GzGroupSize is used when creating gzip segments from scratch.
	GzGroupSize uint
	// Eatmydata skips fsync on commit.
	Eatmydata bool
	// MockData makes concat writers grow files with holes instead of data.
	MockData bool
}

// Data is a container of records for one segment.
type Data interface {
	Segment() *types.Segment
	Kind() Kind
	// Type is the container name used in reports.
	Type() string
	// SingleFile reports whether the data is one file (as opposed to a
	// directory of records).
	SingleFile() bool
	// Timestamp returns the modification time of the data, and false if
	// the data is missing.
	Timestamp() (time.Time, bool)
	Exists() bool
	IsEmpty() bool
	// Size is the on-disk size of all the files of the container.
	Size() int64
	// NextOffset is the offset following a record at offset with size.
	NextOffset(offset, size uint64) uint64

	// Reader opens the data for reading; rlock may be nil for maintenance
	// code that already holds stronger locks.
	Reader(rlock *lock.ReadLock) (Reader, error)
	Writer(cfg WriterConfig) (Writer, error)
	Checker() (Checker, error)
}

// Reader reads records from a container. Blobs produced by ScanData are
// bound to the reader that produced them.
type Reader interface {
	types.BlobReader
	Data() Data
	// Stream copies the record bytes to w, without padding.
	Stream(b types.Blob, w io.Writer) (int64, error)
	// ScanData decodes every record in container order. It returns false
	// if visit stopped the scan.
	ScanData(visit func(*types.Record) bool) (bool, error)
	Close() error
}

// WriterConfig tunes an append transaction.
type WriterConfig struct {
	// DropCachedData releases record bytes once they are committed.
	DropCachedData bool
}

// Writer appends records in one transaction. Close rolls back anything
// not committed.
type Writer interface {
	NextOffset() uint64
	// Append writes the record immediately and returns where it will live
	// once committed.
	Append(rec *types.Record) (types.Blob, error)
	Commit() error
	Rollback() error
	Close() error
}

// Checker inspects and rewrites a container. Callers must hold exclusive
// access for the rewriting operations.
type Checker interface {
	Data() Data
	// Check verifies that mds describes the container contents. With quick
	// set, record contents are not validated.
	Check(report func(string), mds types.Collection, quick bool) types.State
	Remove() (int64, error)
	Rescan(visit func(*types.Record) bool) (bool, error)
	// Repack rewrites the container with the records of mds in order. The
	// sources in mds are updated to the new positions; the new data
	// replaces the old one when the returned transaction commits.
	Repack(mds types.Collection, cfg types.RepackConfig) (*Pending, error)
	Tar(mds types.Collection) (Checker, error)
	Zip(mds types.Collection) (Checker, error)
	Compress(mds types.Collection, groupSize uint) (Checker, error)

	TestTruncate(offset uint64) error
	TestMakeHole(mds types.Collection, holeSize uint64, dataIdx int) error
	TestMakeOverlap(mds types.Collection, overlapSize uint64, dataIdx int) error
	TestCorrupt(mds types.Collection, dataIdx int) error
	TestTouchContents(ts time.Time) error
}

// New returns the container of the given kind for seg, whether or not it
// exists on disk.
func New(kind Kind, seg *types.Segment, opts Options) (Data, error) {
	switch kind {
	case KindConcat:
		if !seg.Format.Concatenable() {
			return nil, fmt.Errorf("%s: %s records cannot be concatenated: %w", seg.RelPath, seg.Format, ErrNotSupported)
		}
		return newFdData(kind, seg, opts), nil
	case KindLines:
		if !seg.Format.LineBased() {
			return nil, fmt.Errorf("%s: %s records are not line based: %w", seg.RelPath, seg.Format, ErrNotSupported)
		}
		return newFdData(kind, seg, opts), nil
	case KindGzConcat:
		if !seg.Format.Concatenable() {
			return nil, fmt.Errorf("%s: %s records cannot be concatenated: %w", seg.RelPath, seg.Format, ErrNotSupported)
		}
		return newGzData(kind, seg, opts), nil
	case KindGzLines:
		if !seg.Format.LineBased() {
			return nil, fmt.Errorf("%s: %s records are not line based: %w", seg.RelPath, seg.Format, ErrNotSupported)
		}
		return newGzData(kind, seg, opts), nil
	case KindTar:
		return newArchiveData(tarFormat{}, seg, opts), nil
	case KindZip:
		return newArchiveData(zipFormat{}, seg, opts), nil
	}
	return nil, fmt.Errorf("unknown segment kind %d", kind)
}

// fileKind is the plain file container for a format.
func fileKind(f types.Format) (Kind, bool) {
	switch {
	case f.Concatenable():
		return KindConcat, true
	case f.LineBased():
		return KindLines, true
	}
	return 0, false
}

func gzKind(f types.Format) (Kind, bool) {
	switch {
	case f.Concatenable():
		return KindGzConcat, true
	case f.LineBased():
		return KindGzLines, true
	}
	return 0, false
}

// Detect probes the disk to find which container holds seg: a plain file,
// then .gz, .tar and .zip. If nothing exists, the default container from
// opts is returned.
func Detect(seg *types.Segment, opts Options) (Data, error) {
	st, err := os.Stat(seg.AbsPath)
	switch {
	case err == nil && st.IsDir():
		return nil, fmt.Errorf("%s: directory segments are not supported: %w", seg.AbsPath, ErrNotSupported)
	case err == nil:
		kind, ok := fileKind(seg.Format)
		if !ok {
			return nil, fmt.Errorf("%s: %s records cannot be stored in a plain file: %w", seg.AbsPath, seg.Format, ErrNotSupported)
		}
		return New(kind, seg, opts)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("cannot stat %s: %w", seg.AbsPath, err)
	}

	if _, err := os.Stat(seg.Path(types.SuffixGz)); err == nil {
		kind, ok := gzKind(seg.Format)
		if !ok {
			return nil, fmt.Errorf("%s: %s records cannot be stored compressed: %w", seg.AbsPath, seg.Format, ErrNotSupported)
		}
		return New(kind, seg, opts)
	}
	if _, err := os.Stat(seg.Path(types.SuffixTar)); err == nil {
		return New(KindTar, seg, opts)
	}
	if _, err := os.Stat(seg.Path(types.SuffixZip)); err == nil {
		return New(KindZip, seg, opts)
	}
	return New(DefaultKind(seg.Format, opts), seg, opts)
}

// DefaultKind is the container used for new segments of format f.
func DefaultKind(f types.Format, opts Options) Kind {
	switch opts.DefaultFileSegment {
	case "gz":
		if k, ok := gzKind(f); ok {
			return k
		}
	case "tar":
		return KindTar
	case "zip":
		return KindZip
	}
	if k, ok := fileKind(f); ok {
		return k
	}
	return KindZip
}

// Create builds a new container of the given kind holding the records of
// mds, in order. Record sources are updated to point into the new data.
func Create(kind Kind, seg *types.Segment, mds types.Collection, opts Options, cfg types.RepackConfig) (Data, error) {
	d, err := New(kind, seg, opts)
	if err != nil {
		return nil, err
	}
	if d.Exists() {
		return nil, fmt.Errorf("%s: %w", seg.AbsPath, ErrExists)
	}
	if err := os.MkdirAll(filepath.Dir(seg.AbsPath), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create directory for %s: %w", seg.AbsPath, err)
	}
	c, ok := d.(creatable)
	if !ok {
		return nil, fmt.Errorf("%s: creating %s segments: %w", seg.AbsPath, kind, ErrNotSupported)
	}
	if err := c.create(mds, cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// creatable containers can be built in one go from a listing.
type creatable interface {
	create(mds types.Collection, cfg types.RepackConfig) error
}
