package types

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies the encoding of the records stored in a segment.
type Format string

const (
	FormatGRIB   Format = "grib"
	FormatBUFR   Format = "bufr"
	FormatVM2    Format = "vm2"
	FormatODIMH5 Format = "odimh5"
)

// Concatenable reports whether records of this format can be stored back to
// back in a single file and found again by scanning.
func (f Format) Concatenable() bool {
	return f == FormatGRIB || f == FormatBUFR
}

// LineBased reports whether records are newline terminated text lines.
func (f Format) LineBased() bool {
	return f == FormatVM2
}

// ParseFormat normalizes a file extension or format name.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "grib", "grib1", "grib2":
		return FormatGRIB, nil
	case "bufr":
		return FormatBUFR, nil
	case "vm2":
		return FormatVM2, nil
	case "h5", "hdf5", "odim", "odimh5":
		return FormatODIMH5, nil
	}
	return "", fmt.Errorf("unsupported format %q", name)
}

// Suffixes of the files that make up a segment on disk.
const (
	SuffixMetadata = ".metadata"
	SuffixSummary  = ".summary"
	SuffixIndex    = ".index"
	SuffixGz       = ".gz"
	SuffixGzIdx    = ".gz.idx"
	SuffixTar      = ".tar"
	SuffixZip      = ".zip"
	SuffixRepack   = ".repack"
	SuffixLock     = ".lock"
)

// FormatFromRelpath derives the record format from the segment name, ignoring
// any container or sidecar suffix.
func FormatFromRelpath(relpath string) (Format, error) {
	name := StripSuffixes(relpath)
	ext := filepath.Ext(name)
	if ext == "" {
		return "", fmt.Errorf("segment %s has no format extension", relpath)
	}
	return ParseFormat(ext)
}

// StripSuffixes removes container and sidecar suffixes from a path.
func StripSuffixes(path string) string {
	for _, sfx := range []string{SuffixGzIdx, SuffixGz, SuffixTar, SuffixZip, SuffixMetadata, SuffixSummary, SuffixIndex, SuffixRepack, SuffixLock} {
		if strings.HasSuffix(path, sfx) {
			return strings.TrimSuffix(path, sfx)
		}
	}
	return path
}

// Segment is the identity of a segment: where it lives and what it holds.
// The on-disk artifacts are derived from AbsPath by suffix.
type Segment struct {
	Format  Format
	Root    string
	RelPath string
	AbsPath string
}

// NewSegment builds a segment identity from a dataset root and a relative
// path, deriving the format from the path.
func NewSegment(root, relpath string) (*Segment, error) {
	format, err := FormatFromRelpath(relpath)
	if err != nil {
		return nil, err
	}
	return NewSegmentWithFormat(format, root, relpath)
}

func NewSegmentWithFormat(format Format, root, relpath string) (*Segment, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve root %s: %w", root, err)
	}
	relpath = filepath.Clean(relpath)
	if filepath.IsAbs(relpath) || strings.HasPrefix(relpath, "..") {
		return nil, fmt.Errorf("segment path %s is not relative to %s", relpath, absRoot)
	}
	return &Segment{
		Format:  format,
		Root:    absRoot,
		RelPath: relpath,
		AbsPath: filepath.Join(absRoot, relpath),
	}, nil
}

func (s *Segment) Path(suffix string) string {
	return s.AbsPath + suffix
}

func (s *Segment) Equal(o *Segment) bool {
	return s.Format == o.Format && s.AbsPath == o.AbsPath
}

func (s *Segment) String() string {
	return s.AbsPath
}

// Blob returns a reference to a span of this segment, not bound to any reader.
func (s *Segment) Blob(offset, size uint64) Blob {
	return Blob{Format: s.Format, BaseDir: s.Root, RelPath: s.RelPath, Offset: offset, Size: size}
}
