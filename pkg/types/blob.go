package types

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrUnlocked is returned when reading a blob not bound to a reader.
var ErrUnlocked = errors.New("blob is not bound to a segment reader")

// BlobReader resolves a blob to its bytes.
type BlobReader interface {
	Read(b Blob) ([]byte, error)
}

// Blob locates one record inside a segment: offset and size are interpreted
// by the container (byte range, or member index for archives).
type Blob struct {
	Format  Format
	BaseDir string
	RelPath string
	Offset  uint64
	Size    uint64

	reader BlobReader
}

func (b Blob) AbsPath() string {
	return filepath.Join(b.BaseDir, b.RelPath)
}

// WithReader returns a copy of b that reads through r.
func (b Blob) WithReader(r BlobReader) Blob {
	b.reader = r
	return b
}

// Unlocked returns a copy of b without a reader.
func (b Blob) Unlocked() Blob {
	b.reader = nil
	return b
}

func (b Blob) Locked() bool {
	return b.reader != nil
}

func (b Blob) Read() ([]byte, error) {
	if b.reader == nil {
		return nil, fmt.Errorf("%s: %w", b, ErrUnlocked)
	}
	return b.reader.Read(b)
}

// SameSpan compares location, ignoring the attached reader.
func (b Blob) SameSpan(o Blob) bool {
	return b.Format == o.Format && b.AbsPath() == o.AbsPath() && b.Offset == o.Offset && b.Size == o.Size
}

func (b Blob) String() string {
	return fmt.Sprintf("%s:%d+%d", b.RelPath, b.Offset, b.Size)
}
