package data

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
)

// tarFormat stores members uncompressed, so records are read in place.
type tarFormat struct{}

func (tarFormat) kind() Kind     { return KindTar }
func (tarFormat) suffix() string { return types.SuffixTar }

func (tarFormat) open(f *os.File) (archiveIndex, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	idx := &tarIndex{f: f}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		n, ok := parseMemberName(hdr.Name)
		if !ok {
			return nil, fmt.Errorf("unexpected member %q", hdr.Name)
		}
		// the reader stops right at the start of the member data
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		idx.list = append(idx.list, archiveMember{name: hdr.Name, index: n, size: uint64(hdr.Size), pos: len(idx.offsets)})
		idx.offsets = append(idx.offsets, pos)
	}
	return idx, nil
}

func (tarFormat) newWriter(w io.Writer) archiveWriter {
	return &tarWriter{tw: tar.NewWriter(w), mtime: time.Now()}
}

type tarIndex struct {
	f       *os.File
	list    []archiveMember
	offsets []int64
}

func (x *tarIndex) members() []archiveMember { return x.list }

func (x *tarIndex) read(m archiveMember) ([]byte, error) {
	buf := make([]byte, m.size)
	if _, err := x.f.ReadAt(buf, x.offsets[m.pos]); err != nil {
		return nil, fmt.Errorf("cannot read member %s: %w", m.name, err)
	}
	return buf, nil
}

func (x *tarIndex) stream(m archiveMember, w io.Writer) (int64, error) {
	return streamRange(x.f, x.offsets[m.pos], int64(m.size), w)
}

type tarWriter struct {
	tw    *tar.Writer
	mtime time.Time
}

func (w *tarWriter) add(name string, data []byte) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  w.mtime,
		Format:   tar.FormatUSTAR,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := w.tw.Write(data)
	return err
}

func (w *tarWriter) close() error { return w.tw.Close() }
