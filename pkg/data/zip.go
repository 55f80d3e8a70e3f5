package data

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/klauspost/compress/zip"
)

// zipFormat deflates each member on its own.
type zipFormat struct{}

func (zipFormat) kind() Kind     { return KindZip }
func (zipFormat) suffix() string { return types.SuffixZip }

func (zipFormat) open(f *os.File) (archiveIndex, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(f, st.Size())
	if err != nil {
		return nil, err
	}
	idx := &zipIndex{files: zr.File}
	for i, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		n, ok := parseMemberName(zf.Name)
		if !ok {
			return nil, fmt.Errorf("unexpected member %q", zf.Name)
		}
		idx.list = append(idx.list, archiveMember{name: zf.Name, index: n, size: zf.UncompressedSize64, pos: i})
	}
	return idx, nil
}

func (zipFormat) newWriter(w io.Writer) archiveWriter {
	return &zipWriter{zw: zip.NewWriter(w), mtime: time.Now()}
}

type zipIndex struct {
	files []*zip.File
	list  []archiveMember
}

func (x *zipIndex) members() []archiveMember { return x.list }

func (x *zipIndex) read(m archiveMember) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(m.size))
	if _, err := x.stream(m, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (x *zipIndex) stream(m archiveMember, w io.Writer) (int64, error) {
	rc, err := x.files[m.pos].Open()
	if err != nil {
		return 0, fmt.Errorf("cannot open member %s: %w", m.name, err)
	}
	defer rc.Close()
	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("cannot read member %s: %w", m.name, err)
	}
	return n, nil
}

type zipWriter struct {
	zw    *zip.Writer
	mtime time.Time
}

func (w *zipWriter) add(name string, data []byte) error {
	fw, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: w.mtime})
	if err != nil {
		return err
	}
	_, err = fw.Write(data)
	return err
}

func (w *zipWriter) close() error { return w.zw.Close() }
