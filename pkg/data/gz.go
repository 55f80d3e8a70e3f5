package data

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/scan"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
	"github.com/klauspost/compress/gzip"
)

// gzData stores records in a .gz file made of independent gzip members,
// each holding a group of records. When there is more than one group, a
// .gz.idx file allows seeking to the group of a record.
type gzData struct {
	seg  *types.Segment
	kind Kind
	opts Options
}

func newGzData(kind Kind, seg *types.Segment, opts Options) *gzData {
	return &gzData{seg: seg, kind: kind, opts: opts}
}

func (d *gzData) gzPath() string  { return d.seg.Path(types.SuffixGz) }
func (d *gzData) idxPath() string { return d.seg.Path(types.SuffixGzIdx) }

func (d *gzData) Segment() *types.Segment { return d.seg }
func (d *gzData) Kind() Kind              { return d.kind }
func (d *gzData) Type() string            { return d.kind.String() }
func (d *gzData) SingleFile() bool        { return true }

func (d *gzData) Timestamp() (time.Time, bool) {
	ts, ok := util.Mtime(d.gzPath())
	if !ok {
		return time.Time{}, false
	}
	if its, ok := util.Mtime(d.idxPath()); ok && its.After(ts) {
		ts = its
	}
	return ts, true
}

func (d *gzData) Exists() bool { return util.Exists(d.gzPath()) }

func (d *gzData) IsEmpty() bool {
	f, err := os.Open(d.gzPath())
	if err != nil {
		return true
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer zr.Close()
	var b [1]byte
	n, _ := io.ReadFull(zr, b[:])
	return n == 0
}

func (d *gzData) Size() int64 {
	return util.FileSize(d.gzPath()) + util.FileSize(d.idxPath())
}

func (d *gzData) NextOffset(offset, size uint64) uint64 {
	return offset + size + uint64(d.kind.Padding())
}

func (d *gzData) padding() []byte {
	if d.kind.Padding() == 1 {
		return []byte{'\n'}
	}
	return nil
}

func (d *gzData) Reader(rlock *lock.ReadLock) (Reader, error) {
	f, err := os.Open(d.gzPath())
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", d.gzPath(), err)
	}
	idx, _, err := loadSeekIndex(d.idxPath())
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}
	return &gzReader{data: d, f: f, idx: idx, lock: rlock}, nil
}

func (d *gzData) Writer(WriterConfig) (Writer, error) {
	return nil, fmt.Errorf("%s: appending to compressed segments: %w", d.seg.RelPath, ErrNotSupported)
}

func (d *gzData) Checker() (Checker, error) {
	return &gzChecker{data: d}, nil
}

func (d *gzData) layoutFor(groupSize uint) func(io.Writer) layout {
	return func(w io.Writer) layout {
		return &gzLayout{w: &countingWriter{w: w}, groupSize: groupSize, padding: d.padding(), idx: newSeekIndex()}
	}
}

func (d *gzData) create(mds types.Collection, cfg types.RepackConfig) error {
	return createFiles(d.seg, mds, cfg, d.gzPath(), d.idxPath(), d.layoutFor(cfg.GzGroupSize), !d.opts.Eatmydata)
}

// gunzip decompresses all the members of the .gz file.
func (d *gzData) gunzip() ([]byte, error) {
	f, err := os.Open(d.gzPath())
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.gzPath(), err)
	}
	defer zr.Close()
	buf, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.gzPath(), err)
	}
	return buf, nil
}

// rewrite replaces the contents with edit(contents) as a single group,
// keeping the data timestamp.
func (d *gzData) rewrite(edit func([]byte) ([]byte, error)) error {
	all, err := d.gunzip()
	if err != nil {
		return err
	}
	edited, err := edit(all)
	if err != nil {
		return err
	}
	return util.PreserveTimes(d.gzPath(), func() error {
		err := util.WriteFileAtomic(d.gzPath(), func(w io.Writer) error {
			zw := gzip.NewWriter(w)
			if _, err := zw.Write(edited); err != nil {
				return err
			}
			return zw.Close()
		})
		if err != nil {
			return err
		}
		_, err = util.RemoveIfExists(d.idxPath())
		return err
	})
}

// gzLayout compresses records into one gzip member per group.
type gzLayout struct {
	w         *countingWriter
	zw        *gzip.Writer
	groupSize uint
	padding   []byte
	idx       *seekIndex

	unc      uint64
	inGroup  uint
	lastUnc  uint64
	lastComp uint64
}

func (l *gzLayout) wantsData() bool { return true }

func (l *gzLayout) write(buf []byte) error {
	if l.zw == nil {
		l.zw = gzip.NewWriter(l.w)
	}
	if _, err := l.zw.Write(buf); err != nil {
		return err
	}
	l.unc += uint64(len(buf))
	return nil
}

func (l *gzLayout) add(buf []byte, _ uint64) (uint64, error) {
	offset := l.unc
	if err := l.write(buf); err != nil {
		return 0, err
	}
	if len(l.padding) > 0 {
		if err := l.write(l.padding); err != nil {
			return 0, err
		}
	}
	l.inGroup++
	if l.groupSize > 0 && l.inGroup >= l.groupSize {
		if err := l.endGroup(); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

func (l *gzLayout) shift() error {
	filler := l.padding
	if len(filler) == 0 {
		filler = []byte{0}
	}
	return l.write(filler)
}

func (l *gzLayout) endGroup() error {
	if err := l.zw.Close(); err != nil {
		return err
	}
	l.zw = nil
	l.idx.add(l.unc-l.lastUnc, l.w.n-l.lastComp)
	l.lastUnc, l.lastComp = l.unc, l.w.n
	l.inGroup = 0
	return nil
}

func (l *gzLayout) finish() ([]byte, error) {
	if l.zw != nil {
		if err := l.endGroup(); err != nil {
			return nil, err
		}
	}
	if l.idx.groups() == 0 {
		// an empty segment is still a valid gzip file
		if err := gzip.NewWriter(l.w).Close(); err != nil {
			return nil, err
		}
	}
	if l.idx.groups() <= 1 {
		return nil, nil
	}
	return l.idx.encode(), nil
}

// gzReader decompresses one group at a time, and keeps the last one around
// since records are usually read in order.
type gzReader struct {
	data *gzData
	f    *os.File
	idx  *seekIndex
	lock *lock.ReadLock

	groupStart uint64
	group      []byte
	cached     bool
}

func (r *gzReader) Data() Data { return r.data }

func (r *gzReader) loadGroup(block int) error {
	st, err := r.f.Stat()
	if err != nil {
		return err
	}
	start := int64(r.idx.ofsComp[block])
	end := st.Size()
	if block+1 < len(r.idx.ofsComp) {
		end = int64(r.idx.ofsComp[block+1])
	}
	zr, err := gzip.NewReader(io.NewSectionReader(r.f, start, end-start))
	if err != nil {
		return fmt.Errorf("%s: group %d: %w", r.data.gzPath(), block, err)
	}
	defer zr.Close()
	buf, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("%s: group %d: %w", r.data.gzPath(), block, err)
	}
	r.groupStart = r.idx.ofsUnc[block]
	r.group = buf
	r.cached = true
	return nil
}

func (r *gzReader) Read(b types.Blob) ([]byte, error) {
	if !r.cached || b.Offset < r.groupStart || b.Offset+b.Size > r.groupStart+uint64(len(r.group)) {
		block := r.idx.lookup(b.Offset)
		if block < 0 || block >= len(r.idx.ofsComp) {
			return nil, fmt.Errorf("%s: offset %d is past the end of the compressed data", r.data.gzPath(), b.Offset)
		}
		if err := r.loadGroup(block); err != nil {
			return nil, err
		}
	}
	pos := b.Offset - r.groupStart
	if pos+b.Size > uint64(len(r.group)) {
		return nil, fmt.Errorf("%s: read of %d bytes at %d is past the end of the compressed data", r.data.gzPath(), b.Size, b.Offset)
	}
	return bytes.Clone(r.group[pos : pos+b.Size]), nil
}

func (r *gzReader) Stream(b types.Blob, w io.Writer) (int64, error) {
	buf, err := r.Read(b)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

func (r *gzReader) ScanData(visit func(*types.Record) bool) (bool, error) {
	s, err := scan.ForFormat(r.data.seg.Format)
	if err != nil {
		return false, err
	}
	all, err := r.data.gunzip()
	if err != nil {
		return false, err
	}
	seg := r.data.seg
	return scan.Buffer(s, all, 0, func(offset, size uint64, rt time.Time) bool {
		return visit(&types.Record{Source: seg.Blob(offset, size).WithReader(r), RefTime: rt})
	})
}

func (r *gzReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	r.group = nil
	return err
}

type gzChecker struct {
	data *gzData
}

func (c *gzChecker) Data() Data { return c.data }

func (c *gzChecker) Check(report func(string), mds types.Collection, quick bool) types.State {
	seg := c.data.seg
	if !c.data.Exists() {
		if len(mds) == 0 {
			return types.SegmentOK
		}
		report(fmt.Sprintf("%s: segment data is missing", seg.RelPath))
		return types.SegmentMissing
	}
	all, err := c.data.gunzip()
	if err != nil {
		report(fmt.Sprintf("cannot decompress %s: %v", c.data.gzPath(), err))
		return types.SegmentCorrupted
	}
	idx, hasIdx, err := loadSeekIndex(c.data.idxPath())
	if err != nil {
		report(err.Error())
		return types.SegmentCorrupted
	}

	check := &spanCheck{
		relpath: seg.RelPath,
		report:  report,
		mds:     mds,
		quick:   quick,
		end:     uint64(len(all)),
		padding: uint64(c.data.kind.Padding()),
	}
	if !quick {
		s, err := scan.ForFormat(seg.Format)
		if err != nil {
			report(err.Error())
			return types.SegmentCorrupted
		}
		check.validate = func(b types.Blob) error {
			return s.Validate(all[b.Offset : b.Offset+b.Size])
		}
	}
	st := check.run()
	if st.IsOK() && hasIdx && idx.uncompressedSize() != uint64(len(all)) {
		report(fmt.Sprintf("%s covers %d bytes but the data has %d", c.data.idxPath(), idx.uncompressedSize(), len(all)))
		st = types.SegmentDirty
	}
	return st
}

func (c *gzChecker) Remove() (int64, error) {
	n, err := util.RemoveIfExists(c.data.gzPath())
	if err != nil {
		return n, err
	}
	m, err := util.RemoveIfExists(c.data.idxPath())
	return n + m, err
}

func (c *gzChecker) Rescan(visit func(*types.Record) bool) (bool, error) {
	r, err := c.data.Reader(nil)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.ScanData(visit)
}

func (c *gzChecker) Repack(mds types.Collection, cfg types.RepackConfig) (*Pending, error) {
	return repackWith(c.data, mds, func() (*Pending, error) {
		return writeFiles(c.data.seg, mds, cfg, c.data.gzPath(), c.data.idxPath(), c.data.layoutFor(cfg.GzGroupSize), !c.data.opts.Eatmydata)
	})
}

func (c *gzChecker) Tar(mds types.Collection) (Checker, error) {
	return convert(c.data, c, mds, KindTar, types.RepackConfig{}, c.data.opts)
}

func (c *gzChecker) Zip(mds types.Collection) (Checker, error) {
	return convert(c.data, c, mds, KindZip, types.RepackConfig{}, c.data.opts)
}

func (c *gzChecker) Compress(mds types.Collection, groupSize uint) (Checker, error) {
	return convert(c.data, c, mds, c.data.kind, types.RepackConfig{GzGroupSize: groupSize}, c.data.opts)
}

func (c *gzChecker) TestTruncate(offset uint64) error {
	return c.data.rewrite(func(all []byte) ([]byte, error) {
		if offset > uint64(len(all)) {
			return all, nil
		}
		return all[:offset], nil
	})
}

func (c *gzChecker) filler() byte {
	if c.data.kind.Padding() == 1 {
		return '\n'
	}
	return 0
}

func (c *gzChecker) TestMakeHole(mds types.Collection, holeSize uint64, dataIdx int) error {
	return c.data.rewrite(func(all []byte) ([]byte, error) {
		at := uint64(len(all))
		if dataIdx < len(mds) {
			at = mds[dataIdx].Source.Offset
		}
		res := make([]byte, 0, uint64(len(all))+holeSize)
		res = append(res, all[:at]...)
		res = append(res, filledBytes(int(holeSize), c.filler())...)
		res = append(res, all[at:]...)
		for _, md := range mds[min(dataIdx, len(mds)):] {
			md.Source.Offset += holeSize
		}
		return res, nil
	})
}

func (c *gzChecker) TestMakeOverlap(mds types.Collection, overlapSize uint64, dataIdx int) error {
	return c.data.rewrite(func(all []byte) ([]byte, error) {
		at := mds[dataIdx].Source.Offset
		if overlapSize > at {
			return nil, fmt.Errorf("cannot overlap %d bytes at offset %d", overlapSize, at)
		}
		res := append(bytes.Clone(all[:at-overlapSize]), all[at:]...)
		for _, md := range mds[dataIdx:] {
			md.Source.Offset -= overlapSize
		}
		return res, nil
	})
}

func (c *gzChecker) TestCorrupt(mds types.Collection, dataIdx int) error {
	return c.data.rewrite(func(all []byte) ([]byte, error) {
		all[mds[dataIdx].Source.Offset] = 0
		return all, nil
	})
}

func (c *gzChecker) TestTouchContents(ts time.Time) error {
	return errors.Join(util.TouchIfExists(c.data.gzPath(), ts), util.TouchIfExists(c.data.idxPath(), ts))
}
