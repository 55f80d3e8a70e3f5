package data

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/downfa11-org/segstore/pkg/lock"
	"github.com/downfa11-org/segstore/pkg/scan"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

// archiveFormat is an archive file with one member per record. Record
// offsets are member numbers, encoded in the member names.
type archiveFormat interface {
	kind() Kind
	suffix() string
	// open lists the members of an archive.
	open(f *os.File) (archiveIndex, error)
	newWriter(w io.Writer) archiveWriter
}

type archiveIndex interface {
	members() []archiveMember
	read(m archiveMember) ([]byte, error)
	stream(m archiveMember, w io.Writer) (int64, error)
}

type archiveWriter interface {
	add(name string, data []byte) error
	close() error
}

type archiveMember struct {
	name  string
	index uint64
	size  uint64
	// pos is the position of the member in the archive listing.
	pos int
}

func memberName(index uint64, f types.Format) string {
	return fmt.Sprintf("%06d.%s", index, f)
}

// parseMemberName extracts the member number from a name like
// 000012.grib.
func parseMemberName(name string) (uint64, bool) {
	base, _, ok := strings.Cut(name, ".")
	if !ok || base == "" {
		return 0, false
	}
	var idx uint64
	if _, err := fmt.Sscanf(base, "%d", &idx); err != nil {
		return 0, false
	}
	return idx, true
}

type archiveData struct {
	seg    *types.Segment
	format archiveFormat
	opts   Options
}

func newArchiveData(format archiveFormat, seg *types.Segment, opts Options) *archiveData {
	return &archiveData{seg: seg, format: format, opts: opts}
}

func (d *archiveData) path() string { return d.seg.Path(d.format.suffix()) }

func (d *archiveData) Segment() *types.Segment { return d.seg }
func (d *archiveData) Kind() Kind              { return d.format.kind() }
func (d *archiveData) Type() string            { return d.format.kind().String() }
func (d *archiveData) SingleFile() bool        { return true }

func (d *archiveData) Timestamp() (time.Time, bool) { return util.Mtime(d.path()) }
func (d *archiveData) Exists() bool                 { return util.Exists(d.path()) }
func (d *archiveData) Size() int64                  { return util.FileSize(d.path()) }

func (d *archiveData) IsEmpty() bool {
	var empty bool
	err := d.withIndex(func(idx archiveIndex) error {
		empty = len(idx.members()) == 0
		return nil
	})
	return err != nil || empty
}

func (d *archiveData) NextOffset(offset, _ uint64) uint64 { return offset + 1 }

func (d *archiveData) withIndex(fn func(idx archiveIndex) error) error {
	f, err := os.Open(d.path())
	if err != nil {
		return err
	}
	defer f.Close()
	idx, err := d.format.open(f)
	if err != nil {
		return fmt.Errorf("%s: %w", d.path(), err)
	}
	return fn(idx)
}

func (d *archiveData) Reader(rlock *lock.ReadLock) (Reader, error) {
	f, err := os.Open(d.path())
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", d.path(), err)
	}
	idx, err := d.format.open(f)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%s: %w", d.path(), err), f.Close())
	}
	r := &archiveReader{data: d, f: f, idx: idx, lock: rlock, byIndex: make(map[uint64]archiveMember)}
	for _, m := range idx.members() {
		r.byIndex[m.index] = m
	}
	return r, nil
}

func (d *archiveData) Writer(WriterConfig) (Writer, error) {
	return nil, fmt.Errorf("%s: appending to %s segments: %w", d.seg.RelPath, d.Type(), ErrNotSupported)
}

func (d *archiveData) Checker() (Checker, error) {
	return &archiveChecker{data: d}, nil
}

func (d *archiveData) newLayout(w io.Writer) layout {
	return &archiveLayout{aw: d.format.newWriter(w), format: d.seg.Format}
}

func (d *archiveData) create(mds types.Collection, cfg types.RepackConfig) error {
	return createFiles(d.seg, mds, cfg, d.path(), "", d.newLayout, !d.opts.Eatmydata)
}

type memberData struct {
	index uint64
	data  []byte
}

// rewrite replaces the archive with the members returned by edit, keeping
// the data timestamp.
func (d *archiveData) rewrite(edit func([]memberData) []memberData) error {
	var members []memberData
	err := d.withIndex(func(idx archiveIndex) error {
		for _, m := range idx.members() {
			buf, err := idx.read(m)
			if err != nil {
				return err
			}
			members = append(members, memberData{index: m.index, data: buf})
		}
		return nil
	})
	if err != nil {
		return err
	}
	members = edit(members)
	return util.PreserveTimes(d.path(), func() error {
		return util.WriteFileAtomic(d.path(), func(w io.Writer) error {
			aw := d.format.newWriter(w)
			for _, m := range members {
				if err := aw.add(memberName(m.index, d.seg.Format), m.data); err != nil {
					return err
				}
			}
			return aw.close()
		})
	})
}

type archiveLayout struct {
	aw     archiveWriter
	format types.Format
	next   uint64
}

func (l *archiveLayout) wantsData() bool { return true }

func (l *archiveLayout) add(buf []byte, _ uint64) (uint64, error) {
	idx := l.next
	if err := l.aw.add(memberName(idx, l.format), buf); err != nil {
		return 0, err
	}
	l.next++
	return idx, nil
}

func (l *archiveLayout) shift() error {
	l.next++
	return nil
}

func (l *archiveLayout) finish() ([]byte, error) { return nil, l.aw.close() }

type archiveReader struct {
	data    *archiveData
	f       *os.File
	idx     archiveIndex
	lock    *lock.ReadLock
	byIndex map[uint64]archiveMember
}

func (r *archiveReader) Data() Data { return r.data }

func (r *archiveReader) member(b types.Blob) (archiveMember, error) {
	m, ok := r.byIndex[b.Offset]
	if !ok {
		return m, fmt.Errorf("%s: no member %s", r.data.path(), memberName(b.Offset, r.data.seg.Format))
	}
	if m.size != b.Size {
		return m, fmt.Errorf("%s: member %s has size %d instead of %d", r.data.path(), m.name, m.size, b.Size)
	}
	return m, nil
}

func (r *archiveReader) Read(b types.Blob) ([]byte, error) {
	m, err := r.member(b)
	if err != nil {
		return nil, err
	}
	return r.idx.read(m)
}

func (r *archiveReader) Stream(b types.Blob, w io.Writer) (int64, error) {
	m, err := r.member(b)
	if err != nil {
		return 0, err
	}
	return r.idx.stream(m, w)
}

func (r *archiveReader) ScanData(visit func(*types.Record) bool) (bool, error) {
	s, err := scan.ForFormat(r.data.seg.Format)
	if err != nil {
		return false, err
	}
	members := append([]archiveMember(nil), r.idx.members()...)
	sort.SliceStable(members, func(i, j int) bool { return members[i].index < members[j].index })
	for _, m := range members {
		buf, err := r.idx.read(m)
		if err != nil {
			return false, err
		}
		rt, err := s.RefTime(buf)
		if err != nil && !errors.Is(err, scan.ErrNoRefTime) {
			return false, fmt.Errorf("%s: %s: %w", r.data.path(), m.name, err)
		}
		rec := &types.Record{Source: r.data.seg.Blob(m.index, m.size).WithReader(r), RefTime: rt}
		if !visit(rec) {
			return false, nil
		}
	}
	return true, nil
}

func (r *archiveReader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

type archiveChecker struct {
	data *archiveData
}

func (c *archiveChecker) Data() Data { return c.data }

func (c *archiveChecker) Check(report func(string), mds types.Collection, quick bool) types.State {
	seg := c.data.seg
	if !c.data.Exists() {
		if len(mds) == 0 {
			return types.SegmentOK
		}
		report(fmt.Sprintf("%s: segment data is missing", seg.RelPath))
		return types.SegmentMissing
	}
	rdr, err := c.data.Reader(nil)
	if err != nil {
		report(err.Error())
		return types.SegmentCorrupted
	}
	defer rdr.Close()
	r := rdr.(*archiveReader)

	var end uint64
	for idx := range r.byIndex {
		end = max(end, idx+1)
	}
	check := &spanCheck{
		relpath: seg.RelPath,
		report:  report,
		mds:     mds,
		quick:   quick,
		end:     end,
		startOf: func(offset, _ uint64) uint64 { return offset },
		endOf:   func(offset, _ uint64) uint64 { return offset + 1 },
		checkSource: func(b types.Blob) types.State {
			if _, err := r.member(b); err != nil {
				report(err.Error())
				return types.SegmentCorrupted
			}
			return types.SegmentOK
		},
		unindexed: func(spans []span) uint64 {
			used := make(map[uint64]struct{}, len(spans))
			for _, s := range spans {
				used[s.offset] = struct{}{}
			}
			var free uint64
			for idx, m := range r.byIndex {
				if _, ok := used[idx]; !ok {
					free += m.size
				}
			}
			return free
		},
	}
	if !quick {
		s, err := scan.ForFormat(seg.Format)
		if err != nil {
			report(err.Error())
			return types.SegmentCorrupted
		}
		check.validate = func(b types.Blob) error {
			buf, err := r.Read(b)
			if err != nil {
				return err
			}
			return s.Validate(buf)
		}
	}
	return check.run()
}

func (c *archiveChecker) Remove() (int64, error) {
	return util.RemoveIfExists(c.data.path())
}

func (c *archiveChecker) Rescan(visit func(*types.Record) bool) (bool, error) {
	r, err := c.data.Reader(nil)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.ScanData(visit)
}

func (c *archiveChecker) Repack(mds types.Collection, cfg types.RepackConfig) (*Pending, error) {
	return repackWith(c.data, mds, func() (*Pending, error) {
		return writeFiles(c.data.seg, mds, cfg, c.data.path(), "", c.data.newLayout, !c.data.opts.Eatmydata)
	})
}

func (c *archiveChecker) Tar(mds types.Collection) (Checker, error) {
	return convert(c.data, c, mds, KindTar, types.RepackConfig{}, c.data.opts)
}

func (c *archiveChecker) Zip(mds types.Collection) (Checker, error) {
	return convert(c.data, c, mds, KindZip, types.RepackConfig{}, c.data.opts)
}

func (c *archiveChecker) Compress(types.Collection, uint) (Checker, error) {
	return nil, fmt.Errorf("%s: compressing %s segments: %w", c.data.seg.RelPath, c.data.Type(), ErrNotSupported)
}

func (c *archiveChecker) TestTruncate(offset uint64) error {
	return c.data.rewrite(func(members []memberData) []memberData {
		res := members[:0]
		for _, m := range members {
			if m.index < offset {
				res = append(res, m)
			}
		}
		return res
	})
}

func (c *archiveChecker) TestMakeHole(mds types.Collection, holeSize uint64, dataIdx int) error {
	if dataIdx >= len(mds) {
		// a hole at the end of an archive is only visible as a gap in the
		// numbering, which needs a member after it
		return fmt.Errorf("%s: hole at the end of an archive: %w", c.data.seg.RelPath, ErrNotSupported)
	}
	start := mds[dataIdx].Source.Offset
	err := c.data.rewrite(func(members []memberData) []memberData {
		for i := range members {
			if members[i].index >= start {
				members[i].index += holeSize
			}
		}
		return members
	})
	if err != nil {
		return err
	}
	for _, md := range mds[dataIdx:] {
		md.Source.Offset += holeSize
	}
	return nil
}

func (c *archiveChecker) TestMakeOverlap(mds types.Collection, overlapSize uint64, dataIdx int) error {
	start := mds[dataIdx].Source.Offset
	if overlapSize > start {
		return fmt.Errorf("cannot overlap %d members at member %d", overlapSize, start)
	}
	err := c.data.rewrite(func(members []memberData) []memberData {
		for i := range members {
			if members[i].index >= start {
				members[i].index -= overlapSize
			}
		}
		return members
	})
	if err != nil {
		return err
	}
	for _, md := range mds[dataIdx:] {
		md.Source.Offset -= overlapSize
	}
	return nil
}

func (c *archiveChecker) TestCorrupt(mds types.Collection, dataIdx int) error {
	target := mds[dataIdx].Source.Offset
	return c.data.rewrite(func(members []memberData) []memberData {
		for i := range members {
			if members[i].index == target && len(members[i].data) > 0 {
				members[i].data[0] = 0
			}
		}
		return members
	})
}

func (c *archiveChecker) TestTouchContents(ts time.Time) error {
	return util.TouchIfExists(c.data.path(), ts)
}
