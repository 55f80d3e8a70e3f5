package data_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/types"
)

func totalSize(mds types.Collection, padding int) int64 {
	var n int64
	for _, md := range mds {
		n += int64(md.DataSize()) + int64(padding)
	}
	return n
}

func createConcat(t *testing.T, n int) (data.Data, types.Collection) {
	t.Helper()
	seg := newSegment(t, "2007/07-08.grib")
	mds := gribRecords(n)
	d, err := data.Create(data.KindConcat, seg, mds, data.Options{}, types.RepackConfig{})
	if err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}
	return d, mds
}

func checker(t *testing.T, d data.Data) data.Checker {
	t.Helper()
	c, err := d.Checker()
	if err != nil {
		t.Fatalf("failed to get checker: %v", err)
	}
	return c
}

func TestConcatCreateAndRead(t *testing.T) {
	d, mds := createConcat(t, 3)

	if got, want := d.Size(), totalSize(mds, 0); got != want {
		t.Fatalf("segment size = %d, want %d", got, want)
	}
	var offset uint64
	for i, md := range mds {
		if md.Source.Offset != offset {
			t.Errorf("record %d at offset %d, want %d", i, md.Source.Offset, offset)
		}
		offset += md.Source.Size
	}

	r, err := d.Reader(nil)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer r.Close()
	for i := len(mds) - 1; i >= 0; i-- {
		buf, err := r.Read(mds[i].Source)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(buf, mds[i].Data) {
			t.Errorf("record %d: data mismatch", i)
		}
	}

	report, _ := collectReports(t)
	for _, quick := range []bool{true, false} {
		if st := checker(t, d).Check(report, mds, quick); !st.IsOK() {
			t.Errorf("check(quick=%v) = %s, want OK", quick, st)
		}
	}
}

func TestCreateRefusesExistingData(t *testing.T) {
	d, _ := createConcat(t, 1)
	_, err := data.Create(data.KindConcat, d.Segment(), gribRecords(1), data.Options{}, types.RepackConfig{})
	if !errors.Is(err, data.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestNewRejectsIncompatibleKinds(t *testing.T) {
	seg := newSegment(t, "a.grib")
	if _, err := data.New(data.KindLines, seg, data.Options{}); !errors.Is(err, data.ErrNotSupported) {
		t.Errorf("lines for grib: expected ErrNotSupported, got %v", err)
	}
	seg = newSegment(t, "a.vm2")
	if _, err := data.New(data.KindGzConcat, seg, data.Options{}); !errors.Is(err, data.ErrNotSupported) {
		t.Errorf("gzconcat for vm2: expected ErrNotSupported, got %v", err)
	}
}

func TestLinesPadding(t *testing.T) {
	seg := newSegment(t, "2007/07-08.vm2")
	mds := vm2Records(3)
	d, err := data.Create(data.KindLines, seg, mds, data.Options{}, types.RepackConfig{})
	if err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}

	raw, err := os.ReadFile(seg.AbsPath)
	if err != nil {
		t.Fatal(err)
	}
	var want []byte
	for _, md := range mds {
		want = append(want, md.Data...)
		want = append(want, '\n')
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("file contents:\n%q\nwant:\n%q", raw, want)
	}
	if got := d.NextOffset(mds[0].Source.Offset, mds[0].Source.Size); got != mds[1].Source.Offset {
		t.Errorf("NextOffset = %d, want %d", got, mds[1].Source.Offset)
	}

	var scanned types.Collection
	if _, err := checker(t, d).Rescan(func(r *types.Record) bool {
		scanned = append(scanned, r)
		return true
	}); err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	if len(scanned) != len(mds) {
		t.Fatalf("rescan found %d records, want %d", len(scanned), len(mds))
	}
	for i := range mds {
		if !scanned[i].Source.SameSpan(mds[i].Source) {
			t.Errorf("record %d: scanned %s, want %s", i, scanned[i].Source, mds[i].Source)
		}
		if !scanned[i].RefTime.Equal(mds[i].RefTime) {
			t.Errorf("record %d: reftime %s, want %s", i, scanned[i].RefTime, mds[i].RefTime)
		}
	}
}

func TestWriterCommitAndRollback(t *testing.T) {
	seg := newSegment(t, "2007/07-08.grib")
	d, err := data.New(data.KindConcat, seg, data.Options{Eatmydata: true})
	if err != nil {
		t.Fatal(err)
	}
	mds := gribRecords(3)

	w, err := d.Writer(data.WriterConfig{})
	if err != nil {
		t.Fatal(err)
	}
	for _, md := range mds[:2] {
		if _, err := w.Append(md); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if mds[1].Source.Offset != mds[0].Source.Size {
		t.Errorf("second record at %d, want %d", mds[1].Source.Offset, mds[0].Source.Size)
	}
	committed := totalSize(mds[:2], 0)

	blob, err := w.Append(mds[2])
	if err != nil {
		t.Fatal(err)
	}
	if blob.Offset != uint64(committed) {
		t.Errorf("pending record at %d, want %d", blob.Offset, committed)
	}
	if err := w.Rollback(); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if got := d.Size(); got != committed {
		t.Fatalf("size after rollback = %d, want %d", got, committed)
	}
	if mds[2].Source.Size != 0 {
		t.Errorf("rolled back record got a source: %s", mds[2].Source)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWriterRollbackRemovesNewFile(t *testing.T) {
	seg := newSegment(t, "2007/07-08.grib")
	d, err := data.New(data.KindConcat, seg, data.Options{})
	if err != nil {
		t.Fatal(err)
	}
	w, err := d.Writer(data.WriterConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(gribRecords(1)[0]); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if d.Exists() {
		t.Fatal("segment still exists after rollback")
	}
}

func TestWriterFailedFirstAppend(t *testing.T) {
	tests := []struct {
		name     string
		existing bool
	}{
		{"new segment", false},
		{"existing segment", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seg := newSegment(t, "2007/07-08.grib")
			d, err := data.New(data.KindConcat, seg, data.Options{Eatmydata: true})
			if err != nil {
				t.Fatal(err)
			}
			var before []byte
			if tt.existing {
				w, err := d.Writer(data.WriterConfig{})
				if err != nil {
					t.Fatal(err)
				}
				if _, err := w.Append(gribRecords(1)[0]); err != nil {
					t.Fatal(err)
				}
				if err := w.Commit(); err != nil {
					t.Fatal(err)
				}
				if err := w.Close(); err != nil {
					t.Fatal(err)
				}
				if before, err = os.ReadFile(seg.AbsPath); err != nil {
					t.Fatal(err)
				}
			}

			w, err := d.Writer(data.WriterConfig{})
			if err != nil {
				t.Fatal(err)
			}
			// No cached bytes and a source not bound to any reader.
			if _, err := w.Append(&types.Record{Source: seg.Blob(0, 20)}); err == nil {
				t.Fatal("append of an unreadable record succeeded")
			}
			if err := w.Rollback(); err != nil {
				t.Fatalf("rollback failed: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("close failed: %v", err)
			}

			if !tt.existing {
				if d.Exists() {
					t.Fatal("rollback left a new file behind")
				}
				return
			}
			after, err := os.ReadFile(seg.AbsPath)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(before, after) {
				t.Errorf("rollback changed the data: %d bytes, want %d", len(after), len(before))
			}
		})
	}
}

func TestWriterDropsCachedData(t *testing.T) {
	seg := newSegment(t, "2007/07-08.grib")
	d, _ := data.New(data.KindConcat, seg, data.Options{})
	w, err := d.Writer(data.WriterConfig{DropCachedData: true})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	md := gribRecords(1)[0]
	if _, err := w.Append(md); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	if md.Data != nil {
		t.Error("record data was kept after commit")
	}
}

func TestConcatCheckFindsDamage(t *testing.T) {
	tests := []struct {
		name  string
		quick bool
		harm  func(c data.Checker, mds types.Collection) error
		want  types.State
	}{
		{"hole", true, func(c data.Checker, mds types.Collection) error { return c.TestMakeHole(mds, 10, 1) }, types.SegmentDirty},
		{"hole at end", true, func(c data.Checker, mds types.Collection) error { return c.TestMakeHole(mds, 10, len(mds)) }, types.SegmentDirty},
		{"overlap", true, func(c data.Checker, mds types.Collection) error { return c.TestMakeOverlap(mds, 5, 1) }, types.SegmentCorrupted},
		{"truncated", true, func(c data.Checker, mds types.Collection) error {
			last := mds[len(mds)-1].Source
			return c.TestTruncate(last.Offset + last.Size - 1)
		}, types.SegmentCorrupted},
		{"corrupted quick", true, func(c data.Checker, mds types.Collection) error { return c.TestCorrupt(mds, 1) }, types.SegmentOK},
		{"corrupted accurate", false, func(c data.Checker, mds types.Collection) error { return c.TestCorrupt(mds, 1) }, types.SegmentCorrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mds := createConcat(t, 3)
			c := checker(t, d)
			if err := tt.harm(c, mds); err != nil {
				t.Fatalf("failed to damage segment: %v", err)
			}
			report, _ := collectReports(t)
			if got := c.Check(report, mds, tt.quick); got != tt.want {
				t.Fatalf("check = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConcatMissingData(t *testing.T) {
	d, mds := createConcat(t, 2)
	c := checker(t, d)
	if _, err := c.Remove(); err != nil {
		t.Fatal(err)
	}
	report, _ := collectReports(t)
	if got := c.Check(report, mds, true); got != types.SegmentMissing {
		t.Fatalf("check = %s, want MISSING", got)
	}
	if got := c.Check(report, nil, true); !got.IsOK() {
		t.Fatalf("check with empty listing = %s, want OK", got)
	}
}

func TestConcatRepackReorders(t *testing.T) {
	d, mds := createConcat(t, 4)
	for _, md := range mds {
		md.Data = nil
	}
	reversed := mds.Reversed()
	c := checker(t, d)

	report, msgs := collectReports(t)
	if got := c.Check(report, reversed, true); got != types.SegmentDirty {
		t.Fatalf("check of reversed listing = %s, want DIRTY", got)
	}
	if len(*msgs) == 0 {
		t.Error("no reason reported for the dirty segment")
	}

	p, err := c.Repack(reversed, types.RepackConfig{})
	if err != nil {
		t.Fatalf("repack failed: %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := os.Stat(d.Segment().AbsPath + types.SuffixRepack); !os.IsNotExist(err) {
		t.Errorf("temporary repack file left behind: %v", err)
	}
	if reversed[0].Source.Offset != 0 {
		t.Errorf("first record at %d after repack, want 0", reversed[0].Source.Offset)
	}
	if got := c.Check(report, reversed, false); !got.IsOK() {
		t.Fatalf("check after repack = %s, want OK", got)
	}
}

func TestRepackRollbackKeepsData(t *testing.T) {
	d, mds := createConcat(t, 2)
	before, err := os.ReadFile(d.Segment().AbsPath)
	if err != nil {
		t.Fatal(err)
	}
	p, err := checker(t, d).Repack(mds.Reversed(), types.RepackConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Rollback(); err != nil {
		t.Fatal(err)
	}
	after, err := os.ReadFile(d.Segment().AbsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("rolled back repack changed the data")
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(d.Segment().AbsPath), "*"+types.SuffixRepack))
	if len(matches) != 0 {
		t.Errorf("leftover files: %v", matches)
	}
}

func TestRepackMischiefLeavesGap(t *testing.T) {
	d, mds := createConcat(t, 2)
	c := checker(t, d)
	p, err := c.Repack(mds, types.RepackConfig{TestFlags: types.TestMischiefMoveData})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Commit(); err != nil {
		t.Fatal(err)
	}
	if mds[0].Source.Offset != 1 {
		t.Fatalf("first record at %d, want 1", mds[0].Source.Offset)
	}
	report, _ := collectReports(t)
	if got := c.Check(report, mds, false); got != types.SegmentDirty {
		t.Fatalf("check = %s, want DIRTY", got)
	}
}

func TestStreamToFile(t *testing.T) {
	d, mds := createConcat(t, 2)
	r, err := d.Reader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	out, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	n, err := r.Stream(mds[1].Source, out)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if n != int64(mds[1].Source.Size) {
		t.Errorf("streamed %d bytes, want %d", n, mds[1].Source.Size)
	}
	got, _ := os.ReadFile(out.Name())
	if !bytes.Equal(got, mds[1].Data) {
		t.Error("streamed data mismatch")
	}

	var buf bytes.Buffer
	if _, err := r.Stream(mds[0].Source, &buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), mds[0].Data) {
		t.Error("streamed data mismatch")
	}
}

func TestMockDataCreatesHoles(t *testing.T) {
	seg := newSegment(t, "2007/07-08.grib")
	mds := gribRecords(3)
	d, err := data.Create(data.KindConcat, seg, mds, data.Options{MockData: true}, types.RepackConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.Size(), totalSize(mds, 0); got != want {
		t.Fatalf("size = %d, want %d", got, want)
	}
	report, _ := collectReports(t)
	if got := checker(t, d).Check(report, mds, false); !got.IsOK() {
		t.Fatalf("check = %s, want OK", got)
	}
}

func TestDetect(t *testing.T) {
	seg := newSegment(t, "2007/07-08.grib")
	d, err := data.Detect(seg, data.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind() != data.KindConcat {
		t.Errorf("default kind = %s, want concat", d.Kind())
	}
	d, _ = data.Detect(seg, data.Options{DefaultFileSegment: "gz"})
	if d.Kind() != data.KindGzConcat {
		t.Errorf("default kind with gz = %s, want gzconcat", d.Kind())
	}

	h5 := newSegment(t, "2007/07-08.odimh5")
	d, _ = data.Detect(h5, data.Options{})
	if d.Kind() != data.KindZip {
		t.Errorf("default kind for odimh5 = %s, want zip", d.Kind())
	}

	if _, err := data.Create(data.KindTar, seg, gribRecords(1), data.Options{}, types.RepackConfig{}); err != nil {
		t.Fatal(err)
	}
	d, _ = data.Detect(seg, data.Options{DefaultFileSegment: "gz"})
	if d.Kind() != data.KindTar {
		t.Errorf("detected kind = %s, want tar", d.Kind())
	}

	dir := newSegment(t, "2007/dir.grib")
	if err := os.MkdirAll(dir.AbsPath, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := data.Detect(dir, data.Options{}); !errors.Is(err, data.ErrNotSupported) {
		t.Errorf("directory segment: expected ErrNotSupported, got %v", err)
	}
}
