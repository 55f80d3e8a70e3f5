package data_test

import (
	"os"
	"testing"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/stretchr/testify/require"
)

func createGz(t *testing.T, n int, groupSize uint) (data.Data, types.Collection) {
	t.Helper()
	seg := newSegment(t, "2007/07-08.grib")
	mds := gribRecords(n)
	d, err := data.Create(data.KindGzConcat, seg, mds, data.Options{}, types.RepackConfig{GzGroupSize: groupSize})
	require.NoError(t, err)
	return d, mds
}

func TestGzGroupsAndIndex(t *testing.T) {
	d, mds := createGz(t, 5, 2)
	seg := d.Segment()

	st, err := os.Stat(seg.Path(types.SuffixGzIdx))
	require.NoError(t, err, "seek index should exist with more than one group")
	require.EqualValues(t, 3*16, st.Size())

	r, err := d.Reader(nil)
	require.NoError(t, err)
	defer r.Close()
	for _, i := range []int{4, 0, 3, 1, 2} {
		buf, err := r.Read(mds[i].Source)
		require.NoError(t, err)
		require.Equal(t, mds[i].Data, buf, "record %d", i)
	}

	report, _ := collectReports(t)
	c := checker(t, d)
	require.True(t, c.Check(report, mds, false).IsOK())
	require.True(t, c.Check(report, mds, true).IsOK())
}

func TestGzSingleGroupHasNoIndex(t *testing.T) {
	d, mds := createGz(t, 3, 0)
	_, err := os.Stat(d.Segment().Path(types.SuffixGzIdx))
	require.True(t, os.IsNotExist(err))

	r, err := d.Reader(nil)
	require.NoError(t, err)
	defer r.Close()
	buf, err := r.Read(mds[2].Source)
	require.NoError(t, err)
	require.Equal(t, mds[2].Data, buf)
}

func TestGzLines(t *testing.T) {
	seg := newSegment(t, "2007/07-08.vm2")
	mds := vm2Records(4)
	d, err := data.Create(data.KindGzLines, seg, mds, data.Options{}, types.RepackConfig{GzGroupSize: 3})
	require.NoError(t, err)
	require.Equal(t, mds[0].Source.Offset+mds[0].Source.Size+1, mds[1].Source.Offset)

	var scanned types.Collection
	_, err = checker(t, d).Rescan(func(r *types.Record) bool {
		scanned = append(scanned, r)
		return true
	})
	require.NoError(t, err)
	require.Len(t, scanned, len(mds))
	for i := range mds {
		require.True(t, scanned[i].Source.SameSpan(mds[i].Source), "record %d", i)
		buf, err := scanned[i].Source.Read()
		require.NoError(t, err)
		require.Equal(t, mds[i].Data, buf)
	}
}

func TestGzEmptySegment(t *testing.T) {
	d, _ := createGz(t, 0, 2)
	require.True(t, d.Exists())
	require.True(t, d.IsEmpty())
	report, _ := collectReports(t)
	require.True(t, checker(t, d).Check(report, nil, false).IsOK())
}

func TestGzWriterNotSupported(t *testing.T) {
	d, _ := createGz(t, 1, 0)
	_, err := d.Writer(data.WriterConfig{})
	require.ErrorIs(t, err, data.ErrNotSupported)
}

func TestGzCheckFindsDamage(t *testing.T) {
	d, mds := createGz(t, 4, 2)
	c := checker(t, d)
	report, _ := collectReports(t)

	require.NoError(t, c.TestMakeHole(mds, 3, 2))
	require.Equal(t, types.SegmentDirty, c.Check(report, mds, true))

	last := mds[len(mds)-1].Source
	require.NoError(t, c.TestTruncate(last.Offset+1))
	require.Equal(t, types.SegmentCorrupted, c.Check(report, mds, true))
}

func TestGzCorruptionNeedsAccurateCheck(t *testing.T) {
	d, mds := createGz(t, 3, 2)
	c := checker(t, d)
	require.NoError(t, c.TestCorrupt(mds, 1))

	report, _ := collectReports(t)
	require.True(t, c.Check(report, mds, true).IsOK())
	require.Equal(t, types.SegmentCorrupted, c.Check(report, mds, false))
}

func TestGzRepack(t *testing.T) {
	d, mds := createGz(t, 4, 2)
	for _, md := range mds {
		md.Data = nil
	}
	reversed := mds.Reversed()
	c := checker(t, d)
	report, _ := collectReports(t)
	require.Equal(t, types.SegmentDirty, c.Check(report, reversed, true))

	p, err := c.Repack(reversed, types.RepackConfig{GzGroupSize: 3})
	require.NoError(t, err)
	require.NoError(t, p.Commit())
	require.EqualValues(t, 0, reversed[0].Source.Offset)
	require.True(t, c.Check(report, reversed, false).IsOK())
}

func TestCompressConvertsPlainFile(t *testing.T) {
	d, mds := createConcat(t, 5)
	for _, md := range mds {
		md.Data = nil
	}
	seg := d.Segment()

	gz, err := checker(t, d).Compress(mds, 2)
	require.NoError(t, err)
	require.Equal(t, data.KindGzConcat, gz.Data().Kind())
	require.False(t, d.Exists(), "plain data should be removed")

	detected, err := data.Detect(seg, data.Options{})
	require.NoError(t, err)
	require.Equal(t, data.KindGzConcat, detected.Kind())

	report, _ := collectReports(t)
	require.True(t, gz.Check(report, mds, false).IsOK())

	same, err := gz.Compress(mds, 2)
	require.NoError(t, err)
	require.Equal(t, data.KindGzConcat, same.Data().Kind())
}

func TestCompressReusesExistingTarget(t *testing.T) {
	d, mds := createConcat(t, 3)
	seg := d.Segment()
	_, err := data.Create(data.KindGzConcat, seg, mds.Clone(), data.Options{}, types.RepackConfig{})
	require.NoError(t, err)

	gz, err := checker(t, d).Compress(mds, 0)
	require.NoError(t, err)
	require.False(t, d.Exists())

	report, _ := collectReports(t)
	require.True(t, gz.Check(report, mds, false).IsOK())
}
