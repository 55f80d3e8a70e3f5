package segment_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/downfa11-org/segstore/pkg/segment"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFreshSegmentsAreOK(t *testing.T) {
	for _, kind := range indexKinds {
		t.Run(kind.String(), func(t *testing.T) {
			s := newSession(t, segment.Options{Step: segment.StepDaily})
			c := createSegment(t, s, kind, gribRecords(3))
			require.Equal(t, kind, c.IndexKind())
			for _, quick := range []bool{true, false} {
				require.Equal(t, types.SegmentOK, fsck(t, c, quick), "quick=%v", quick)
			}
		})
	}
}

func TestScanListsRecordsInStorageOrder(t *testing.T) {
	for _, kind := range indexKinds {
		t.Run(kind.String(), func(t *testing.T) {
			s := newSession(t, segment.Options{})
			mds := gribRecords(4)
			c := createSegment(t, s, kind, mds)

			got, err := c.Scan()
			require.NoError(t, err)
			require.Equal(t, mds.Offsets(), got.Offsets())

			var times []time.Time
			for i, md := range got {
				times = append(times, md.RefTime)
				buf, err := md.Source.Read()
				require.NoError(t, err)
				require.Equal(t, mds[i].Data, buf)
			}
			want := []time.Time{baseTime, baseTime.Add(time.Hour), baseTime.Add(2 * time.Hour), baseTime.Add(3 * time.Hour)}
			if diff := cmp.Diff(want, times); diff != "" {
				t.Errorf("reference times mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFsckFindsDamage(t *testing.T) {
	tests := []struct {
		name   string
		kinds  []segment.IndexKind
		damage func(t *testing.T, f segment.Fixer)
		want   types.State
	}{
		{
			name:   "hole",
			kinds:  []segment.IndexKind{segment.IndexMetadata, segment.IndexIseg},
			damage: func(t *testing.T, f segment.Fixer) { require.NoError(t, f.TestMakeHole(10, 1)) },
			want:   types.SegmentDirty,
		},
		{
			name:   "overlap",
			kinds:  []segment.IndexKind{segment.IndexMetadata, segment.IndexIseg},
			damage: func(t *testing.T, f segment.Fixer) { require.NoError(t, f.TestMakeOverlap(4, 1)) },
			want:   types.SegmentCorrupted,
		},
		{
			name:   "truncated",
			kinds:  []segment.IndexKind{segment.IndexMetadata, segment.IndexIseg},
			damage: func(t *testing.T, f segment.Fixer) { require.NoError(t, f.TestTruncateData(1)) },
			want:   types.SegmentCorrupted,
		},
		{
			name:   "all removed",
			kinds:  indexKinds,
			damage: func(t *testing.T, f segment.Fixer) { require.NoError(t, f.TestMarkAllRemoved()) },
			want:   types.SegmentDeleted,
		},
		{
			name:  "data removed",
			kinds: indexKinds,
			damage: func(t *testing.T, f segment.Fixer) {
				_, err := f.RemoveData()
				require.NoError(t, err)
			},
			want: types.SegmentMissing,
		},
	}
	for _, tt := range tests {
		for _, kind := range tt.kinds {
			t.Run(tt.name+"/"+kind.String(), func(t *testing.T) {
				s := newSession(t, segment.Options{})
				c := createSegment(t, s, kind, gribRecords(3))
				fix(t, c, func(f segment.Fixer) { tt.damage(t, f) })
				require.Equal(t, tt.want, fsck(t, openChecker(t, s), true))
			})
		}
	}
}

func TestCorruptionNeedsAccurateCheck(t *testing.T) {
	s := newSession(t, segment.Options{})
	c := createSegment(t, s, segment.IndexMetadata, gribRecords(3))
	fix(t, c, func(f segment.Fixer) { require.NoError(t, f.TestCorruptData(1)) })

	require.Equal(t, types.SegmentOK, fsck(t, c, true))
	require.Equal(t, types.SegmentCorrupted, fsck(t, c, false))
}

func TestOutdatedIndexIsUnaligned(t *testing.T) {
	for _, kind := range []segment.IndexKind{segment.IndexMetadata, segment.IndexIseg} {
		t.Run(kind.String(), func(t *testing.T) {
			s := newSession(t, segment.Options{})
			c := createSegment(t, s, kind, gribRecords(3))
			seg := c.Segment()
			old := time.Now().Add(-time.Hour)
			for _, sfx := range []string{types.SuffixMetadata, types.SuffixSummary, types.SuffixIndex} {
				if _, err := os.Stat(seg.Path(sfx)); err == nil {
					require.NoError(t, os.Chtimes(seg.Path(sfx), old, old))
				}
			}
			require.Equal(t, types.SegmentUnaligned, fsck(t, c, true))
		})
	}
}

func TestMissingSummaryIsUnoptimized(t *testing.T) {
	s := newSession(t, segment.Options{})
	c := createSegment(t, s, segment.IndexMetadata, gribRecords(3))
	require.NoError(t, os.Remove(c.Segment().Path(types.SuffixSummary)))
	require.Equal(t, types.SegmentUnoptimized, fsck(t, c, true))
}

func TestUnsortedScanSegmentIsDirty(t *testing.T) {
	s := newSession(t, segment.Options{})
	c := createSegment(t, s, segment.IndexScan, gribRecords(3).Reversed())
	require.Equal(t, types.SegmentDirty, fsck(t, c, false))
}

func TestDataWithoutIndex(t *testing.T) {
	s := newSession(t, segment.Options{DefaultIndex: segment.IndexMetadata})
	seg, err := s.Segment(relpath)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(seg.AbsPath), 0o755))
	require.NoError(t, os.WriteFile(seg.AbsPath, nil, 0o644))

	// Plain data with no sidecar is checked by scanning it.
	c := openChecker(t, s)
	require.Equal(t, segment.IndexScan, c.IndexKind())
	require.Equal(t, types.SegmentDeleted, fsck(t, c, true))
}

func TestGarbledDataIsCorrupted(t *testing.T) {
	s := newSession(t, segment.Options{})
	seg, err := s.Segment(relpath)
	require.NoError(t, err)

	// A GRIB2 indicator claiming far more bytes than the file holds.
	buf := []byte{0, 'G', 'R', 'I', 'B', 0, 0, 2, 0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	buf = append(buf, make([]byte, 40)...)
	require.NoError(t, os.MkdirAll(filepath.Dir(seg.AbsPath), 0o755))
	require.NoError(t, os.WriteFile(seg.AbsPath, buf, 0o644))

	c := openChecker(t, s)
	require.Equal(t, segment.IndexScan, c.IndexKind())
	require.Equal(t, types.SegmentCorrupted, fsck(t, c, true))
	_, err = c.Scan()
	require.Error(t, err)
}

func TestPathOutsideStep(t *testing.T) {
	s := newSession(t, segment.Options{Step: segment.StepDaily})
	c := createSegment(t, s, segment.IndexMetadata, gribRecords(2))
	fix(t, c, func(f segment.Fixer) {
		listing, err := c.Scan()
		require.NoError(t, err)
		listing[1].RefTime = baseTime.AddDate(0, 0, 1)
		require.NoError(t, f.Reindex(listing))
	})
	require.Equal(t, types.SegmentCorrupted, fsck(t, c, true))
}

func TestAgeFlags(t *testing.T) {
	tests := []struct {
		name                  string
		archiveAge, deleteAge time.Duration
		want                  types.State
	}{
		{"young", 0, 0, types.SegmentOK},
		{"archive", 24 * time.Hour, 0, types.SegmentArchiveAge},
		{"delete wins", 24 * time.Hour, 48 * time.Hour, types.SegmentDeleteAge},
		{"not old enough", 24 * 365 * 100 * time.Hour, 0, types.SegmentOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, segment.Options{
				ArchiveAge: tt.archiveAge,
				DeleteAge:  tt.deleteAge,
				Now:        func() time.Time { return baseTime.AddDate(0, 1, 0) },
			})
			c := createSegment(t, s, segment.IndexMetadata, gribRecords(2))
			require.Equal(t, tt.want, fsck(t, c, true))
		})
	}
}

func TestFsckResultDescribesSegment(t *testing.T) {
	s := newSession(t, segment.Options{})
	mds := gribRecords(3)
	c := createSegment(t, s, segment.IndexMetadata, mds)

	res := c.Fsck(&segment.MemoryReporter{}, true)
	require.True(t, res.HasInterval)
	require.Equal(t, types.Interval{Begin: baseTime, End: baseTime.Add(2 * time.Hour)}, res.Interval)
	require.Equal(t, int64(mds.TotalSize()), res.Size)
	ts, ok := c.Data().Timestamp()
	require.True(t, ok)
	require.Equal(t, ts, res.Mtime)
}
