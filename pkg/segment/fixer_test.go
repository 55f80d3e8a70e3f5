package segment_test

import (
	"os"
	"testing"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/segment"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestReorderRewritesData(t *testing.T) {
	for _, kind := range []segment.IndexKind{segment.IndexMetadata, segment.IndexIseg} {
		t.Run(kind.String(), func(t *testing.T) {
			s := newSession(t, segment.Options{})
			mds := gribRecords(3)
			c := createSegment(t, s, kind, mds)

			listing, err := c.Scan()
			require.NoError(t, err)
			reversed := listing.Reversed()
			fix(t, c, func(f segment.Fixer) {
				res, err := f.Reorder(reversed, types.DefaultRepackConfig())
				require.NoError(t, err)
				require.Equal(t, res.SizePre, res.SizePost)
			})
			require.Equal(t, types.SegmentOK, fsck(t, c, false))

			after, err := c.Scan()
			require.NoError(t, err)
			require.Len(t, after, 3)
			for i, md := range after {
				require.Equal(t, mds[2-i].RefTime, md.RefTime)
				buf, err := md.Source.Read()
				require.NoError(t, err)
				require.Equal(t, mds[2-i].Data, buf)
			}
		})
	}
}

func TestReorderPlacesRecordsInTargetOrder(t *testing.T) {
	tests := []struct {
		name  string
		order []int
	}{
		{"rotated", []int{2, 0, 1}},
		{"unchanged", []int{0, 1, 2}},
		{"swapped", []int{1, 0, 2}},
	}
	for _, kind := range []segment.IndexKind{segment.IndexMetadata, segment.IndexIseg} {
		for _, tt := range tests {
			t.Run(kind.String()+"/"+tt.name, func(t *testing.T) {
				s := newSession(t, segment.Options{})
				mds := gribRecords(3)
				c := createSegment(t, s, kind, mds)

				var want []uint64
				var offset uint64
				for _, i := range tt.order {
					want = append(want, offset)
					offset += uint64(len(mds[i].Data))
				}

				// Reordering is idempotent: a second run with the same
				// target leaves the same layout.
				for run := 0; run < 2; run++ {
					listing, err := c.Scan()
					require.NoError(t, err)
					byTime := map[int64]*types.Record{}
					for _, md := range listing {
						byTime[md.RefTime.Unix()] = md
					}
					target := make(types.Collection, 0, len(tt.order))
					for _, i := range tt.order {
						target = append(target, byTime[mds[i].RefTime.Unix()])
					}
					fix(t, c, func(f segment.Fixer) {
						res, err := f.Reorder(target, types.DefaultRepackConfig())
						require.NoError(t, err)
						require.Equal(t, res.SizePre, res.SizePost)
					})

					after, err := c.Scan()
					require.NoError(t, err)
					require.Len(t, after, 3)
					for j, md := range after {
						i := tt.order[j]
						require.Equal(t, want[j], md.Source.Offset, "run %d, record %d", run, j)
						require.Equal(t, mds[i].RefTime, md.RefTime)
						buf, err := md.Source.Read()
						require.NoError(t, err)
						require.Equal(t, mds[i].Data, buf)
					}
				}
				require.Equal(t, types.SegmentOK, fsck(t, c, false))
			})
		}
	}
}

func TestReorderRefusesDuplicates(t *testing.T) {
	s := newSession(t, segment.Options{})
	c := createSegment(t, s, segment.IndexMetadata, gribRecords(2))
	listing, err := c.Scan()
	require.NoError(t, err)
	dup := append(listing, listing[0].Clone())

	fix(t, c, func(f segment.Fixer) {
		_, err := f.Reorder(dup, types.DefaultRepackConfig())
		require.ErrorIs(t, err, segment.ErrAmbiguous)
		require.ErrorIs(t, f.Reindex(dup), segment.ErrAmbiguous)
	})
	require.Equal(t, types.SegmentOK, fsck(t, c, false))
}

func TestMarkRemoved(t *testing.T) {
	tests := []struct {
		kind segment.IndexKind
		want types.State
	}{
		// Cached listings forget the record and leave a gap in the data.
		{segment.IndexMetadata, types.SegmentDirty},
		{segment.IndexIseg, types.SegmentDirty},
		// Without a listing the data itself is rewritten.
		{segment.IndexScan, types.SegmentOK},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			s := newSession(t, segment.Options{})
			mds := gribRecords(3)
			c := createSegment(t, s, tt.kind, mds)

			fix(t, c, func(f segment.Fixer) {
				res, err := f.MarkRemoved([]uint64{mds[1].Source.Offset})
				require.NoError(t, err)
				require.True(t, res.HasSpan)
				require.Equal(t, mds[0].RefTime, res.DataSpan.Begin)
				require.Equal(t, mds[2].RefTime, res.DataSpan.End)
			})
			require.Equal(t, tt.want, fsck(t, openChecker(t, s), false))

			listing, err := openChecker(t, s).Scan()
			require.NoError(t, err)
			require.Len(t, listing, 2)
		})
	}
}

func TestConversions(t *testing.T) {
	tests := []struct {
		name    string
		convert func(f segment.Fixer) (segment.ConvertResult, error)
		kind    data.Kind
	}{
		{"tar", segment.Fixer.Tar, data.KindTar},
		{"zip", segment.Fixer.Zip, data.KindZip},
		{"gz", func(f segment.Fixer) (segment.ConvertResult, error) { return f.Compress(2) }, data.KindGzConcat},
	}
	for _, tt := range tests {
		for _, kind := range indexKinds {
			t.Run(tt.name+"/"+kind.String(), func(t *testing.T) {
				s := newSession(t, segment.Options{})
				mds := gribRecords(5)
				c := createSegment(t, s, kind, mds)

				fix(t, c, func(f segment.Fixer) {
					res, err := tt.convert(f)
					require.NoError(t, err)
					require.Positive(t, res.SizePost)
					// A second run finds the target and does nothing.
					again, err := tt.convert(f)
					require.NoError(t, err)
					require.Equal(t, res.SegmentMtime, again.SegmentMtime)
				})
				require.Equal(t, tt.kind, c.Data().Kind())
				_, err := os.Stat(c.Segment().AbsPath)
				require.True(t, os.IsNotExist(err), "plain data left behind: %v", err)

				reopened := openChecker(t, s)
				require.Equal(t, tt.kind, reopened.Data().Kind())
				require.Equal(t, types.SegmentOK, fsck(t, reopened, false))
				listing, err := reopened.Scan()
				require.NoError(t, err)
				require.Len(t, listing, len(mds))
				for i, md := range listing {
					buf, err := md.Source.Read()
					require.NoError(t, err)
					require.Equal(t, mds[i].Data, buf, "record %d", i)
				}
			})
		}
	}
}

func TestRemove(t *testing.T) {
	s := newSession(t, segment.Options{})
	mds := gribRecords(2)
	c := createSegment(t, s, segment.IndexMetadata, mds)
	seg := c.Segment()

	fix(t, c, func(f segment.Fixer) {
		n, err := f.Remove(false)
		require.NoError(t, err)
		require.Positive(t, n)
	})
	require.NoFileExists(t, seg.Path(types.SuffixMetadata))
	require.NoFileExists(t, seg.Path(types.SuffixSummary))
	require.FileExists(t, seg.AbsPath)

	fix(t, c, func(f segment.Fixer) {
		n, err := f.Remove(true)
		require.NoError(t, err)
		require.Equal(t, int64(mds.TotalSize()), n)
	})
	require.NoFileExists(t, seg.AbsPath)
	require.Equal(t, types.SegmentMissing, fsck(t, openChecker(t, s), true))
}

func TestTouchContents(t *testing.T) {
	s := newSession(t, segment.Options{})
	c := createSegment(t, s, segment.IndexMetadata, gribRecords(2))
	fix(t, c, func(f segment.Fixer) { require.NoError(t, f.TestTouchContents(baseTime)) })

	for _, path := range []string{c.Segment().AbsPath, c.Segment().Path(types.SuffixMetadata), c.Segment().Path(types.SuffixSummary)} {
		st, err := os.Stat(path)
		require.NoError(t, err)
		require.True(t, st.ModTime().Equal(baseTime), "%s: %s", path, st.ModTime())
	}
	require.Equal(t, types.SegmentOK, fsck(t, c, true))
}
