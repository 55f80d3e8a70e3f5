package segment

import (
	"fmt"
	"time"

	"github.com/downfa11-org/segstore/pkg/data"
	"github.com/downfa11-org/segstore/pkg/types"
)

// index is the view a segment keeps of the records in its data. Listings
// returned by an index carry unbound sources.
type index interface {
	kind() IndexKind
	// cached is false when the listing is computed from the data each time.
	cached() bool
	// timestamp is the modification time of the stored listing.
	timestamp() (time.Time, bool)
	// summaryTimestamp reports the modification time of a separately
	// stored summary. keeps is false if the strategy has none.
	summaryTimestamp() (ts time.Time, exists bool, keeps bool)

	list(iv *types.Interval) (types.Collection, error)
	summary(iv *types.Interval) (types.Summary, error)

	// writeListing replaces the listing, leaving any summary alone.
	writeListing(mds types.Collection) error
	// rewrite is writeListing keeping the old timestamps.
	rewrite(mds types.Collection) error
	// reindex replaces listing and summary.
	reindex(mds types.Collection) error
	add(mds types.Collection) error
	markRemoved(offsets []uint64) (types.Collection, error)
	markAllRemoved() error
	// invalidate drops the listing ahead of a data rewrite, so that an
	// interrupted rewrite is seen as unaligned.
	invalidate() error
	remove() (int64, error)
	touch(ts time.Time) error
}

func newIndex(kind IndexKind, seg *types.Segment, src func() data.Data) (index, error) {
	switch kind {
	case IndexScan:
		return &scanIndex{src: src}, nil
	case IndexMetadata:
		return &metadataIndex{seg: seg}, nil
	case IndexIseg:
		return &isegIndex{seg: seg}, nil
	}
	return nil, fmt.Errorf("unknown index kind %d", kind)
}

func filterListing(mds types.Collection, iv *types.Interval) types.Collection {
	if iv == nil {
		return mds
	}
	res := make(types.Collection, 0, len(mds))
	for _, md := range mds {
		if iv.ContainsTime(md.RefTime) {
			res = append(res, md)
		}
	}
	return res
}
