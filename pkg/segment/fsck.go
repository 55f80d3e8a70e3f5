package segment

import (
	"fmt"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
)

// probes is what a check gathers from disk before deciding on a state.
type probes struct {
	dataExists bool
	dataEmpty  bool
	dataMtime  time.Time

	// cached is false for strategies with no stored listing: for those the
	// listing below was decoded from the data.
	cached      bool
	indexExists bool
	indexMtime  time.Time
	listing     types.Collection
	listErr     error

	keepsSummary  bool
	summaryExists bool
	summaryMtime  time.Time

	// checkPath enables the time bucket check against pathSpan.
	checkPath   bool
	pathSpan    types.Interval
	hasPathSpan bool

	// backend checks the data against the listing.
	backend func(report func(string), mds types.Collection) types.State
}

type verdict struct {
	state    types.State
	messages []string
	span     types.Interval
	hasSpan  bool
}

func (v *verdict) note(format string, args ...any) {
	v.messages = append(v.messages, fmt.Sprintf(format, args...))
}

func (v *verdict) report(msg string) {
	v.messages = append(v.messages, msg)
}

func sortedByRefTime(mds types.Collection) bool {
	for i := 1; i < len(mds); i++ {
		if mds[i].RefTime.Before(mds[i-1].RefTime) {
			return false
		}
	}
	return true
}

// classify turns probes into a segment state. The first condition found
// decides, in order: missing data, no or outdated index, nothing indexed,
// no reference times, contents outside the path time bucket, and then the
// container check. Unsorted scanned data and an outdated summary are added
// on top of the latter.
func classify(p probes) verdict {
	var v verdict
	if !p.dataExists {
		v.note("segment data is missing")
		v.state = types.SegmentMissing
		return v
	}

	if p.cached {
		switch {
		case !p.indexExists && p.dataEmpty:
			v.note("empty segment found on disk with no associated index data")
			v.state = types.SegmentDeleted
			return v
		case !p.indexExists:
			v.note("segment found on disk with no associated index data")
			v.state = types.SegmentUnaligned
			return v
		case p.indexMtime.Before(p.dataMtime):
			v.note("data is newer than the index (%s > %s)", p.dataMtime.Format(time.DateTime), p.indexMtime.Format(time.DateTime))
			v.state = types.SegmentUnaligned
			return v
		case p.listErr != nil:
			v.note("cannot read the index: %v", p.listErr)
			v.state = types.SegmentUnaligned
			return v
		}
	} else if p.listErr != nil {
		v.note("cannot scan the data: %v", p.listErr)
		v.state = types.SegmentCorrupted
		return v
	}

	if len(p.listing) == 0 {
		v.note("segment contains no records")
		v.state = types.SegmentDeleted
		return v
	}

	span, ok := p.listing.Span()
	if !ok {
		v.note("records have no reference time information")
		v.state = types.SegmentCorrupted
		return v
	}
	v.span, v.hasSpan = span, true

	if p.checkPath {
		if !p.hasPathSpan {
			v.note("segment name does not fit the step of this dataset")
			v.state = types.SegmentCorrupted
			return v
		}
		if !p.pathSpan.Contains(span) {
			v.note("segment contents (%s) do not fit inside the span of its path (%s)", span, p.pathSpan)
			v.state = types.SegmentCorrupted
			return v
		}
	}

	if p.backend != nil {
		v.state = p.backend(v.report, p.listing)
	}
	if !p.cached && !sortedByRefTime(p.listing) {
		v.note("records are not sorted by reference time")
		v.state = v.state.Union(types.SegmentDirty)
	}

	if p.keepsSummary && (!p.summaryExists || p.summaryMtime.Before(p.indexMtime)) {
		v.note("summary is older than the index")
		v.state = v.state.Union(types.SegmentUnoptimized)
	}
	return v
}
