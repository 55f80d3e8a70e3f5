package data

import (
	"fmt"
	"sort"

	"github.com/downfa11-org/segstore/pkg/types"
)

// span is a record position as seen by the container.
type span struct {
	offset uint64
	size   uint64
}

// spanCheck verifies that a listing describes a container laid out in
// append order. Containers fill in the hooks that depend on their layout.
type spanCheck struct {
	relpath string
	report  func(string)
	mds     types.Collection
	quick   bool

	// end is the offset just past the last byte or member of the container.
	end uint64
	// padding follows every record.
	padding uint64
	// startOf and endOf map a record to the container range it occupies;
	// nil means a byte range.
	startOf func(offset, size uint64) uint64
	endOf   func(offset, size uint64) uint64

	validate    func(b types.Blob) error
	checkSource func(b types.Blob) types.State
	// unindexed estimates what a repack would free; nil computes it from
	// end and the record sizes.
	unindexed func(spans []span) uint64
}

func (c *spanCheck) actualStart(s span) uint64 {
	if c.startOf != nil {
		return c.startOf(s.offset, s.size)
	}
	return s.offset
}

func (c *spanCheck) actualEnd(s span) uint64 {
	if c.endOf != nil {
		return c.endOf(s.offset, s.size)
	}
	return s.offset + s.size + c.padding
}

func (c *spanCheck) run() types.State {
	if !c.quick {
		if st := c.validateData(); !st.IsOK() {
			return st
		}
	}
	return c.checkContiguous()
}

func (c *spanCheck) validateData() types.State {
	for _, md := range c.mds {
		src := md.Source
		if c.actualEnd(span{src.Offset, src.Size}) > c.end {
			c.report(fmt.Sprintf("data at offset %d would continue past the end of the segment", src.Offset))
			return types.SegmentCorrupted
		}
		if c.validate == nil {
			continue
		}
		if err := c.validate(src); err != nil {
			c.report(fmt.Sprintf("validation failed at %s: %v", src, err))
			return types.SegmentCorrupted
		}
	}
	return types.SegmentOK
}

func (c *spanCheck) checkContiguous() types.State {
	dirty := false

	spans := make([]span, 0, len(c.mds))
	for _, md := range c.mds {
		src := md.Source
		if src.RelPath != c.relpath {
			c.report(fmt.Sprintf("record %s does not belong to segment %s", src, c.relpath))
			return types.SegmentCorrupted
		}
		if c.checkSource != nil {
			if st := c.checkSource(src); !st.IsOK() {
				return st
			}
		}
		if !dirty && len(spans) > 0 && src.Offset < spans[len(spans)-1].offset {
			c.report(fmt.Sprintf("item at offset %d is wrongly ordered before item at offset %d", src.Offset, spans[len(spans)-1].offset))
			dirty = true
		}
		spans = append(spans, span{src.Offset, src.Size})
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].offset != spans[j].offset {
			return spans[i].offset < spans[j].offset
		}
		return spans[i].size < spans[j].size
	})

	var endOfKnown uint64
	for _, s := range spans {
		start := c.actualStart(s)
		if start < endOfKnown {
			c.report(fmt.Sprintf("item at offset %d overlaps with the previous items that ends at offset %d", start, endOfKnown))
			return types.SegmentCorrupted
		}
		if !dirty && start > endOfKnown {
			c.report(fmt.Sprintf("item at offset %d begins past the end of the previous item (offset %d)", start, endOfKnown))
			dirty = true
		}
		endOfKnown = c.actualEnd(s)
	}

	if free := c.computeUnindexed(spans); free > 0 {
		c.report(fmt.Sprintf("deleted/duplicated/replaced data found: %db would be freed by a repack", free))
	}

	if c.end < endOfKnown {
		c.report(fmt.Sprintf("file looks truncated: data ends at offset %d but it is supposed to extend until %d bytes", c.end, endOfKnown))
		return types.SegmentCorrupted
	}
	if !dirty && c.end > endOfKnown {
		c.report("segment contains deleted data at the end")
		dirty = true
	}

	if dirty {
		return types.SegmentDirty
	}
	return types.SegmentOK
}

func (c *spanCheck) computeUnindexed(spans []span) uint64 {
	if c.unindexed != nil {
		return c.unindexed(spans)
	}
	var used uint64
	for _, s := range spans {
		used += s.size + c.padding
	}
	if used >= c.end {
		return 0
	}
	return c.end - used
}
