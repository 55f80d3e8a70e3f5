package segment

import (
	"sync"

	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

// Category groups the messages of a maintenance run.
type Category int

const (
	CategoryInfo Category = iota
	CategoryRepack
	CategoryRemove
	CategoryDeindex
	CategoryRescan
	CategoryManualIntervention
)

func (c Category) String() string {
	switch c {
	case CategoryInfo:
		return "info"
	case CategoryRepack:
		return "repack"
	case CategoryRemove:
		return "remove"
	case CategoryDeindex:
		return "deindex"
	case CategoryRescan:
		return "rescan"
	case CategoryManualIntervention:
		return "manual intervention"
	}
	return "unknown"
}

// Reporter receives one message per finding or action on a segment.
type Reporter interface {
	Report(cat Category, seg *types.Segment, msg string)
}

// info is a shorthand used by the checkers.
func info(rep Reporter, seg *types.Segment, msg string) {
	if rep != nil {
		rep.Report(CategoryInfo, seg, msg)
	}
}

// LogReporter writes messages to the process log.
type LogReporter struct{}

func (LogReporter) Report(cat Category, seg *types.Segment, msg string) {
	switch cat {
	case CategoryInfo:
		util.Info("%s: %s", seg.RelPath, msg)
	case CategoryManualIntervention:
		util.Warn("%s: %s: %s", seg.RelPath, cat, msg)
	default:
		util.Info("%s: %s: %s", seg.RelPath, cat, msg)
	}
}

type ReportEntry struct {
	Category Category
	RelPath  string
	Message  string
}

// MemoryReporter keeps every message, for tests and for callers that
// print a report at the end of a run.
type MemoryReporter struct {
	mu      sync.Mutex
	entries []ReportEntry
}

func (r *MemoryReporter) Report(cat Category, seg *types.Segment, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, ReportEntry{Category: cat, RelPath: seg.RelPath, Message: msg})
}

func (r *MemoryReporter) Entries() []ReportEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReportEntry(nil), r.entries...)
}

// Messages returns the messages of one category.
func (r *MemoryReporter) Messages(cat Category) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []string
	for _, e := range r.entries {
		if e.Category == cat {
			res = append(res, e.Message)
		}
	}
	return res
}

// MultiReporter sends every message to all its reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(cat Category, seg *types.Segment, msg string) {
	for _, r := range m {
		r.Report(cat, seg, msg)
	}
}
