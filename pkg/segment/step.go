package segment

import (
	"fmt"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
)

// Step is the time bucketing used to name segments inside a dataset.
type Step string

const (
	StepDaily    Step = "daily"
	StepWeekly   Step = "weekly"
	StepBiweekly Step = "biweekly"
	StepMonthly  Step = "monthly"
	StepYearly   Step = "yearly"
)

func ParseStep(name string) (Step, error) {
	switch s := Step(name); s {
	case StepDaily, StepWeekly, StepBiweekly, StepMonthly, StepYearly:
		return s, nil
	}
	return "", fmt.Errorf("unknown step %q", name)
}

// Relpath names the segment holding records with reference time t.
func (s Step) Relpath(t time.Time, format types.Format) string {
	t = t.UTC()
	var base string
	switch s {
	case StepYearly:
		base = fmt.Sprintf("%02d/%04d", t.Year()/100, t.Year())
	case StepMonthly:
		base = fmt.Sprintf("%04d/%02d", t.Year(), t.Month())
	case StepBiweekly:
		half := 1
		if t.Day() > 14 {
			half = 2
		}
		base = fmt.Sprintf("%04d/%02d-%d", t.Year(), t.Month(), half)
	case StepWeekly:
		base = fmt.Sprintf("%04d/%02d-%d", t.Year(), t.Month(), (t.Day()-1)/7+1)
	default:
		base = fmt.Sprintf("%04d/%02d-%02d", t.Year(), t.Month(), t.Day())
	}
	return base + "." + string(format)
}

// PathSpan returns the time interval a segment named relpath may hold.
// Unparseable names give false.
func (s Step) PathSpan(relpath string) (types.Interval, bool) {
	var ye, mo, da, n int
	switch s {
	case StepYearly:
		var century int
		if c, _ := fmt.Sscanf(relpath, "%02d/%04d", &century, &ye); c != 2 {
			return types.Interval{}, false
		}
		return yearSpan(ye), true
	case StepMonthly:
		n, _ = fmt.Sscanf(relpath, "%04d/%02d", &ye, &mo)
		switch n {
		case 1:
			return yearSpan(ye), true
		case 2:
			return monthSpan(ye, mo), true
		}
	case StepBiweekly, StepWeekly:
		n, _ = fmt.Sscanf(relpath, "%04d/%02d-%d", &ye, &mo, &da)
		switch n {
		case 1:
			return yearSpan(ye), true
		case 2:
			return monthSpan(ye, mo), true
		case 3:
			return s.partSpan(ye, mo, da)
		}
	default:
		n, _ = fmt.Sscanf(relpath, "%04d/%02d-%02d", &ye, &mo, &da)
		switch n {
		case 1:
			return yearSpan(ye), true
		case 2:
			return monthSpan(ye, mo), true
		case 3:
			begin := time.Date(ye, time.Month(mo), da, 0, 0, 0, 0, time.UTC)
			return types.Interval{Begin: begin, End: begin.AddDate(0, 0, 1).Add(-time.Second)}, true
		}
	}
	return types.Interval{}, false
}

func (s Step) partSpan(ye, mo, part int) (types.Interval, bool) {
	month := monthSpan(ye, mo)
	var first, last int
	if s == StepBiweekly {
		switch part {
		case 1:
			first, last = 1, 14
		case 2:
			first, last = 15, month.End.Day()
		default:
			return types.Interval{}, false
		}
	} else {
		if part < 1 || part > 5 {
			return types.Interval{}, false
		}
		first = (part-1)*7 + 1
		last = min(first+6, month.End.Day())
		if first > last {
			return types.Interval{}, false
		}
	}
	begin := time.Date(ye, time.Month(mo), first, 0, 0, 0, 0, time.UTC)
	end := time.Date(ye, time.Month(mo), last, 23, 59, 59, 0, time.UTC)
	return types.Interval{Begin: begin, End: end}, true
}

func yearSpan(ye int) types.Interval {
	begin := time.Date(ye, time.January, 1, 0, 0, 0, 0, time.UTC)
	return types.Interval{Begin: begin, End: begin.AddDate(1, 0, 0).Add(-time.Second)}
}

func monthSpan(ye, mo int) types.Interval {
	begin := time.Date(ye, time.Month(mo), 1, 0, 0, 0, 0, time.UTC)
	return types.Interval{Begin: begin, End: begin.AddDate(0, 1, 0).Add(-time.Second)}
}

// CheckAge flags a segment whose records all predate the archive or delete
// threshold. A zero age disables the corresponding check; deletion wins.
func CheckAge(iv types.Interval, now time.Time, archiveAge, deleteAge time.Duration) (types.State, string) {
	if deleteAge > 0 {
		if threshold := now.Add(-deleteAge); !threshold.Before(iv.End) {
			return types.SegmentDeleteAge, fmt.Sprintf("segment old enough to be deleted (ends %s, threshold %s)", iv.End.UTC().Format(time.DateTime), threshold.UTC().Format(time.DateTime))
		}
	}
	if archiveAge > 0 {
		if threshold := now.Add(-archiveAge); !threshold.Before(iv.End) {
			return types.SegmentArchiveAge, fmt.Sprintf("segment old enough to be archived (ends %s, threshold %s)", iv.End.UTC().Format(time.DateTime), threshold.UTC().Format(time.DateTime))
		}
	}
	return types.SegmentOK, ""
}
