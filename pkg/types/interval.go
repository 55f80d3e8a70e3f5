package types

import (
	"fmt"
	"time"
)

// Interval is a closed time interval.
type Interval struct {
	Begin time.Time
	End   time.Time
}

// Contains reports whether o lies entirely within i.
func (i Interval) Contains(o Interval) bool {
	return !o.Begin.Before(i.Begin) && !o.End.After(i.End)
}

func (i Interval) ContainsTime(t time.Time) bool {
	return !t.Before(i.Begin) && !t.After(i.End)
}

func (i Interval) Overlaps(o Interval) bool {
	return !o.End.Before(i.Begin) && !o.Begin.After(i.End)
}

func (i *Interval) Extend(t time.Time) {
	if t.Before(i.Begin) {
		i.Begin = t
	}
	if t.After(i.End) {
		i.End = t
	}
}

func (i Interval) String() string {
	return fmt.Sprintf("%s to %s", i.Begin.UTC().Format(time.RFC3339), i.End.UTC().Format(time.RFC3339))
}
