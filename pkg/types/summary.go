package types

import "time"

// Summary holds aggregate statistics for a set of records.
type Summary struct {
	Count uint64    `yaml:"count"`
	Size  uint64    `yaml:"size"`
	Begin time.Time `yaml:"begin,omitempty"`
	End   time.Time `yaml:"end,omitempty"`
}

func (s *Summary) Add(r *Record) {
	s.Count++
	s.Size += r.Source.Size
	s.addTime(r.RefTime)
}

func (s *Summary) Merge(o Summary) {
	s.Count += o.Count
	s.Size += o.Size
	if o.Count > 0 {
		s.addTime(o.Begin)
		s.addTime(o.End)
	}
}

func (s *Summary) addTime(t time.Time) {
	if t.IsZero() {
		return
	}
	if s.Begin.IsZero() || t.Before(s.Begin) {
		s.Begin = t
	}
	if s.End.IsZero() || t.After(s.End) {
		s.End = t
	}
}

func (s Summary) Span() (Interval, bool) {
	if s.Begin.IsZero() {
		return Interval{}, false
	}
	return Interval{Begin: s.Begin, End: s.End}, true
}
