package event

import "time"

// TimeRange is the half-open interval [From, To). A zero bound is open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Overlaps reports whether [start, end) intersects the range.
func (r TimeRange) Overlaps(start, end time.Time) bool {
	if !r.From.IsZero() && !end.After(r.From) {
		return false
	}
	if !r.To.IsZero() && !start.Before(r.To) {
		return false
	}
	return true
}

// Filter bounds a store query. Empty fields match everything.
type Filter struct {
	SubjectID string
	Types     []Type
	State     string
	District  string
}

func (f Filter) Matches(e Event) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.State != "" && e.Location.State != f.State {
		return false
	}
	if f.District != "" && e.Location.District != f.District {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}
