// Package timeline computes on-call assignment timelines: a repeating
// round-robin rotation over a set of participants, overlaid with manual
// overrides that reassign specific windows. All functions are pure and
// deterministic; validation of inputs happens at construction, never
// mid-algorithm.
package timeline

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrNoParticipants = errors.New("rotation has no participants")
	ErrBadPeriod      = errors.New("rotation period must be positive")
	ErrBadInterval    = errors.New("entry end must be after start")
	ErrNoParticipant  = errors.New("entry participant is required")
)

// Rotation describes a repeating round-robin schedule: period i, counted
// from Anchor, spans [Anchor+i*Period, Anchor+(i+1)*Period) and is held by
// Participants[i mod n]. Duplicate participants are allowed and meaningful.
type Rotation struct {
	Participants []string
	Anchor       time.Time
	Period       time.Duration
}

func (r Rotation) Validate() error {
	if len(r.Participants) == 0 {
		return ErrNoParticipants
	}
	if r.Period <= 0 {
		return ErrBadPeriod
	}
	return nil
}

// Entry assigns one participant to one half-open interval. The same value
// type serves as base rotation entry, override entry, and rendered schedule
// entry.
type Entry struct {
	Who string
	Interval
}

// NewEntry builds a validated Entry. Malformed entries are rejected here so
// Generate and Apply never observe them.
func NewEntry(who string, start, end time.Time) (Entry, error) {
	if who == "" {
		return Entry{}, ErrNoParticipant
	}
	if !end.After(start) {
		return Entry{}, ErrBadInterval
	}
	return Entry{Who: who, Interval: Interval{Start: start, End: end}}, nil
}

// Generate produces the base rotation entries covering [from, until),
// clipped to the window, contiguous and ordered by start. An empty window
// yields nil, not an error.
//
// The first candidate period index is computed directly from the anchor
// distance rather than scanned from zero, so a window far from the anchor
// costs O(entries), not O(periods since anchor). Candidate indexes never go
// below zero: periods before the anchor do not exist.
func Generate(rot Rotation, from, until time.Time) ([]Entry, error) {
	if err := rot.Validate(); err != nil {
		return nil, err
	}
	if !until.After(from) {
		return nil, nil
	}
	var i int64
	if d := from.Sub(rot.Anchor); d > 0 {
		i = int64(d / rot.Period)
	}
	n := int64(len(rot.Participants))
	var entries []Entry
	for {
		start := rot.Anchor.Add(time.Duration(i) * rot.Period)
		if !start.Before(until) {
			break
		}
		end := start.Add(rot.Period)
		if end.After(from) {
			seg := Interval{Start: start, End: end}.Clip(Interval{Start: from, End: until})
			entries = append(entries, Entry{Who: rot.Participants[i%n], Interval: seg})
		}
		i++
	}
	return entries, nil
}

// Apply overlays overrides on base entries and returns the final timeline,
// sorted ascending by start and non-overlapping. Time covered by the base
// entries is reassigned, never created or destroyed: residual segments keep
// the base participant, override segments take the override's, and segments
// that would be empty are dropped.
//
// Each base entry is resolved independently; an override spanning several
// base entries is clipped against each one in turn. Overrides that mutually
// overlap within one entry are applied in ascending start order and the
// earlier-starting override keeps the contested span; the later one resumes
// at the cursor.
func Apply(base, overrides []Entry) []Entry {
	if len(overrides) == 0 {
		return base
	}
	var out []Entry
	for _, entry := range base {
		hits := overlapping(overrides, entry.Interval)
		if len(hits) == 0 {
			out = append(out, entry)
			continue
		}
		sort.SliceStable(hits, func(i, j int) bool {
			return hits[i].Start.Before(hits[j].Start)
		})
		cursor := entry.Start
		for _, o := range hits {
			seg := o.Clip(Interval{Start: cursor, End: entry.End})
			if seg.Empty() {
				continue
			}
			if seg.Start.After(cursor) {
				out = append(out, Entry{Who: entry.Who, Interval: Interval{Start: cursor, End: seg.Start}})
			}
			out = append(out, Entry{Who: o.Who, Interval: seg})
			cursor = seg.End
		}
		if cursor.Before(entry.End) {
			out = append(out, Entry{Who: entry.Who, Interval: Interval{Start: cursor, End: entry.End}})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// Render is the full pipeline: generate the base rotation for the window,
// then apply overrides.
func Render(rot Rotation, overrides []Entry, from, until time.Time) ([]Entry, error) {
	base, err := Generate(rot, from, until)
	if err != nil {
		return nil, err
	}
	return Apply(base, overrides), nil
}

func overlapping(overrides []Entry, iv Interval) []Entry {
	var hits []Entry
	for _, o := range overrides {
		if o.Overlaps(iv) {
			hits = append(hits, o)
		}
	}
	return hits
}
