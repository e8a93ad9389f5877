// Package history decodes a workflow's stored events into the replay
// oracle: the latest version of every event grouped by the root location
// it lives under and ordered by coordinate.
package history

import (
	"sort"

	"github.com/goliatone/go-durable/ess"
)

// Log is the in-memory history of one workflow.
type Log struct {
	byRoot map[string][]Event
	byLoc  map[string]int
	roots  map[string]Location
}

// Build decodes rows into a Log, keeping the highest version written at
// each location.
func Build(rows []ess.EventRow) (*Log, error) {
	latest := make(map[string]Event, len(rows))
	for _, row := range rows {
		ev, err := FromRow(row)
		if err != nil {
			return nil, err
		}
		key := string(row.Coord)
		if cur, ok := latest[key]; ok && cur.Version >= ev.Version {
			continue
		}
		latest[key] = ev
	}

	l := &Log{
		byRoot: make(map[string][]Event),
		byLoc:  make(map[string]int, len(latest)),
		roots:  make(map[string]Location),
	}
	for _, ev := range latest {
		root := ev.Location.Parent()
		rk := string(root.Pack())
		l.byRoot[rk] = append(l.byRoot[rk], ev)
		l.roots[rk] = root
	}
	for rk, events := range l.byRoot {
		sort.Slice(events, func(i, j int) bool {
			return events[i].Location.Coordinate() < events[j].Location.Coordinate()
		})
		for i, ev := range events {
			l.byLoc[string(ev.Location.Pack())] = i
		}
		l.byRoot[rk] = events
	}
	return l, nil
}

// Empty returns a Log with no events.
func Empty() *Log {
	l, _ := Build(nil)
	return l
}

// At returns the latest event at loc.
func (l *Log) At(loc Location) (Event, bool) {
	if l == nil || len(loc) == 0 {
		return Event{}, false
	}
	events := l.byRoot[string(loc.Parent().Pack())]
	i, ok := l.byLoc[string(loc.Pack())]
	if !ok || i >= len(events) {
		return Event{}, false
	}
	return events[i], true
}

// Children returns the events directly under root, ordered by coordinate.
func (l *Log) Children(root Location) []Event {
	if l == nil {
		return nil
	}
	events := l.byRoot[string(root.Pack())]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Roots returns every location that has events directly under it.
func (l *Log) Roots() []Location {
	if l == nil {
		return nil
	}
	out := make([]Location, 0, len(l.roots))
	for _, r := range l.roots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return lessLocation(out[i], out[j]) })
	return out
}

// Events returns the latest version of every event in location order.
func (l *Log) Events() []Event {
	if l == nil {
		return nil
	}
	var out []Event
	for _, events := range l.byRoot {
		out = append(out, events...)
	}
	sort.Slice(out, func(i, j int) bool { return lessLocation(out[i].Location, out[j].Location) })
	return out
}

// Len returns the number of distinct locations with events.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	return len(l.byLoc)
}

func lessLocation(a, b Location) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
