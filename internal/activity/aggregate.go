// Package activity turns an ordered audit log into a timeline of display
// items. Aggregation runs in two passes with different window anchors:
// groupConsecutive slides its window with each entry, detectSessionBursts
// anchors it at the start of a run. The two rules are kept apart on
// purpose and must not share a windowing helper.
//
// Everything here is a pure function of the input entries.
package activity

import (
	"time"

	"agentbase/internal/domain"
)

// Entry is one audit-log row as read from storage.
type Entry = domain.ActivityEntry

const (
	DefaultConsecutiveWindow = 5 * time.Minute
	DefaultBurstWindow       = 20 * time.Minute
	DefaultBurstMinEntries   = 6
)

// Group is a run of entries sharing actor, event type and normalized entity
// type, each within the consecutive window of the one before it.
type Group struct {
	ID         string           `json:"id"`
	ActorID    string           `json:"actor_id"`
	ActorKind  domain.ActorKind `json:"actor_type"`
	EventType  domain.EventType `json:"event_type"`
	EntityType string           `json:"entity_type"`
	Headline   string           `json:"headline"`
	Expandable bool             `json:"expandable"`
	Entries    []Entry          `json:"entries"`
}

func (g Group) first() Entry { return g.Entries[0] }
func (g Group) last() Entry  { return g.Entries[len(g.Entries)-1] }

// Start returns the timestamp of the first entry.
func (g Group) Start() time.Time { return g.first().CreatedAt }

// End returns the timestamp of the last entry.
func (g Group) End() time.Time { return g.last().CreatedAt }

// Burst collapses a rapid run of one actor's groups.
type Burst struct {
	ID           string           `json:"id"`
	ActorID      string           `json:"actor_id"`
	ActorKind    domain.ActorKind `json:"actor_type"`
	TotalEntries int              `json:"total_entries"`
	Summary      Summary          `json:"summary"`
	Groups       []Group          `json:"groups"`
}

type ItemKind string

const (
	ItemGroup ItemKind = "group"
	ItemBurst ItemKind = "burst"
)

// DisplayItem is either a flat group or a burst.
type DisplayItem struct {
	Kind  ItemKind `json:"kind" enum:"group,burst"`
	Group *Group   `json:"group,omitempty"`
	Burst *Burst   `json:"burst,omitempty"`
}

// At returns the timestamp the item sorts by.
func (d DisplayItem) At() time.Time {
	switch d.Kind {
	case ItemBurst:
		return d.Burst.Groups[0].Start()
	default:
		return d.Group.Start()
	}
}

// Aggregator holds the tunable windows. The zero value uses the defaults.
type Aggregator struct {
	ConsecutiveWindow time.Duration
	BurstWindow       time.Duration
	BurstMinEntries   int
}

func (a Aggregator) consecutiveWindow() time.Duration {
	if a.ConsecutiveWindow > 0 {
		return a.ConsecutiveWindow
	}
	return DefaultConsecutiveWindow
}

func (a Aggregator) burstWindow() time.Duration {
	if a.BurstWindow > 0 {
		return a.BurstWindow
	}
	return DefaultBurstWindow
}

func (a Aggregator) burstMinEntries() int {
	if a.BurstMinEntries > 0 {
		return a.BurstMinEntries
	}
	return DefaultBurstMinEntries
}

// Aggregate expects entries ascending by CreatedAt and already filtered
// with VisibleEntries.
func (a Aggregator) Aggregate(entries []Entry) []DisplayItem {
	groups := groupConsecutive(entries, a.consecutiveWindow())
	return detectSessionBursts(groups, a.burstWindow(), a.burstMinEntries())
}

// groupConsecutive is pass 1. An entry joins the open group when actor,
// event type and normalized entity type match and it falls within window
// of the group's last entry.
func groupConsecutive(entries []Entry, window time.Duration) []Group {
	var groups []Group
	for _, e := range entries {
		entityType := NormalizeEntityType(e.EntityType)
		if n := len(groups); n > 0 {
			g := &groups[n-1]
			if g.ActorID == e.ActorID &&
				g.EventType == e.EventType &&
				g.EntityType == entityType &&
				e.CreatedAt.Sub(g.last().CreatedAt) <= window {
				g.Entries = append(g.Entries, e)
				continue
			}
		}
		groups = append(groups, Group{
			ID:         "g_" + e.ID,
			ActorID:    e.ActorID,
			ActorKind:  e.ActorKind,
			EventType:  e.EventType,
			EntityType: entityType,
			Entries:    []Entry{e},
		})
	}
	for i := range groups {
		groups[i].Expandable = len(groups[i].Entries) > 1
		groups[i].Headline = headline(groups[i])
	}
	return groups
}

// detectSessionBursts is pass 2. A group joins the run when the actor
// matches and its last entry is within window of the run's first entry.
// A run with at least minEntries entries becomes a burst; shorter runs are
// emitted as flat groups.
func detectSessionBursts(groups []Group, window time.Duration, minEntries int) []DisplayItem {
	items := make([]DisplayItem, 0, len(groups))
	var run []Group
	flush := func() {
		if len(run) == 0 {
			return
		}
		total := 0
		for _, g := range run {
			total += len(g.Entries)
		}
		if total >= minEntries {
			b := &Burst{
				ID:           "b_" + run[0].first().ID,
				ActorID:      run[0].ActorID,
				ActorKind:    run[0].ActorKind,
				TotalEntries: total,
				Groups:       run,
			}
			b.Summary = summarize(b)
			items = append(items, DisplayItem{Kind: ItemBurst, Burst: b})
		} else {
			for i := range run {
				items = append(items, DisplayItem{Kind: ItemGroup, Group: &run[i]})
			}
		}
		run = nil
	}
	for _, g := range groups {
		if len(run) > 0 &&
			g.ActorID == run[0].ActorID &&
			g.End().Sub(run[0].Start()) <= window {
			run = append(run, g)
			continue
		}
		flush()
		run = []Group{g}
	}
	flush()
	return items
}
