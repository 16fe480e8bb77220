package activity

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"agentbase/internal/domain"
)

// Summary is the collapsed description of a burst.
type Summary struct {
	Text  string        `json:"text"`
	Lines []SummaryLine `json:"lines"`
}

// SummaryLine counts one (verb, entity type) pair inside a burst.
type SummaryLine struct {
	Verb       string `json:"verb"`
	EntityType string `json:"entity_type"`
	Count      int    `json:"count"`
	Text       string `json:"text"`
}

var verbs = map[domain.EventType]string{
	domain.EventCreated:         "created",
	domain.EventDeleted:         "deleted",
	domain.EventUpdated:         "updated",
	domain.EventStatusChanged:   "changed status of",
	domain.EventPriorityChanged: "changed priority of",
	domain.EventAssigneeChanged: "reassigned",
	domain.EventTitleChanged:    "renamed",
	domain.EventDueDateSet:      "set due date on",
	domain.EventDueDateCleared:  "cleared due date on",
	domain.EventTagsChanged:     "changed tags on",
	domain.EventFieldUpdated:    "edited",
	domain.EventCommented:       "commented on",
	domain.EventLinked:          "linked",
	domain.EventUnlinked:        "unlinked",
}

var singular = map[string]string{
	"tasks":         "task",
	"library_items": "library item",
	"companies":     "company",
	"people":        "person",
	"deals":         "deal",
	"meetings":      "meeting",
	"grocery_items": "grocery item",
	"diary_entries": "diary entry",
	"essays":        "essay",
}

var (
	lowerCaser = cases.Lower(language.English)
	titleCaser = cases.Title(language.English)
)

// Verb returns the past-tense phrase for an event type. Unknown types get
// a humanized form of the raw value.
func Verb(t domain.EventType) string {
	if v, ok := verbs[t]; ok {
		return v
	}
	return lowerCaser.String(humanize(string(t)))
}

// EventLabel is the title-cased label for an event type.
func EventLabel(t domain.EventType) string {
	return titleCaser.String(humanize(string(t)))
}

// Noun names count entities of a canonical type.
func Noun(entityType string, count int) string {
	if count == 1 {
		if s, ok := singular[entityType]; ok {
			return s
		}
	}
	return humanize(entityType)
}

func humanize(s string) string {
	s = strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(s))
	if s == "" {
		return "activity"
	}
	return s
}

func headline(g Group) string {
	verb := Verb(g.EventType)
	entities := distinctEntities(g.Entries)
	if len(entities) == 1 {
		label := g.first().EntityLabel
		if label == "" {
			label = Noun(g.EntityType, 1)
		}
		if len(g.Entries) > 1 {
			return fmt.Sprintf("%s %s (%d times)", verb, label, len(g.Entries))
		}
		return fmt.Sprintf("%s %s", verb, label)
	}
	return fmt.Sprintf("%s %d %s", verb, len(entities), Noun(g.EntityType, len(entities)))
}

func distinctEntities(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	var out []string
	for _, e := range entries {
		if _, ok := seen[e.EntityID]; ok {
			continue
		}
		seen[e.EntityID] = struct{}{}
		out = append(out, e.EntityID)
	}
	return out
}

// summarize counts (verb, entity type) pairs across every entry of the
// burst, most frequent first. Ties keep first-seen order.
func summarize(b *Burst) Summary {
	type key struct {
		verb       string
		entityType string
	}
	index := make(map[key]int)
	var lines []SummaryLine
	for _, g := range b.Groups {
		k := key{verb: Verb(g.EventType), entityType: g.EntityType}
		i, ok := index[k]
		if !ok {
			i = len(lines)
			index[k] = i
			lines = append(lines, SummaryLine{Verb: k.verb, EntityType: k.entityType})
		}
		lines[i].Count += len(g.Entries)
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Count > lines[j].Count })
	for i := range lines {
		lines[i].Text = fmt.Sprintf("%s %d %s", lines[i].Verb, lines[i].Count, Noun(lines[i].EntityType, lines[i].Count))
	}
	return Summary{
		Text:  fmt.Sprintf("made %d changes", b.TotalEntries),
		Lines: lines,
	}
}
