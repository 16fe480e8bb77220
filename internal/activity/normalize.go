package activity

import "agentbase/internal/domain"

// entityTypeAliases maps every entity-type spelling found in historical
// log rows to its canonical table name. Labels missing from this table are
// treated as their own canonical type.
var entityTypeAliases = map[string]string{
	"tasks": "tasks",
	"task":  "tasks",
	"todo":  "tasks",
	"todos": "tasks",

	"library_items": "library_items",
	"library_item":  "library_items",
	"library-item":  "library_items",
	"library-items": "library_items",
	"library":       "library_items",

	"companies": "companies",
	"company":   "companies",
	"companys":  "companies",

	"people":  "people",
	"person":  "people",
	"persons": "people",
	"contact": "people",

	"deals": "deals",
	"deal":  "deals",

	"meetings": "meetings",
	"meeting":  "meetings",

	"grocery_items": "grocery_items",
	"grocery_item":  "grocery_items",
	"grocery-item":  "grocery_items",
	"groceries":     "grocery_items",

	"diary_entries": "diary_entries",
	"diary_entry":   "diary_entries",
	"diary-entry":   "diary_entries",
	"diary_entrys":  "diary_entries",
	"diary":         "diary_entries",

	"essays": "essays",
	"essay":  "essays",
}

// NormalizeEntityType returns the canonical entity type for label.
func NormalizeEntityType(label string) string {
	if canonical, ok := entityTypeAliases[label]; ok {
		return canonical
	}
	return label
}

// internalFields are updated by the system and never shown in a timeline.
var internalFields = map[string]struct{}{
	"sort_order": {},
	"updated_at": {},
	"position":   {},
}

// VisibleEntries drops updates that touch only internal fields. It keeps
// the input order.
func VisibleEntries(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if isInternalUpdate(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func isInternalUpdate(e Entry) bool {
	switch e.EventType {
	case domain.EventFieldUpdated, domain.EventUpdated:
	default:
		return false
	}
	fields := payloadFields(e.Payload)
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if _, ok := internalFields[f]; !ok {
			return false
		}
	}
	return true
}

// payloadFields reads the changed field names from either a single-field
// payload {"field": ...} or a batch payload {"fields": [...]}.
func payloadFields(p map[string]any) []string {
	if p == nil {
		return nil
	}
	if f, ok := p["field"].(string); ok {
		return []string{f}
	}
	switch fs := p["fields"].(type) {
	case []string:
		return fs
	case []any:
		out := make([]string, 0, len(fs))
		for _, v := range fs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
