package command

import "agentbase/internal/domain"

type fieldType int

const (
	textField fieldType = iota
	numberField
	dateField
	tagsField
	enumField
	assigneeField
)

type fieldSpec struct {
	typ    fieldType
	values []string
}

// kindSchema lists the writable fields of a kind. label names the field
// used as a human readable label in activity entries.
type kindSchema struct {
	label    string
	required []string
	fields   map[string]fieldSpec
}

var (
	TaskStatuses   = []string{"todo", "in_progress", "blocked", "done", "cancelled"}
	TaskPriorities = []string{"none", "low", "medium", "high", "urgent"}
	LibraryFormats = []string{"book", "article", "video", "podcast", "paper", "other"}
	LibraryStates  = []string{"to_read", "reading", "finished", "abandoned"}
	DealStages     = []string{"lead", "qualified", "proposal", "negotiation", "won", "lost"}
)

const (
	fieldAssigneeID   = "assignee_id"
	fieldAssigneeType = "assignee_type"
	fieldTags         = "tags"
	fieldDeletedAt    = "deleted_at"
)

var text = fieldSpec{typ: textField}

var schemas = map[domain.EntityKind]kindSchema{
	domain.KindTasks: {
		label:    "title",
		required: []string{"title"},
		fields: map[string]fieldSpec{
			"title":           text,
			"description":     text,
			"status":          {typ: enumField, values: TaskStatuses},
			"priority":        {typ: enumField, values: TaskPriorities},
			"due_date":        {typ: dateField},
			fieldTags:         {typ: tagsField},
			fieldAssigneeID:   {typ: assigneeField},
			fieldAssigneeType: {typ: assigneeField},
			"sort_order":      {typ: numberField},
		},
	},
	domain.KindLibraryItems: {
		label:    "title",
		required: []string{"title"},
		fields: map[string]fieldSpec{
			"title":   text,
			"author":  text,
			"url":     text,
			"format":  {typ: enumField, values: LibraryFormats},
			"status":  {typ: enumField, values: LibraryStates},
			"rating":  {typ: numberField},
			"notes":   text,
			fieldTags: {typ: tagsField},
		},
	},
	domain.KindCompanies: {
		label:    "name",
		required: []string{"name"},
		fields: map[string]fieldSpec{
			"name":     text,
			"domain":   text,
			"industry": text,
			"website":  text,
			"notes":    text,
			fieldTags:  {typ: tagsField},
		},
	},
	domain.KindPeople: {
		label:    "name",
		required: []string{"name"},
		fields: map[string]fieldSpec{
			"name":       text,
			"email":      text,
			"phone":      text,
			"role":       text,
			"company_id": text,
			"notes":      text,
			fieldTags:    {typ: tagsField},
		},
	},
	domain.KindDeals: {
		label:    "title",
		required: []string{"title"},
		fields: map[string]fieldSpec{
			"title":               text,
			"value":               {typ: numberField},
			"currency":            text,
			"stage":               {typ: enumField, values: DealStages},
			"company_id":          text,
			"person_id":           text,
			"expected_close_date": {typ: dateField},
			"position":            {typ: numberField},
			"notes":               text,
			fieldTags:             {typ: tagsField},
		},
	},
	// Delete, comment and link only.
	domain.KindMeetings:     {label: "title"},
	domain.KindGroceryItems: {label: "name"},
	domain.KindDiaryEntries: {label: "title"},
	domain.KindEssays:       {label: "title"},
}

// LabelField returns the field holding the display label of kind.
func LabelField(kind domain.EntityKind) string {
	if s, ok := schemas[kind]; ok && s.label != "" {
		return s.label
	}
	return "title"
}
