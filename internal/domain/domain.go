package domain

import (
	"fmt"
	"time"
)

// ActorKind tags an Actor as human or agent. Policy code must switch on it
// exhaustively and treat any other value as a denial.
type ActorKind string

const (
	ActorHuman ActorKind = "human"
	ActorAgent ActorKind = "agent"
)

// ParseActorKind accepts the stored spellings of an actor kind.
func ParseActorKind(s string) (ActorKind, error) {
	switch ActorKind(s) {
	case ActorHuman:
		return ActorHuman, nil
	case ActorAgent:
		return ActorAgent, nil
	default:
		return "", fmt.Errorf("unknown actor kind %q", s)
	}
}

// Actor is the authenticated identity behind a request. For humans OwnerID
// equals ID; for agents it is the human who provisioned the key.
type Actor struct {
	ID       string    `json:"id"`
	Kind     ActorKind `json:"kind" enum:"human,agent"`
	TenantID string    `json:"tenant_id"`
	OwnerID  string    `json:"owner_id"`
}

func NewHuman(id, tenantID string) Actor {
	return Actor{ID: id, Kind: ActorHuman, TenantID: tenantID, OwnerID: id}
}

func NewAgent(id, tenantID, ownerID string) Actor {
	return Actor{ID: id, Kind: ActorAgent, TenantID: tenantID, OwnerID: ownerID}
}

// RateLimitKey namespaces the limiter key by actor kind so a human and an
// agent sharing an id never share a window.
func (a Actor) RateLimitKey() (string, error) {
	switch a.Kind {
	case ActorHuman:
		return "human:" + a.ID, nil
	case ActorAgent:
		return "agent:" + a.ID, nil
	default:
		return "", fmt.Errorf("unknown actor kind %q", a.Kind)
	}
}

// EntityKind is the closed set of tables a command may target.
type EntityKind string

const (
	KindTasks        EntityKind = "tasks"
	KindLibraryItems EntityKind = "library_items"
	KindCompanies    EntityKind = "companies"
	KindPeople       EntityKind = "people"
	KindDeals        EntityKind = "deals"
	KindMeetings     EntityKind = "meetings"
	KindGroceryItems EntityKind = "grocery_items"
	KindDiaryEntries EntityKind = "diary_entries"
	KindEssays       EntityKind = "essays"
)

var allKinds = []EntityKind{
	KindTasks, KindLibraryItems, KindCompanies, KindPeople, KindDeals,
	KindMeetings, KindGroceryItems, KindDiaryEntries, KindEssays,
}

// AllKinds returns every supported entity kind.
func AllKinds() []EntityKind {
	out := make([]EntityKind, len(allKinds))
	copy(out, allKinds)
	return out
}

// ParseEntityKind reports whether s names a supported table exactly.
func ParseEntityKind(s string) (EntityKind, bool) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Mutable reports whether create/update/batch-update commands may target
// the kind. The remaining kinds are reachable only through delete, comment
// and link flows.
func (k EntityKind) Mutable() bool {
	switch k {
	case KindTasks, KindLibraryItems, KindCompanies, KindPeople, KindDeals:
		return true
	default:
		return false
	}
}

// EventType is the verb recorded on an activity entry.
type EventType string

const (
	EventCreated         EventType = "created"
	EventDeleted         EventType = "deleted"
	EventUpdated         EventType = "updated"
	EventStatusChanged   EventType = "status_changed"
	EventPriorityChanged EventType = "priority_changed"
	EventAssigneeChanged EventType = "assignee_changed"
	EventTitleChanged    EventType = "title_changed"
	EventDueDateSet      EventType = "due_date_set"
	EventDueDateCleared  EventType = "due_date_cleared"
	EventTagsChanged     EventType = "tags_changed"
	EventFieldUpdated    EventType = "field_updated"
	EventCommented       EventType = "commented"
	EventLinked          EventType = "linked"
	EventUnlinked        EventType = "unlinked"
)

// Entity is a stored row of any kind. Kind-specific columns live in Fields.
type Entity struct {
	ID            string         `json:"id"`
	Kind          EntityKind     `json:"table"`
	TenantID      string         `json:"tenant_id"`
	Fields        map[string]any `json:"fields"`
	CreatedBy     string         `json:"created_by"`
	CreatedByKind ActorKind      `json:"created_by_type"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at,omitempty"`
}

// ActivityEntry is one append-only audit-log row.
type ActivityEntry struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	EntityLabel string         `json:"entity_label,omitempty"`
	EventType   EventType      `json:"event_type"`
	ActorID     string         `json:"actor_id"`
	ActorKind   ActorKind      `json:"actor_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Body        string         `json:"body,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AssigneeCandidate is one roster member eligible for task assignment.
type AssigneeCandidate struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Kind ActorKind `json:"type"`
}

// Member is a human profile within a tenant.
type Member struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a provisioned API-key actor. KeyHash never leaves the store.
type Agent struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	OwnerID   string     `json:"owner_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Link connects two entities. Lookups treat it as bidirectional.
type Link struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}
