package supabase

import (
	"time"

	"agentbase/internal/domain"
)

type entityRow struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Kind          string         `json:"kind"`
	Fields        map[string]any `json:"fields"`
	CreatedBy     string         `json:"created_by"`
	CreatedByType string         `json:"created_by_type"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     *time.Time     `json:"deleted_at"`
}

func toEntityRow(e domain.Entity) entityRow {
	return entityRow{
		ID:            e.ID,
		TenantID:      e.TenantID,
		Kind:          string(e.Kind),
		Fields:        e.Fields,
		CreatedBy:     e.CreatedBy,
		CreatedByType: string(e.CreatedByKind),
		CreatedAt:     e.CreatedAt.UTC(),
		UpdatedAt:     e.UpdatedAt.UTC(),
		DeletedAt:     e.DeletedAt,
	}
}

func (r entityRow) entity() domain.Entity {
	fields := r.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return domain.Entity{
		ID:            r.ID,
		Kind:          domain.EntityKind(r.Kind),
		TenantID:      r.TenantID,
		Fields:        fields,
		CreatedBy:     r.CreatedBy,
		CreatedByKind: domain.ActorKind(r.CreatedByType),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		DeletedAt:     r.DeletedAt,
	}
}

type activityRow struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	EntityLabel *string        `json:"entity_label"`
	EventType   string         `json:"event_type"`
	ActorID     string         `json:"actor_id"`
	ActorType   string         `json:"actor_type"`
	Payload     map[string]any `json:"payload"`
	Body        *string        `json:"body"`
	CreatedAt   time.Time      `json:"created_at"`
}

func toActivityRow(e domain.ActivityEntry) activityRow {
	return activityRow{
		ID:          e.ID,
		TenantID:    e.TenantID,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		EntityLabel: optional(e.EntityLabel),
		EventType:   string(e.EventType),
		ActorID:     e.ActorID,
		ActorType:   string(e.ActorKind),
		Payload:     e.Payload,
		Body:        optional(e.Body),
		CreatedAt:   e.CreatedAt.UTC(),
	}
}

func (r activityRow) entry() domain.ActivityEntry {
	e := domain.ActivityEntry{
		ID:         r.ID,
		TenantID:   r.TenantID,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		EventType:  domain.EventType(r.EventType),
		ActorID:    r.ActorID,
		ActorKind:  domain.ActorKind(r.ActorType),
		Payload:    r.Payload,
		CreatedAt:  r.CreatedAt,
	}
	if r.EntityLabel != nil {
		e.EntityLabel = *r.EntityLabel
	}
	if r.Body != nil {
		e.Body = *r.Body
	}
	return e
}

type agentRow struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	OwnerID   string     `json:"owner_id"`
	Name      string     `json:"name"`
	RevokedAt *time.Time `json:"revoked_at"`
}

type memberRow struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

type idempotencyRow struct {
	TenantID  string    `json:"tenant_id"`
	ActorID   string    `json:"actor_id"`
	Key       string    `json:"key"`
	EntityID  string    `json:"entity_id"`
	CreatedAt time.Time `json:"created_at"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
