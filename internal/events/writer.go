package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentbase/internal/domain"
	"agentbase/internal/repo"
)

// Writer appends activity rows inside the caller's transaction so the
// entity change and its audit entries commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append stores e, filling ID and CreatedAt when unset, and returns the
// stored entry.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.ActivityEntry) (domain.ActivityEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	var payload any
	if len(e.Payload) > 0 {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return domain.ActivityEntry{}, fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO activity_log(id,tenant_id,entity_type,entity_id,entity_label,event_type,actor_id,actor_type,payload_json,body,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.EntityType, e.EntityID, nullable(e.EntityLabel), string(e.EventType),
		e.ActorID, string(e.ActorKind), payload, nullable(e.Body), repo.FormatTime(e.CreatedAt))
	if err != nil {
		return domain.ActivityEntry{}, repo.Classify(err)
	}
	return e, nil
}

// Attribute fills the actor fields of e from a.
func Attribute(e domain.ActivityEntry, a domain.Actor) domain.ActivityEntry {
	e.TenantID = a.TenantID
	e.ActorID = a.ID
	e.ActorKind = a.Kind
	return e
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
