package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentbase/internal/command"
	"agentbase/internal/domain"
	"agentbase/internal/events"
	"agentbase/internal/repo"
)

// Engine is the sqlite mutation collaborator. Every mutating method runs in
// one transaction that covers the entity write and its activity rows.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

var _ command.Store = Engine{}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) append(ctx context.Context, tx *sql.Tx, a domain.Actor, entry domain.ActivityEntry) error {
	entry = events.Attribute(entry, a)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now()
	}
	_, err := e.Events.Append(ctx, tx, entry)
	return err
}

// Create inserts a new entity. A repeated idempotency key from the same
// actor returns the entity created the first time.
func (e Engine) Create(ctx context.Context, m command.Mutation) (domain.Entity, error) {
	if m.IdempotencyKey != "" {
		if ent, err := e.replay(ctx, nil, m); err == nil || !errors.Is(err, repo.ErrNotFound) {
			return ent, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	now := e.now()
	ent := domain.Entity{
		ID:            uuid.NewString(),
		Kind:          m.Kind,
		TenantID:      m.Actor.TenantID,
		Fields:        dropNulls(m.Fields),
		CreatedBy:     m.Actor.ID,
		CreatedByKind: m.Actor.Kind,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertEntity(ctx, tx, ent); err != nil {
		return domain.Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	if m.IdempotencyKey != "" {
		err := e.Repo.InsertIdempotencyKey(ctx, tx, ent.TenantID, m.Actor.ID, m.IdempotencyKey, ent.ID, now)
		if errors.Is(err, domain.ErrConstraint) {
			// A concurrent delivery of the same key won the race.
			_ = tx.Rollback()
			return e.replay(ctx, nil, m)
		}
		if err != nil {
			return domain.Entity{}, fmt.Errorf("record idempotency key: %w", err)
		}
	}
	if err := e.append(ctx, tx, m.Actor, domain.ActivityEntry{
		EntityType:  string(ent.Kind),
		EntityID:    ent.ID,
		EntityLabel: EntityLabel(ent),
		EventType:   domain.EventCreated,
		Payload:     events.EventPayload{"fields": sortedKeys(ent.Fields)},
		CreatedAt:   now,
	}); err != nil {
		return domain.Entity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

func (e Engine) replay(ctx context.Context, tx *sql.Tx, m command.Mutation) (domain.Entity, error) {
	id, err := e.Repo.LookupIdempotencyKey(ctx, tx, m.Actor.TenantID, m.Actor.ID, m.IdempotencyKey)
	if err != nil {
		return domain.Entity{}, err
	}
	ent, err := e.Repo.GetEntity(ctx, tx, m.Actor.TenantID, m.Kind, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Entity{}, domain.Invalid("idempotency_key", "already used for a different entity")
	}
	return ent, err
}

// Update diffs fields against the stored row and appends one entry per
// changed field. An update that changes nothing writes nothing.
func (e Engine) Update(ctx context.Context, m command.Mutation) (domain.Entity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetEntity(ctx, tx, m.Actor.TenantID, m.Kind, m.ID)
	if err != nil {
		return domain.Entity{}, err
	}
	now := e.now()
	next, changes, err := ApplyFields(cur, m.Fields)
	if err != nil {
		return domain.Entity{}, err
	}
	if len(changes) == 0 {
		return cur, nil
	}
	next.UpdatedAt = now
	if err := e.Repo.UpdateEntity(ctx, tx, next); err != nil {
		return domain.Entity{}, fmt.Errorf("update entity: %w", err)
	}
	label := EntityLabel(next)
	for _, c := range changes {
		if err := e.append(ctx, tx, m.Actor, domain.ActivityEntry{
			EntityType:  string(next.Kind),
			EntityID:    next.ID,
			EntityLabel: label,
			EventType:   c.Event,
			Payload:     c.Payload,
			CreatedAt:   now,
		}); err != nil {
			return domain.Entity{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, err
	}
	return next, nil
}

// BatchUpdate applies one field map to every id found. Each changed row
// gets its own updated entry carrying the changed field names.
func (e Engine) BatchUpdate(ctx context.Context, b command.BatchMutation) (command.BatchResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return command.BatchResult{}, err
	}
	defer tx.Rollback()

	rows, err := e.Repo.GetEntities(ctx, tx, b.Actor.TenantID, b.Kind, b.IDs)
	if err != nil {
		return command.BatchResult{}, err
	}
	now := e.now()
	res := command.BatchResult{Updated: []domain.Entity{}}
	for _, id := range b.IDs {
		cur, ok := rows[id]
		if !ok {
			res.Missing = append(res.Missing, id)
			continue
		}
		next, changes, err := ApplyFields(cur, b.Fields)
		if err != nil {
			return command.BatchResult{}, err
		}
		if len(changes) == 0 {
			res.Updated = append(res.Updated, cur)
			continue
		}
		next.UpdatedAt = now
		if err := e.Repo.UpdateEntity(ctx, tx, next); err != nil {
			return command.BatchResult{}, fmt.Errorf("update %s: %w", id, err)
		}
		if err := e.append(ctx, tx, b.Actor, domain.ActivityEntry{
			EntityType:  string(next.Kind),
			EntityID:    next.ID,
			EntityLabel: EntityLabel(next),
			EventType:   domain.EventUpdated,
			Payload: events.EventPayload{
				"fields":     ChangedFields(changes),
				"batch":      true,
				"batch_size": len(b.IDs),
			},
			CreatedAt: now,
		}); err != nil {
			return command.BatchResult{}, err
		}
		res.Updated = append(res.Updated, next)
	}
	if err := tx.Commit(); err != nil {
		return command.BatchResult{}, err
	}
	return res, nil
}

// HardDelete removes the row and its links and records a deleted entry.
func (e Engine) HardDelete(ctx context.Context, d command.HardDeletion) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteEntity(ctx, tx, d.Actor.TenantID, d.Kind, d.ID); err != nil {
		return err
	}
	if err := e.Repo.DeleteLinksFor(ctx, tx, d.Actor.TenantID, string(d.Kind), d.ID); err != nil {
		return fmt.Errorf("delete links: %w", err)
	}
	if err := e.append(ctx, tx, d.Actor, domain.ActivityEntry{
		EntityType:  string(d.Kind),
		EntityID:    d.ID,
		EntityLabel: d.Label,
		EventType:   domain.EventDeleted,
		Payload:     events.EventPayload{"label": d.Label},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Label returns the display label of a row, tombstoned rows included.
func (e Engine) Label(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (string, error) {
	ent, err := e.Repo.GetEntity(ctx, nil, tenantID, kind, id)
	if err != nil {
		return "", err
	}
	return EntityLabel(ent), nil
}

func (e Engine) AppendActivity(ctx context.Context, entry domain.ActivityEntry) (domain.ActivityEntry, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	defer tx.Rollback()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now()
	}
	stored, err := e.Events.Append(ctx, tx, entry)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	return stored, tx.Commit()
}

// Link stores a link unless one already exists in either direction, in
// which case the existing link is returned and nothing is logged.
func (e Engine) Link(ctx context.Context, l command.LinkRef) (domain.Link, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Link{}, err
	}
	defer tx.Rollback()

	tenant := l.Actor.TenantID
	existing, err := e.Repo.FindLink(ctx, tx, tenant, string(l.SourceType), l.SourceID, string(l.TargetType), l.TargetID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Link{}, err
	}
	link := domain.Link{
		ID:         uuid.NewString(),
		TenantID:   tenant,
		SourceType: string(l.SourceType),
		SourceID:   l.SourceID,
		TargetType: string(l.TargetType),
		TargetID:   l.TargetID,
		CreatedBy:  l.Actor.ID,
		CreatedAt:  e.now(),
	}
	if err := e.Repo.InsertLink(ctx, tx, link); err != nil {
		return domain.Link{}, fmt.Errorf("insert link: %w", err)
	}
	if err := e.appendLinkEvent(ctx, tx, l, domain.EventLinked); err != nil {
		return domain.Link{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Link{}, err
	}
	return link, nil
}

// Unlink removes the link between two entities in whichever direction it
// was stored.
func (e Engine) Unlink(ctx context.Context, l command.LinkRef) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tenant := l.Actor.TenantID
	existing, err := e.Repo.FindLink(ctx, tx, tenant, string(l.SourceType), l.SourceID, string(l.TargetType), l.TargetID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteLink(ctx, tx, tenant, existing.ID); err != nil {
		return err
	}
	if err := e.appendLinkEvent(ctx, tx, l, domain.EventUnlinked); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) appendLinkEvent(ctx context.Context, tx *sql.Tx, l command.LinkRef, event domain.EventType) error {
	tenant := l.Actor.TenantID
	var sourceLabel, targetLabel string
	if src, err := e.Repo.GetEntity(ctx, tx, tenant, l.SourceType, l.SourceID); err == nil {
		sourceLabel = EntityLabel(src)
	}
	if dst, err := e.Repo.GetEntity(ctx, tx, tenant, l.TargetType, l.TargetID); err == nil {
		targetLabel = EntityLabel(dst)
	}
	return e.append(ctx, tx, l.Actor, domain.ActivityEntry{
		EntityType:  string(l.SourceType),
		EntityID:    l.SourceID,
		EntityLabel: sourceLabel,
		EventType:   event,
		Payload: events.EventPayload{
			"target_type":  string(l.TargetType),
			"target_id":    l.TargetID,
			"target_label": targetLabel,
		},
	})
}

// Readers.

func (e Engine) GetEntity(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (domain.Entity, error) {
	return e.Repo.GetEntity(ctx, nil, tenantID, kind, id)
}

func (e Engine) ListEntities(ctx context.Context, tenantID string, kind domain.EntityKind, limit int) ([]domain.Entity, error) {
	return e.Repo.ListEntities(ctx, tenantID, kind, limit)
}

func (e Engine) ListActivity(ctx context.Context, q command.ActivityQuery) ([]domain.ActivityEntry, error) {
	return e.Repo.ListActivity(ctx, repo.ActivityFilters{
		TenantID:   q.TenantID,
		EntityType: q.EntityType,
		EntityID:   q.EntityID,
		ActorID:    q.ActorID,
		Since:      q.Since,
		Limit:      q.Limit,
	})
}

func (e Engine) ListLinks(ctx context.Context, tenantID string, kind domain.EntityKind, id string) ([]domain.Link, error) {
	return e.Repo.ListLinks(ctx, tenantID, string(kind), id)
}

// Change is one audited difference produced by ApplyFields.
type Change struct {
	Field   string
	Event   domain.EventType
	Payload events.EventPayload
}

func ChangedFields(changes []Change) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range changes {
		if !seen[c.Field] {
			seen[c.Field] = true
			out = append(out, c.Field)
		}
	}
	return out
}

// ApplyFields returns cur with fields applied and the list of changes. Nil
// values remove a field. deleted_at sets the tombstone.
func ApplyFields(cur domain.Entity, fields map[string]any) (domain.Entity, []Change, error) {
	next := cur
	next.Fields = make(map[string]any, len(cur.Fields))
	for k, v := range cur.Fields {
		next.Fields[k] = v
	}
	var changes []Change
	for _, key := range sortedKeys(fields) {
		val := fields[key]
		switch key {
		case "deleted_at":
			c, err := applyTombstone(&next, val)
			if err != nil {
				return domain.Entity{}, nil, err
			}
			if c != nil {
				changes = append(changes, *c)
			}
			continue
		case "assignee_type":
			// Diffed together with assignee_id.
			setField(next.Fields, key, val)
			continue
		}
		old := cur.Fields[key]
		if key == "tags" {
			oldTags, _ := command.TagsFromValue(old)
			newTags, err := command.TagsFromValue(val)
			if err != nil {
				return domain.Entity{}, nil, domain.Invalid("tags", "%s", err.Error())
			}
			if command.TagsEqual(oldTags, newTags) {
				continue
			}
			setField(next.Fields, key, command.NormalizeTags(newTags))
			changes = append(changes, Change{Field: key, Event: domain.EventTagsChanged, Payload: events.EventPayload{
				"field": key, "old": command.NormalizeTags(oldTags), "new": command.NormalizeTags(newTags),
			}})
			continue
		}
		if sameValue(old, val) {
			continue
		}
		setField(next.Fields, key, val)
		changes = append(changes, fieldChange(cur, key, old, val, fields))
	}
	return next, changes, nil
}

func fieldChange(cur domain.Entity, key string, old, val any, fields map[string]any) Change {
	payload := events.EventPayload{"field": key, "old": old, "new": val}
	c := Change{Field: key, Event: domain.EventFieldUpdated, Payload: payload}
	switch key {
	case "status":
		c.Event = domain.EventStatusChanged
	case "priority":
		c.Event = domain.EventPriorityChanged
	case "title":
		c.Event = domain.EventTitleChanged
	case "due_date":
		if val == nil {
			c.Event = domain.EventDueDateCleared
		} else {
			c.Event = domain.EventDueDateSet
		}
	case "assignee_id":
		c.Event = domain.EventAssigneeChanged
		payload["old_type"] = cur.Fields["assignee_type"]
		payload["new_type"] = fields["assignee_type"]
	}
	return c
}

func applyTombstone(next *domain.Entity, val any) (*Change, error) {
	var at *time.Time
	if val != nil {
		s, ok := val.(string)
		if !ok {
			return nil, domain.Invalid("deleted_at", "must be a timestamp")
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, domain.Invalid("deleted_at", "must be a timestamp")
		}
		t = t.UTC()
		at = &t
	}
	if next.DeletedAt == nil && at == nil {
		return nil, nil
	}
	// A row keeps its first tombstone; deleting it again changes nothing.
	if next.DeletedAt != nil && at != nil {
		return nil, nil
	}
	var old any
	if next.DeletedAt != nil {
		old = repo.FormatTime(*next.DeletedAt)
	}
	var nv any
	if at != nil {
		nv = repo.FormatTime(*at)
	}
	next.DeletedAt = at
	return &Change{
		Field:   "deleted_at",
		Event:   domain.EventFieldUpdated,
		Payload: events.EventPayload{"field": "deleted_at", "old": old, "new": nv},
	}, nil
}

func setField(fields map[string]any, key string, val any) {
	if val == nil {
		delete(fields, key)
		return
	}
	fields[key] = val
}

func dropNulls(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// sameValue compares values by their JSON form, so a stored []any and a
// submitted []string with the same items are equal.
func sameValue(a, b any) bool {
	return reflect.DeepEqual(jsonValue(a), jsonValue(b))
}

func jsonValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// EntityLabel returns the trimmed label field of ent.
func EntityLabel(ent domain.Entity) string {
	s, _ := ent.Fields[command.LabelField(ent.Kind)].(string)
	return strings.TrimSpace(s)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
