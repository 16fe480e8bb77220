package supabase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"

	"agentbase/internal/actor"
	"agentbase/internal/command"
	"agentbase/internal/domain"
	"agentbase/internal/engine"
	"agentbase/internal/events"
)

var (
	_ command.Store       = (*Store)(nil)
	_ actor.AgentRegistry = (*Store)(nil)
	_ actor.TenantLookup  = (*Store)(nil)
)

const returnRows = "representation"

func (s *Store) getEntity(tenantID string, kind domain.EntityKind, id string) (domain.Entity, error) {
	data, _, err := s.Client.From(tableEntities).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("kind", string(kind)).
		Eq("id", id).
		Limit(1, "").
		Execute()
	if err != nil {
		return domain.Entity{}, classify(err)
	}
	row, err := first[entityRow](data)
	if err != nil {
		return domain.Entity{}, err
	}
	return row.entity(), nil
}

func (s *Store) putEntity(e domain.Entity) error {
	data, _, err := s.Client.From(tableEntities).
		Update(map[string]any{
			"fields":     e.Fields,
			"updated_at": formatTime(e.UpdatedAt),
			"deleted_at": formatTimePtr(e.DeletedAt),
		}, returnRows, "").
		Eq("tenant_id", e.TenantID).
		Eq("kind", string(e.Kind)).
		Eq("id", e.ID).
		Execute()
	if err != nil {
		return classify(err)
	}
	_, err = first[entityRow](data)
	return err
}

func (s *Store) appendEntry(a domain.Actor, entry domain.ActivityEntry) error {
	entry = events.Attribute(entry, a)
	_, err := s.insertEntry(entry)
	return err
}

func (s *Store) insertEntry(entry domain.ActivityEntry) (domain.ActivityEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	_, _, err := s.Client.From(tableActivity).
		Insert(toActivityRow(entry), false, "", "minimal", "").
		Execute()
	if err != nil {
		return domain.ActivityEntry{}, classify(err)
	}
	return entry, nil
}

// Create inserts the entity, records the idempotency key and logs a created
// entry. A key already used by the actor returns the original entity.
//
// The entity row goes in before the key row, so a failed insert never
// leaves a key pointing at nothing. When the key insert loses a race the
// new row is removed and the winner is returned.
func (s *Store) Create(ctx context.Context, m command.Mutation) (domain.Entity, error) {
	if m.IdempotencyKey != "" {
		ent, err := s.replay(m)
		if err == nil || !isNotFound(err) {
			return ent, err
		}
	}
	now := s.now()
	ent := domain.Entity{
		ID:            uuid.NewString(),
		Kind:          m.Kind,
		TenantID:      m.Actor.TenantID,
		Fields:        withoutNulls(m.Fields),
		CreatedBy:     m.Actor.ID,
		CreatedByKind: m.Actor.Kind,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, _, err := s.Client.From(tableEntities).Insert(toEntityRow(ent), false, "", "minimal", "").Execute(); err != nil {
		return domain.Entity{}, fmt.Errorf("insert entity: %w", classify(err))
	}
	if m.IdempotencyKey != "" {
		_, _, err := s.Client.From(tableIdempotency).
			Insert(idempotencyRow{TenantID: ent.TenantID, ActorID: m.Actor.ID, Key: m.IdempotencyKey, EntityID: ent.ID, CreatedAt: now}, false, "", "minimal", "").
			Execute()
		if err := classify(err); err != nil {
			if dropErr := s.dropEntity(ent); dropErr != nil {
				return domain.Entity{}, errors.Join(fmt.Errorf("record idempotency key: %w", err), dropErr)
			}
			if errors.Is(err, domain.ErrConstraint) {
				return s.replay(m)
			}
			return domain.Entity{}, fmt.Errorf("record idempotency key: %w", err)
		}
	}
	err := s.appendEntry(m.Actor, domain.ActivityEntry{
		EntityType:  string(ent.Kind),
		EntityID:    ent.ID,
		EntityLabel: engine.EntityLabel(ent),
		EventType:   domain.EventCreated,
		Payload:     events.EventPayload{"fields": fieldNames(ent.Fields)},
		CreatedAt:   now,
	})
	return ent, err
}

// dropEntity removes a row written by a create that could not finish.
func (s *Store) dropEntity(e domain.Entity) error {
	_, _, err := s.Client.From(tableEntities).
		Delete("minimal", "").
		Eq("tenant_id", e.TenantID).
		Eq("kind", string(e.Kind)).
		Eq("id", e.ID).
		Execute()
	if err != nil {
		return fmt.Errorf("remove unkeyed entity %s: %w", e.ID, classify(err))
	}
	return nil
}

func (s *Store) replay(m command.Mutation) (domain.Entity, error) {
	data, _, err := s.Client.From(tableIdempotency).
		Select("*", "", false).
		Eq("tenant_id", m.Actor.TenantID).
		Eq("actor_id", m.Actor.ID).
		Eq("key", m.IdempotencyKey).
		Limit(1, "").
		Execute()
	if err != nil {
		return domain.Entity{}, classify(err)
	}
	row, err := first[idempotencyRow](data)
	if err != nil {
		return domain.Entity{}, err
	}
	ent, err := s.getEntity(m.Actor.TenantID, m.Kind, row.EntityID)
	if isNotFound(err) {
		return domain.Entity{}, domain.Invalid("idempotency_key", "already used for a different entity")
	}
	return ent, err
}

func (s *Store) Update(ctx context.Context, m command.Mutation) (domain.Entity, error) {
	cur, err := s.getEntity(m.Actor.TenantID, m.Kind, m.ID)
	if err != nil {
		return domain.Entity{}, err
	}
	next, changes, err := engine.ApplyFields(cur, m.Fields)
	if err != nil || len(changes) == 0 {
		return cur, err
	}
	now := s.now()
	next.UpdatedAt = now
	if err := s.putEntity(next); err != nil {
		return domain.Entity{}, fmt.Errorf("update entity: %w", err)
	}
	label := engine.EntityLabel(next)
	for _, c := range changes {
		if err := s.appendEntry(m.Actor, domain.ActivityEntry{
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
	return next, nil
}

func (s *Store) BatchUpdate(ctx context.Context, b command.BatchMutation) (command.BatchResult, error) {
	data, _, err := s.Client.From(tableEntities).
		Select("*", "", false).
		Eq("tenant_id", b.Actor.TenantID).
		Eq("kind", string(b.Kind)).
		In("id", b.IDs).
		Execute()
	if err != nil {
		return command.BatchResult{}, classify(err)
	}
	rows, err := decode[entityRow](data)
	if err != nil {
		return command.BatchResult{}, err
	}
	byID := make(map[string]domain.Entity, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.entity()
	}
	now := s.now()
	res := command.BatchResult{Updated: []domain.Entity{}}
	for _, id := range b.IDs {
		cur, ok := byID[id]
		if !ok {
			res.Missing = append(res.Missing, id)
			continue
		}
		next, changes, err := engine.ApplyFields(cur, b.Fields)
		if err != nil {
			return command.BatchResult{}, err
		}
		if len(changes) == 0 {
			res.Updated = append(res.Updated, cur)
			continue
		}
		next.UpdatedAt = now
		if err := s.putEntity(next); err != nil {
			return command.BatchResult{}, fmt.Errorf("update %s: %w", id, err)
		}
		if err := s.appendEntry(b.Actor, domain.ActivityEntry{
			EntityType:  string(next.Kind),
			EntityID:    next.ID,
			EntityLabel: engine.EntityLabel(next),
			EventType:   domain.EventUpdated,
			Payload: events.EventPayload{
				"fields":     engine.ChangedFields(changes),
				"batch":      true,
				"batch_size": len(b.IDs),
			},
			CreatedAt: now,
		}); err != nil {
			return command.BatchResult{}, err
		}
		res.Updated = append(res.Updated, next)
	}
	return res, nil
}

func (s *Store) HardDelete(ctx context.Context, d command.HardDeletion) error {
	data, _, err := s.Client.From(tableEntities).
		Delete(returnRows, "").
		Eq("tenant_id", d.Actor.TenantID).
		Eq("kind", string(d.Kind)).
		Eq("id", d.ID).
		Execute()
	if err != nil {
		return classify(err)
	}
	if _, err := first[entityRow](data); err != nil {
		return err
	}
	kind := string(d.Kind)
	if _, _, err := s.Client.From(tableLinks).
		Delete("minimal", "").
		Eq("tenant_id", d.Actor.TenantID).
		Or(linkTouching(kind, d.ID), "").
		Execute(); err != nil {
		return fmt.Errorf("delete links: %w", classify(err))
	}
	return s.appendEntry(d.Actor, domain.ActivityEntry{
		EntityType:  kind,
		EntityID:    d.ID,
		EntityLabel: d.Label,
		EventType:   domain.EventDeleted,
		Payload:     events.EventPayload{"label": d.Label},
	})
}

func (s *Store) Label(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (string, error) {
	ent, err := s.getEntity(tenantID, kind, id)
	if err != nil {
		return "", err
	}
	return engine.EntityLabel(ent), nil
}

func (s *Store) AppendActivity(ctx context.Context, entry domain.ActivityEntry) (domain.ActivityEntry, error) {
	return s.insertEntry(entry)
}

func (s *Store) findLink(l command.LinkRef) (domain.Link, error) {
	data, _, err := s.Client.From(tableLinks).
		Select("*", "", false).
		Eq("tenant_id", l.Actor.TenantID).
		Or(linkBetween(string(l.SourceType), l.SourceID, string(l.TargetType), l.TargetID), "").
		Limit(1, "").
		Execute()
	if err != nil {
		return domain.Link{}, classify(err)
	}
	return first[domain.Link](data)
}

func (s *Store) Link(ctx context.Context, l command.LinkRef) (domain.Link, error) {
	existing, err := s.findLink(l)
	if err == nil {
		return existing, nil
	}
	if !isNotFound(err) {
		return domain.Link{}, err
	}
	link := domain.Link{
		ID:         uuid.NewString(),
		TenantID:   l.Actor.TenantID,
		SourceType: string(l.SourceType),
		SourceID:   l.SourceID,
		TargetType: string(l.TargetType),
		TargetID:   l.TargetID,
		CreatedBy:  l.Actor.ID,
		CreatedAt:  s.now(),
	}
	if _, _, err := s.Client.From(tableLinks).Insert(link, false, "", "minimal", "").Execute(); err != nil {
		err = classify(err)
		if errors.Is(err, domain.ErrConstraint) {
			return s.findLink(l)
		}
		return domain.Link{}, fmt.Errorf("insert link: %w", err)
	}
	return link, s.logLink(ctx, l, domain.EventLinked)
}

func (s *Store) Unlink(ctx context.Context, l command.LinkRef) error {
	existing, err := s.findLink(l)
	if err != nil {
		return err
	}
	if _, _, err := s.Client.From(tableLinks).
		Delete("minimal", "").
		Eq("tenant_id", l.Actor.TenantID).
		Eq("id", existing.ID).
		Execute(); err != nil {
		return classify(err)
	}
	return s.logLink(ctx, l, domain.EventUnlinked)
}

func (s *Store) logLink(ctx context.Context, l command.LinkRef, event domain.EventType) error {
	tenant := l.Actor.TenantID
	sourceLabel, _ := s.Label(ctx, tenant, l.SourceType, l.SourceID)
	targetLabel, _ := s.Label(ctx, tenant, l.TargetType, l.TargetID)
	return s.appendEntry(l.Actor, domain.ActivityEntry{
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

func (s *Store) GetEntity(ctx context.Context, tenantID string, kind domain.EntityKind, id string) (domain.Entity, error) {
	return s.getEntity(tenantID, kind, id)
}

func (s *Store) ListEntities(ctx context.Context, tenantID string, kind domain.EntityKind, limit int) ([]domain.Entity, error) {
	q := s.Client.From(tableEntities).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("kind", string(kind)).
		Is("deleted_at", "null").
		Order("created_at", &postgrest.OrderOpts{Ascending: false})
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	data, _, err := q.Execute()
	if err != nil {
		return nil, classify(err)
	}
	rows, err := decode[entityRow](data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Entity, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entity())
	}
	return out, nil
}

// ListActivity returns entries ascending by time. With a limit the most
// recent entries are kept.
func (s *Store) ListActivity(ctx context.Context, f command.ActivityQuery) ([]domain.ActivityEntry, error) {
	q := s.Client.From(tableActivity).
		Select("*", "", false).
		Eq("tenant_id", f.TenantID)
	if f.EntityType != "" {
		q = q.Eq("entity_type", f.EntityType)
	}
	if f.EntityID != "" {
		q = q.Eq("entity_id", f.EntityID)
	}
	if f.ActorID != "" {
		q = q.Eq("actor_id", f.ActorID)
	}
	if !f.Since.IsZero() {
		q = q.Gte("created_at", formatTime(f.Since))
	}
	// Entries written by one call share created_at; id breaks the tie so
	// every read returns the same order.
	q = q.Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Order("id", &postgrest.OrderOpts{Ascending: false})
	if f.Limit > 0 {
		q = q.Limit(f.Limit, "")
	}
	data, _, err := q.Execute()
	if err != nil {
		return nil, classify(err)
	}
	rows, err := decode[activityRow](data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ActivityEntry, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.entry()
	}
	return out, nil
}

func (s *Store) ListLinks(ctx context.Context, tenantID string, kind domain.EntityKind, id string) ([]domain.Link, error) {
	data, _, err := s.Client.From(tableLinks).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Or(linkTouching(string(kind), id), "").
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, classify(err)
	}
	return decode[domain.Link](data)
}

// Identity lookups.

func (s *Store) LookupAgent(ctx context.Context, keyHash string) (actor.AgentRecord, error) {
	data, _, err := s.Client.From(tableAgents).
		Select("id,tenant_id,owner_id,name,revoked_at", "", false).
		Eq("api_key_hash", keyHash).
		Is("revoked_at", "null").
		Limit(1, "").
		Execute()
	if err != nil {
		return actor.AgentRecord{}, classify(err)
	}
	row, err := first[agentRow](data)
	if err != nil {
		return actor.AgentRecord{}, err
	}
	return actor.AgentRecord{ID: row.ID, TenantID: row.TenantID, OwnerID: row.OwnerID}, nil
}

func (s *Store) CurrentTenant(ctx context.Context, userID string) (string, error) {
	data, _, err := s.Client.From(tableMembers).
		Select("id,tenant_id,name", "", false).
		Eq("id", userID).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Limit(1, "").
		Execute()
	if err != nil {
		return "", classify(err)
	}
	row, err := first[memberRow](data)
	if err != nil {
		return "", err
	}
	return row.TenantID, nil
}

// ListCandidates returns the tenant's humans followed by its live agents.
func (s *Store) ListCandidates(ctx context.Context, tenantID string) ([]domain.AssigneeCandidate, error) {
	data, _, err := s.Client.From(tableMembers).
		Select("id,tenant_id,name", "", false).
		Eq("tenant_id", tenantID).
		Order("name", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, classify(err)
	}
	members, err := decode[memberRow](data)
	if err != nil {
		return nil, err
	}
	data, _, err = s.Client.From(tableAgents).
		Select("id,tenant_id,owner_id,name,revoked_at", "", false).
		Eq("tenant_id", tenantID).
		Is("revoked_at", "null").
		Order("name", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, classify(err)
	}
	agents, err := decode[agentRow](data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AssigneeCandidate, 0, len(members)+len(agents))
	for _, m := range members {
		out = append(out, domain.AssigneeCandidate{ID: m.ID, Name: m.Name, Kind: domain.ActorHuman})
	}
	for _, a := range agents {
		out = append(out, domain.AssigneeCandidate{ID: a.ID, Name: a.Name, Kind: domain.ActorAgent})
	}
	return out, nil
}

// linkBetween builds the PostgREST or-filter matching a link stored in
// either direction.
func linkBetween(aType, aID, bType, bID string) string {
	return fmt.Sprintf("and(source_type.eq.%s,source_id.eq.%s,target_type.eq.%s,target_id.eq.%s),and(source_type.eq.%s,source_id.eq.%s,target_type.eq.%s,target_id.eq.%s)",
		aType, quote(aID), bType, quote(bID), bType, quote(bID), aType, quote(aID))
}

func linkTouching(kind, id string) string {
	return fmt.Sprintf("and(source_type.eq.%s,source_id.eq.%s),and(target_type.eq.%s,target_id.eq.%s)",
		kind, quote(id), kind, quote(id))
}

// quote wraps a value in double quotes so reserved characters survive the
// filter grammar.
func quote(v string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}

func withoutNulls(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
