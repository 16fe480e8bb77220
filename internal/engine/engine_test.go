package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"agentbase/internal/actor"
	"agentbase/internal/command"
	"agentbase/internal/db"
	"agentbase/internal/domain"
	"agentbase/internal/engine"
	"agentbase/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Human  domain.Actor
	Agent  domain.Actor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.AddMember(ctx, "t1", "u1", "Ada"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	return testEnv{
		Engine: eng,
		Ctx:    ctx,
		Human:  domain.NewHuman("u1", "t1"),
		Agent:  domain.NewAgent("a1", "t1", "u1"),
	}
}

func (env testEnv) createTask(t *testing.T, title string, extra map[string]any) domain.Entity {
	t.Helper()
	fields := map[string]any{"title": title, "status": "todo", "tags": []string{"a", "b"}}
	for k, v := range extra {
		fields[k] = v
	}
	ent, err := env.Engine.Create(env.Ctx, command.Mutation{Actor: env.Human, Kind: domain.KindTasks, Fields: fields})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return ent
}

func (env testEnv) activity(t *testing.T, entityID string) []domain.ActivityEntry {
	t.Helper()
	entries, err := env.Engine.ListActivity(env.Ctx, command.ActivityQuery{TenantID: "t1", EntityID: entityID})
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	return entries
}

func TestCreateLogsCreatedEntry(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Write report", nil)
	entries := env.activity(t, task.ID)
	if len(entries) != 1 || entries[0].EventType != domain.EventCreated {
		t.Fatalf("expected one created entry, got %+v", entries)
	}
	if entries[0].EntityLabel != "Write report" || entries[0].ActorKind != domain.ActorHuman {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	got, err := env.Engine.GetEntity(env.Ctx, "t1", domain.KindTasks, task.ID)
	if err != nil || got.Fields["title"] != "Write report" {
		t.Fatalf("get entity: %+v %v", got, err)
	}
}

func TestUpdateDiffsFields(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Write report", nil)
	_, err := env.Engine.Update(env.Ctx, command.Mutation{Actor: env.Agent, Kind: domain.KindTasks, ID: task.ID, Fields: map[string]any{
		"status":   "in_progress",
		"due_date": "2024-02-01",
		"notes":    "draft",
	}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	entries := env.activity(t, task.ID)
	var got []domain.EventType
	for _, e := range entries[1:] {
		got = append(got, e.EventType)
		if e.ActorKind != domain.ActorAgent {
			t.Fatalf("expected agent attribution, got %+v", e)
		}
	}
	want := []domain.EventType{domain.EventDueDateSet, domain.EventFieldUpdated, domain.EventStatusChanged}
	if len(got) != len(want) {
		t.Fatalf("events: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events: got %v want %v", got, want)
		}
	}
}

func TestUpdateWithSameTagsIsNoop(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Tagged", nil)
	if _, err := env.Engine.Update(env.Ctx, command.Mutation{Actor: env.Human, Kind: domain.KindTasks, ID: task.ID, Fields: map[string]any{
		"tags":   []string{"b", "a"},
		"status": "todo",
	}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if entries := env.activity(t, task.ID); len(entries) != 1 {
		t.Fatalf("expected no new entries, got %+v", entries)
	}
}

func TestClearingDueDate(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Dated", map[string]any{"due_date": "2024-02-01"})
	ent, err := env.Engine.Update(env.Ctx, command.Mutation{Actor: env.Human, Kind: domain.KindTasks, ID: task.ID, Fields: map[string]any{"due_date": nil}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := ent.Fields["due_date"]; ok {
		t.Fatalf("expected due_date removed, got %+v", ent.Fields)
	}
	entries := env.activity(t, task.ID)
	if last := entries[len(entries)-1]; last.EventType != domain.EventDueDateCleared {
		t.Fatalf("expected due_date_cleared, got %s", last.EventType)
	}
}

func TestSoftDeleteHidesFromListing(t *testing.T) {
	env := newTestEnv(t)
	co, err := env.Engine.Create(env.Ctx, command.Mutation{Actor: env.Human, Kind: domain.KindCompanies, Fields: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.Update(env.Ctx, command.Mutation{Actor: env.Agent, Kind: domain.KindCompanies, ID: co.ID, Fields: map[string]any{
		"deleted_at": "2024-01-01T00:00:00Z",
	}}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	got, err := env.Engine.GetEntity(env.Ctx, "t1", domain.KindCompanies, co.ID)
	if err != nil || got.DeletedAt == nil {
		t.Fatalf("expected tombstoned row, got %+v %v", got, err)
	}
	list, err := env.Engine.ListEntities(env.Ctx, "t1", domain.KindCompanies, 0)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty listing, got %+v %v", list, err)
	}
	label, err := env.Engine.Label(env.Ctx, "t1", domain.KindCompanies, co.ID)
	if err != nil || label != "Acme" {
		t.Fatalf("label of tombstoned row: %q %v", label, err)
	}
}

func TestSecondSoftDeleteKeepsTombstone(t *testing.T) {
	env := newTestEnv(t)
	co, err := env.Engine.Create(env.Ctx, command.Mutation{Actor: env.Human, Kind: domain.KindCompanies, Fields: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &command.Dispatcher{Mutator: env.Engine, Now: func() time.Time { return first }}
	res, err := d.Delete(env.Ctx, env.Human, domain.KindCompanies, co.ID)
	if err != nil || res.DeletedAt == nil || !res.DeletedAt.Equal(first) {
		t.Fatalf("first delete: %+v %v", res, err)
	}
	before := len(env.activity(t, co.ID))

	d.Now = func() time.Time { return first.Add(time.Hour) }
	res, err = d.Delete(env.Ctx, env.Agent, domain.KindCompanies, co.ID)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if res.DeletedAt == nil || !res.DeletedAt.Equal(first) {
		t.Fatalf("expected original tombstone reported, got %+v", res)
	}
	got, err := env.Engine.GetEntity(env.Ctx, "t1", domain.KindCompanies, co.ID)
	if err != nil || got.DeletedAt == nil || !got.DeletedAt.Equal(first) {
		t.Fatalf("tombstone moved: %+v %v", got, err)
	}
	if after := len(env.activity(t, co.ID)); after != before {
		t.Fatalf("expected no new activity, had %d now %d", before, after)
	}
}

func TestBatchWithOnlyInapplicableFieldsChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	co, err := env.Engine.Create(env.Ctx, command.Mutation{Actor: env.Human, Kind: domain.KindCompanies, Fields: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	d := &command.Dispatcher{Mutator: env.Engine}
	res, err := d.BatchUpdate(env.Ctx, command.BatchMutation{
		Actor:  env.Agent,
		Kind:   domain.KindCompanies,
		IDs:    []string{co.ID, "ghost"},
		Fields: map[string]any{"assignee_id": "u1", "status": "done"},
	})
	if err != nil {
		t.Fatalf("batch update: %v", err)
	}
	if len(res.Updated) != 1 || res.Updated[0].Fields["name"] != "Acme" || len(res.Missing) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := res.Updated[0].Fields["status"]; ok {
		t.Fatalf("status leaked onto a company: %+v", res.Updated[0].Fields)
	}
	if entries := env.activity(t, co.ID); len(entries) != 1 {
		t.Fatalf("expected only the created entry, got %d", len(entries))
	}
}

func TestHardDeleteRemovesRowAndLinks(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Doomed", nil)
	co, err := env.Engine.Create(env.Ctx, command.Mutation{Actor: env.Human, Kind: domain.KindCompanies, Fields: map[string]any{"name": "Acme"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ref := command.LinkRef{Actor: env.Human, SourceType: domain.KindTasks, SourceID: task.ID, TargetType: domain.KindCompanies, TargetID: co.ID}
	if _, err := env.Engine.Link(env.Ctx, ref); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := env.Engine.HardDelete(env.Ctx, command.HardDeletion{Actor: env.Human, Kind: domain.KindTasks, ID: task.ID, Label: "Doomed"}); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if _, err := env.Engine.GetEntity(env.Ctx, "t1", domain.KindTasks, task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	links, err := env.Engine.ListLinks(env.Ctx, "t1", domain.KindCompanies, co.ID)
	if err != nil || len(links) != 0 {
		t.Fatalf("expected links removed, got %+v %v", links, err)
	}
	entries := env.activity(t, task.ID)
	if last := entries[len(entries)-1]; last.EventType != domain.EventDeleted || last.EntityLabel != "Doomed" {
		t.Fatalf("expected deleted entry with label, got %+v", last)
	}
}

func TestBatchUpdateLogsPerRow(t *testing.T) {
	env := newTestEnv(t)
	a := env.createTask(t, "A", nil)
	b := env.createTask(t, "B", nil)
	res, err := env.Engine.BatchUpdate(env.Ctx, command.BatchMutation{
		Actor:  env.Agent,
		Kind:   domain.KindTasks,
		IDs:    []string{a.ID, "missing", b.ID},
		Fields: map[string]any{"priority": "high"},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(res.Updated) != 2 || len(res.Missing) != 1 || res.Missing[0] != "missing" {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, id := range []string{a.ID, b.ID} {
		entries := env.activity(t, id)
		last := entries[len(entries)-1]
		if last.EventType != domain.EventUpdated || last.Payload["batch"] != true {
			t.Fatalf("expected batch entry for %s, got %+v", id, last)
		}
	}
}

func TestIdempotentCreateReturnsOriginal(t *testing.T) {
	env := newTestEnv(t)
	m := command.Mutation{Actor: env.Agent, Kind: domain.KindTasks, Fields: map[string]any{"title": "Once"}, IdempotencyKey: "k-1"}
	first, err := env.Engine.Create(env.Ctx, m)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := env.Engine.Create(env.Ctx, m)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same entity, got %s and %s", first.ID, second.ID)
	}
	list, _ := env.Engine.ListEntities(env.Ctx, "t1", domain.KindTasks, 0)
	if len(list) != 1 {
		t.Fatalf("expected a single task, got %d", len(list))
	}
}

func TestLinkIsBidirectionalAndIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Call", nil)
	p, err := env.Engine.Create(env.Ctx, command.Mutation{Actor: env.Human, Kind: domain.KindPeople, Fields: map[string]any{"name": "Grace"}})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	first, err := env.Engine.Link(env.Ctx, command.LinkRef{Actor: env.Human, SourceType: domain.KindTasks, SourceID: task.ID, TargetType: domain.KindPeople, TargetID: p.ID})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	again, err := env.Engine.Link(env.Ctx, command.LinkRef{Actor: env.Human, SourceType: domain.KindPeople, SourceID: p.ID, TargetType: domain.KindTasks, TargetID: task.ID})
	if err != nil || again.ID != first.ID {
		t.Fatalf("expected existing link, got %+v %v", again, err)
	}
	if err := env.Engine.Unlink(env.Ctx, command.LinkRef{Actor: env.Human, SourceType: domain.KindPeople, SourceID: p.ID, TargetType: domain.KindTasks, TargetID: task.ID}); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := env.Engine.Unlink(env.Ctx, command.LinkRef{Actor: env.Human, SourceType: domain.KindTasks, SourceID: task.ID, TargetType: domain.KindPeople, TargetID: p.ID}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found on second unlink, got %v", err)
	}
}

func TestAgentProvisioningAndRevocation(t *testing.T) {
	env := newTestEnv(t)
	agent, key, err := env.Engine.ProvisionAgent(env.Ctx, "t1", "u1", "Scout")
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	rec, err := env.Engine.LookupAgent(env.Ctx, actor.HashAPIKey(key))
	if err != nil || rec.ID != agent.ID || rec.OwnerID != "u1" {
		t.Fatalf("lookup: %+v %v", rec, err)
	}
	cands, err := env.Engine.ListCandidates(env.Ctx, "t1")
	if err != nil || len(cands) != 2 || cands[0].Kind != domain.ActorHuman || cands[1].Kind != domain.ActorAgent {
		t.Fatalf("unexpected roster %+v %v", cands, err)
	}
	if err := env.Engine.RevokeAgent(env.Ctx, "t1", agent.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.LookupAgent(env.Ctx, actor.HashAPIKey(key)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected revoked key unknown, got %v", err)
	}
	tenant, err := env.Engine.CurrentTenant(env.Ctx, "u1")
	if err != nil || tenant != "t1" {
		t.Fatalf("current tenant: %q %v", tenant, err)
	}
}
