package supabase

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"agentbase/internal/command"
	"agentbase/internal/domain"
)

// fakeRest keeps just enough PostgREST state to drive Store.Create and
// ListActivity.
type fakeRest struct {
	mu            sync.Mutex
	entities      map[string]map[string]any
	keys          []map[string]any
	activity      int
	entityInserts int
	deleted       []string
	activityOrder string

	// failEntityInserts answers that many entity inserts with 503.
	failEntityInserts int
	// raceKey is recorded and answered with 409 on the next key insert.
	raceKey map[string]any
}

func newFakeRest() *fakeRest {
	return &fakeRest{entities: map[string]map[string]any{}}
}

func eqValue(r *http.Request, col string) string {
	return strings.TrimPrefix(r.URL.Query().Get(col), "eq.")
}

func writeRows(w http.ResponseWriter, rows any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

func writeFailure(w http.ResponseWriter, status int, code, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": msg})
}

func (f *fakeRest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table := path.Base(r.URL.Path)
	switch {
	case r.Method == http.MethodGet && table == tableIdempotency:
		rows := []map[string]any{}
		for _, k := range f.keys {
			if k["key"] == eqValue(r, "key") && k["actor_id"] == eqValue(r, "actor_id") {
				rows = append(rows, k)
			}
		}
		writeRows(w, rows)
	case r.Method == http.MethodGet && table == tableEntities:
		rows := []map[string]any{}
		if e, ok := f.entities[eqValue(r, "id")]; ok {
			rows = append(rows, e)
		}
		writeRows(w, rows)
	case r.Method == http.MethodPost && table == tableEntities:
		f.entityInserts++
		if f.failEntityInserts > 0 {
			f.failEntityInserts--
			writeFailure(w, http.StatusServiceUnavailable, "PGRST000", "transient")
			return
		}
		var row map[string]any
		json.NewDecoder(r.Body).Decode(&row)
		f.entities[row["id"].(string)] = row
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && table == tableIdempotency:
		if f.raceKey != nil {
			f.keys = append(f.keys, f.raceKey)
			f.raceKey = nil
			writeFailure(w, http.StatusConflict, "23505", "duplicate key value violates unique constraint")
			return
		}
		var row map[string]any
		json.NewDecoder(r.Body).Decode(&row)
		f.keys = append(f.keys, row)
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && table == tableActivity:
		f.activity++
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodDelete && table == tableEntities:
		id := eqValue(r, "id")
		delete(f.entities, id)
		f.deleted = append(f.deleted, id)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && table == tableActivity:
		f.activityOrder = r.URL.Query().Get("order")
		at := "2024-01-01T00:00:00Z"
		writeRows(w, []map[string]any{
			{"id": "b", "tenant_id": "t1", "entity_type": "tasks", "entity_id": "e1", "event_type": "title_changed", "actor_id": "u1", "actor_type": "human", "created_at": at},
			{"id": "a", "tenant_id": "t1", "entity_type": "tasks", "entity_id": "e1", "event_type": "status_changed", "actor_id": "u1", "actor_type": "human", "created_at": at},
		})
	default:
		http.NotFound(w, r)
	}
}

func newFakeStore(t *testing.T, f *fakeRest) *Store {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	s, err := New(srv.URL, "service-key")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func keyedCreate() command.Mutation {
	return command.Mutation{
		Actor:          domain.NewHuman("u1", "t1"),
		Kind:           domain.KindTasks,
		Fields:         map[string]any{"title": "Ship"},
		IdempotencyKey: "k1",
	}
}

func TestCreateRetryAfterFailedInsertSucceeds(t *testing.T) {
	f := newFakeRest()
	f.failEntityInserts = 1
	s := newFakeStore(t, f)

	if _, err := s.Create(t.Context(), keyedCreate()); err == nil {
		t.Fatalf("expected first create to fail")
	}
	if len(f.keys) != 0 {
		t.Fatalf("key recorded for a failed create: %+v", f.keys)
	}
	ent, err := s.Create(t.Context(), keyedCreate())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.entityInserts != 2 || len(f.keys) != 1 || f.keys[0]["entity_id"] != ent.ID {
		t.Fatalf("unexpected state: inserts=%d keys=%+v", f.entityInserts, f.keys)
	}
	again, err := s.Create(t.Context(), keyedCreate())
	if err != nil || again.ID != ent.ID {
		t.Fatalf("replay: %+v %v", again, err)
	}
	if f.entityInserts != 2 || f.activity != 1 {
		t.Fatalf("replay wrote again: inserts=%d activity=%d", f.entityInserts, f.activity)
	}
}

func TestCreateLosingKeyRaceReturnsWinner(t *testing.T) {
	f := newFakeRest()
	f.entities["winner"] = map[string]any{
		"id": "winner", "tenant_id": "t1", "kind": "tasks",
		"fields":     map[string]any{"title": "Ship"},
		"created_by": "u1", "created_by_type": "human",
		"created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-01T00:00:00Z",
	}
	f.raceKey = map[string]any{"tenant_id": "t1", "actor_id": "u1", "key": "k1", "entity_id": "winner"}
	s := newFakeStore(t, f)

	ent, err := s.Create(t.Context(), keyedCreate())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ent.ID != "winner" {
		t.Fatalf("expected winner returned, got %s", ent.ID)
	}
	if len(f.deleted) != 1 || f.deleted[0] == "winner" {
		t.Fatalf("expected the losing row removed, deleted=%v", f.deleted)
	}
	if len(f.entities) != 1 || f.activity != 0 {
		t.Fatalf("unexpected leftovers: entities=%d activity=%d", len(f.entities), f.activity)
	}
}

func TestListActivityBreaksTimestampTies(t *testing.T) {
	f := newFakeRest()
	s := newFakeStore(t, f)
	entries, err := s.ListActivity(t.Context(), command.ActivityQuery{TenantID: "t1", Limit: 10})
	if err != nil {
		t.Fatalf("list activity: %v", err)
	}
	if f.activityOrder != "created_at.desc.nullslast,id.desc.nullslast" {
		t.Fatalf("unexpected order %q", f.activityOrder)
	}
	if len(entries) != 2 || entries[0].ID != "a" || entries[1].ID != "b" {
		t.Fatalf("expected ascending a, b; got %+v", entries)
	}
}
