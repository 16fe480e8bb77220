package supabase

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentbase/internal/domain"
)

func TestClassify(t *testing.T) {
	if err := classify(errors.New("(23505) duplicate key value violates unique constraint")); !errors.Is(err, domain.ErrConstraint) {
		t.Fatalf("expected constraint, got %v", err)
	}
	if err := classify(errors.New("(PGRST116) JSON object requested, multiple (or no) rows returned")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	plain := errors.New("connection refused")
	if err := classify(plain); err != plain {
		t.Fatalf("expected passthrough, got %v", err)
	}
	if classify(nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestLinkFilters(t *testing.T) {
	got := linkBetween("tasks", "t1", "people", "p,1")
	want := `and(source_type.eq.tasks,source_id.eq."t1",target_type.eq.people,target_id.eq."p,1"),and(source_type.eq.people,source_id.eq."p,1",target_type.eq.tasks,target_id.eq."t1")`
	if got != want {
		t.Fatalf("got %s", got)
	}
	if q := quote(`a"b`); q != `"a\"b"` {
		t.Fatalf("quote: %s", q)
	}
}

func TestFirstOnEmptyArray(t *testing.T) {
	if _, err := first[memberRow]([]byte("[]")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActivityRowRoundTrip(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := domain.ActivityEntry{ID: "e1", TenantID: "t1", EntityType: "tasks", EntityID: "x", EventType: domain.EventCommented, ActorID: "u1", ActorKind: domain.ActorHuman, Body: "hi", CreatedAt: at}
	row := toActivityRow(e)
	if row.EntityLabel != nil || row.Body == nil {
		t.Fatalf("unexpected optional columns %+v", row)
	}
	if back := row.entry(); back.Body != "hi" || back.EntityLabel != "" || !back.CreatedAt.Equal(at) {
		t.Fatalf("round trip lost data: %+v", back)
	}
}

func TestListCandidatesAgainstPostgREST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/members"):
			w.Write([]byte(`[{"id":"u1","tenant_id":"t1","name":"Ada"}]`))
		case strings.HasSuffix(r.URL.Path, "/agents"):
			w.Write([]byte(`[{"id":"a1","tenant_id":"t1","owner_id":"u1","name":"Scout","revoked_at":null}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s, err := New(srv.URL, "service-key")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cands, err := s.ListCandidates(t.Context(), "t1")
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(cands) != 2 || cands[0].Kind != domain.ActorHuman || cands[1].Kind != domain.ActorAgent || cands[1].Name != "Scout" {
		t.Fatalf("unexpected roster %+v", cands)
	}
	rec, err := s.LookupAgent(t.Context(), "hash")
	if err != nil || rec.ID != "a1" || rec.OwnerID != "u1" {
		t.Fatalf("lookup agent: %+v %v", rec, err)
	}
}
