package assignee

import (
	"context"
	"errors"
	"testing"

	"agentbase/internal/domain"
)

type staticRoster []domain.AssigneeCandidate

func (s staticRoster) ListCandidates(context.Context, string) ([]domain.AssigneeCandidate, error) {
	return s, nil
}

type failingRoster struct{}

func (failingRoster) ListCandidates(context.Context, string) ([]domain.AssigneeCandidate, error) {
	return nil, errors.New("roster down")
}

var roster = staticRoster{
	{ID: "user-1", Name: "Ada", Kind: domain.ActorHuman},
	{ID: "agent-1", Name: "Scribe", Kind: domain.ActorAgent},
}

func TestUnassignedClearsBoth(t *testing.T) {
	res, err := Resolver{Roster: failingRoster{}}.Resolve(context.Background(), "t1", "unassigned")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Cleared() || res.Kind != nil {
		t.Fatalf("expected both fields nil, got %+v", res)
	}
}

func TestKindComesFromRoster(t *testing.T) {
	res, err := Resolver{Roster: roster}.Resolve(context.Background(), "t1", "agent-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *res.ID != "agent-1" || *res.Kind != domain.ActorAgent {
		t.Fatalf("unexpected resolution %v %v", *res.ID, *res.Kind)
	}
}

func TestUnknownIDCarriesRoster(t *testing.T) {
	for _, raw := range []string{"", "  ", "user-9"} {
		_, err := Resolver{Roster: roster}.Resolve(context.Background(), "t1", raw)
		var ve domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%q: expected validation error, got %v", raw, err)
		}
		if len(ve.Candidates) != len(roster) {
			t.Fatalf("%q: expected full roster, got %d candidates", raw, len(ve.Candidates))
		}
	}
}

func TestRosterFailureIsNotValidation(t *testing.T) {
	_, err := Resolver{Roster: failingRoster{}}.Resolve(context.Background(), "t1", "user-1")
	var ve domain.ValidationError
	if err == nil || errors.As(err, &ve) {
		t.Fatalf("expected opaque roster error, got %v", err)
	}
}
