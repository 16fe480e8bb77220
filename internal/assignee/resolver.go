package assignee

import (
	"context"
	"fmt"
	"strings"

	"agentbase/internal/domain"
)

// Unassigned is the sentinel that explicitly clears a task's assignee.
const Unassigned = "unassigned"

// Roster lists the humans and agents of a tenant.
type Roster interface {
	ListCandidates(ctx context.Context, tenantID string) ([]domain.AssigneeCandidate, error)
}

// Resolution is a validated assignee. Both fields are nil for an explicit
// clear and both are set otherwise.
type Resolution struct {
	ID   *string
	Kind *domain.ActorKind
}

// Cleared reports whether the resolution removes the assignee.
func (r Resolution) Cleared() bool { return r.ID == nil }

type Resolver struct {
	Roster Roster
}

// Resolve validates raw against the tenant roster. The returned kind always
// comes from the roster.
func (r Resolver) Resolve(ctx context.Context, tenantID, raw string) (Resolution, error) {
	raw = strings.TrimSpace(raw)
	if raw == Unassigned {
		return Resolution{}, nil
	}
	roster, err := r.Roster.ListCandidates(ctx, tenantID)
	if err != nil {
		return Resolution{}, fmt.Errorf("list roster: %w", err)
	}
	if raw != "" {
		for _, c := range roster {
			if c.ID == raw {
				id, kind := c.ID, c.Kind
				return Resolution{ID: &id, Kind: &kind}, nil
			}
		}
	}
	msg := "assignee is required"
	if raw != "" {
		msg = fmt.Sprintf("assignee %q is not a member of this workspace", raw)
	}
	return Resolution{}, domain.ValidationError{
		Field:      "assignee_id",
		Message:    msg,
		Candidates: roster,
	}
}
