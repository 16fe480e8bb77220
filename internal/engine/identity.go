package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentbase/internal/actor"
	"agentbase/internal/domain"
)

var (
	_ actor.AgentRegistry = Engine{}
	_ actor.TenantLookup  = Engine{}
)

// LookupAgent finds the live agent owning keyHash.
func (e Engine) LookupAgent(ctx context.Context, keyHash string) (actor.AgentRecord, error) {
	a, err := e.Repo.GetLiveAgentByHash(ctx, keyHash)
	if err != nil {
		return actor.AgentRecord{}, err
	}
	return actor.AgentRecord{ID: a.ID, TenantID: a.TenantID, OwnerID: a.OwnerID}, nil
}

func (e Engine) CurrentTenant(ctx context.Context, userID string) (string, error) {
	return e.Repo.CurrentTenant(ctx, userID)
}

func (e Engine) ListCandidates(ctx context.Context, tenantID string) ([]domain.AssigneeCandidate, error) {
	return e.Repo.ListCandidates(ctx, tenantID)
}

// AddMember creates the tenant if needed and adds or renames a human.
func (e Engine) AddMember(ctx context.Context, tenantID, userID, name string) (domain.Member, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return domain.Member{}, errors.New("tenant and user id required")
	}
	if name == "" {
		name = userID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	now := e.now()
	if err := e.Repo.EnsureTenant(ctx, tx, tenantID, "", now); err != nil {
		return domain.Member{}, fmt.Errorf("ensure tenant: %w", err)
	}
	m := domain.Member{ID: userID, TenantID: tenantID, Name: name, CreatedAt: now}
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	return m, tx.Commit()
}

func (e Engine) ListMembers(ctx context.Context, tenantID string) ([]domain.Member, error) {
	return e.Repo.ListMembers(ctx, tenantID)
}

// ProvisionAgent creates an agent owned by ownerID and returns the plaintext
// key. Only the key hash is stored.
func (e Engine) ProvisionAgent(ctx context.Context, tenantID, ownerID, name string) (domain.Agent, string, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Agent{}, "", domain.Invalid("name", "is required")
	}
	key, err := actor.GenerateAPIKey()
	if err != nil {
		return domain.Agent{}, "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, "", err
	}
	defer tx.Rollback()
	now := e.now()
	if err := e.Repo.EnsureTenant(ctx, tx, tenantID, "", now); err != nil {
		return domain.Agent{}, "", fmt.Errorf("ensure tenant: %w", err)
	}
	a := domain.Agent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		OwnerID:   ownerID,
		Name:      strings.TrimSpace(name),
		KeyHash:   actor.HashAPIKey(key),
		CreatedAt: now,
	}
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, "", err
	}
	return a, key, nil
}

func (e Engine) ListAgents(ctx context.Context, tenantID string) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, tenantID)
}

// RevokeAgent disables an agent key. Later lookups report ErrNotFound.
func (e Engine) RevokeAgent(ctx context.Context, tenantID, id string) error {
	return e.Repo.RevokeAgent(ctx, tenantID, id, e.now())
}
