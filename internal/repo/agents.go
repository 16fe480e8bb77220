package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"agentbase/internal/domain"
)

// InsertAgent stores a provisioned agent. KeyHash must already contain the
// hashed key.
func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	if a.ID == "" {
		return errors.New("id required")
	}
	if a.TenantID == "" || a.OwnerID == "" {
		return errors.New("tenant_id and owner_id required")
	}
	if a.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(id,tenant_id,owner_id,name,api_key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.OwnerID, a.Name, a.KeyHash, FormatTime(a.CreatedAt))
	return Classify(err)
}

// GetLiveAgentByHash returns the unrevoked agent owning hash. Revoked
// agents are reported as ErrNotFound.
func (r Repo) GetLiveAgentByHash(ctx context.Context, hash string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,owner_id,name,api_key_hash,created_at,revoked_at FROM agents WHERE api_key_hash=? AND revoked_at IS NULL LIMIT 1`, hash)
	return scanAgent(row)
}

func scanAgent(row scanner) (domain.Agent, error) {
	var (
		a         domain.Agent
		createdAt string
		revokedAt sql.NullString
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.OwnerID, &a.Name, &a.KeyHash, &createdAt, &revokedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Agent{}, ErrNotFound
		}
		return domain.Agent{}, err
	}
	var err error
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return domain.Agent{}, err
	}
	if a.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// ListAgents returns a tenant's agents, revoked ones included.
func (r Repo) ListAgents(ctx context.Context, tenantID string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,owner_id,name,api_key_hash,created_at,revoked_at FROM agents WHERE tenant_id=? ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// RevokeAgent marks an agent revoked. Revocation is final.
func (r Repo) RevokeAgent(ctx context.Context, tenantID, id string, at time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE agents SET revoked_at=? WHERE id=? AND tenant_id=? AND revoked_at IS NULL`, FormatTime(at), id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
