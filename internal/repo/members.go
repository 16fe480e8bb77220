package repo

import (
	"context"
	"database/sql"
	"time"

	"agentbase/internal/domain"
)

// EnsureTenant creates the tenant row if missing.
func (r Repo) EnsureTenant(ctx context.Context, tx *sql.Tx, id, name string, at time.Time) error {
	if name == "" {
		name = id
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`, id, name, FormatTime(at))
	return err
}

// UpsertMember adds a human to a tenant or renames an existing member.
func (r Repo) UpsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO members(id,tenant_id,name,created_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id,id) DO UPDATE SET name=excluded.name`, m.ID, m.TenantID, m.Name, FormatTime(m.CreatedAt))
	return Classify(err)
}

func (r Repo) ListMembers(ctx context.Context, tenantID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,name,created_at FROM members WHERE tenant_id=? ORDER BY name, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var (
			m         domain.Member
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Name, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CurrentTenant returns the tenant a user joined first.
func (r Repo) CurrentTenant(ctx context.Context, userID string) (string, error) {
	var tenant string
	err := r.DB.QueryRowContext(ctx, `SELECT tenant_id FROM members WHERE id=? ORDER BY created_at, tenant_id LIMIT 1`, userID).Scan(&tenant)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return tenant, err
}

// ListCandidates returns the tenant's humans followed by its live agents.
func (r Repo) ListCandidates(ctx context.Context, tenantID string) ([]domain.AssigneeCandidate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,'human' FROM members WHERE tenant_id=?
UNION ALL
SELECT id,name,'agent' FROM agents WHERE tenant_id=? AND revoked_at IS NULL
ORDER BY 3 DESC, 2, 1`, tenantID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssigneeCandidate
	for rows.Next() {
		var (
			c    domain.AssigneeCandidate
			kind string
		)
		if err := rows.Scan(&c.ID, &c.Name, &kind); err != nil {
			return nil, err
		}
		c.Kind = domain.ActorKind(kind)
		res = append(res, c)
	}
	return res, rows.Err()
}
