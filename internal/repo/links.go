package repo

import (
	"context"
	"database/sql"

	"agentbase/internal/domain"
)

const linkColumns = `id,tenant_id,source_type,source_id,target_type,target_id,created_by,created_at`

func scanLink(row scanner) (domain.Link, error) {
	var (
		l         domain.Link
		createdAt string
	)
	if err := row.Scan(&l.ID, &l.TenantID, &l.SourceType, &l.SourceID, &l.TargetType, &l.TargetID, &l.CreatedBy, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Link{}, ErrNotFound
		}
		return domain.Link{}, err
	}
	t, err := ParseTime(createdAt)
	if err != nil {
		return domain.Link{}, err
	}
	l.CreatedAt = t
	return l, nil
}

func (r Repo) InsertLink(ctx context.Context, tx *sql.Tx, l domain.Link) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO entity_links(`+linkColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.TenantID, l.SourceType, l.SourceID, l.TargetType, l.TargetID, l.CreatedBy, FormatTime(l.CreatedAt))
	return Classify(err)
}

// FindLink looks a link up in either direction.
func (r Repo) FindLink(ctx context.Context, tx *sql.Tx, tenantID, aType, aID, bType, bID string) (domain.Link, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+linkColumns+` FROM entity_links WHERE tenant_id=? AND (
  (source_type=? AND source_id=? AND target_type=? AND target_id=?) OR
  (source_type=? AND source_id=? AND target_type=? AND target_id=?)
) LIMIT 1`, tenantID, aType, aID, bType, bID, bType, bID, aType, aID)
	return scanLink(row)
}

func (r Repo) DeleteLink(ctx context.Context, tx *sql.Tx, tenantID, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM entity_links WHERE tenant_id=? AND id=?`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLinks returns links touching the entity from either side.
func (r Repo) ListLinks(ctx context.Context, tenantID, entityType, entityID string) ([]domain.Link, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+linkColumns+` FROM entity_links WHERE tenant_id=? AND (
  (source_type=? AND source_id=?) OR (target_type=? AND target_id=?)
) ORDER BY created_at, id`, tenantID, entityType, entityID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// DeleteLinksFor removes every link touching the entity.
func (r Repo) DeleteLinksFor(ctx context.Context, tx *sql.Tx, tenantID, entityType, entityID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM entity_links WHERE tenant_id=? AND (
  (source_type=? AND source_id=?) OR (target_type=? AND target_id=?)
)`, tenantID, entityType, entityID, entityType, entityID)
	return err
}
