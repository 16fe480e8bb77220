package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"agentbase/internal/domain"
)

const entityColumns = `id,tenant_id,kind,fields_json,created_by,created_by_type,created_at,updated_at,deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (domain.Entity, error) {
	var (
		e                    domain.Entity
		kind, fieldsJSON     string
		creatorKind          string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := row.Scan(&e.ID, &e.TenantID, &kind, &fieldsJSON, &e.CreatedBy, &creatorKind, &createdAt, &updatedAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Entity{}, ErrNotFound
		}
		return domain.Entity{}, err
	}
	e.Kind = domain.EntityKind(kind)
	e.CreatedByKind = domain.ActorKind(creatorKind)
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return domain.Entity{}, fmt.Errorf("decode fields of %s: %w", e.ID, err)
	}
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	var err error
	if e.CreatedAt, err = ParseTime(createdAt); err != nil {
		return domain.Entity{}, err
	}
	if e.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return domain.Entity{}, err
	}
	if e.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return domain.Entity{}, err
	}
	return e, nil
}

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO entities(`+entityColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, string(e.Kind), string(data), e.CreatedBy, string(e.CreatedByKind),
		FormatTime(e.CreatedAt), FormatTime(e.UpdatedAt), nullableTime(e.DeletedAt))
	return Classify(err)
}

// UpdateEntity rewrites the fields, updated_at and deleted_at of a row.
func (r Repo) UpdateEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE entities SET fields_json=?, updated_at=?, deleted_at=? WHERE id=? AND tenant_id=? AND kind=?`,
		string(data), FormatTime(e.UpdatedAt), nullableTime(e.DeletedAt), e.ID, e.TenantID, string(e.Kind))
	if err != nil {
		return Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteEntity(ctx context.Context, tx *sql.Tx, tenantID string, kind domain.EntityKind, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM entities WHERE id=? AND tenant_id=? AND kind=?`, id, tenantID, string(kind))
	if err != nil {
		return Classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEntity returns a row of kind in tenantID, tombstoned or not.
func (r Repo) GetEntity(ctx context.Context, tx *sql.Tx, tenantID string, kind domain.EntityKind, id string) (domain.Entity, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=? AND tenant_id=? AND kind=?`, id, tenantID, string(kind))
	return scanEntity(row)
}

// GetEntities returns the rows among ids that exist, keyed by id.
func (r Repo) GetEntities(ctx context.Context, tx *sql.Tx, tenantID string, kind domain.EntityKind, ids []string) (map[string]domain.Entity, error) {
	out := make(map[string]domain.Entity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := []any{tenantID, string(kind)}
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE tenant_id=? AND kind=? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// ListEntities returns live rows newest first.
func (r Repo) ListEntities(ctx context.Context, tenantID string, kind domain.EntityKind, limit int) ([]domain.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE tenant_id=? AND kind=? AND deleted_at IS NULL ORDER BY created_at DESC, id DESC`
	args := []any{tenantID, string(kind)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
