package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentbase/internal/domain"
)

// ActivityFilters narrows ListActivity. Zero values match everything in
// the tenant.
type ActivityFilters struct {
	TenantID   string
	EntityType string
	EntityID   string
	ActorID    string
	Since      time.Time
	Limit      int
}

// ListActivity returns entries ascending by created_at. With a limit, the
// most recent entries are kept.
func (r Repo) ListActivity(ctx context.Context, f ActivityFilters) ([]domain.ActivityEntry, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at>=?")
		args = append(args, FormatTime(f.Since))
	}
	query := `SELECT seq,id,tenant_id,entity_type,entity_id,COALESCE(entity_label,''),event_type,actor_id,actor_type,COALESCE(payload_json,''),COALESCE(body,''),created_at
FROM activity_log WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}

func scanActivity(row scanner) (domain.ActivityEntry, error) {
	var (
		e                  domain.ActivityEntry
		seq                int64
		event, actorKind   string
		payload, createdAt string
	)
	if err := row.Scan(&seq, &e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &e.EntityLabel, &event, &e.ActorID, &actorKind, &payload, &e.Body, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.ActivityEntry{}, ErrNotFound
		}
		return domain.ActivityEntry{}, err
	}
	e.EventType = domain.EventType(event)
	e.ActorKind = domain.ActorKind(actorKind)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return domain.ActivityEntry{}, fmt.Errorf("decode payload of %s: %w", e.ID, err)
		}
	}
	t, err := ParseTime(createdAt)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	e.CreatedAt = t
	return e, nil
}
