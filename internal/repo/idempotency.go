package repo

import (
	"context"
	"database/sql"
	"time"
)

// LookupIdempotencyKey returns the entity created under key by actorID.
func (r Repo) LookupIdempotencyKey(ctx context.Context, tx *sql.Tx, tenantID, actorID, key string) (string, error) {
	var entityID string
	err := r.q(tx).QueryRowContext(ctx, `SELECT entity_id FROM idempotency_keys WHERE tenant_id=? AND actor_id=? AND key=?`, tenantID, actorID, key).Scan(&entityID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return entityID, err
}

func (r Repo) InsertIdempotencyKey(ctx context.Context, tx *sql.Tx, tenantID, actorID, key, entityID string, at time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO idempotency_keys(tenant_id,actor_id,key,entity_id,created_at) VALUES (?,?,?,?,?)`,
		tenantID, actorID, key, entityID, FormatTime(at))
	return Classify(err)
}
