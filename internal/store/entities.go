package store

import (
	"context"
	"database/sql"
)

// RememberedEntity identifies one entity a shard must reactivate on
// startup, used by internal/sharding's remember-entities feature so that
// entities with no pending message still come back up after a shard
// handoff or a whole-process restart.
type RememberedEntity struct {
	EntityType string
	ShardID    uint32
	EntityID   string
}

// RememberEntity records that entityID belongs to shardID and should be
// started automatically whenever that shard is (re)activated. Idempotent:
// remembering an entity that's already remembered is a no-op.
func (s *Store) RememberEntity(ctx context.Context, entityType string,
	shardID uint32, entityID string, now int64) error {

	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO remembered_entities
				(entity_type, shard_id, entity_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_type, shard_id, entity_id) DO NOTHING`,
			entityType, shardID, entityID, now)
		return err
	})
}

// ForgetEntity removes entityID from the remembered set for shardID, called
// when the entity passivates normally rather than being evicted by a shard
// handoff.
func (s *Store) ForgetEntity(ctx context.Context, entityType string,
	shardID uint32, entityID string) error {

	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM remembered_entities
			WHERE entity_type = ? AND shard_id = ? AND entity_id = ?`,
			entityType, shardID, entityID)
		return err
	})
}

// RememberedEntitiesForShard returns every entity ID remembered for
// (entityType, shardID), loaded by a Shard actor as it activates so it can
// recreate each entity before processing any buffered messages.
func (s *Store) RememberedEntitiesForShard(ctx context.Context, entityType string,
	shardID uint32) ([]string, error) {

	rows, err := s.DB().QueryContext(ctx, `
		SELECT entity_id FROM remembered_entities
		WHERE entity_type = ? AND shard_id = ?
		ORDER BY entity_id`, entityType, shardID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ForgetShard removes every remembered entity for (entityType, shardID) in
// one transaction, used when a shard region is torn down permanently (e.g.
// its entity type is undeployed) rather than merely handed off.
func (s *Store) ForgetShard(ctx context.Context, entityType string, shardID uint32) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM remembered_entities
			WHERE entity_type = ? AND shard_id = ?`,
			entityType, shardID)
		return err
	})
}
