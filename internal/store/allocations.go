package store

import (
	"context"
	"database/sql"
)

// ShardAllocation is the durable record of which member currently owns a
// shard, persisted by the shard coordinator singleton so a restarted
// coordinator can rebuild its allocation table without forcing every shard
// through a fresh rebalance.
type ShardAllocation struct {
	EntityType    string
	ShardID       uint32
	MemberAddress string
}

// SaveAllocation records that shardID of entityType is allocated to
// memberAddress, overwriting any prior allocation.
func (s *Store) SaveAllocation(ctx context.Context, entityType string,
	shardID uint32, memberAddress string, now int64) error {

	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO shard_allocations
				(entity_type, shard_id, member_address, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(entity_type, shard_id) DO UPDATE SET
				member_address = excluded.member_address,
				updated_at = excluded.updated_at`,
			entityType, shardID, memberAddress, now)
		return err
	})
}

// RemoveAllocation deletes the allocation record for shardID, used when a
// shard is deliberately undeployed rather than rebalanced to a new owner.
func (s *Store) RemoveAllocation(ctx context.Context, entityType string, shardID uint32) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM shard_allocations
			WHERE entity_type = ? AND shard_id = ?`,
			entityType, shardID)
		return err
	})
}

// LoadAllocations returns every persisted shard allocation for entityType,
// keyed by shard ID, loaded by the coordinator singleton on startup before
// it accepts any GetShardHome requests.
func (s *Store) LoadAllocations(ctx context.Context, entityType string) (map[uint32]string, error) {
	rows, err := s.DB().QueryContext(ctx, `
		SELECT shard_id, member_address FROM shard_allocations
		WHERE entity_type = ?`, entityType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint32]string)
	for rows.Next() {
		var shardID uint32
		var addr string
		if err := rows.Scan(&shardID, &addr); err != nil {
			return nil, err
		}
		out[shardID] = addr
	}
	return out, rows.Err()
}

// ClearAllocationsForMember removes every shard allocation currently
// pointing at memberAddress, used by the coordinator when membership
// reports that member as permanently Removed so its shards are eligible
// for reallocation rather than being stuck pointing at a dead owner.
func (s *Store) ClearAllocationsForMember(ctx context.Context, memberAddress string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM shard_allocations
			WHERE member_address = ?`,
			memberAddress)
		return err
	})
}
