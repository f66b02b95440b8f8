package clusterkit

import (
	"context"
	"time"

	"github.com/clusterkit/clusterkit/internal/sharding"
	"github.com/clusterkit/clusterkit/internal/singleton"
	"github.com/clusterkit/clusterkit/internal/store"
)

// leaseStoreAdapter satisfies singleton.LeaseStore over a concrete
// store.Store, translating store.SingletonLease to singleton.Lease.
type leaseStoreAdapter struct {
	store *store.Store
}

func (a leaseStoreAdapter) AcquireLease(ctx context.Context, name, ownerAddr,
	ownerUID string, now time.Time) error {

	return a.store.AcquireLease(ctx, name, ownerAddr, ownerUID, now)
}

func (a leaseStoreAdapter) ForceAcquireLease(ctx context.Context, name, ownerAddr,
	ownerUID string, now time.Time) error {

	return a.store.ForceAcquireLease(ctx, name, ownerAddr, ownerUID, now)
}

func (a leaseStoreAdapter) ReleaseLease(ctx context.Context, name, ownerUID string) error {
	return a.store.ReleaseLease(ctx, name, ownerUID)
}

func (a leaseStoreAdapter) CurrentLease(ctx context.Context, name string) (singleton.Lease, bool, error) {
	lease, ok, err := a.store.CurrentLease(ctx, name)
	if err != nil || !ok {
		return singleton.Lease{}, ok, err
	}
	return singleton.Lease{
		OwnerAddress: lease.OwnerAddr,
		OwnerUID:     lease.OwnerUID,
		AcquiredAt:   lease.AcquiredAt,
	}, true, nil
}

// entityStoreAdapter satisfies sharding.EntityStore over a concrete
// store.Store, supplying the wall-clock timestamp store.Store's methods
// take explicitly.
type entityStoreAdapter struct {
	store *store.Store
}

func (a entityStoreAdapter) RememberEntity(ctx context.Context, entityType string,
	shardID uint32, entityID string) error {

	return a.store.RememberEntity(ctx, entityType, shardID, entityID, time.Now().Unix())
}

func (a entityStoreAdapter) ForgetEntity(ctx context.Context, entityType string,
	shardID uint32, entityID string) error {

	return a.store.ForgetEntity(ctx, entityType, shardID, entityID)
}

func (a entityStoreAdapter) RememberedEntitiesForShard(ctx context.Context,
	entityType string, shardID uint32) ([]string, error) {

	return a.store.RememberedEntitiesForShard(ctx, entityType, shardID)
}

func (a entityStoreAdapter) ForgetShard(ctx context.Context, entityType string, shardID uint32) error {
	return a.store.ForgetShard(ctx, entityType, shardID)
}

// allocationStoreAdapter satisfies sharding.AllocationStore over a concrete
// store.Store.
type allocationStoreAdapter struct {
	store *store.Store
}

func (a allocationStoreAdapter) SaveAllocation(ctx context.Context, entityType string,
	shardID uint32, memberAddress string) error {

	return a.store.SaveAllocation(ctx, entityType, shardID, memberAddress, time.Now().Unix())
}

func (a allocationStoreAdapter) RemoveAllocation(ctx context.Context, entityType string, shardID uint32) error {
	return a.store.RemoveAllocation(ctx, entityType, shardID)
}

func (a allocationStoreAdapter) LoadAllocations(ctx context.Context, entityType string) (map[uint32]string, error) {
	return a.store.LoadAllocations(ctx, entityType)
}

func (a allocationStoreAdapter) ClearAllocationsForMember(ctx context.Context, memberAddress string) error {
	return a.store.ClearAllocationsForMember(ctx, memberAddress)
}

var (
	_ singleton.LeaseStore     = leaseStoreAdapter{}
	_ sharding.EntityStore     = entityStoreAdapter{}
	_ sharding.AllocationStore = allocationStoreAdapter{}
)
