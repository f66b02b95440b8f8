package singleton

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/membership"
)

// ErrLeaseHeldByOther is the error an implementation of LeaseStore's
// AcquireLease should return when name is currently held by a different
// owner. internal/store's AcquireLease returns its own equivalent; callers
// wiring it in should map store.ErrLeaseHeldByOther to this one, or just
// return any non-nil error -- Manager only distinguishes "acquired" from
// "did not acquire", never the specific failure reason.
var ErrLeaseHeldByOther = errors.New("singleton: lease held by another owner")

// Instance is a running cluster singleton instance. Stop is given a
// deadline-bound context and should release any resources the Factory
// acquired.
type Instance interface {
	Stop(ctx context.Context)
}

// Factory starts a new singleton Instance on the local member. It is only
// ever invoked on the member the Manager has determined is the current
// owner.
type Factory func(ctx context.Context) Instance

// Lease is the durable record of a singleton's current owner.
type Lease struct {
	OwnerAddress string
	OwnerUID     string
	AcquiredAt   time.Time
}

// LeaseStore is the persistence seam this package acquires/releases leases
// through, kept separate from internal/store so this package never depends
// on a concrete database.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, ownerAddr, ownerUID string, now time.Time) error
	ForceAcquireLease(ctx context.Context, name, ownerAddr, ownerUID string, now time.Time) error
	ReleaseLease(ctx context.Context, name, ownerUID string) error
	CurrentLease(ctx context.Context, name string) (Lease, bool, error)
}

// Config controls a singleton's placement and lease timing.
type Config struct {
	// Name identifies the singleton; also the lease row's primary key.
	Name string

	// Role restricts eligible hosts to members carrying this role. Empty
	// means every Up member is eligible.
	Role string

	// BufferSize is the default capacity of a Proxy's outgoing buffer
	// while no owner is known.
	BufferSize int

	// HandoverTimeout bounds how long a newly-elected owner waits for the
	// previous owner's lease to clear before forcibly taking over.
	HandoverTimeout time.Duration

	// ReevaluateInterval is how often placement is recomputed against the
	// latest membership snapshot and, if eligible, the lease re-attempted.
	ReevaluateInterval time.Duration
}

// DefaultConfig returns the spec's defaults: a 1000-message proxy buffer, a
// 5 second handover timeout, and a 1 second placement re-evaluation tick.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		BufferSize:         1000,
		HandoverTimeout:    5 * time.Second,
		ReevaluateInterval: time.Second,
	}
}

// OwnerChanged is published whenever the singleton's current owner address
// changes, so that Proxy instances and other observers can redirect.
type OwnerChanged struct {
	Address string
	Known   bool
}

// Manager decides, on every member, who currently owns the named
// singleton, and runs the local Instance when that member is self. Exactly
// one Manager across the cluster has a non-nil running instance at a time
// under normal operation; during handover, briefly zero may.
type Manager struct {
	cfg           Config
	factory       Factory
	store         LeaseStore
	members       *membership.Actor
	membershipBus *membership.Bus

	bus *Bus

	doneCh   chan struct{}
	stopOnce func()

	mu           sync.RWMutex
	running      Instance
	ownerAddr    string
	hasOwner     bool
	becameTarget time.Time
}

// NewManager returns a Manager for cfg, hosting instances built by factory,
// persisting the lease via store, and tracking placement via members and
// membershipBus (the same Bus members was constructed with).
func NewManager(cfg Config, factory Factory, store LeaseStore,
	members *membership.Actor, membershipBus *membership.Bus) *Manager {

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.HandoverTimeout <= 0 {
		cfg.HandoverTimeout = 5 * time.Second
	}
	if cfg.ReevaluateInterval <= 0 {
		cfg.ReevaluateInterval = time.Second
	}

	m := &Manager{
		cfg:           cfg,
		factory:       factory,
		store:         store,
		members:       members,
		membershipBus: membershipBus,
		bus:           NewBus(),
		doneCh:        make(chan struct{}),
	}
	var once bool
	m.stopOnce = func() {
		if !once {
			once = true
			close(m.doneCh)
		}
	}
	return m
}

// Subscribe registers a listener for OwnerChanged events.
func (m *Manager) Subscribe(bufferSize int) (<-chan OwnerChanged, func()) {
	return m.bus.Subscribe(bufferSize)
}

// OwnerAddress returns the last known owner address, if any.
func (m *Manager) OwnerAddress() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownerAddr, m.hasOwner
}

// Run drives the manager's placement loop until ctx is cancelled or Stop is
// called.
func (m *Manager) Run(ctx context.Context) {
	events, unsubscribe := m.membershipBus.Subscribe(64)
	defer unsubscribe()

	ticker := time.NewTicker(m.cfg.ReevaluateInterval)
	defer ticker.Stop()

	m.reevaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			m.stopLocalInstance(context.Background())
			return
		case <-m.doneCh:
			m.stopLocalInstance(context.Background())
			return
		case ev := <-events:
			switch ev.(type) {
			case membership.MemberUp, membership.MemberDowned,
				membership.MemberRemoved, membership.LeaderChanged:
				m.reevaluate(ctx)
			}
		case <-ticker.C:
			m.reevaluate(ctx)
		}
	}
}

// Stop ends the placement loop and stops any locally-running instance.
func (m *Manager) Stop() {
	m.stopOnce()
}

// reevaluate recomputes the target owner from the latest membership
// snapshot and acquires, releases, or retries the lease accordingly.
func (m *Manager) reevaluate(ctx context.Context) {
	snap := m.members.Snapshot(ctx)
	self := m.members.Self()

	target, ok := oldestEligible(snap, m.cfg.Role)
	now := time.Now()

	if !ok {
		return
	}

	isTarget := target.Address == self.Address && target.UID == self.UID

	if !isTarget {
		m.becameTarget = time.Time{}
		if m.running != nil {
			m.stopLocalInstance(ctx)
			if err := m.store.ReleaseLease(ctx, m.cfg.Name, self.UID); err != nil {
				log.WarnS(ctx, "failed to release singleton lease",
					"name", m.cfg.Name, "err", err)
			}
		}
		m.setOwner(target.Address)
		return
	}

	if m.running != nil {
		m.setOwner(self.Address)
		return
	}

	if m.becameTarget.IsZero() {
		m.becameTarget = now
	}

	err := m.store.AcquireLease(ctx, m.cfg.Name, self.Address, self.UID, now)
	switch {
	case err == nil:
		m.startLocalInstance(ctx)
		m.setOwner(self.Address)
		return

	default:
		lease, hasLease, lErr := m.store.CurrentLease(ctx, m.cfg.Name)
		if lErr != nil {
			log.WarnS(ctx, "failed to read singleton lease",
				"name", m.cfg.Name, "err", lErr)
			return
		}

		prevOwnerGone := hasLease && !snapshotHasAddress(snap, lease.OwnerAddress)
		timedOut := now.Sub(m.becameTarget) >= m.cfg.HandoverTimeout

		if !hasLease || prevOwnerGone || timedOut {
			if fErr := m.store.ForceAcquireLease(ctx, m.cfg.Name, self.Address, self.UID, now); fErr != nil {
				log.WarnS(ctx, "failed to force-acquire singleton lease",
					"name", m.cfg.Name, "err", fErr)
				return
			}
			m.startLocalInstance(ctx)
			m.setOwner(self.Address)
			return
		}

		m.setOwner(lease.OwnerAddress)
	}
}

func (m *Manager) startLocalInstance(ctx context.Context) {
	m.running = m.factory(ctx)
	log.InfoS(ctx, "singleton instance started locally", "name", m.cfg.Name)
}

func (m *Manager) stopLocalInstance(ctx context.Context) {
	if m.running == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.HandoverTimeout)
	m.running.Stop(stopCtx)
	cancel()
	m.running = nil
	log.InfoS(ctx, "singleton instance stopped locally", "name", m.cfg.Name)
}

func (m *Manager) setOwner(addr string) {
	m.mu.Lock()
	unchanged := m.hasOwner && m.ownerAddr == addr
	m.ownerAddr = addr
	m.hasOwner = true
	m.mu.Unlock()

	if !unchanged {
		m.bus.Publish(OwnerChanged{Address: addr, Known: true})
	}
}

// oldestEligible returns the lowest-ordered Up member carrying role (or any
// Up member, if role is empty), matching the spec's cluster-size-1
// boundary: with one member, that member is both leader and oldest, so the
// singleton runs immediately.
func oldestEligible(snap membership.Snapshot, role string) (membership.Member, bool) {
	for _, m := range snap.UpMembers() {
		if role == "" || m.HasRole(role) {
			return m, true
		}
	}
	return membership.Member{}, false
}

func snapshotHasAddress(snap membership.Snapshot, addr string) bool {
	for _, m := range snap.UpMembers() {
		if m.Address == addr {
			return true
		}
	}
	return false
}
