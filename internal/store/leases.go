package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrLeaseHeldByOther is returned by AcquireLease when name is currently
// held by a different owner.
var ErrLeaseHeldByOther = errors.New("store: singleton lease held by another owner")

// SingletonLease is the durable record of a cluster singleton's current
// owner, used by internal/singleton so a restarted manager can tell its own
// stale lease from a still-active peer's during handover.
type SingletonLease struct {
	Name        string
	OwnerAddr   string
	OwnerUID    string
	AcquiredAt  time.Time
}

// AcquireLease attempts to record self as the owner of the singleton named
// name. It succeeds if no lease exists yet, or if the existing lease is
// already held by the same owner (idempotent re-acquisition after a
// manager restart); it fails with ErrLeaseHeldByOther if a different owner
// currently holds it.
func (s *Store) AcquireLease(ctx context.Context, name, ownerAddr,
	ownerUID string, now time.Time) error {

	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var existingUID string
		err := tx.QueryRowContext(ctx,
			`SELECT owner_uid FROM singleton_leases WHERE singleton_name = ?`,
			name,
		).Scan(&existingUID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO singleton_leases
					(singleton_name, owner_address, owner_uid, acquired_at)
				VALUES (?, ?, ?, ?)`,
				name, ownerAddr, ownerUID, now.Unix())
			return err

		case err != nil:
			return err

		case existingUID != ownerUID:
			return ErrLeaseHeldByOther

		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE singleton_leases
				SET owner_address = ?, acquired_at = ?
				WHERE singleton_name = ?`,
				ownerAddr, now.Unix(), name)
			return err
		}
	})
}

// ForceAcquireLease unconditionally overwrites the lease for name,
// regardless of its current owner. Used only when the recorded owner has
// left the cluster (handover) or the manager's handover timeout has
// elapsed, as a safety valve against a crashed owner that never released
// its lease.
func (s *Store) ForceAcquireLease(ctx context.Context, name, ownerAddr,
	ownerUID string, now time.Time) error {

	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO singleton_leases
				(singleton_name, owner_address, owner_uid, acquired_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(singleton_name) DO UPDATE SET
				owner_address = excluded.owner_address,
				owner_uid = excluded.owner_uid,
				acquired_at = excluded.acquired_at`,
			name, ownerAddr, ownerUID, now.Unix())
		return err
	})
}

// ReleaseLease removes the lease for name, but only if it's held by
// ownerUID -- a manager can never release a lease it doesn't currently
// hold, e.g. after losing and regaining oldest-member status.
func (s *Store) ReleaseLease(ctx context.Context, name, ownerUID string) error {
	return s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM singleton_leases
			WHERE singleton_name = ? AND owner_uid = ?`,
			name, ownerUID)
		return err
	})
}

// CurrentLease returns the lease currently recorded for name, if any.
func (s *Store) CurrentLease(ctx context.Context, name string) (SingletonLease, bool, error) {
	var lease SingletonLease
	var acquiredAt int64

	err := s.DB().QueryRowContext(ctx, `
		SELECT singleton_name, owner_address, owner_uid, acquired_at
		FROM singleton_leases WHERE singleton_name = ?`, name,
	).Scan(&lease.Name, &lease.OwnerAddr, &lease.OwnerUID, &acquiredAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return SingletonLease{}, false, nil
	case err != nil:
		return SingletonLease{}, false, err
	}

	lease.AcquiredAt = time.Unix(acquiredAt, 0).UTC()
	return lease, true, nil
}
