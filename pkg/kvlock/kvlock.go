/*
Package kvlock defines the coordination-service contract the
lease-backed watchdog (pkg/watchdog.Lease) builds on: a distributed lock
primitive backed by a renewable lease in an external KV store.

The contract is acquire/refresh/release/from_lease plus a lease lookup
and four typed errors, realized against go.etcd.io/etcd/client/v3 in
etcd.go.
*/
package kvlock

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the four ways a lock operation can fail. Concrete
// failures wrap one of these with fmt.Errorf("...: %w", ...) so callers
// can classify with errors.Is.
var (
	// ErrLockExpired means a previously held lock's lease is gone; the
	// caller should fall through to Acquire.
	ErrLockExpired = errors.New("kvlock: lock expired")
	// ErrLockAlreadyOccupied means another label holds the key.
	ErrLockAlreadyOccupied = errors.New("kvlock: lock already occupied")
	// ErrLockCreateFailed means the underlying KV store could not be
	// reached to even attempt the acquire (a network-level failure,
	// distinct from a contested key).
	ErrLockCreateFailed = errors.New("kvlock: lock create failed")
	// ErrLeaseExpired means a lease id looked up via Lease() no longer
	// exists.
	ErrLeaseExpired = errors.New("kvlock: lease expired")
)

// LeaseInfo is the result of looking up a lease id.
type LeaseInfo struct {
	ID         int64
	TTL        time.Duration
	GrantedTTL time.Duration
}

// Lock is a held distributed lock. The lock object lives only in the
// process that acquired it (with pkg/watchdog.Lease, the worker whose
// Enter ran Acquire); any other process, such as the supervisor
// checking liveness, reaches the same lease only via its numeric ID
// through FromLease and never acquires the lock itself.
type Lock struct {
	ID    int64
	Key   string
	Label string

	client Client
}

// Refresh renews the lock's lease. Returns ErrLockExpired if the lease
// is already gone.
func (l *Lock) Refresh(ctx context.Context) error {
	return l.client.refresh(ctx, l.ID)
}

// Release revokes the lock's lease, making the key immediately
// available to other acquirers.
func (l *Lock) Release(ctx context.Context) error {
	return l.client.release(ctx, l.ID)
}

// Client is the coordination-service contract consumed by
// pkg/watchdog.Lease. Acquire/FromLease/Lease are the entry points; Lock
// carries Refresh/Release bound to the client that created it.
type Client interface {
	// Acquire attempts to create key with the given label, held for ttl.
	// Returns ErrLockAlreadyOccupied if another label already holds it,
	// or ErrLockCreateFailed if the store could not be reached at all.
	Acquire(ctx context.Context, key string, ttl time.Duration, label string) (*Lock, error)

	// FromLease reconstructs a Lock handle from a previously acquired
	// lease id, without needing the Lock value that created it. Returns
	// ErrLeaseExpired if the lease is gone.
	FromLease(ctx context.Context, leaseID int64) (*Lock, error)

	// Lease looks up a lease's remaining TTL.
	Lease(ctx context.Context, leaseID int64) (LeaseInfo, error)

	// Close releases any resources held by the client (connections).
	Close() error

	refresh(ctx context.Context, leaseID int64) error
	release(ctx context.Context, leaseID int64) error
}
