package kvlock

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cuemby/sentinel/pkg/log"
)

// Config configures an etcd-backed Client. Timeout bounds every
// individual RPC the client issues.
type Config struct {
	Endpoints []string
	Timeout   time.Duration
}

// EtcdClient implements Client against go.etcd.io/etcd/client/v3,
// grounded on other_examples' heartbeat.go (lease Grant, KeepAlive
// channel handling, keepalive-failure classification).
type EtcdClient struct {
	cli     *clientv3.Client
	timeout time.Duration
}

// NewEtcdClient dials an etcd cluster.
func NewEtcdClient(cfg Config) (*EtcdClient, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %v: %v", ErrLockCreateFailed, cfg.Endpoints, err)
	}
	return &EtcdClient{cli: cli, timeout: cfg.Timeout}, nil
}

// Close closes the underlying etcd client connection.
func (c *EtcdClient) Close() error { return c.cli.Close() }

func (c *EtcdClient) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Acquire grants a lease with ttl and tries to create key atomically
// bound to that lease. A grant/RPC failure is ErrLockCreateFailed
// (network-level, CRITICAL at the watchdog); losing the creation race to
// another label is ErrLockAlreadyOccupied (MINOR at the watchdog).
func (c *EtcdClient) Acquire(ctx context.Context, key string, ttl time.Duration, label string) (*Lock, error) {
	rctx, cancel := c.ctx(ctx)
	defer cancel()

	lease, err := c.cli.Grant(rctx, int64(ttl.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("%w: grant lease for %s: %v", ErrLockCreateFailed, key, err)
	}

	txn := c.cli.Txn(rctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, label, clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key))
	resp, err := txn.Commit()
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrLockCreateFailed, key, err)
	}
	if !resp.Succeeded {
		_, _ = c.cli.Revoke(rctx, lease.ID)
		return nil, fmt.Errorf("%w: key %s held by another label", ErrLockAlreadyOccupied, key)
	}

	log.Logger.Debug().Str("key", key).Int64("lease_id", int64(lease.ID)).Msg("kvlock: acquired")
	return &Lock{ID: int64(lease.ID), Key: key, Label: label, client: c}, nil
}

// FromLease reconstructs a Lock from a bare lease id, used by the
// lease watchdog's health check (including in the supervisor, which
// only has the id shared via pkg/shm, never the original Lock value).
func (c *EtcdClient) FromLease(ctx context.Context, leaseID int64) (*Lock, error) {
	info, err := c.Lease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if info.TTL <= 0 {
		return nil, fmt.Errorf("%w: lease %d", ErrLeaseExpired, leaseID)
	}
	return &Lock{ID: leaseID, client: c}, nil
}

// Lease looks up a lease's remaining TTL.
func (c *EtcdClient) Lease(ctx context.Context, leaseID int64) (LeaseInfo, error) {
	rctx, cancel := c.ctx(ctx)
	defer cancel()

	resp, err := c.cli.TimeToLive(rctx, clientv3.LeaseID(leaseID))
	if err != nil {
		return LeaseInfo{}, fmt.Errorf("%w: lease %d: %v", ErrLeaseExpired, leaseID, err)
	}
	if resp.TTL <= 0 {
		return LeaseInfo{}, fmt.Errorf("%w: lease %d", ErrLeaseExpired, leaseID)
	}
	return LeaseInfo{
		ID:         leaseID,
		TTL:        time.Duration(resp.TTL) * time.Second,
		GrantedTTL: time.Duration(resp.GrantedTTL) * time.Second,
	}, nil
}

// refresh keeps a lease alive via a single KeepAliveOnce RPC, matching
// the etcd watchdog's per-step refresh (no background keepalive
// goroutine — each service step drives its own refresh cadence).
func (c *EtcdClient) refresh(ctx context.Context, leaseID int64) error {
	rctx, cancel := c.ctx(ctx)
	defer cancel()

	if _, err := c.cli.KeepAliveOnce(rctx, clientv3.LeaseID(leaseID)); err != nil {
		return fmt.Errorf("%w: lease %d: %v", ErrLockExpired, leaseID, err)
	}
	return nil
}

// release revokes the lease, immediately freeing the key for the next
// acquirer. Errors are the caller's (Watchdog.Teardown's) to suppress.
func (c *EtcdClient) release(ctx context.Context, leaseID int64) error {
	rctx, cancel := c.ctx(ctx)
	defer cancel()

	if _, err := c.cli.Revoke(rctx, clientv3.LeaseID(leaseID)); err != nil {
		return fmt.Errorf("kvlock: revoke lease %d: %w", leaseID, err)
	}
	return nil
}
