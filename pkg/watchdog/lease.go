package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/sentinel/pkg/kvlock"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/shm"
)

// LeaseOption configures NewLease beyond its required arguments: the
// lock label, the lock TTL, and whether to bypass the TTL safety check.
type LeaseOption func(*leaseOptions)

type leaseOptions struct {
	lockLabel     string
	lockTTL       time.Duration
	unsafeLockTTL bool
}

// WithLockLabel overrides the label recorded against the held lock.
// Defaults to the short hostname.
func WithLockLabel(label string) LeaseOption {
	return func(o *leaseOptions) { o.lockLabel = label }
}

// WithLockTTL overrides the lock's TTL. Must be at least
// 3*(1+heartbeatTimeout+kvTimeout) unless WithUnsafeLockTTL is also
// supplied.
func WithLockTTL(ttl time.Duration) LeaseOption {
	return func(o *leaseOptions) { o.lockTTL = ttl }
}

// WithUnsafeLockTTL disables the TTL safety check, for tests that need a
// short-lived lease.
func WithUnsafeLockTTL() LeaseOption {
	return func(o *leaseOptions) { o.unsafeLockTTL = true }
}

// Lease extends Timed with a renewable distributed lock: losing the
// lock marks the worker NUMB from the supervisor's perspective, exactly
// as a stale heartbeat would.
//
// The lock object (a *kvlock.Lock, with live Refresh/Release methods)
// is held only by whichever process's Enter call most recently acquired
// or refreshed it; every other process — typically the supervisor,
// which only ever calls IsAlive — reconstructs an ad hoc handle on
// demand via kvlock.Client.FromLease, using the lease id recorded in the
// shared LeaseCell.
type Lease struct {
	*Timed

	client    kvlock.Client
	lockKey   string
	lockLabel string
	lockTTL   time.Duration
	leaseCell *shm.LeaseCell

	mu   sync.Mutex
	lock *kvlock.Lock
}

func defaultLabel() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "sentinel"
	}
	return strings.SplitN(host, ".", 2)[0]
}

func resolveLeaseOptions(heartbeatTimeout, kvTimeout time.Duration, opts []LeaseOption) (leaseOptions, time.Duration, error) {
	o := leaseOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lockLabel == "" {
		o.lockLabel = defaultLabel()
	}
	expected := 3 * (time.Second + heartbeatTimeout + kvTimeout)
	ttl := o.lockTTL
	if ttl == 0 {
		ttl = expected
	}
	if !o.unsafeLockTTL && ttl < expected {
		return o, 0, fmt.Errorf("watchdog: unsafe lock ttl %s < %s (pass WithUnsafeLockTTL to override)", ttl, expected)
	}
	return o, ttl, nil
}

// NewLease creates the backing shared cells at path (driver side) and
// returns a Lease bound to client, targeting lockKey. kvTimeout is the
// client's configured per-RPC timeout, used only for the TTL safety
// computation.
func NewLease(path string, heartbeatTimeout, kvTimeout time.Duration, client kvlock.Client, lockKey string, opts ...LeaseOption) (*Lease, error) {
	o, ttl, err := resolveLeaseOptions(heartbeatTimeout, kvTimeout, opts)
	if err != nil {
		return nil, err
	}
	timed, err := NewTimed(path, heartbeatTimeout)
	if err != nil {
		return nil, err
	}
	leaseCell, err := shm.CreateLeaseCell(path + ".lease")
	if err != nil {
		timed.Remove()
		return nil, err
	}
	return &Lease{
		Timed:     timed,
		client:    client,
		lockKey:   lockKey,
		lockLabel: o.lockLabel,
		lockTTL:   ttl,
		leaseCell: leaseCell,
	}, nil
}

// OpenLease attaches to an existing Lease's cells from another process
// (the worker side).
func OpenLease(path string, heartbeatTimeout time.Duration, client kvlock.Client, lockKey string) (*Lease, error) {
	timed, err := OpenTimed(path, heartbeatTimeout)
	if err != nil {
		return nil, err
	}
	leaseCell, err := shm.OpenLeaseCell(path + ".lease")
	if err != nil {
		timed.Close()
		return nil, err
	}
	return &Lease{Timed: timed, client: client, lockKey: lockKey, leaseCell: leaseCell}, nil
}

// Remove deletes both the timed cells and the lease cell's backing
// files. Only the owning driver, on unit removal, should call this.
func (l *Lease) Remove() error {
	err1 := l.Timed.Remove()
	err2 := l.leaseCell.Remove()
	if err1 != nil {
		return err1
	}
	return err2
}

func (l *Lease) setLock(lock *kvlock.Lock) error {
	l.mu.Lock()
	l.lock = lock
	l.mu.Unlock()

	var id int64
	if lock != nil {
		id = lock.ID
	}
	return l.leaseCell.Set(lock != nil, id)
}

func (l *Lease) getLock() *kvlock.Lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock
}

// lockPhase is the Enter-time lock acquire-or-refresh step: refresh a
// held lock, falling through to acquire on
// KVLockExpired; any other refresh or acquire failure aborts Enter,
// classified MINOR unless the failure is a store-level creation error
// (CRITICAL).
func (l *Lease) lockPhase(ctx context.Context) error {
	if lock := l.getLock(); lock != nil {
		err := lock.Refresh(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, kvlock.ErrLockExpired) {
			return minor(fmt.Errorf("refresh lock %s: %w", l.lockKey, err))
		}
		if err := l.setLock(nil); err != nil {
			return critical(err)
		}
	}

	lock, err := l.client.Acquire(ctx, l.lockKey, l.lockTTL, l.lockLabel)
	if err != nil {
		if errors.Is(err, kvlock.ErrLockCreateFailed) {
			return critical(fmt.Errorf("acquire lock %s: %w", l.lockKey, err))
		}
		return minor(fmt.Errorf("acquire lock %s: %w", l.lockKey, err))
	}
	if err := l.setLock(lock); err != nil {
		return critical(err)
	}
	log.Logger.Info().Str("key", l.lockKey).Str("label", l.lockLabel).
		Dur("ttl", l.lockTTL).Msg("watchdog: acquired lease lock")
	return nil
}

// GenerateHeartbeat updates the base timer, then refreshes the held
// lock. A refresh failure while in context is CRITICAL; outside a step
// it is logged and swallowed.
func (l *Lease) GenerateHeartbeat() error {
	if err := l.Timed.GenerateHeartbeat(); err != nil {
		return err
	}

	lock := l.getLock()
	if lock == nil {
		if l.InContext() {
			return critical(fmt.Errorf("lock %s is undefined within context", l.lockKey))
		}
		return nil
	}

	if err := lock.Refresh(context.Background()); err != nil {
		if l.InContext() {
			return critical(fmt.Errorf("refresh lock %s: %w", l.lockKey, err))
		}
		log.Logger.Warn().Err(err).Str("key", l.lockKey).
			Msg("watchdog: lease refresh failed outside step")
	}
	return nil
}

// checkHealthLease is the Lease-specific health check: the base timed
// check, then — only while in context — a fresh lease lookup and
// refresh against the coordination service.
func (l *Lease) checkHealthLease(ctx context.Context) error {
	if err := l.Timed.checkHealth(); err != nil {
		return err
	}
	if !l.InContext() {
		return nil
	}

	defined, leaseID, err := l.leaseCell.Get()
	if err != nil {
		return critical(err)
	}
	if !defined {
		return critical(fmt.Errorf("lock %s is undefined", l.lockKey))
	}

	lock, err := l.client.FromLease(ctx, leaseID)
	if err != nil {
		return critical(fmt.Errorf("lock %s: %w", l.lockKey, err))
	}
	if err := lock.Refresh(ctx); err != nil {
		return critical(fmt.Errorf("lock %s: refresh: %w", l.lockKey, err))
	}
	return nil
}

// Enter brackets one step, adding the lock phase ahead of the base
// heartbeat-and-health-check sequence.
func (l *Lease) Enter(ctx context.Context) (err error) {
	l.inContextLocal.Store(true)
	defer l.inContextLocal.Store(false)

	if err = l.lockPhase(ctx); err != nil {
		return err
	}
	if err = l.GenerateHeartbeat(); err != nil {
		return err
	}
	if err = l.checkHealthLease(ctx); err != nil {
		return err
	}
	return l.inContext.Store(true)
}

// IsAlive never raises: it wraps checkHealthLease.
func (l *Lease) IsAlive() bool {
	err := l.checkHealthLease(context.Background())
	if err == nil {
		return true
	}
	var wdErr *Error
	if errors.As(err, &wdErr) && wdErr.Severity == SeverityMinor {
		log.Logger.Info().Err(err).Msg("watchdog: not alive")
	} else {
		log.Logger.Error().Err(err).Msg("watchdog: unexpected error during health check")
	}
	return false
}

// Teardown releases the held lock (if any), swallowing errors, then
// tears down the base timed watchdog.
func (l *Lease) Teardown() error {
	if lock := l.getLock(); lock != nil {
		if err := lock.Release(context.Background()); err != nil {
			log.Logger.Warn().Err(err).Str("key", l.lockKey).Msg("watchdog: failed to release lock")
		}
	}
	return l.Timed.Teardown()
}
