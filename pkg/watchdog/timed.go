/*
Package watchdog implements the in-memory liveness token a worker
refreshes every step (pkg/service) and the supervisor reads to tell
alive-and-progressing from alive-and-hung (pkg/driver).

Two implementations are exported: Timed, a pure heartbeat-staleness
check, and Lease, which additionally ties liveness to a renewable
distributed lock held in pkg/kvlock. Both satisfy the Watchdog interface
pkg/service and pkg/driver depend on. None is the inert base watchdog —
"fully functional but does nothing" — used when a service has no
liveness requirement at all.

A fork()-based supervisor could share this state across processes simply
by inheriting parent memory; Go's os/exec never shares address space
with a child, so this package backs the heartbeat/in-context/lease-id
cells with pkg/shm's mmap+flock files instead, addressed by a
filesystem path handed to the child through an environment variable
(see pkg/driver).
*/
package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/sentinel/pkg/shm"
)

// Watchdog is the contract pkg/service and pkg/driver depend on. Enter/
// Exit bracket one step; GenerateHeartbeat refreshes liveness;
// IsAlive never raises; MarkFailed stickily forces failure; Teardown
// releases resources.
type Watchdog interface {
	Enter(ctx context.Context) error
	Exit() error
	GenerateHeartbeat() error
	IsAlive() bool
	MarkFailed()
	Teardown() error
}

// None is the inert base watchdog: every operation succeeds and
// IsAlive always reports true unless MarkFailed was called. It exists
// for services with no liveness requirement, and is the only watchdog
// a service constructed with Operate=false may carry (pkg/service.New
// refuses any other combination).
type None struct {
	mu     sync.Mutex
	failed bool
}

// NewNone constructs an inert watchdog.
func NewNone() *None { return &None{} }

func (w *None) Enter(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return critical(&ServiceIsMarkedFailed{})
	}
	return nil
}

func (w *None) Exit() error               { return nil }
func (w *None) GenerateHeartbeat() error  { return nil }
func (w *None) Teardown() error           { return nil }

func (w *None) MarkFailed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = true
}

func (w *None) IsAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.failed
}

// Timed is a cross-process liveness check backed by a shared heartbeat
// timestamp: alive iff now-heartbeat < timeout.
type Timed struct {
	path      string
	heartbeat *shm.Int64Cell
	inContext *shm.BoolCell

	// inContextLocal is a process-local boolean: true for the duration
	// of Enter's own body, regardless of whether the shared flag has
	// been set yet. InContext() OR-combines the two so a step in
	// progress in the child appears "in context" to the parent too.
	inContextLocal atomic.Bool

	timeout time.Duration

	mu     sync.Mutex
	failed bool
}

// NewTimed creates the backing shared cells at path (the driver side:
// called once per service factory invocation, before the child process
// is started) and initialises the heartbeat to now, and returns a Timed
// bound to them.
func NewTimed(path string, heartbeatTimeout time.Duration) (*Timed, error) {
	hb, err := shm.CreateInt64Cell(path + ".heartbeat")
	if err != nil {
		return nil, err
	}
	ic, err := shm.CreateBoolCell(path + ".incontext")
	if err != nil {
		hb.Close()
		return nil, err
	}
	t := &Timed{path: path, heartbeat: hb, inContext: ic, timeout: heartbeatTimeout}
	if err := t.GenerateHeartbeat(); err != nil {
		hb.Close()
		ic.Close()
		return nil, err
	}
	return t, nil
}

// OpenTimed attaches to an existing Timed's cells from another process
// (the worker side: the child reads path from the environment variable
// the driver injected and opens the same backing files).
func OpenTimed(path string, heartbeatTimeout time.Duration) (*Timed, error) {
	hb, err := shm.OpenInt64Cell(path + ".heartbeat")
	if err != nil {
		return nil, err
	}
	ic, err := shm.OpenBoolCell(path + ".incontext")
	if err != nil {
		hb.Close()
		return nil, err
	}
	return &Timed{path: path, heartbeat: hb, inContext: ic, timeout: heartbeatTimeout}, nil
}

// Path returns the filesystem prefix backing this watchdog's cells, for
// the driver to pass to the child via SENTINEL_HEARTBEAT_SHM.
func (t *Timed) Path() string { return t.path }

// Remove deletes the backing cell files. Only the owning driver, on
// unit removal, should call this.
func (t *Timed) Remove() error {
	err1 := t.heartbeat.Remove()
	err2 := t.inContext.Remove()
	if err1 != nil {
		return err1
	}
	return err2
}

// Close unmaps the cells without deleting their backing files — a
// worker process detaching, as opposed to the owning driver removing
// the unit entirely.
func (t *Timed) Close() error {
	err1 := t.heartbeat.Close()
	err2 := t.inContext.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// InContext reports whether a step is currently executing, OR-combining
// the process-local flag (true only during this process's own Enter)
// with the shared flag (true for the whole step body, in whichever
// process called Enter).
func (t *Timed) InContext() bool {
	if t.inContextLocal.Load() {
		return true
	}
	v, err := t.inContext.Load()
	return err == nil && v
}

func (t *Timed) setFailed(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = v
}

func (t *Timed) isFailed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// MarkFailed sets a sticky failure bit; every subsequent health check
// fails critically until a fresh watchdog is constructed.
func (t *Timed) MarkFailed() { t.setFailed(true) }

// checkHealth is the base health check: reject if sticky-failed, else
// compare heartbeat age to timeout.
func (t *Timed) checkHealth() error {
	if t.isFailed() {
		return critical(&ServiceIsMarkedFailed{})
	}
	last, err := t.heartbeat.Load()
	if err != nil {
		return critical(err)
	}
	now := time.Now()
	lastT := time.Unix(last, 0)
	delta := now.Sub(lastT)
	if delta >= t.timeout {
		return critical(&ServiceHeartbeatTimeout{
			Timeout:       t.timeout,
			Delta:         delta,
			LastHeartbeat: lastT,
			CheckTime:     now,
		})
	}
	return nil
}

// GenerateHeartbeat updates the shared timestamp to now.
func (t *Timed) GenerateHeartbeat() error {
	return t.heartbeat.Store(time.Now().Unix())
}

// Enter brackets one step: marks in-context, generates a heartbeat,
// performs a final health check; on any failure the flag is cleared
// before the error propagates.
func (t *Timed) Enter(ctx context.Context) (err error) {
	t.inContextLocal.Store(true)
	defer t.inContextLocal.Store(false)

	if err = t.onEnter(ctx); err != nil {
		return err
	}
	if err = t.GenerateHeartbeat(); err != nil {
		return critical(err)
	}
	if err = t.checkHealth(); err != nil {
		return err
	}
	return t.inContext.Store(true)
}

// onEnter is the base watchdog's (no-op) enter hook, called only by
// Timed.Enter; Lease defines its own Enter and runs its lock
// acquire/refresh phase there.
func (t *Timed) onEnter(ctx context.Context) error { return nil }

// Exit clears the shared in-context flag.
func (t *Timed) Exit() error {
	return t.inContext.Store(false)
}

// IsAlive never raises: it wraps checkHealth and reports whether it
// succeeded.
func (t *Timed) IsAlive() bool {
	return t.checkHealth() == nil
}

// Teardown is a no-op for the timed watchdog; it releases no external
// resources (the shared cells are released by the driver via Remove,
// once every process bound to the unit has exited).
func (t *Timed) Teardown() error { return nil }
