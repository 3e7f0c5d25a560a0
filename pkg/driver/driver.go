package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/sentinel/pkg/errs"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/shm"
	"github.com/cuemby/sentinel/pkg/types"
	"github.com/cuemby/sentinel/pkg/watchdog"
)

// Environment variables a worker process can read to locate the shared
// cells the driver created for it, the Go rendering of "place cells in
// shared memory before fork" with os/exec's exec-only semantics.
const (
	EnvHeartbeatSHM = "SENTINEL_HEARTBEAT_SHM"
	EnvLeaseSHM     = "SENTINEL_LEASE_SHM"
	EnvSignalSHM    = "SENTINEL_SIGNAL_SHM"
)

// killJoinTimeout bounds how long killProcess waits for the process to
// actually exit after SIGKILL before giving up and only logging.
const killJoinTimeout = 100 * time.Millisecond

// pather is implemented by watchdog.Timed and, by embedding, by
// watchdog.Lease; it lets the driver locate a watchdog's backing cells
// without widening the Watchdog interface itself.
type pather interface {
	Path() string
}

// serviceEntry is the driver-side record for one unit: its factory, the
// child process handle (if any), whether it was forcibly marked
// stopped, the in-service watchdog, and the signal cell the driver
// writes into to forward SIGHUP/SIGUSR1.
type serviceEntry struct {
	factory         types.ProcessFactory
	watchdog        watchdog.Watchdog
	signalCell      *shm.Int64Cell
	signalPath      string
	cmd             *exec.Cmd
	forciblyStopped bool

	done     chan struct{}
	exitCode int
}

func (e *serviceEntry) started() bool {
	return e.cmd != nil && e.cmd.Process != nil
}

// processState derives state purely from OS process status: unstarted
// is INITIAL, no recorded exit yet is RUNNING, a clean exit (0 or
// -SIGTERM) is STOPPED, anything else is FAILED.
func (e *serviceEntry) processState() types.State {
	if !e.started() {
		return types.StateInitial
	}
	select {
	case <-e.done:
	default:
		return types.StateRunning
	}
	if e.exitCode == 0 || e.exitCode == -int(syscall.SIGTERM) {
		return types.StateStopped
	}
	return types.StateFailed
}

// transitionHandler performs one state-machine action for a unit.
type transitionHandler func(d *ProcessDriver, targetUUID uuid.UUID, entry *serviceEntry) error

// ProcessDriver is the OS-process-backed driver. Target states are
// limited to RUNNING and STOPPED; every other observed state is
// computed, never set directly.
type ProcessDriver struct {
	baseDir string

	mu       sync.Mutex
	entries  map[uuid.UUID]*serviceEntry
	handlers map[types.State]map[types.State]transitionHandler
}

// New constructs a ProcessDriver whose shared cell files are created
// under baseDir.
func New(baseDir string) *ProcessDriver {
	d := &ProcessDriver{
		baseDir: baseDir,
		entries: make(map[uuid.UUID]*serviceEntry),
	}
	d.handlers = map[types.State]map[types.State]transitionHandler{
		types.StateInitial: {
			types.StateRunning: (*ProcessDriver).startHandler,
			types.StateStopped: (*ProcessDriver).setStoppedHandler,
		},
		types.StateRunning: {
			types.StateStopped: (*ProcessDriver).stopHandler,
		},
		types.StateStopped: {
			types.StateRunning: (*ProcessDriver).startAgainHandler,
		},
		types.StateFailed: {
			types.StateRunning: (*ProcessDriver).startAgainHandler,
			types.StateStopped: (*ProcessDriver).setStoppedHandler,
		},
		types.StateNumb: {
			types.StateRunning: (*ProcessDriver).killAndRestartHandler,
			types.StateStopped: (*ProcessDriver).killHandler,
		},
	}
	return d
}

// targetStates are the only states ValidateTargetState accepts.
var targetStates = map[types.State]bool{
	types.StateRunning: true,
	types.StateStopped: true,
}

// ValidateTargetState rejects any state other than RUNNING/STOPPED as a
// target.
func (d *ProcessDriver) ValidateTargetState(state types.State) error {
	if !targetStates[state] {
		return &errs.DriverUnsupportedState{Driver: "ProcessDriver", State: state}
	}
	return nil
}

// AddService registers a new unit's process record. factory describes
// the child to exec; wd is the watchdog this worker will be supervised
// by (pass watchdog.NewNone() for no liveness requirement). The process
// is constructed but not started, mirroring _init_service's "bound but
// not yet started" handle.
func (d *ProcessDriver) AddService(targetUUID uuid.UUID, factory types.ProcessFactory, wd watchdog.Watchdog) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[targetUUID]; exists {
		return &errs.ServiceExists{TargetUUID: targetUUID}
	}
	entry := &serviceEntry{factory: factory, watchdog: wd}
	if err := d.initService(targetUUID, entry); err != nil {
		return err
	}
	d.entries[targetUUID] = entry
	log.Logger.Info().Str("unit", targetUUID.String()).Msg("driver: added service")
	return nil
}

// RemoveService stops and joins a unit's process (unbounded wait), then
// forgets it entirely.
func (d *ProcessDriver) RemoveService(targetUUID uuid.UUID) error {
	d.mu.Lock()
	entry, ok := d.entries[targetUUID]
	d.mu.Unlock()
	if !ok {
		return &errs.ServiceNotFound{TargetUUID: targetUUID}
	}

	log.Logger.Info().Str("unit", targetUUID.String()).Msg("driver: removing service")
	d.stopProcess(targetUUID, entry)
	if err := d.waitProcess(targetUUID, entry, 0); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.entries, targetUUID)
	d.mu.Unlock()

	if err := entry.watchdog.Teardown(); err != nil {
		log.Logger.Warn().Err(err).Str("unit", targetUUID.String()).Msg("driver: watchdog teardown failed")
	}
	removeCells(entry)
	log.Logger.Info().Str("unit", targetUUID.String()).Msg("driver: removed service")
	return nil
}

func removeCells(entry *serviceEntry) {
	if remover, ok := entry.watchdog.(interface{ Remove() error }); ok {
		if err := remover.Remove(); err != nil {
			log.Logger.Warn().Err(err).Msg("driver: failed to remove watchdog cells")
		}
	}
	if entry.signalCell != nil {
		if err := entry.signalCell.Remove(); err != nil {
			log.Logger.Warn().Err(err).Msg("driver: failed to remove signal cell")
		}
	}
}

// GetStates returns the observed state of every registered unit.
func (d *ProcessDriver) GetStates() map[uuid.UUID]types.State {
	d.mu.Lock()
	defer d.mu.Unlock()

	states := make(map[uuid.UUID]types.State, len(d.entries))
	for id, entry := range d.entries {
		states[id] = d.overrideServiceState(entry, entry.processState())
	}
	return states
}

// overrideServiceState applies two overrides to the raw process state:
// a forcibly-stopped flag sticks whenever the process isn't RUNNING; a
// RUNNING process with a stale watchdog becomes NUMB.
func (d *ProcessDriver) overrideServiceState(entry *serviceEntry, real types.State) types.State {
	if entry.forciblyStopped && real != types.StateRunning {
		return types.StateStopped
	}
	if real == types.StateRunning && !entry.watchdog.IsAlive() {
		return types.StateNumb
	}
	return real
}

// SetState drives one unit towards new, dispatching through the
// transition table. new is validated as a target state first (an
// observation-only new is rejected even when new==old); after that,
// new==old is a no-op. Any (old,new) pair absent from
// the table is a programmer error and panics, never a returned error.
func (d *ProcessDriver) SetState(targetUUID uuid.UUID, old, new types.State) error {
	if err := d.ValidateTargetState(new); err != nil {
		return err
	}
	if new == old {
		return nil
	}

	d.mu.Lock()
	entry, ok := d.entries[targetUUID]
	d.mu.Unlock()
	if !ok {
		return &errs.ServiceNotFound{TargetUUID: targetUUID}
	}

	log.Logger.Debug().Str("unit", targetUUID.String()).Str("old", string(old)).Str("new", string(new)).
		Msg("driver: changing state")

	row, ok := d.handlers[old]
	if !ok {
		panic(fmt.Sprintf("driver: unlisted transition %s -> %s for unit %s", old, new, targetUUID))
	}
	handler, ok := row[new]
	if !ok {
		panic(fmt.Sprintf("driver: unlisted transition %s -> %s for unit %s", old, new, targetUUID))
	}
	return handler(d, targetUUID, entry)
}

// StopService sends SIGTERM to a single unit's process.
func (d *ProcessDriver) StopService(targetUUID uuid.UUID) error {
	d.mu.Lock()
	entry, ok := d.entries[targetUUID]
	d.mu.Unlock()
	if !ok {
		return &errs.ServiceNotFound{TargetUUID: targetUUID}
	}
	log.Logger.Info().Str("unit", targetUUID.String()).Msg("driver: stopping target")
	d.stopProcess(targetUUID, entry)
	return nil
}

// SendSignal writes sig into the target unit's cross-process signal
// cell, for its worker's service.dispatchSignal to pick up and act on
// at the top of its next iteration. This is the driver side of
// SIGHUP/SIGUSR1 forwarding: the supervisor never delivers these
// signals to the child process directly, only through the shared cell.
func (d *ProcessDriver) SendSignal(targetUUID uuid.UUID, sig syscall.Signal) error {
	d.mu.Lock()
	entry, ok := d.entries[targetUUID]
	d.mu.Unlock()
	if !ok {
		return &errs.ServiceNotFound{TargetUUID: targetUUID}
	}
	if entry.signalCell == nil {
		return fmt.Errorf("driver: unit %s has no signal cell", targetUUID)
	}
	if err := entry.signalCell.Store(int64(sig)); err != nil {
		return fmt.Errorf("driver: send signal to %s: %w", targetUUID, err)
	}
	log.Logger.Info().Str("unit", targetUUID.String()).Int("signal", int(sig)).
		Msg("driver: forwarded signal")
	return nil
}

// StopAllServices sends SIGTERM to every registered unit's process,
// best-effort: a single failure is logged but does not stop the sweep.
func (d *ProcessDriver) StopAllServices() error {
	d.mu.Lock()
	entries := make(map[uuid.UUID]*serviceEntry, len(d.entries))
	for id, e := range d.entries {
		entries[id] = e
	}
	d.mu.Unlock()

	log.Logger.Info().Msg("driver: stopping all targets")
	for id, entry := range entries {
		d.stopProcess(id, entry)
	}
	return nil
}

// WaitService blocks until a unit's process exits, or until timeout
// elapses (0 means unbounded).
func (d *ProcessDriver) WaitService(targetUUID uuid.UUID, timeout time.Duration) error {
	d.mu.Lock()
	entry, ok := d.entries[targetUUID]
	d.mu.Unlock()
	if !ok {
		return &errs.ServiceNotFound{TargetUUID: targetUUID}
	}
	log.Logger.Info().Str("unit", targetUUID.String()).Msg("driver: waiting target")
	return d.waitProcess(targetUUID, entry, timeout)
}

// WaitAllServices blocks until every registered unit's process exits,
// or until timeout elapses per unit (0 means unbounded).
func (d *ProcessDriver) WaitAllServices(timeout time.Duration) error {
	d.mu.Lock()
	entries := make(map[uuid.UUID]*serviceEntry, len(d.entries))
	for id, e := range d.entries {
		entries[id] = e
	}
	d.mu.Unlock()

	log.Logger.Info().Msg("driver: waiting all targets")
	var waitErrs []error
	for id, entry := range entries {
		if err := d.waitProcess(id, entry, timeout); err != nil {
			waitErrs = append(waitErrs, err)
		}
	}
	return errors.Join(waitErrs...)
}

// initService builds the child command and its shared cells, binding
// but not starting it. Reinitialising an existing entry (a restart from
// a terminal state) replaces the cmd and clears forciblyStopped: that
// override is cleared only by a fresh initService.
func (d *ProcessDriver) initService(targetUUID uuid.UUID, entry *serviceEntry) error {
	signalPath := fmt.Sprintf("%s/%s.signal", d.baseDir, targetUUID)
	if entry.signalCell == nil {
		cell, err := shm.CreateInt64Cell(signalPath)
		if err != nil {
			return fmt.Errorf("driver: create signal cell: %w", err)
		}
		entry.signalCell = cell
		entry.signalPath = signalPath
	}

	env := append(os.Environ(), entry.factory.Env...)
	env = append(env, EnvSignalSHM+"="+entry.signalPath)
	if p, ok := entry.watchdog.(pather); ok {
		env = append(env, EnvHeartbeatSHM+"="+p.Path(), EnvLeaseSHM+"="+p.Path())
	}

	cmd := exec.Command(entry.factory.Path, entry.factory.Args...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	entry.cmd = cmd
	entry.forciblyStopped = false
	entry.done = make(chan struct{})
	entry.exitCode = 0
	return nil
}

func (d *ProcessDriver) reap(targetUUID uuid.UUID, entry *serviceEntry) {
	err := entry.cmd.Wait()
	entry.exitCode = exitCode(entry.cmd, err)
	close(entry.done)
	log.Logger.Debug().Str("unit", targetUUID.String()).Int("exit_code", entry.exitCode).
		Msg("driver: child process exited")
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	ps := cmd.ProcessState
	if ps == nil {
		return -1
	}
	if status, ok := ps.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return -int(status.Signal())
		}
		return status.ExitStatus()
	}
	if waitErr == nil {
		return 0
	}
	return ps.ExitCode()
}

// startHandler starts the (already initialised, not-yet-started) child.
func (d *ProcessDriver) startHandler(targetUUID uuid.UUID, entry *serviceEntry) error {
	if err := entry.cmd.Start(); err != nil {
		return fmt.Errorf("driver: start %s: %w", targetUUID, err)
	}
	go d.reap(targetUUID, entry)
	metrics.ProcessStartsTotal.Inc()
	log.Logger.Info().Str("unit", targetUUID.String()).Int("pid", entry.cmd.Process.Pid).
		Msg("driver: started process")
	return nil
}

// startAgainHandler reinitialises and starts a unit that is currently in
// a terminal (non-RUNNING) state.
func (d *ProcessDriver) startAgainHandler(targetUUID uuid.UUID, entry *serviceEntry) error {
	if cur := entry.processState(); cur == types.StateRunning {
		return &errs.UnexpectedServiceState{TargetUUID: targetUUID, State: cur}
	}
	if err := d.initService(targetUUID, entry); err != nil {
		return err
	}
	return d.startHandler(targetUUID, entry)
}

// setStoppedHandler marks a never-started or terminally-exited unit
// STOPPED without touching its process.
func (d *ProcessDriver) setStoppedHandler(targetUUID uuid.UUID, entry *serviceEntry) error {
	entry.forciblyStopped = true
	return nil
}

// stopHandler sends SIGTERM to a RUNNING unit's process.
func (d *ProcessDriver) stopHandler(targetUUID uuid.UUID, entry *serviceEntry) error {
	d.stopProcess(targetUUID, entry)
	return nil
}

// killHandler sends SIGKILL to a NUMB unit's process, provided it is
// actually still RUNNING (a NUMB determination always implies RUNNING,
// but tolerate the race by logging and returning instead of panicking).
func (d *ProcessDriver) killHandler(targetUUID uuid.UUID, entry *serviceEntry) error {
	if cur := entry.processState(); cur != types.StateRunning {
		log.Logger.Error().Str("unit", targetUUID.String()).
			Msg("driver: tried to kill and restart an innocent service")
		return nil
	}
	d.killProcess(targetUUID, entry)
	return nil
}

// killAndRestartHandler kills a NUMB unit's process, then reinitialises
// and starts it.
func (d *ProcessDriver) killAndRestartHandler(targetUUID uuid.UUID, entry *serviceEntry) error {
	if err := d.killHandler(targetUUID, entry); err != nil {
		return err
	}
	if cur := entry.processState(); cur == types.StateRunning {
		return &errs.UnexpectedServiceState{TargetUUID: targetUUID, State: cur}
	}
	if err := d.initService(targetUUID, entry); err != nil {
		return err
	}
	return d.startHandler(targetUUID, entry)
}

func (d *ProcessDriver) stopProcess(targetUUID uuid.UUID, entry *serviceEntry) {
	if !entry.started() {
		return
	}
	if err := entry.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Logger.Warn().Err(err).Str("unit", targetUUID.String()).
			Msg("driver: failed to terminate process")
		return
	}
	metrics.ProcessStopsTotal.Inc()
}

func (d *ProcessDriver) killProcess(targetUUID uuid.UUID, entry *serviceEntry) {
	if !entry.started() {
		return
	}
	if err := entry.cmd.Process.Signal(syscall.SIGKILL); err != nil {
		log.Logger.Warn().Err(err).Str("unit", targetUUID.String()).
			Msg("driver: failed to kill process")
		return
	}
	metrics.ProcessKillsTotal.Inc()
	if err := d.waitProcess(targetUUID, entry, killJoinTimeout); err != nil {
		log.Logger.Warn().Err(err).Str("unit", targetUUID.String()).Msg("driver: kill-join error")
	}
}

// waitProcess blocks on the process's exit, honouring the join-before-
// start guard (a never-started process is trivially "waited"). timeout
// of 0 blocks unboundedly.
func (d *ProcessDriver) waitProcess(targetUUID uuid.UUID, entry *serviceEntry, timeout time.Duration) error {
	if !entry.started() {
		return nil
	}
	if timeout <= 0 {
		<-entry.done
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		log.Logger.Warn().Str("unit", targetUUID.String()).Dur("timeout", timeout).
			Msg("driver: timed out joining service process")
		return &errs.ServiceWaitTimeoutError{TargetUUID: targetUUID, Timeout: timeout}
	}
}
