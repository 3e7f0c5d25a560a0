package types

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the closed set of lifecycle states a unit can be observed in,
// or declared to target.
type State string

const (
	// StateInitial means the process record exists but has never started.
	StateInitial State = "initial"
	// StateRunning means the process is alive and, if a watchdog applies,
	// its heartbeat is fresh.
	StateRunning State = "running"
	// StateStopped means the process is not alive; its last exit was
	// clean, or the supervisor explicitly marked it stopped.
	StateStopped State = "stopped"
	// StateFailed means the process is not alive and its last exit was
	// abnormal.
	StateFailed State = "failed"
	// StateNumb means the process is alive but its watchdog is stale.
	StateNumb State = "numb"
)

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// ProcessFactory is the reproducible OS-process invocation a Unit
// declares. It is the Go rendering of "service factory: class + keyword
// arguments" — there is no runtime class object to instantiate, only a
// command line and environment a driver can exec.
//
// A ProcessFactory is immutable once attached to a Unit.
type ProcessFactory struct {
	// Path is the executable to run (resolved the same way exec.LookPath
	// resolves it).
	Path string
	// Args are the arguments passed to Path, excluding Path itself.
	Args []string
	// Env are additional environment variables merged over the ambient
	// environment. The driver appends its own SENTINEL_* variables on
	// top of these at exec time.
	Env []string
}

// Equal reports whether two factories would produce the same invocation.
func (f ProcessFactory) Equal(other ProcessFactory) bool {
	if f.Path != other.Path {
		return false
	}
	if len(f.Args) != len(other.Args) || len(f.Env) != len(other.Env) {
		return false
	}
	for i := range f.Args {
		if f.Args[i] != other.Args[i] {
			return false
		}
	}
	for i := range f.Env {
		if f.Env[i] != other.Env[i] {
			return false
		}
	}
	return true
}

// Unit is a declared-desired record for one worker: a stable identity, an
// immutable factory, and a mutable target state. Identity is by UUID;
// equality is not defined — two Units with the same UUID are the same
// unit by convention, not by value comparison.
type Unit struct {
	uuid    uuid.UUID
	factory ProcessFactory
	state   State
}

// NewUnit constructs a Unit. If id is the zero UUID, a fresh random UUID
// is assigned.
func NewUnit(factory ProcessFactory, state State, id uuid.UUID) Unit {
	if id == uuid.Nil {
		id = uuid.New()
	}
	return Unit{uuid: id, factory: factory, state: state}
}

// UUID returns the unit's stable identity.
func (u Unit) UUID() uuid.UUID { return u.uuid }

// Factory returns the unit's immutable process factory.
func (u Unit) Factory() ProcessFactory { return u.factory }

// State returns the unit's current target state.
func (u Unit) State() State { return u.state }

// SetState mutates only the target state; factory and identity never
// change after construction.
func (u *Unit) SetState(s State) { u.state = s }

// String renders a stable representation suitable for logging.
func (u Unit) String() string {
	return fmt.Sprintf("Unit(uuid=%s, factory=%+v, state=%s)", u.uuid, u.factory, u.state)
}
