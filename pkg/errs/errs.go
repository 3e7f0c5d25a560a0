package errs

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/sentinel/pkg/types"
)

// StopHub is raised by a Controller to request a clean Hub shutdown. It
// is recovered exactly at (*hub.Hub).Step's boundary; any other error
// from a controller pass stops the Hub too, but is re-raised to the
// caller of Serve.
type StopHub struct {
	Reason string
}

func (e *StopHub) Error() string { return fmt.Sprintf("stop hub by reason: %s", e.Reason) }

// UnitExists is raised by AddUnit when the uuid is already registered.
type UnitExists struct {
	UnitUUID uuid.UUID
}

func (e *UnitExists) Error() string {
	return fmt.Sprintf("unit with %s uuid already exists", e.UnitUUID)
}

// UnitNotFound is raised by UpdateUnit/RemoveUnit for an unknown uuid.
type UnitNotFound struct {
	UnitUUID uuid.UUID
}

func (e *UnitNotFound) Error() string {
	return fmt.Sprintf("unit with %s uuid is not found", e.UnitUUID)
}

// ServiceExists is raised by the driver's AddService on a duplicate uuid.
type ServiceExists struct {
	TargetUUID uuid.UUID
}

func (e *ServiceExists) Error() string {
	return fmt.Sprintf("service with %s id already exists", e.TargetUUID)
}

// ServiceNotFound is raised by driver operations on an unregistered uuid.
type ServiceNotFound struct {
	TargetUUID uuid.UUID
}

func (e *ServiceNotFound) Error() string {
	return fmt.Sprintf("service with %s id is not found", e.TargetUUID)
}

// DriverUnsupportedState is raised when a target state outside a
// driver's supported set is requested.
type DriverUnsupportedState struct {
	Driver string
	State  types.State
}

func (e *DriverUnsupportedState) Error() string {
	return fmt.Sprintf("driver %s doesn't support %s state", e.Driver, e.State)
}

// UnexpectedServiceState is raised when a transition handler observes a
// process state its own logic assumed could not occur (e.g. a
// "start again" handler finding the process already running).
type UnexpectedServiceState struct {
	TargetUUID uuid.UUID
	State      types.State
}

func (e *UnexpectedServiceState) Error() string {
	return fmt.Sprintf("service %s is in illegal state %s", e.TargetUUID, e.State)
}

// ServiceWaitTimeoutError is raised when a bounded WaitService/
// WaitAllServices call times out before the child process exits.
type ServiceWaitTimeoutError struct {
	TargetUUID uuid.UUID
	Timeout    time.Duration
}

func (e *ServiceWaitTimeoutError) Error() string {
	return fmt.Sprintf("service %s wait timed out after %s", e.TargetUUID, e.Timeout)
}
