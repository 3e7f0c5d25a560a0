package controller

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cuemby/sentinel/pkg/errs"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/types"
)

// Driver is the subset of ProcessDriver a Controller needs: read the
// observed state of every unit, and push one unit towards a new state.
type Driver interface {
	GetStates() map[uuid.UUID]types.State
	SetState(targetUUID uuid.UUID, old, new types.State) error
}

// Controller is the policy that decides what to do with a Hub's units
// on every step.
type Controller interface {
	// Manage drives driver's units towards targetStates. It returns an
	// *errs.StopHub when the controller itself decides the Hub should
	// shut down (Panic's unrecoverable-state detection); any other
	// error propagates as a step failure.
	Manage(targetStates map[uuid.UUID]types.State, driver Driver) error
	// Stop asks Manage to abort at its next safe point.
	Stop(driver Driver)
}

// AlwaysForceTarget drives every unit towards its target state on every
// step, unconditionally.
type AlwaysForceTarget struct {
	stop atomic.Bool
}

// NewAlwaysForceTarget constructs an AlwaysForceTarget controller.
func NewAlwaysForceTarget() *AlwaysForceTarget {
	return &AlwaysForceTarget{}
}

// Manage implements Controller.
func (c *AlwaysForceTarget) Manage(targetStates map[uuid.UUID]types.State, driver Driver) error {
	currentStates := driver.GetStates()
	for unitUUID, target := range targetStates {
		if c.stop.Load() {
			log.Logger.Info().Msg("controller: aborting state management")
			return nil
		}
		if err := driver.SetState(unitUUID, currentStates[unitUUID], target); err != nil {
			return err
		}
	}
	return nil
}

// Stop implements Controller.
func (c *AlwaysForceTarget) Stop(driver Driver) {
	log.Logger.Info().Msg("controller: stopping")
	c.stop.Store(true)
}

// DefaultPanicStates is the set of observed states Panic treats as
// unrecoverable when no explicit set is given.
var DefaultPanicStates = map[types.State]bool{
	types.StateFailed: true,
	types.StateNumb:   true,
}

// Panic drives units towards their target state like AlwaysForceTarget,
// but aborts the entire Hub the moment any unit is observed in one of
// panicStates, after a best-effort attempt to stop every other unit.
type Panic struct {
	panicStates map[types.State]bool
	stop        atomic.Bool
}

// NewPanic constructs a Panic controller. A nil or empty panicStates
// falls back to DefaultPanicStates.
func NewPanic(panicStates map[types.State]bool) *Panic {
	if len(panicStates) == 0 {
		panicStates = DefaultPanicStates
	}
	return &Panic{panicStates: panicStates}
}

// fastStop makes a single best-effort pass trying to stop every unit,
// swallowing individual failures: this runs while already unwinding
// towards a StopHub, and one unit's stop failure must not prevent the
// others from being asked to stop too.
func (c *Panic) fastStop(driver Driver, currentStates map[uuid.UUID]types.State) {
	log.Logger.Info().Msg("controller: stopping all services")
	for unitUUID, current := range currentStates {
		if err := driver.SetState(unitUUID, current, types.StateStopped); err != nil {
			log.Logger.Debug().Err(err).Str("unit", unitUUID.String()).
				Msg("controller: fast-stop couldn't stop unit")
		}
	}
}

// Manage implements Controller.
func (c *Panic) Manage(targetStates map[uuid.UUID]types.State, driver Driver) error {
	currentStates := driver.GetStates()
	for unitUUID, target := range targetStates {
		if c.stop.Load() {
			log.Logger.Info().Msg("controller: aborting state management")
			return nil
		}
		current := currentStates[unitUUID]
		if c.panicStates[current] {
			reason := fmt.Sprintf("unit %s has reached unexpected state=%s", unitUUID, current)
			log.Logger.Error().Msg("controller: " + reason)
			c.fastStop(driver, currentStates)
			return &errs.StopHub{Reason: reason}
		}
		if err := driver.SetState(unitUUID, current, target); err != nil {
			return err
		}
	}
	return nil
}

// Stop implements Controller.
func (c *Panic) Stop(driver Driver) {
	log.Logger.Info().Msg("controller: stopping")
	c.stop.Store(true)
}
