/*
Package types defines the supervisor's data model: the five-value State
enum and the Unit record.

A Unit couples a stable identity with an immutable ProcessFactory (the
executable, arguments, and environment used to spawn the worker) and a
mutable target State. Units are declared through the Hub and materialized
as OS processes by the driver; this package only carries the data, not
the behaviour of either.

# State

	StateInitial  process record exists, never started
	StateRunning  process alive, heartbeat fresh (if a watchdog applies)
	StateStopped  process not alive, clean exit or explicit stop
	StateFailed   process not alive, abnormal exit
	StateNumb     process alive, watchdog stale

Only StateRunning and StateStopped are ever valid as a Unit's target;
the other three are observation-only and are produced by the driver, not
accepted as a target by the driver's SetState (ValidateTargetState).
*/
package types
