/*
Package hub implements Hub, the registry of declared Units that drives a
Driver towards each Unit's target state on a fixed cadence via a
Controller, and that is itself a service.Stepper so it participates in
the same heartbeat/scheduling discipline as any worker it supervises.

AddUnit/UpdateUnit/RemoveUnit enforce unique UUIDs, an immutable
factory after registration, and delegate process teardown to the
driver on removal. Hub.Step runs the controller once per iteration:
StopHub is recovered exactly there, any other controller error stops
the Hub and is re-raised to the caller of Serve. Teardown order is
controller.Stop(driver) -> stop local loop -> driver.StopAllServices()
-> driver.WaitAllServices(). The local-loop stop and the
StopAllServices/WaitAllServices pair are realized by embedding a
*service.Service: Hub.Step triggers service.Service.Stop(), and
Hub.Teardown (called unconditionally by the embedded Service on its way
out) performs the StopAllServices/WaitAllServices pair.
*/
package hub
