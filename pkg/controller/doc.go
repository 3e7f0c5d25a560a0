/*
Package controller implements the policy layer that decides, each Hub
step, what a driver should do with its units: drive every unit towards
its declared target state (AlwaysForceTarget), or abort the whole Hub
the moment any unit lands in a state considered unrecoverable (Panic).

Panic additionally takes a set of states it considers unrecoverable
(default FAILED and NUMB) and, on hitting one, runs a best-effort
fast-stop sweep across every unit before escalating.
*/
package controller
