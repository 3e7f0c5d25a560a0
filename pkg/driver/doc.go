/*
Package driver implements ProcessDriver, the per-worker state machine
that realizes a Unit's target state by spawning, signalling, waiting,
killing and restarting an OS child process, synthesising the observed
state from the process's exit status and its watchdog's liveness.

SetState dispatches through a transition table keyed by (old, new)
state; a target equal to the current state is a no-op, and a pair not
in the table is a programmer error. ServiceExists/ServiceNotFound guard
AddService/RemoveService against duplicate or unknown unit UUIDs.

Go has no fork(): os/exec always execs a fresh image, so the shared
heartbeat/lease/signal cells a worker needs (pkg/shm, opened by
pkg/watchdog) cannot simply be inherited memory. Instead ProcessDriver
creates those cells before starting the child and points the child at
them through environment variables — placing the shared cells before
the child exists at all, the Go-idiomatic analogue of placing them in
memory before a fork.
*/
package driver
