/*
Package service implements the SoftIRQ service runtime: an infinite
step loop bracketed by a Watchdog, with signal-driven stop/reload/
debug-toggle control and an optional event stream.

Each iteration runs a seven-step sequence: dispatch any pending
cross-process signal, bracket the step with the watchdog, classify any
failure as step-vs-watchdog, generate a heartbeat unless the step
failed or the watchdog failed critically, then emit up to three events and advance the
iteration counter.
*/
package service
