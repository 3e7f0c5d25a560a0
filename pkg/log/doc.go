/*
Package log provides structured logging for the supervisor, built on
zerolog.

It wraps zerolog to provide JSON or console output, component-scoped
child loggers (WithComponent, WithUnit, WithLaunchID), and a small
process-wide level facade: SetLevel and ToggleDebug. ToggleDebug exists
because the service runtime's SIGUSR1 handler must flip the root log
level between its configured level and Debug without reaching into
zerolog's global state directly — this package is the single place that
piece of global, process-wide state lives.
*/
package log
