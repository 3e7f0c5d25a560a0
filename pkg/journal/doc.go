/*
Package journal is a write-only, append-only diagnostics log of the
events a service.Service emits once per iteration (step, step_error,
watchdog_error), kept for post-mortem inspection after a crash.

Uses the familiar bucket-per-entity, db.Update/db.View/json.Marshal-
Unmarshal idiom over go.etcd.io/bbolt, with one bucket per emitting
service (Event.Service), keyed "launch_id:iteration" so every event
from every process instantiation of that service sorts and lists in
order.
This is observability state, never read back by the Hub, Driver,
Controller, or Watchdog — it carries none of the reconciliation state
that stays out of persistence by design.
*/
package journal
