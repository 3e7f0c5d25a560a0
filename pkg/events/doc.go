/*
Package events provides an in-memory event bus carrying the service
runtime's step/step-error/watchdog-error events.

Broker is a non-blocking pub/sub bus: Send never blocks the caller on a
slow subscriber, and a full subscriber buffer simply drops that event for
that subscriber rather than applying backpressure to the step loop.
pkg/service depends only on the narrow Sender interface, so a Broker, a
pkg/journal writer, or a test double can all stand in for it.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		// ...
	}
*/
package events
