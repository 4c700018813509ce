/*
Package events provides an in-process pub/sub broker for session lifecycle
events.

The session engine publishes an Event when a session starts or ends, when
a fault is recorded or cleared, when a task completes and when a pending
operation times out. Subscribers receive events on a buffered channel:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.SubscribeTypes(events.EventFaultRecorded)
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.DeviceID, ev.Metadata["code"])
	}

Publishers attach metadata inline:

	broker.Publish(events.NewEvent(events.EventFaultRecorded, dev, sess, msg).
		With("code", code))

Delivery is best effort. A full queue or subscriber buffer drops the event
and Dropped counts it, so events must not drive state. The metrics
collector is the main consumer.

Publish on a nil *Broker is a no-op, which lets tests build an engine
without one.
*/
package events
