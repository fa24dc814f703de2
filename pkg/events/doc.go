/*
Package events provides an in-memory event broker for VM and cluster
lifecycle events, and an optional AMQP forwarder.

	pool / scheduler / poller / cleanup
	        │ Publish (never blocks, drops when full)
	        ▼
	┌─────────────── Broker ───────────────┐
	│ event channel (buffer 100)           │
	│        │ broadcast loop              │
	│        ▼                             │
	│ subscriber channels (buffer 50 each) │
	└──────┬───────────────────┬───────────┘
	       ▼                   ▼
	  Forwarder            other subscribers
	  (AMQP topic exchange,
	   routing key = event type)

Events are best effort. Slow subscribers miss events instead of stalling
the control loops.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	fwd, err := events.DialForwarder(cfg.Events.AMQPURL, cfg.Events.Exchange, broker, logger)
	if err == nil {
		fwd.Start()
		defer fwd.Stop()
	}

	broker.Publish(events.VMEvent(events.EventVMCreated, vm, "booted on "+vm.ClusterName))
*/
package events
