package metrics

import (
	"github.com/cuemby/acs/pkg/events"
)

// Collector derives metrics from session lifecycle events
type Collector struct {
	broker *events.Broker
	sub    events.Subscriber
	doneCh chan struct{}
}

// NewCollector creates a collector fed by broker
func NewCollector(broker *events.Broker) *Collector {
	return &Collector{
		broker: broker,
		doneCh: make(chan struct{}),
	}
}

// Start begins consuming events
func (c *Collector) Start() {
	c.sub = c.broker.SubscribeTypes(
		events.EventSessionStarted,
		events.EventSessionEnded,
		events.EventSessionTimeout,
		events.EventFaultRecorded,
		events.EventOperationTimeout,
	)
	go func() {
		defer close(c.doneCh)
		for ev := range c.sub {
			c.observe(ev)
		}
	}()
}

// Stop stops the collector and waits for it to drain
func (c *Collector) Stop() {
	c.broker.Unsubscribe(c.sub)
	<-c.doneCh
}

func (c *Collector) observe(ev *events.Event) {
	switch ev.Type {
	case events.EventSessionStarted:
		SessionsActive.Inc()
	case events.EventSessionEnded:
		SessionsActive.Dec()
		outcome := ev.Metadata["outcome"]
		if outcome == "" {
			outcome = "ok"
		}
		SessionsTotal.WithLabelValues(outcome).Inc()
	case events.EventSessionTimeout:
		SessionsActive.Dec()
		SessionsTotal.WithLabelValues("timeout").Inc()
	case events.EventFaultRecorded:
		FaultsTotal.WithLabelValues(ev.Metadata["code"]).Inc()
	case events.EventOperationTimeout:
		FaultsTotal.WithLabelValues("timeout").Inc()
	}
}
