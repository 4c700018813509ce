package metrics

import (
	"testing"

	"github.com/cuemby/acs/pkg/events"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorTracksSessions(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	c := NewCollector(broker)
	c.Start()

	before := testutil.ToFloat64(SessionsActive)
	faultsBefore := testutil.ToFloat64(FaultsTotal.WithLabelValues("cwmp.9002"))

	broker.Publish(events.NewEvent(events.EventSessionStarted, "dev-1", "s1", ""))
	broker.Publish(events.NewEvent(events.EventSessionStarted, "dev-2", "s2", ""))
	broker.Publish(events.NewEvent(events.EventSessionEnded, "dev-1", "s1", "").With("outcome", "ok"))
	broker.Publish(events.NewEvent(events.EventFaultRecorded, "dev-2", "s2", "").With("code", "cwmp.9002"))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(SessionsActive) == before+1 &&
			testutil.ToFloat64(FaultsTotal.WithLabelValues("cwmp.9002")) == faultsBefore+1
	}, testTimeout, testTick)

	c.Stop()
}
