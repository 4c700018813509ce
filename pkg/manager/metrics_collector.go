package manager

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/acs/pkg/metrics"
)

const sampleInterval = 15 * time.Second

// MetricsCollector samples gauges that no event can maintain
type MetricsCollector struct {
	manager *Manager
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMetricsCollector creates a sampler over mgr
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{manager: mgr}
}

// Start samples once, then every sampleInterval until Stop
func (c *MetricsCollector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()

		for {
			c.collect(ctx)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends sampling and waits for an in-flight sample
func (c *MetricsCollector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *MetricsCollector) collect(ctx context.Context) {
	c.collectSessionMetrics()
	c.collectConfigMetrics(ctx)
}

func (c *MetricsCollector) collectSessionMetrics() {
	metrics.LocalSessions.Set(float64(c.manager.engine.ActiveSessions()))
	metrics.EventsDropped.Set(float64(c.manager.broker.Dropped()))
}

func (c *MetricsCollector) collectConfigMetrics(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	revision, err := c.manager.snapshots.Revision(ctx)
	if err != nil {
		return
	}
	snap, err := c.manager.snapshots.Get(revision)
	if err != nil {
		return
	}

	counts := map[string]int{
		"preset":            len(snap.Presets),
		"provision":         len(snap.Provisions),
		"virtual_parameter": len(snap.VirtualParameters),
		"file":              len(snap.Files),
		"config":            len(snap.Config),
	}
	for kind, n := range counts {
		metrics.ConfigObjects.WithLabelValues(kind).Set(float64(n))
	}
}
