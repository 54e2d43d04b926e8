package telemetry

import (
	"sync"
	"time"
)

// StatsProvider is implemented by the connector
type StatsProvider interface {
	QueueDepths() map[string]int
	OutstandingAcks() int
	OnlineShards() int
}

// MetricsCollector samples connector state into gauges on a ticker.
// Counters are updated inline by the connector; only values that can go
// down without an event (queue depth after a Clean) are sampled here.
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a collector sampling provider every interval
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start samples once and then every interval until Stop
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go func() {
		defer mc.wg.Done()

		ticker := time.NewTicker(mc.interval)
		defer ticker.Stop()

		mc.Collect()
		for {
			select {
			case <-ticker.C:
				mc.Collect()
			case <-mc.stopCh:
				return
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() {
		close(mc.stopCh)
	})
	mc.wg.Wait()
}

// Collect takes one sample
func (mc *MetricsCollector) Collect() {
	if mc.provider == nil {
		return
	}

	// Cleaned importers must disappear from the depth series
	ShardQueueDepth.Reset()
	for importer, depth := range mc.provider.QueueDepths() {
		ShardQueueDepth.With(importer).Set(float64(depth))
	}
	AckTokensOutstanding.Set(float64(mc.provider.OutstandingAcks()))
	ShardsOnline.Set(float64(mc.provider.OnlineShards()))
}
