package metrics

import (
	"time"
)

// ClusterSample is a point in time view of one cluster
type ClusterSample struct {
	Name           string
	Enabled        bool
	SlotsTotal     int
	SlotsAvailable int
	VMsByStatus    map[string]int
}

// PoolSampler is implemented by the resource pool
type PoolSampler interface {
	SampleClusters() []ClusterSample
	BanCount() int
}

// JobSampler is implemented by the job pool
type JobSampler interface {
	CountsByState() map[string]int
}

// Collector samples the pool and job state into gauges
type Collector struct {
	pool     PoolSampler
	jobs     JobSampler
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. jobs may be nil.
func NewCollector(pool PoolSampler, jobs JobSampler, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		pool:     pool,
		jobs:     jobs,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect takes one sample
func (c *Collector) Collect() {
	c.collectClusterMetrics()
	c.collectJobMetrics()
}

func (c *Collector) collectClusterMetrics() {
	// Statuses and removed clusters disappear between samples
	ClusterVMSlots.Reset()
	ClusterEnabled.Reset()
	VMsTotal.Reset()

	for _, s := range c.pool.SampleClusters() {
		ClusterVMSlots.WithLabelValues(s.Name, "total").Set(float64(s.SlotsTotal))
		ClusterVMSlots.WithLabelValues(s.Name, "available").Set(float64(s.SlotsAvailable))
		enabled := 0.0
		if s.Enabled {
			enabled = 1
		}
		ClusterEnabled.WithLabelValues(s.Name).Set(enabled)
		for status, n := range s.VMsByStatus {
			VMsTotal.WithLabelValues(s.Name, status).Set(float64(n))
		}
	}
	BansActive.Set(float64(c.pool.BanCount()))
}

func (c *Collector) collectJobMetrics() {
	if c.jobs == nil {
		return
	}
	JobsTotal.Reset()
	for state, n := range c.jobs.CountsByState() {
		JobsTotal.WithLabelValues(state).Set(float64(n))
	}
}
