package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ClusterSource lists the clusters to probe
type ClusterSource interface {
	Clusters() []cluster.Cluster
}

// Monitor probes every cluster's API endpoint on an interval and exports
// the outcome as cloudscheduler_cluster_reachable and as a health component
type Monitor struct {
	source ClusterSource
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	statuses map[string]*Status

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// checkerFor is replaced in tests
	checkerFor func(cl cluster.Cluster) Checker
}

// NewMonitor creates a monitor. Zero fields of cfg take DefaultConfig values.
func NewMonitor(source ClusterSource, cfg Config, logger zerolog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	m := &Monitor{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		statuses: make(map[string]*Status),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	m.checkerFor = func(cl cluster.Cluster) Checker {
		return ForCluster(cl.Accounting().Config(), m.cfg.Timeout)
	}
	return m
}

// Start begins probing
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor and waits for the current round to end
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// CheckAll probes every cluster once, in parallel
func (m *Monitor) CheckAll(ctx context.Context) {
	clusters := m.source.Clusters()
	seen := make(map[string]bool, len(clusters))

	var g errgroup.Group
	g.SetLimit(8)
	for _, cl := range clusters {
		name := cl.Name()
		seen[name] = true
		checker := m.checkerFor(cl)
		if checker == nil {
			continue
		}
		g.Go(func() error {
			m.record(name, checker, checker.Check(ctx))
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.statuses {
		if !seen[name] {
			delete(m.statuses, name)
			metrics.ClusterReachable.DeleteLabelValues(name)
			metrics.RemoveComponent(ComponentName(name))
		}
	}
}

func (m *Monitor) record(name string, checker Checker, result Result) {
	m.mu.Lock()
	st, ok := m.statuses[name]
	if !ok {
		st = NewStatus()
		m.statuses[name] = st
	}
	changed := st.Update(result, m.cfg)
	healthy := st.Healthy
	m.mu.Unlock()

	if healthy {
		metrics.ClusterReachable.WithLabelValues(name).Set(1)
		metrics.UpdateComponent(ComponentName(name), true, "")
	} else {
		metrics.ClusterReachable.WithLabelValues(name).Set(0)
		metrics.UpdateComponent(ComponentName(name), false, result.Message)
	}

	if !changed {
		m.logger.Debug().
			Str("cluster", name).
			Str("target", checker.Target()).
			Bool("healthy", result.Healthy).
			Dur("duration", result.Duration).
			Msg(result.Message)
		return
	}
	if healthy {
		m.logger.Info().
			Str("cluster", name).
			Str("target", checker.Target()).
			Msg("Cloud endpoint reachable again")
	} else {
		m.logger.Warn().
			Str("cluster", name).
			Str("target", checker.Target()).
			Str("check", string(checker.Type())).
			Int("failures", st.ConsecutiveFailures).
			Msg("Cloud endpoint unreachable: " + result.Message)
	}
}

// ComponentName is the health component a cluster's probe reports as.
// These never block readiness, they only degrade /health.
func ComponentName(clusterName string) string {
	return "cloud:" + clusterName
}

// Reachable reports whether the cluster's endpoint answered recently. A
// cluster that is not probed, or not probed yet, counts as reachable.
func (m *Monitor) Reachable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[name]
	return !ok || st.Healthy
}

// Statuses returns a copy of every probed cluster's status
func (m *Monitor) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.statuses))
	for name, st := range m.statuses {
		out[name] = *st
	}
	return out
}
