package pool

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/events"
	"github.com/cuemby/cloudscheduler/pkg/log"
	"github.com/cuemby/cloudscheduler/pkg/metrics"
	"github.com/cuemby/cloudscheduler/pkg/storage"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// Builder creates a driver for a configured cluster. *cluster.Registry is
// the production implementation.
type Builder interface {
	New(cfg config.Cluster) (cluster.Cluster, error)
}

// Options tune ban tracking and image resolution
type Options struct {
	BanFailrate  float64
	BanMinTrack  int
	BanTTL       time.Duration
	BanFile      string
	DefaultImage map[string]string

	// MaxDestroyThreads bounds concurrent destroys issued by admin calls
	MaxDestroyThreads int
}

// OptionsFromConfig extracts pool options from the global configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BanFailrate:  cfg.BanFailrateThreshold,
		BanMinTrack:  cfg.BanMinTrack,
		BanTTL:       cfg.BanTTL,
		BanFile:      cfg.BanFile,
		DefaultImage: cfg.DefaultVMAMI,

		MaxDestroyThreads: cfg.MaxDestroyThreads,
	}
}

// Pool owns the configured clusters and everything that spans them: fit
// finding, boot failure bans, reloads, persistence and admin operations.
type Pool struct {
	opts    Options
	builder Builder
	store   storage.Store
	broker  *events.Broker
	logger  zerolog.Logger

	// mu guards the cluster lists, which are replaced as a unit
	mu        sync.RWMutex
	clusters  []cluster.Cluster
	retired   []cluster.Cluster
	throttles map[string]*cluster.Throttle

	// setupMu serializes reloads; pending holds at most one queued reload
	setupMu   sync.Mutex
	pendingMu sync.Mutex
	pending   *[]config.Cluster

	banMu    sync.Mutex
	failures map[banKey]*FailureQueue
	bans     map[string]map[string]time.Time

	limitsMu   sync.RWMutex
	aliases    map[string][]string
	userLimits map[string]int

	destroyWG sync.WaitGroup
	now       func() time.Time
}

// New creates an empty pool. store and broker may be nil.
func New(builder Builder, store storage.Store, broker *events.Broker, opts Options, logger zerolog.Logger) *Pool {
	if opts.BanMinTrack <= 0 {
		opts.BanMinTrack = 10
	}
	if opts.BanFailrate <= 0 {
		opts.BanFailrate = 1.0
	}
	if opts.MaxDestroyThreads <= 0 {
		opts.MaxDestroyThreads = 10
	}
	return &Pool{
		opts:       opts,
		builder:    builder,
		store:      store,
		broker:     broker,
		logger:     logger,
		throttles:  make(map[string]*cluster.Throttle),
		failures:   make(map[banKey]*FailureQueue),
		bans:       make(map[string]map[string]time.Time),
		aliases:    make(map[string][]string),
		userLimits: make(map[string]int),
		now:        time.Now,
	}
}

// Clusters returns the active clusters in configuration order
func (p *Pool) Clusters() []cluster.Cluster {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]cluster.Cluster(nil), p.clusters...)
}

// Retired returns clusters removed by a reload that still have VMs being
// destroyed
func (p *Pool) Retired() []cluster.Cluster {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]cluster.Cluster(nil), p.retired...)
}

// Cluster looks an active cluster up by name, ignoring case
func (p *Pool) Cluster(name string) (cluster.Cluster, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cl := findCluster(p.clusters, name); cl != nil {
		return cl, nil
	}
	return nil, cluster.ErrClusterNotFound
}

func findCluster(list []cluster.Cluster, name string) cluster.Cluster {
	for _, cl := range list {
		if strings.EqualFold(cl.Name(), name) {
			return cl
		}
	}
	return nil
}

// FindVM looks a VM up by name or id in the active and retired clusters
func (p *Pool) FindVM(key string) (cluster.Cluster, *types.VM) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, list := range [][]cluster.Cluster{p.clusters, p.retired} {
		for _, cl := range list {
			if vm := cl.Accounting().FindVM(key); vm != nil {
				return cl, vm
			}
		}
	}
	return nil, nil
}

// RecordJobRunTime adds a finished job's run time to the VM it ran on. host
// may be a hostname, VM name or id; a "slotN@" prefix is ignored.
func (p *Pool) RecordJobRunTime(host string, d time.Duration) bool {
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if host == "" {
		return false
	}
	found := false
	p.ForEachVM(false, func(cl cluster.Cluster, vm *types.VM) {
		if found {
			return
		}
		cl.Accounting().UpdateVM(vm, func(v *types.VM) {
			if v.Hostname == host || v.Name == host || v.ID == host {
				v.RecordJobRunTime(d)
				found = true
			}
		})
	})
	return found
}

// ForEachVM calls fn for every VM on active and, when includeRetired is
// set, retired clusters. fn runs without pool locks held.
func (p *Pool) ForEachVM(includeRetired bool, fn func(cl cluster.Cluster, vm *types.VM)) {
	p.mu.RLock()
	lists := [][]cluster.Cluster{append([]cluster.Cluster(nil), p.clusters...)}
	if includeRetired {
		lists = append(lists, append([]cluster.Cluster(nil), p.retired...))
	}
	p.mu.RUnlock()

	for _, list := range lists {
		for _, cl := range list {
			for _, vm := range cl.Accounting().VMs() {
				fn(cl, vm)
			}
		}
	}
}

// AllVMs returns deep copies of every VM on active clusters
func (p *Pool) AllVMs() []*types.VM {
	var out []*types.VM
	for _, cl := range p.Clusters() {
		out = append(out, cl.Accounting().VMSnapshots()...)
	}
	return out
}

// Throttle returns the rate limit throttle for a cluster
func (p *Pool) Throttle(name string) *cluster.Throttle {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.throttles[name]
	if !ok {
		t = cluster.NewThrottle()
		p.throttles[name] = t
	}
	return t
}

// DestroyVM destroys vm on cl and records the outcome
func (p *Pool) DestroyVM(ctx context.Context, cl cluster.Cluster, vm *types.VM, returnResources bool, reason string) error {
	logger := log.WithVM(log.WithCluster(p.logger, cl.Name()), vm.Name, vm.ID)
	if err := cl.Destroy(ctx, vm, returnResources, reason); err != nil {
		logger.Error().Err(err).Str("reason", reason).Msg("Failed to destroy VM")
		return err
	}
	logger.Info().Str("reason", reason).Msg("VM destroyed")
	metrics.VMsDestroyed.WithLabelValues(cl.Name(), destroyReasonLabel(reason)).Inc()
	p.broker.Publish(events.VMEvent(events.EventVMDestroyed, vm, reason))
	return nil
}

// destroyAsync destroys vm in the background. Wait blocks until all such
// destroys have finished.
func (p *Pool) destroyAsync(cl cluster.Cluster, vm *types.VM, returnResources bool, reason string) {
	p.destroyWG.Add(1)
	go func() {
		defer p.destroyWG.Done()
		_ = p.DestroyVM(context.Background(), cl, vm, returnResources, reason)
	}()
}

// Wait blocks until background destroys started by reloads and restores
// have finished
func (p *Pool) Wait() {
	p.destroyWG.Wait()
}

// PruneRetired drops retired clusters that no longer hold VMs and returns
// how many were dropped
func (p *Pool) PruneRetired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.retired[:0]
	pruned := 0
	for _, cl := range p.retired {
		if cl.Accounting().NumVMs() > 0 {
			kept = append(kept, cl)
			continue
		}
		pruned++
	}
	p.retired = kept
	return pruned
}

// SampleClusters implements metrics.PoolSampler
func (p *Pool) SampleClusters() []metrics.ClusterSample {
	clusters := p.Clusters()
	out := make([]metrics.ClusterSample, 0, len(clusters))
	for _, cl := range clusters {
		b := cl.Accounting()
		c := b.Capacity()
		s := metrics.ClusterSample{
			Name:           cl.Name(),
			Enabled:        c.Enabled,
			SlotsTotal:     c.MaxVMSlots,
			SlotsAvailable: c.VMSlots,
			VMsByStatus:    make(map[string]int),
		}
		for _, vm := range b.VMSnapshots() {
			s.VMsByStatus[string(vm.Status)]++
		}
		out = append(out, s)
	}
	return out
}

// destroyReasonLabel keeps the metric label set bounded
func destroyReasonLabel(reason string) string {
	r := strings.ToLower(reason)
	for _, known := range []string{"admin", "error", "idle", "lifetime", "retire", "shutdown", "removed", "timeout", "checkout", "proxy", "gone"} {
		if strings.Contains(r, known) {
			return known
		}
	}
	return "other"
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
