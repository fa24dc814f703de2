package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/events"
	"github.com/cuemby/cloudscheduler/pkg/job"
	"github.com/cuemby/cloudscheduler/pkg/log"
	"github.com/cuemby/cloudscheduler/pkg/metrics"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Destroy reasons
const (
	ReasonError    = "error state"
	ReasonShutdown = "shutdown at provider"
	ReasonProxy    = "proxy expired"
	ReasonRetired  = "retired"
	ReasonLifetime = "lifetime exceeded"
	ReasonIdle     = "idle"
)

// Options tune the cleanup pass
type Options struct {
	Interval time.Duration

	// Lifetime retires VMs older than this. Zero keeps VMs forever.
	Lifetime time.Duration

	// IdleThreshold destroys job per core VMs idle for longer. Zero
	// disables the check.
	IdleThreshold time.Duration

	// MaxKeepAlive caps the keep alive a job can ask for
	MaxKeepAlive time.Duration

	DestroyWorkers int
	DestroyTimeout time.Duration
}

// OptionsFromConfig extracts cleanup options from the global configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:       cfg.CleanupInterval,
		Lifetime:       cfg.VMLifetime,
		IdleThreshold:  cfg.VMIdleThreshold,
		MaxKeepAlive:   cfg.MaxKeepAlive,
		DestroyWorkers: cfg.MaxDestroyThreads,
		DestroyTimeout: cfg.CLITimeout,
	}
}

// Result summarizes one pass
type Result struct {
	Destroyed int
	Failed    int
	Forgotten int
	Retired   int
}

// Cleaner destroys VMs that are broken, retired, too old or no longer
// needed
type Cleaner struct {
	pool   *pool.Pool
	jobs   *job.Pool
	broker *events.Broker
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewCleaner creates a cleaner. broker may be nil.
func NewCleaner(p *pool.Pool, jobs *job.Pool, broker *events.Broker, opts Options, logger zerolog.Logger) *Cleaner {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.DestroyWorkers <= 0 {
		opts.DestroyWorkers = 10
	}
	if opts.DestroyTimeout <= 0 {
		opts.DestroyTimeout = 3 * time.Minute
	}
	return &Cleaner{
		pool:   p,
		jobs:   jobs,
		broker: broker,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins the cleanup loop
func (c *Cleaner) Start() {
	go c.run()
}

// Stop stops the cleaner and waits for the current pass to end
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Cleaner) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			c.Clean(ctx)
		case <-c.stopCh:
			return
		}
	}
}

type doomed struct {
	cl     cluster.Cluster
	vm     *types.VM
	reason string
}

// Clean performs one pass over every VM, retired clusters included
func (c *Cleaner) Clean(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, "cleanup")

	var res Result
	now := c.now()
	load := c.jobLoad()
	required := c.jobs.RequiredUserVMTypes()

	var list []doomed
	c.pool.ForEachVM(true, func(cl cluster.Cluster, vm *types.VM) {
		switch d := c.check(cl, vm, load, required, now); d {
		case verdictKeep:
		case verdictForget:
			cluster.Forget(cl, vm, true, log.WithCluster(c.logger, cl.Name()))
			metrics.VMsDestroyed.WithLabelValues(cl.Name(), "gone").Inc()
			c.broker.Publish(events.VMEvent(events.EventVMDestroyed, vm, "destroyed at provider"))
			c.release(vm.Name)
			res.Forgotten++
		case verdictRetire:
			c.retire(cl, vm)
			res.Retired++
		default:
			list = append(list, doomed{cl: cl, vm: vm, reason: string(d)})
		}
	})

	destroyed, failed := c.destroy(ctx, list)
	res.Destroyed += destroyed
	res.Failed += failed

	if n := c.pool.PruneRetired(); n > 0 {
		c.logger.Info().Int("clusters", n).Msg("Dropped empty retired clusters")
	}
	if res != (Result{}) {
		c.logger.Info().
			Int("destroyed", res.Destroyed).
			Int("failed", res.Failed).
			Int("forgotten", res.Forgotten).
			Int("retired", res.Retired).
			Msg("Cleanup pass complete")
	}
	return res
}

// verdict is either a destroy reason or one of the actions below
type verdict string

const (
	verdictKeep   verdict = ""
	verdictForget verdict = "forget"
	verdictRetire verdict = "retire"
)

// check decides what happens to one VM and keeps its idle clock
func (c *Cleaner) check(cl cluster.Cluster, vm *types.VM, load jobLoad, required map[string]int, now time.Time) verdict {
	var snap *types.VM
	busy := false
	cl.Accounting().UpdateVM(vm, func(v *types.VM) {
		busy = load.busy(v)
		switch {
		case busy:
			v.IdleStart = time.Time{}
		case v.IdleStart.IsZero() && v.Status == types.VMStatusRunning:
			v.IdleStart = now
		}
		snap = v.Clone()
	})

	switch {
	case snap.Status == types.VMStatusDestroyed:
		return verdictForget
	case snap.Status == types.VMStatusError:
		return ReasonError
	case snap.Status == types.VMStatusShutdown:
		return ReasonShutdown
	case snap.Override == types.OverrideExpiredProxy:
		return ReasonProxy
	case snap.Status == types.VMStatusStarting:
		return verdictKeep
	}

	retiring := snap.Override == types.OverrideRetiring || snap.ForceRetire
	if retiring {
		if busy {
			return verdictKeep
		}
		return ReasonRetired
	}

	if c.opts.Lifetime > 0 && snap.Age(now) > c.opts.Lifetime {
		if busy {
			return verdictRetire
		}
		return ReasonLifetime
	}

	idle := time.Duration(0)
	if !snap.IdleStart.IsZero() {
		idle = now.Sub(snap.IdleStart)
	}
	if snap.JobPerCore && c.opts.IdleThreshold > 0 && !busy && idle > c.opts.IdleThreshold {
		return ReasonIdle
	}

	if !busy && required[snap.UserVMType] == 0 && !snap.IdleStart.IsZero() && idle >= c.keepAlive(snap) {
		return verdictRetire
	}
	return verdictKeep
}

// keepAlive is how long an idle VM waits for more work of its type
func (c *Cleaner) keepAlive(vm *types.VM) time.Duration {
	ka := vm.KeepAlive
	if c.opts.MaxKeepAlive > 0 && ka > c.opts.MaxKeepAlive {
		ka = c.opts.MaxKeepAlive
	}
	return ka
}

func (c *Cleaner) retire(cl cluster.Cluster, vm *types.VM) {
	var ev *events.Event
	cl.Accounting().UpdateVM(vm, func(v *types.VM) {
		v.Override = types.OverrideRetiring
		ev = events.VMEvent(events.EventVMRetiring, v, "retired by cleanup")
	})
	vl := log.WithVM(log.WithCluster(c.logger, cl.Name()), vm.Name, vm.ID)
	vl.Info().Msg("VM retiring")
	c.broker.Publish(ev)
}

// destroy runs the destroys, at most DestroyWorkers at a time
func (c *Cleaner) destroy(ctx context.Context, list []doomed) (destroyed, failed int) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.DestroyWorkers)
	for _, d := range list {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, c.opts.DestroyTimeout)
			defer cancel()
			err := c.pool.DestroyVM(dctx, d.cl, d.vm, true, d.reason)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				return nil
			}
			destroyed++
			c.release(d.vm.Name)
			return nil
		})
	}
	_ = g.Wait()
	return destroyed, failed
}

// release hands queued jobs that were waiting for a VM back to the
// scheduler
func (c *Cleaner) release(vmName string) {
	for _, j := range c.jobs.Scheduled() {
		if j.RunningVM != vmName || j.Status == types.JobStatusRunning {
			continue
		}
		c.jobs.SetRunningVM(j.ID, "")
		c.jobs.Unschedule(j.ID)
	}
}

// jobLoad indexes the jobs that keep VMs busy
type jobLoad struct {
	byVM   map[string]int
	byHost map[string]int
}

func (c *Cleaner) jobLoad() jobLoad {
	l := jobLoad{byVM: map[string]int{}, byHost: map[string]int{}}
	for _, j := range c.jobs.All() {
		if !j.Status.Active() {
			continue
		}
		if j.RunningVM != "" {
			l.byVM[j.RunningVM]++
		}
		if j.Status == types.JobStatusRunning && j.RemoteHost != "" {
			l.byHost[j.RemoteHost]++
		}
	}
	return l
}

func (l jobLoad) busy(vm *types.VM) bool {
	if l.byVM[vm.Name] > 0 {
		return true
	}
	for _, h := range []string{vm.Hostname, vm.IPAddress} {
		if h != "" && l.byHost[h] > 0 {
			return true
		}
	}
	return false
}
