package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/events"
	"github.com/cuemby/cloudscheduler/pkg/log"
	"github.com/cuemby/cloudscheduler/pkg/metrics"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options tune the VM poller
type Options struct {
	Interval time.Duration
	Workers  int

	// ErrorThreshold is the number of failed polls in a row after which a
	// VM is destroyed. Zero disables the check.
	ErrorThreshold int

	// PollTimeout bounds one provider poll
	PollTimeout time.Duration
}

// OptionsFromConfig extracts VM poller options from the global configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:       cfg.VMPollInterval,
		Workers:        cfg.PollWorkers,
		ErrorThreshold: cfg.PollingErrorThreshold,
		PollTimeout:    cfg.CLITimeout,
	}
}

// Result summarizes one poll cycle
type Result struct {
	Polled    int
	Errors    int
	Changed   int
	Forgotten int
	Destroyed int
}

// VMPoller refreshes every VM from its provider
type VMPoller struct {
	pool   *pool.Pool
	broker *events.Broker
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewVMPoller creates a VM poller. broker may be nil.
func NewVMPoller(p *pool.Pool, broker *events.Broker, opts Options, logger zerolog.Logger) *VMPoller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 3 * time.Minute
	}
	return &VMPoller{
		pool:   p,
		broker: broker,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins the poll loop
func (v *VMPoller) Start() {
	go loop(v.opts.Interval, v.stopCh, v.doneCh, func(ctx context.Context) { v.Poll(ctx) })
}

// Stop stops the poller and waits for the current cycle to end
func (v *VMPoller) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
	<-v.doneCh
}

// loop runs fn every interval until stopCh closes. The context handed to
// fn is cancelled on stop.
func loop(interval time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}, fn func(ctx context.Context)) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-stopCh:
			return
		}
	}
}

type target struct {
	cl cluster.Cluster
	vm *types.VM
}

// Poll polls every VM on the active clusters, at most Workers at a time
func (v *VMPoller) Poll(ctx context.Context) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, "vm_poller")

	var targets []target
	v.pool.ForEachVM(false, func(cl cluster.Cluster, vm *types.VM) {
		targets = append(targets, target{cl, vm})
	})

	var (
		resMu sync.Mutex
		res   Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Workers)
	for _, t := range targets {
		g.Go(func() error {
			out := v.pollOne(gctx, t.cl, t.vm)
			resMu.Lock()
			res.Polled++
			res.add(out)
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if res.Errors > 0 || res.Forgotten > 0 || res.Destroyed > 0 {
		v.logger.Info().
			Int("polled", res.Polled).
			Int("errors", res.Errors).
			Int("forgotten", res.Forgotten).
			Int("destroyed", res.Destroyed).
			Msg("VM poll cycle complete")
	}
	return res
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeChanged
	outcomeError
	outcomeForgotten
	outcomeDestroyed
)

func (r *Result) add(o outcome) {
	switch o {
	case outcomeChanged:
		r.Changed++
	case outcomeError:
		r.Errors++
	case outcomeForgotten:
		r.Forgotten++
	case outcomeDestroyed:
		r.Destroyed++
	}
}

func (v *VMPoller) pollOne(ctx context.Context, cl cluster.Cluster, vm *types.VM) outcome {
	b := cl.Accounting()
	var before types.VMStatus
	b.ReadVM(vm, func(x *types.VM) { before = x.Status })
	logger := log.WithVM(log.WithCluster(v.logger, cl.Name()), vm.Name, vm.ID)

	pctx, cancel := context.WithTimeout(ctx, v.opts.PollTimeout)
	status, err := cl.Poll(pctx, vm)
	cancel()

	if err != nil {
		return v.pollFailed(ctx, cl, vm, err, logger)
	}

	var override types.Override
	var age time.Duration
	var image string
	now := v.now()
	b.UpdateVM(vm, func(x *types.VM) {
		x.ErrorCount = 0
		override = x.Override
		age = x.Age(now)
		image = x.Image
	})

	if status == types.VMStatusDestroyed {
		logger.Info().Msg("VM gone at provider, removing")
		cluster.Forget(cl, vm, true, logger)
		metrics.VMsDestroyed.WithLabelValues(cl.Name(), "gone").Inc()
		v.broker.Publish(events.VMEvent(events.EventVMDestroyed, vm, "gone at provider"))
		return outcomeForgotten
	}

	if before == types.VMStatusStarting && !override.Credential() {
		switch status {
		case types.VMStatusRunning:
			v.recordBoot(cl, image, true, "success")
		case types.VMStatusError:
			logger.Warn().Str("image", image).Msg("VM failed while booting")
			v.recordBoot(cl, image, false, "failure")
		}
	}

	if status == types.VMStatusStarting && !override.Credential() {
		if timeout := b.Config().BootTimeout; timeout > 0 && age > timeout {
			logger.Warn().Dur("age", age).Dur("boot_timeout", timeout).Msg("VM did not boot in time, destroying")
			v.recordBoot(cl, image, false, "timeout")
			if err := v.pool.DestroyVM(ctx, cl, vm, true, "boot timeout"); err == nil {
				return outcomeDestroyed
			}
			return outcomeError
		}
	}

	if status != before {
		logger.Debug().Str("from", string(before)).Str("to", string(status)).Msg("VM status changed")
		v.broker.Publish(events.VMEvent(events.EventVMStatusChanged, vm, string(before)+" -> "+string(status)))
		return outcomeChanged
	}
	return outcomeOK
}

func (v *VMPoller) pollFailed(ctx context.Context, cl cluster.Cluster, vm *types.VM, err error, logger zerolog.Logger) outcome {
	metrics.PollErrors.WithLabelValues(cl.Name()).Inc()
	var count int
	cl.Accounting().UpdateVM(vm, func(x *types.VM) {
		x.ErrorCount++
		count = x.ErrorCount
	})
	logger.Warn().Err(err).Int("errors", count).Msg("Failed to poll VM")

	if v.opts.ErrorThreshold > 0 && count >= v.opts.ErrorThreshold {
		logger.Error().Int("errors", count).Msg("VM could not be polled too many times, destroying")
		if derr := v.pool.DestroyVM(ctx, cl, vm, true, "poll errors"); derr == nil {
			return outcomeDestroyed
		}
	}
	return outcomeError
}

func (v *VMPoller) recordBoot(cl cluster.Cluster, image string, ok bool, label string) {
	v.pool.RecordBoot(image, cl.Name(), ok)
	metrics.BootOutcomes.WithLabelValues(cl.Name(), label).Inc()
}
