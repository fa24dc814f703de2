package scheduler

import (
	"context"
	"errors"
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
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tune the scheduling pass
type Options struct {
	Interval  time.Duration
	Algorithm string

	// MaxStartingVM caps VMs booting at once across the pool when positive
	MaxStartingVM int

	// CreateTimeout bounds one provider create call
	CreateTimeout time.Duration
}

// OptionsFromConfig extracts scheduler options from the global configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:      cfg.SchedulerInterval,
		Algorithm:     cfg.SchedulingAlgorithm,
		MaxStartingVM: cfg.MaxStartingVM,
		CreateTimeout: cfg.CLITimeout,
	}
}

// Result summarizes one pass
type Result struct {
	Created int
	Failed  int
	Skipped int
}

// Scheduler starts VMs for queued jobs
type Scheduler struct {
	pool   *pool.Pool
	jobs   *job.Pool
	broker *events.Broker
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	now     func() time.Time
	newName func() string
}

// NewScheduler creates a scheduler over the resource and job pools. broker
// may be nil.
func NewScheduler(p *pool.Pool, jobs *job.Pool, broker *events.Broker, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Algorithm == "" {
		opts.Algorithm = config.AlgorithmFirstFit
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = 3 * time.Minute
	}
	return &Scheduler{
		pool:    p,
		jobs:    jobs,
		broker:  broker,
		opts:    opts,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     time.Now,
		newName: func() string { return "vm-" + uuid.New().String() },
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler and waits for the current pass to end
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			s.Schedule(ctx)
		case <-s.stopCh:
			return
		}
	}
}

// Schedule performs one pass: expire bans, then give every user with
// queued jobs at most one new VM for their highest priority job.
// High priority users go first.
func (s *Scheduler) Schedule(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SchedulingLatency)
		metrics.SchedulingCycles.Inc()
	}()

	var res Result
	if n := s.pool.ExpireBans(s.now()); n > 0 {
		s.logger.Info().Int("expired", n).Msg("Expired image bans")
	}
	s.pool.CheckFailures()

	required := s.jobs.RequiredUserVMTypes()
	vmCounts := s.pool.VMTypesCountCPUSlots()
	starting := s.pool.NumStarting()

	for _, highPriority := range []bool{true, false} {
		byUser := s.jobs.UnscheduledByUser(true, highPriority)
		for _, user := range job.SortedUsers(byUser) {
			if ctx.Err() != nil {
				return res
			}
			if s.opts.MaxStartingVM > 0 && starting >= s.opts.MaxStartingVM {
				s.logger.Debug().Int("starting", starting).Msg("Too many VMs starting, deferring the rest of the pass")
				return res
			}
			if s.pool.UserAtLimit(user) {
				res.Skipped++
				continue
			}

			j := s.pick(byUser[user], required, vmCounts)
			if j == nil {
				res.Skipped++
				continue
			}
			vm, err := s.start(ctx, j)
			if errors.Is(err, errNoFit) {
				res.Skipped++
				continue
			}
			if err != nil {
				res.Failed++
				continue
			}
			res.Created++
			starting++
			if vm.JobPerCore && vm.CPUCores > 0 {
				vmCounts[vm.UserVMType] += vm.CPUCores
			} else {
				vmCounts[vm.UserVMType]++
			}
		}
	}

	if res.Created > 0 || res.Failed > 0 {
		s.logger.Info().
			Int("created", res.Created).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Msg("Scheduling pass complete")
	}
	return res
}

// pick returns the first job of a user that still needs a VM: active, not
// banned, not held by a per type limit, and of a type with fewer VM slots
// than jobs.
func (s *Scheduler) pick(jobs []*types.Job, required, vmCounts map[string]int) *types.Job {
	for _, j := range jobs {
		if !j.Status.Active() || j.Banned {
			continue
		}
		key := j.UserVMType()
		if vmCounts[key] >= required[key] {
			continue
		}
		if s.pool.UserVMTypeAtJobLimit(j) {
			continue
		}
		return j
	}
	return nil
}

// candidates returns a primary and at most one alternative cluster for a
// request. Throttled clusters are skipped.
func (s *Scheduler) candidates(req pool.Request) []cluster.Cluster {
	var list []cluster.Cluster
	if s.opts.Algorithm == config.AlgorithmBalancedFit {
		primary, secondary := s.pool.BF(req)
		for _, cl := range []cluster.Cluster{primary, secondary} {
			if cl != nil {
				list = append(list, cl)
			}
		}
	} else {
		list = s.pool.FittingResources(req)
	}

	out := list[:0]
	for _, cl := range list {
		if err := s.pool.Throttle(cl.Name()).Err(); err != nil {
			s.logger.Debug().Err(err).Str("cluster", cl.Name()).Msg("Skipping throttled cluster")
			continue
		}
		out = append(out, cl)
		if len(out) == 2 {
			break
		}
	}
	return out
}

// start creates one VM for j, falling back to the next candidate when a
// cluster turns out to be short of resources
func (s *Scheduler) start(ctx context.Context, j *types.Job) (*types.VM, error) {
	logger := log.WithJob(s.logger, j.ID)
	req := s.pool.RequestFor(j)

	candidates := s.candidates(req)
	if len(candidates) == 0 {
		if !s.pool.PotentialFit(req.Network, req.CPUArch, req.Memory, req.CPUCores, req.Storage) {
			logger.Debug().Str("user", j.User).Msg("No cluster could ever run this job")
		}
		return nil, errNoFit
	}

	var lastErr error
	for _, cl := range candidates {
		vm, err := s.create(ctx, cl, j, req)
		if err == nil {
			return vm, nil
		}
		lastErr = err
		if !retryElsewhere(err) {
			break
		}
	}
	return nil, lastErr
}

var errNoFit = errors.New("no fitting cluster")

// retryElsewhere reports whether another cluster may succeed where this
// one failed
func retryElsewhere(err error) bool {
	if cluster.IsNoResources(err) {
		return true
	}
	switch cluster.CodeOf(err) {
	case cluster.CreateShortage, cluster.CreateRefused:
		return true
	}
	return false
}

func (s *Scheduler) create(ctx context.Context, cl cluster.Cluster, j *types.Job, req pool.Request) (*types.VM, error) {
	logger := log.WithJob(log.WithCluster(s.logger, cl.Name()), j.ID)
	image := s.pool.ImageFor(req, cl)

	createReq := cluster.CreateRequest{
		Name:          s.newName(),
		VMType:        j.VMType,
		User:          j.User,
		Network:       j.Network,
		CPUArch:       j.CPUArch,
		Image:         req.Image,
		ImageByCloud:  req.ImageByCloud,
		InstanceType:  s.pool.ResolveCloudMap(j.InstanceType),
		Memory:        j.Memory,
		CPUCores:      j.CPUCores,
		Storage:       j.Storage,
		Customization: j.Customization,
		KeepAlive:     j.KeepAlive,
		JobPerCore:    j.JobPerCore,
		ProxyFile:     j.ProxyFile,
		MaxPrice:      j.MaxPrice,
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.CreateTimeout)
	defer cancel()
	vm, err := cl.Create(cctx, createReq)
	if err != nil {
		code := cluster.CodeOf(err)
		metrics.VMCreateFailures.WithLabelValues(cl.Name(), code.String()).Inc()
		s.pool.Throttle(cl.Name()).Check(err, logger, "create")
		s.broker.Publish(events.ClusterEvent(events.EventVMCreateFailed, cl.Name(), err.Error()))

		switch {
		case cluster.IsNoResources(err):
			// lost a race for the last slot, nothing about the image
		case isThrottled(err):
			logger.Warn().Err(err).Msg("Cluster is throttling creates")
		case code == cluster.CreateCredential:
			logger.Warn().Err(err).Msg("Credential problem creating VM, banning job")
			s.jobs.Ban(j.ID)
		case code == cluster.CreateRefused:
			logger.Warn().Err(err).Msg("Cluster refused VM, blocking it for this job")
			s.jobs.Block(j.ID, cl.Name())
		case code == cluster.CreateFailed:
			logger.Error().Err(err).Str("image", image).Msg("Failed to create VM")
			s.pool.RecordBoot(image, cl.Name(), false)
			s.jobs.RecordFailedBoot(j.ID)
		default:
			logger.Info().Err(err).Stringer("code", code).Msg("Cluster short of resources")
		}
		return nil, err
	}

	s.jobs.Schedule(j.ID)
	s.jobs.SetRunningVM(j.ID, vm.Name)
	metrics.VMsCreated.WithLabelValues(cl.Name()).Inc()
	s.broker.Publish(events.VMEvent(events.EventVMCreated, vm, "started for job "+j.ID))
	vl := log.WithVM(logger, vm.Name, vm.ID)
	vl.Info().
		Str("user", j.User).
		Str("vmtype", j.VMType).
		Str("image", vm.Image).
		Msg("VM created")
	return vm, nil
}

// isThrottled reports a provider rate limit or quota refusal. Neither says
// anything about the image or the job.
func isThrottled(err error) bool {
	var rl *cluster.RateLimitError
	var qe *cluster.QuotaError
	return errors.As(err, &rl) || errors.As(err, &qe)
}
