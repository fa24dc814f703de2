package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/job"
	"github.com/cuemby/cloudscheduler/pkg/metrics"
	"github.com/rs/zerolog"
)

// JobPoller refreshes the job pool from the batch system
type JobPoller struct {
	source   job.Source
	jobs     *job.Pool
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewJobPoller creates a job poller. timeout bounds one query.
func NewJobPoller(source job.Source, jobs *job.Pool, interval, timeout time.Duration, logger zerolog.Logger) *JobPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &JobPoller{
		source:   source,
		jobs:     jobs,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the poll loop
func (p *JobPoller) Start() {
	go loop(p.interval, p.stopCh, p.doneCh, func(ctx context.Context) {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Job poll failed")
		}
	})
}

// Stop stops the poller and waits for the current cycle to end
func (p *JobPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Poll queries the source once and reconciles the job pool. A failed
// query leaves the pool untouched.
func (p *JobPoller) Poll(ctx context.Context) (job.UpdateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, "job_poller")

	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	query, err := p.source.Query(qctx)
	if err != nil {
		return job.UpdateResult{}, err
	}
	return p.jobs.UpdateJobs(query), nil
}
