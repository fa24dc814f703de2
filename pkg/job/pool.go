package job

import (
	"time"

	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/log"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// RunTimeRecorder stores the run time of a finished job on the VM that ran
// it. *pool.Pool implements it.
type RunTimeRecorder interface {
	RecordJobRunTime(host string, d time.Duration) bool
}

// Options tune how queried jobs are admitted
type Options struct {
	// HighPriorityJobs keeps the high priority flag from the job source.
	// When unset every job is treated as normal priority.
	HighPriorityJobs   bool
	HighPriorityWeight float64

	// BanTimeout lifts a job's ban and scheduler added cloud blocks
	BanTimeout time.Duration
}

// OptionsFromConfig extracts job pool options from the global configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HighPriorityJobs:   cfg.HighPriorityJobs,
		HighPriorityWeight: cfg.HighPriorityJobWeight,
		BanTimeout:         cfg.JobBanTimeout,
	}
}

// UpdateResult summarizes one UpdateJobs call
type UpdateResult struct {
	Added   int
	Updated int
	Removed int
	Dropped int
}

// Pool is the scheduler's view of the batch queue
type Pool struct {
	*Container

	opts     Options
	recorder RunTimeRecorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPool creates an empty job pool. recorder may be nil.
func NewPool(opts Options, recorder RunTimeRecorder, logger zerolog.Logger) *Pool {
	if opts.HighPriorityWeight <= 0 {
		opts.HighPriorityWeight = 1
	}
	return &Pool{
		Container: NewContainer(),
		opts:      opts,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// UpdateJobs reconciles the pool with a fresh job query. Jobs missing from
// the query have left the queue and are removed, so an empty query clears
// the pool. Removed and completed jobs in the query are dropped, new ones
// are added unscheduled and known ones get their batch status refreshed.
func (p *Pool) UpdateJobs(query []*types.Job) UpdateResult {
	var res UpdateResult

	live := make([]*types.Job, 0, len(query))
	for _, j := range query {
		if j.Status.Gone() {
			res.Dropped++
			continue
		}
		live = append(live, j)
	}

	removed := p.RemoveAllNotIn(live)
	res.Removed = len(removed)
	p.trackRunTime(removed)

	for _, q := range live {
		if p.updateStatus(q) {
			res.Updated++
			continue
		}
		j := q.Clone()
		j.Scheduled = false
		if !p.opts.HighPriorityJobs {
			j.HighPriority = false
		}
		p.Add(j)
		res.Added++
	}

	p.logger.Debug().
		Int("added", res.Added).
		Int("updated", res.Updated).
		Int("removed", res.Removed).
		Int("dropped", res.Dropped).
		Msg("Job pool updated")
	return res
}

func (p *Pool) updateStatus(q *types.Job) bool {
	now := p.now()
	return p.Update(q.ID, func(j *types.Job) {
		if j.Status != q.Status {
			jl := log.WithJob(p.logger, j.ID)
			jl.Debug().
				Stringer("from", j.Status).
				Stringer("to", q.Status).
				Msg("Job status changed")
		}
		j.Status = q.Status
		j.RemoteHost = q.RemoteHost
		j.ServerTime = q.ServerTime
		j.StartTime = q.StartTime

		if p.opts.BanTimeout <= 0 {
			return
		}
		if j.Banned && !j.BanTime.IsZero() && now.Sub(j.BanTime) > p.opts.BanTimeout {
			j.Banned = false
			j.BanTime = time.Time{}
		}
		if !j.BlockTime.IsZero() && now.Sub(j.BlockTime) > p.opts.BanTimeout {
			j.BlockedClouds = append([]string(nil), q.BlockedClouds...)
			j.BlockTime = time.Time{}
		}
	})
}

// trackRunTime records how long finished jobs ran on their VMs. A removed
// job's last known status is the one it finished in.
func (p *Pool) trackRunTime(removed []*types.Job) {
	if p.recorder == nil {
		return
	}
	for _, j := range removed {
		if j.Status != types.JobStatusRunning || j.StartTime.IsZero() {
			continue
		}
		end := j.ServerTime
		if end.IsZero() {
			end = p.now()
		}
		host := j.RunningVM
		if host == "" {
			host = j.RemoteHost
		}
		if host == "" || !end.After(j.StartTime) {
			continue
		}
		p.recorder.RecordJobRunTime(host, end.Sub(j.StartTime))
	}
}

// Ban marks a job as unschedulable until the ban timeout passes
func (p *Pool) Ban(id string) bool {
	now := p.now()
	return p.Update(id, func(j *types.Job) {
		j.Banned = true
		j.BanTime = now
	})
}

// Block keeps a job off one cluster until the ban timeout passes
func (p *Pool) Block(id, clusterName string) bool {
	now := p.now()
	return p.Update(id, func(j *types.Job) {
		for _, c := range j.BlockedClouds {
			if c == clusterName {
				return
			}
		}
		j.BlockedClouds = append(j.BlockedClouds, clusterName)
		j.BlockTime = now
	})
}

// RecordFailedBoot counts a failed VM boot against a job and returns the
// new count.
func (p *Pool) RecordFailedBoot(id string) int {
	n := 0
	p.Update(id, func(j *types.Job) {
		j.FailedBoot++
		n = j.FailedBoot
	})
	return n
}

// SetRunningVM links a job to the VM started for it
func (p *Pool) SetRunningVM(id, vm string) bool {
	return p.Update(id, func(j *types.Job) { j.RunningVM = vm })
}
