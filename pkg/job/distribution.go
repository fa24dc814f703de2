package job

import (
	"sort"

	"github.com/cuemby/cloudscheduler/pkg/types"
)

// TypeDistribution is the desired share of VMs per VM type. Each user with
// unscheduled jobs votes for the type of their highest priority schedulable
// job. High priority users' votes weigh HighPriorityWeight times more.
func (p *Pool) TypeDistribution() map[string]float64 {
	return p.distribution(func(j *types.Job) string { return j.VMType })
}

// UserTypeDistribution is TypeDistribution keyed by user:vmtype
func (p *Pool) UserTypeDistribution() map[string]float64 {
	return p.distribution(func(j *types.Job) string { return j.UserVMType() })
}

func (p *Pool) distribution(key func(*types.Job) string) map[string]float64 {
	normal := p.UnscheduledByUser(true, false)
	high := p.UnscheduledByUser(true, true)

	normalVote := 1.0
	if len(high) > 0 {
		normalVote = 1 / p.opts.HighPriorityWeight
	}

	desired := make(map[string]float64)
	voters := 0
	vote := func(byUser map[string][]*types.Job, weight float64) {
		for _, jobs := range byUser {
			j := firstSchedulable(jobs)
			if j == nil {
				// every job of this user is held or banned
				continue
			}
			desired[key(j)] += weight
			voters++
		}
	}
	vote(normal, normalVote)
	vote(high, p.opts.HighPriorityWeight)

	if voters == 0 {
		return map[string]float64{}
	}
	for k := range desired {
		desired[k] /= float64(voters)
	}
	return desired
}

func firstSchedulable(jobs []*types.Job) *types.Job {
	for _, j := range jobs {
		if j.Status.Active() && !j.Banned {
			return j
		}
	}
	return nil
}

// RequiredVMTypes counts the active, unbanned jobs per VM type
func (p *Pool) RequiredVMTypes() map[string]int {
	return p.required(func(j *types.Job) string { return j.VMType })
}

// RequiredUserVMTypes counts the active, unbanned jobs per user:vmtype
func (p *Pool) RequiredUserVMTypes() map[string]int {
	return p.required(func(j *types.Job) string { return j.UserVMType() })
}

func (p *Pool) required(key func(*types.Job) string) map[string]int {
	out := make(map[string]int)
	for _, j := range p.All() {
		if j.Status.Active() && !j.Banned {
			out[key(j)]++
		}
	}
	return out
}

// UserTypeLimits returns the per user:vmtype VM limits jobs carry. Jobs
// without a positive limit contribute nothing.
func (p *Pool) UserTypeLimits() map[string]int {
	limits := make(map[string]int)
	for _, j := range p.All() {
		if j.UserTypeLimit > 0 {
			limits[j.UserVMType()] = j.UserTypeLimit
		}
	}
	return limits
}

// JobsOfTypeForUser returns a user's jobs requiring vmtype, highest
// priority first.
func (p *Pool) JobsOfTypeForUser(vmtype, user string) []*types.Job {
	var out []*types.Job
	for _, j := range p.ForUser(user, true) {
		if j.VMType == vmtype {
			out = append(out, j)
		}
	}
	return out
}

// SortedUsers returns the keys of a by-user job map in order, so scheduling
// passes visit users deterministically.
func SortedUsers(byUser map[string][]*types.Job) []string {
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
