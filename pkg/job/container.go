package job

import (
	"sort"
	"sync"

	"github.com/cuemby/cloudscheduler/pkg/types"
)

// Container holds the known jobs indexed by id, by scheduling state and by
// user. Every map is guarded by one lock so a job is never visible in two
// states at once.
//
// Readers get deep copies. Mutations go through Update, Schedule and
// Unschedule.
type Container struct {
	mu          sync.RWMutex
	all         map[string]*types.Job
	unscheduled map[string]*types.Job
	scheduled   map[string]*types.Job
	byUser      map[string]map[string]*types.Job
}

// NewContainer creates an empty container
func NewContainer() *Container {
	return &Container{
		all:         make(map[string]*types.Job),
		unscheduled: make(map[string]*types.Job),
		scheduled:   make(map[string]*types.Job),
		byUser:      make(map[string]map[string]*types.Job),
	}
}

// Add stores j, replacing any job with the same id. The container keeps
// its own copy.
func (c *Container) Add(j *types.Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(j.ID)
	c.addLocked(j.Clone())
}

func (c *Container) addLocked(j *types.Job) {
	c.all[j.ID] = j
	users, ok := c.byUser[j.User]
	if !ok {
		users = make(map[string]*types.Job)
		c.byUser[j.User] = users
	}
	users[j.ID] = j
	if j.Scheduled {
		c.scheduled[j.ID] = j
	} else {
		c.unscheduled[j.ID] = j
	}
}

// Remove drops a job. It reports whether the job was known.
func (c *Container) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id) != nil
}

func (c *Container) removeLocked(id string) *types.Job {
	j, ok := c.all[id]
	if !ok {
		return nil
	}
	delete(c.all, id)
	delete(c.unscheduled, id)
	delete(c.scheduled, id)
	if users, ok := c.byUser[j.User]; ok {
		delete(users, id)
		if len(users) == 0 {
			delete(c.byUser, j.User)
		}
	}
	return j
}

// Clear drops every job
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all = make(map[string]*types.Job)
	c.unscheduled = make(map[string]*types.Job)
	c.scheduled = make(map[string]*types.Job)
	c.byUser = make(map[string]map[string]*types.Job)
}

// RemoveAllNotIn drops every job whose id is not in keep and returns the
// removed jobs.
func (c *Container) RemoveAllNotIn(keep []*types.Job) []*types.Job {
	ids := make(map[string]struct{}, len(keep))
	for _, j := range keep {
		ids[j.ID] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []*types.Job
	for id := range c.all {
		if _, ok := ids[id]; ok {
			continue
		}
		removed = append(removed, c.removeLocked(id))
	}
	sortByID(removed)
	return removed
}

// HasJob reports whether a job with id is known
func (c *Container) HasJob(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.all[id]
	return ok
}

// Get returns a copy of the job with id
func (c *Container) Get(id string) (*types.Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.all[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Update runs fn on the stored job with the container lock held. fn must
// not change the job's id, user or Scheduled flag; use Schedule and
// Unschedule for that.
func (c *Container) Update(id string, fn func(*types.Job)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.all[id]
	if !ok {
		return false
	}
	fn(j)
	return true
}

// Len returns the number of known jobs
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.all)
}

// Schedule moves a job from the unscheduled to the scheduled set. It
// reports false when the job is unknown or already scheduled.
func (c *Container) Schedule(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.unscheduled[id]
	if !ok {
		return false
	}
	j.Scheduled = true
	delete(c.unscheduled, id)
	c.scheduled[id] = j
	return true
}

// Unschedule is the inverse of Schedule
func (c *Container) Unschedule(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.scheduled[id]
	if !ok {
		return false
	}
	j.Scheduled = false
	delete(c.scheduled, id)
	c.unscheduled[id] = j
	return true
}

// All returns copies of every job ordered by id
func (c *Container) All() []*types.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.all)
}

// Scheduled returns copies of the scheduled jobs ordered by id
func (c *Container) Scheduled() []*types.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.scheduled)
}

// Unscheduled returns copies of the unscheduled jobs ordered by id
func (c *Container) Unscheduled() []*types.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.unscheduled)
}

// Users returns the users with at least one job, sorted
func (c *Container) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	users := make([]string, 0, len(c.byUser))
	for u := range c.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// ForUser returns copies of a user's jobs, highest priority first when
// prioritized is set and by id otherwise.
func (c *Container) ForUser(user string, prioritized bool) []*types.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jobs := snapshot(c.byUser[user])
	if prioritized {
		sortByPriority(jobs)
	}
	return jobs
}

// UnscheduledByUser groups the unscheduled jobs by user. High priority jobs
// are included only when highPriority is set, and are then the only ones
// returned.
func (c *Container) UnscheduledByUser(prioritized, highPriority bool) map[string][]*types.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]*types.Job)
	for _, j := range c.unscheduled {
		if j.HighPriority != highPriority {
			continue
		}
		out[j.User] = append(out[j.User], j.Clone())
	}
	for _, jobs := range out {
		if prioritized {
			sortByPriority(jobs)
		} else {
			sortByID(jobs)
		}
	}
	return out
}

// MatchingUnscheduled returns up to n of user's unscheduled jobs that a VM
// started for like would also serve. n <= 0 returns all of them.
func (c *Container) MatchingUnscheduled(user string, like *types.Job, n int) []*types.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*types.Job
	for _, j := range snapshot(c.byUser[user]) {
		if j.Scheduled || !j.SameRequirements(like) {
			continue
		}
		out = append(out, j)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// CountsByState returns the number of jobs per batch status plus the
// scheduled and unscheduled totals. It satisfies metrics.JobSampler.
func (c *Container) CountsByState() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := map[string]int{
		"scheduled":   len(c.scheduled),
		"unscheduled": len(c.unscheduled),
	}
	for _, j := range c.all {
		counts[j.Status.String()]++
	}
	return counts
}

func snapshot(m map[string]*types.Job) []*types.Job {
	out := make([]*types.Job, 0, len(m))
	for _, j := range m {
		out = append(out, j.Clone())
	}
	sortByID(out)
	return out
}

func sortByID(jobs []*types.Job) {
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
}

// sortByPriority orders by descending priority, then id
func sortByPriority(jobs []*types.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].ID < jobs[k].ID
	})
}
