package job

import (
	"testing"

	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
)

func typed(j *types.Job, vmtype string) *types.Job {
	j.VMType = vmtype
	return j
}

func TestTypeDistribution(t *testing.T) {
	p, _ := newTestPool(Options{})
	p.UpdateJobs([]*types.Job{
		newJob("a1", "alice", 0),
		typed(newJob("a2", "alice", 9), "gpu"),
		newJob("b1", "bob", 0),
		typed(newJob("c1", "carol", 0), "gpu"),
		withStatus(newJob("d1", "dave", 0), types.JobStatusHeld),
	})

	// alice votes for her priority 9 job's type; dave is fully held
	dist := p.TypeDistribution()
	assert.InDelta(t, 2.0/3.0, dist["gpu"], 1e-9)
	assert.InDelta(t, 1.0/3.0, dist["worker"], 1e-9)
	assert.Len(t, dist, 2)

	users := p.UserTypeDistribution()
	assert.InDelta(t, 1.0/3.0, users["alice:gpu"], 1e-9)
	assert.InDelta(t, 1.0/3.0, users["bob:worker"], 1e-9)
	assert.InDelta(t, 1.0/3.0, users["carol:gpu"], 1e-9)
}

func TestTypeDistributionHighPriorityWeight(t *testing.T) {
	p, _ := newTestPool(Options{HighPriorityJobs: true, HighPriorityWeight: 2})
	high := typed(newJob("b1", "bob", 0), "gpu")
	high.HighPriority = true
	p.UpdateJobs([]*types.Job{newJob("a1", "alice", 0), high})

	dist := p.TypeDistribution()
	assert.InDelta(t, 0.25, dist["worker"], 1e-9)
	assert.InDelta(t, 1.0, dist["gpu"], 1e-9)
}

func TestTypeDistributionEmpty(t *testing.T) {
	p, _ := newTestPool(Options{})
	assert.Empty(t, p.TypeDistribution())

	p.UpdateJobs([]*types.Job{withStatus(newJob("1", "alice", 0), types.JobStatusHeld)})
	assert.Empty(t, p.TypeDistribution())

	p.UpdateJobs([]*types.Job{newJob("1", "alice", 0)})
	p.Schedule("1")
	assert.Empty(t, p.TypeDistribution(), "scheduled jobs do not vote")
}

func TestRequiredTypes(t *testing.T) {
	p, _ := newTestPool(Options{})
	p.UpdateJobs([]*types.Job{
		newJob("1", "alice", 0),
		withStatus(newJob("2", "alice", 0), types.JobStatusRunning),
		withStatus(newJob("3", "bob", 0), types.JobStatusHeld),
		typed(newJob("4", "bob", 0), "gpu"),
	})
	p.Ban("4")

	assert.Equal(t, map[string]int{"worker": 2}, p.RequiredVMTypes())
	assert.Equal(t, map[string]int{"alice:worker": 2}, p.RequiredUserVMTypes())
}

func TestUserTypeLimits(t *testing.T) {
	p, _ := newTestPool(Options{})
	limited := newJob("1", "alice", 0)
	limited.UserTypeLimit = 3
	p.UpdateJobs([]*types.Job{limited, newJob("2", "bob", 0)})

	assert.Equal(t, map[string]int{"alice:worker": 3}, p.UserTypeLimits())
}

func TestJobsOfTypeForUser(t *testing.T) {
	p, _ := newTestPool(Options{})
	p.UpdateJobs([]*types.Job{
		newJob("1", "alice", 1),
		newJob("2", "alice", 7),
		typed(newJob("3", "alice", 9), "gpu"),
		newJob("4", "bob", 0),
	})

	assert.Equal(t, []string{"2", "1"}, ids(p.JobsOfTypeForUser("worker", "alice")))
	assert.Empty(t, p.JobsOfTypeForUser("gpu", "bob"))
}
