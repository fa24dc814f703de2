package job

import (
	"sync"
	"testing"

	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id, user string, priority int) *types.Job {
	return &types.Job{
		ID:       id,
		User:     user,
		Priority: priority,
		Status:   types.JobStatusIdle,
		VMType:   "worker",
		Network:  "public",
		Memory:   512,
		CPUCores: 1,
		Storage:  1,
	}
}

func ids(jobs []*types.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestContainerAddRemove(t *testing.T) {
	c := NewContainer()
	c.Add(newJob("1", "alice", 0))
	c.Add(newJob("2", "bob", 0))

	assert.Equal(t, 2, c.Len())
	assert.True(t, c.HasJob("1"))
	assert.Equal(t, []string{"alice", "bob"}, c.Users())
	assert.Equal(t, []string{"1", "2"}, ids(c.Unscheduled()))

	assert.True(t, c.Remove("1"))
	assert.False(t, c.Remove("1"))
	assert.Equal(t, []string{"bob"}, c.Users())

	c.Clear()
	assert.Zero(t, c.Len())
	assert.Empty(t, c.Users())
}

func TestContainerKeepsOwnCopy(t *testing.T) {
	c := NewContainer()
	j := newJob("1", "alice", 0)
	c.Add(j)
	j.Memory = 9999

	got, ok := c.Get("1")
	require.True(t, ok)
	assert.Equal(t, 512, got.Memory)

	got.Memory = 1
	again, _ := c.Get("1")
	assert.Equal(t, 512, again.Memory)
}

func TestContainerScheduleUnschedule(t *testing.T) {
	c := NewContainer()
	c.Add(newJob("1", "alice", 0))

	assert.True(t, c.Schedule("1"))
	assert.False(t, c.Schedule("1"), "already scheduled")
	assert.Empty(t, c.Unscheduled())
	require.Len(t, c.Scheduled(), 1)
	assert.True(t, c.Scheduled()[0].Scheduled)

	assert.True(t, c.Unschedule("1"))
	assert.False(t, c.Unschedule("1"))
	assert.Len(t, c.Unscheduled(), 1)
	assert.False(t, c.Schedule("missing"))
}

func TestContainerRemoveAllNotIn(t *testing.T) {
	c := NewContainer()
	for _, id := range []string{"1", "2", "3"} {
		c.Add(newJob(id, "alice", 0))
	}
	c.Schedule("3")

	removed := c.RemoveAllNotIn([]*types.Job{newJob("2", "alice", 0)})
	assert.Equal(t, []string{"1", "3"}, ids(removed))
	assert.Equal(t, []string{"2"}, ids(c.All()))
	assert.Empty(t, c.Scheduled())

	assert.Len(t, c.RemoveAllNotIn(nil), 1)
	assert.Zero(t, c.Len())
}

func TestContainerUnscheduledByUser(t *testing.T) {
	c := NewContainer()
	c.Add(newJob("a1", "alice", 1))
	c.Add(newJob("a2", "alice", 5))
	c.Add(newJob("a3", "alice", 5))
	high := newJob("b1", "bob", 0)
	high.HighPriority = true
	c.Add(high)
	c.Add(newJob("c1", "carol", 0))
	c.Schedule("c1")

	normal := c.UnscheduledByUser(true, false)
	assert.Equal(t, []string{"alice"}, SortedUsers(normal))
	assert.Equal(t, []string{"a2", "a3", "a1"}, ids(normal["alice"]))

	byID := c.UnscheduledByUser(false, false)
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids(byID["alice"]))

	highs := c.UnscheduledByUser(true, true)
	assert.Equal(t, []string{"bob"}, SortedUsers(highs))
}

func TestContainerMatchingUnscheduled(t *testing.T) {
	c := NewContainer()
	for _, id := range []string{"1", "2", "3"} {
		c.Add(newJob(id, "alice", 0))
	}
	other := newJob("4", "alice", 0)
	other.Memory = 4096
	c.Add(other)
	c.Schedule("3")

	like := newJob("x", "alice", 0)
	assert.Equal(t, []string{"1", "2"}, ids(c.MatchingUnscheduled("alice", like, 0)))
	assert.Equal(t, []string{"1"}, ids(c.MatchingUnscheduled("alice", like, 1)))
	assert.Empty(t, c.MatchingUnscheduled("bob", like, 0))
}

func TestContainerCountsByState(t *testing.T) {
	c := NewContainer()
	c.Add(newJob("1", "alice", 0))
	running := newJob("2", "alice", 0)
	running.Status = types.JobStatusRunning
	c.Add(running)
	c.Schedule("2")

	assert.Equal(t, map[string]int{
		"Idle":        1,
		"Running":     1,
		"scheduled":   1,
		"unscheduled": 1,
	}, c.CountsByState())
}

func TestContainerConcurrentAccess(t *testing.T) {
	c := NewContainer()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			c.Add(newJob(id, "alice", i))
			c.Schedule(id)
			_ = c.UnscheduledByUser(true, false)
			c.Unschedule(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, c.Len())
	assert.Len(t, c.Unscheduled(), 16)
}
