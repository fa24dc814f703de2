package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/job"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pool    *pool.Pool
	jobs    *job.Pool
	fake    *clustertest.Fake
	cleaner *Cleaner
	clock   time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	factory := clustertest.NewFactory()
	p := pool.New(factory, nil, nil, pool.Options{}, zerolog.Nop())
	require.NoError(t, p.Setup([]config.Cluster{clustertest.Simple("a", 4)}))
	jobs := job.NewPool(job.Options{}, p, zerolog.Nop())

	f := &fixture{pool: p, jobs: jobs, fake: factory.Get("a"), clock: time.Now()}
	f.cleaner = NewCleaner(p, jobs, nil, opts, zerolog.Nop())
	f.cleaner.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

type vmOpt func(*cluster.CreateRequest)

func jobPerCore(r *cluster.CreateRequest) { r.JobPerCore = true }

func keepAlive(d time.Duration) vmOpt {
	return func(r *cluster.CreateRequest) { r.KeepAlive = d }
}

// runningVM creates a VM and marks it Running
func (f *fixture) runningVM(t *testing.T, name string, opts ...vmOpt) *types.VM {
	t.Helper()
	req := cluster.CreateRequest{
		Name:     name,
		User:     "alice",
		VMType:   "worker",
		Network:  "public",
		CPUArch:  "x86_64",
		Image:    "img",
		Memory:   1024,
		CPUCores: 1,
	}
	for _, o := range opts {
		o(&req)
	}
	vm, err := f.fake.Create(context.Background(), req)
	require.NoError(t, err)
	f.set(vm, func(v *types.VM) { v.Status = types.VMStatusRunning })
	return vm
}

func (f *fixture) set(vm *types.VM, fn func(*types.VM)) {
	f.fake.UpdateVM(vm, fn)
}

// busyWith queues a running job on vm
func (f *fixture) busyWith(vm *types.VM, ids ...string) {
	var query []*types.Job
	for _, id := range ids {
		query = append(query, &types.Job{
			ID: id, User: "alice", VMType: "worker",
			Status: types.JobStatusRunning, RemoteHost: vm.Name,
		})
	}
	f.jobs.UpdateJobs(query)
	for _, id := range ids {
		f.jobs.Schedule(id)
		f.jobs.SetRunningVM(id, vm.Name)
	}
}

func TestCleanDestroysBrokenVMs(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*types.VM)
		destroyed int
		forgotten int
	}{
		{"error", func(v *types.VM) { v.Status = types.VMStatusError }, 1, 0},
		{"shutdown", func(v *types.VM) { v.Status = types.VMStatusShutdown }, 1, 0},
		{"expired proxy", func(v *types.VM) { v.Override = types.OverrideExpiredProxy }, 1, 0},
		{"destroyed", func(v *types.VM) { v.Status = types.VMStatusDestroyed }, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			vm := f.runningVM(t, "vm-1")
			f.busyWith(vm, "1")
			f.set(vm, tt.mutate)

			res := f.cleaner.Clean(context.Background())
			assert.Equal(t, tt.destroyed, res.Destroyed)
			assert.Equal(t, tt.forgotten, res.Forgotten)
			assert.Equal(t, tt.destroyed, f.fake.Destroys)
			assert.Zero(t, f.fake.NumVMs())
			assert.Equal(t, 4, f.fake.SlotsAvailable())
		})
	}
}

func TestCleanKeepsBootingVMs(t *testing.T) {
	f := newFixture(t, Options{Lifetime: time.Minute})
	vm := f.runningVM(t, "vm-1")
	f.set(vm, func(v *types.VM) { v.Status = types.VMStatusStarting })
	f.advance(time.Hour)

	res := f.cleaner.Clean(context.Background())
	assert.Equal(t, Result{}, res)
	assert.Equal(t, 1, f.fake.NumVMs())
}

func TestCleanRetiredVMsDrainFirst(t *testing.T) {
	f := newFixture(t, Options{})
	vm := f.runningVM(t, "vm-1")
	f.busyWith(vm, "1")
	require.NoError(t, f.pool.ForceRetireVM("a", "vm-1"))

	res := f.cleaner.Clean(context.Background())
	assert.Zero(t, res.Destroyed, "job still running on it")
	assert.Equal(t, 1, f.fake.NumVMs())

	f.jobs.UpdateJobs(nil)
	res = f.cleaner.Clean(context.Background())
	assert.Equal(t, 1, res.Destroyed)
	assert.Zero(t, f.fake.NumVMs())
}

func TestCleanLifetime(t *testing.T) {
	f := newFixture(t, Options{Lifetime: time.Hour})
	busy := f.runningVM(t, "busy")
	f.busyWith(busy, "1")
	idle := f.runningVM(t, "idle")
	f.jobs.UpdateJobs([]*types.Job{
		{ID: "1", User: "alice", VMType: "worker", Status: types.JobStatusRunning, RemoteHost: "busy"},
		{ID: "2", User: "alice", VMType: "worker", Status: types.JobStatusIdle},
	})

	res := f.cleaner.Clean(context.Background())
	assert.Equal(t, Result{}, res, "both are young")

	f.advance(2 * time.Hour)
	res = f.cleaner.Clean(context.Background())
	assert.Equal(t, 1, res.Destroyed)
	assert.Equal(t, 1, res.Retired)
	assert.Nil(t, f.fake.FindVM(idle.Name))
	require.NotNil(t, f.fake.FindVM(busy.Name))
	assert.Equal(t, types.OverrideRetiring, busy.Override)
}

func TestCleanIdleJobPerCoreVMs(t *testing.T) {
	f := newFixture(t, Options{IdleThreshold: 10 * time.Minute})
	perCore := f.runningVM(t, "per-core", jobPerCore)
	plain := f.runningVM(t, "plain")
	// demand for the type keeps plain VMs around
	f.jobs.UpdateJobs([]*types.Job{{ID: "1", User: "alice", VMType: "worker", Status: types.JobStatusIdle}})

	res := f.cleaner.Clean(context.Background())
	assert.Zero(t, res.Destroyed)
	assert.False(t, perCore.IdleStart.IsZero(), "idle clock started")

	f.advance(20 * time.Minute)
	res = f.cleaner.Clean(context.Background())
	assert.Equal(t, 1, res.Destroyed)
	assert.Nil(t, f.fake.FindVM(perCore.Name))
	assert.NotNil(t, f.fake.FindVM(plain.Name))
}

func TestCleanBusyResetsIdleClock(t *testing.T) {
	f := newFixture(t, Options{IdleThreshold: 10 * time.Minute})
	vm := f.runningVM(t, "vm-1", jobPerCore)
	f.jobs.UpdateJobs([]*types.Job{{ID: "9", User: "alice", VMType: "worker", Status: types.JobStatusIdle}})
	f.cleaner.Clean(context.Background())
	require.False(t, vm.IdleStart.IsZero())

	f.busyWith(vm, "1")
	f.cleaner.Clean(context.Background())
	assert.True(t, vm.IdleStart.IsZero())
}

func TestCleanRetiresUnneededTypes(t *testing.T) {
	tests := []struct {
		name      string
		keepAlive time.Duration
		maxKeep   time.Duration
		wait      time.Duration
		retired   bool
	}{
		{"no keep alive", 0, 0, 0, true},
		{"within keep alive", 30 * time.Minute, 0, 10 * time.Minute, false},
		{"keep alive over", 30 * time.Minute, 0, 40 * time.Minute, true},
		{"capped keep alive", 10 * time.Hour, time.Hour, 2 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{MaxKeepAlive: tt.maxKeep})
			vm := f.runningVM(t, "vm-1", keepAlive(tt.keepAlive))

			// the first pass starts the idle clock
			res := f.cleaner.Clean(context.Background())
			if tt.wait > 0 {
				assert.Zero(t, res.Retired)
				f.advance(tt.wait)
				res = f.cleaner.Clean(context.Background())
			}
			if !tt.retired {
				assert.Zero(t, res.Retired)
				assert.Equal(t, types.OverrideNone, vm.Override)
				return
			}
			assert.Equal(t, 1, res.Retired)
			assert.Equal(t, types.OverrideRetiring, vm.Override)

			res = f.cleaner.Clean(context.Background())
			assert.Equal(t, 1, res.Destroyed, "retired and idle")
			assert.Zero(t, f.fake.NumVMs())
		})
	}
}

func TestCleanReleasesWaitingJobs(t *testing.T) {
	f := newFixture(t, Options{})
	vm := f.runningVM(t, "vm-1")
	f.jobs.UpdateJobs([]*types.Job{{ID: "1", User: "alice", VMType: "worker", Status: types.JobStatusIdle}})
	f.jobs.Schedule("1")
	f.jobs.SetRunningVM("1", vm.Name)
	f.set(vm, func(v *types.VM) { v.Status = types.VMStatusError })

	res := f.cleaner.Clean(context.Background())
	assert.Equal(t, 1, res.Destroyed)
	j, ok := f.jobs.Get("1")
	require.True(t, ok)
	assert.False(t, j.Scheduled)
	assert.Empty(t, j.RunningVM)
	assert.Len(t, f.jobs.Unscheduled(), 1)
}

func TestCleanDestroyFailureKeepsVM(t *testing.T) {
	f := newFixture(t, Options{})
	vm := f.runningVM(t, "vm-1")
	f.set(vm, func(v *types.VM) { v.Status = types.VMStatusError })
	f.fake.FailDestroy(errors.New("provider unavailable"))

	res := f.cleaner.Clean(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, f.fake.NumVMs())
	assert.Equal(t, 3, f.fake.SlotsAvailable())
}

func TestCleanerStartStop(t *testing.T) {
	f := newFixture(t, Options{Interval: 10 * time.Millisecond})
	vm := f.runningVM(t, "vm-1")
	f.set(vm, func(v *types.VM) { v.Status = types.VMStatusError })

	f.cleaner.Start()
	require.Eventually(t, func() bool { return f.fake.NumVMs() == 0 }, 2*time.Second, 10*time.Millisecond)
	f.cleaner.Stop()
}
