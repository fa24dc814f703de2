package api

import (
	"context"
	"testing"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/job"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pool    *pool.Pool
	jobs    *job.Pool
	factory *clustertest.Factory
}

// newFixture builds a pool with clusters "alpha" (priority 0) and "beta",
// one running VM on alpha and two idle jobs
func newFixture(t *testing.T) *fixture {
	t.Helper()
	factory := clustertest.NewFactory()
	p := pool.New(factory, nil, nil, pool.Options{}, zerolog.Nop())
	require.NoError(t, p.Setup([]config.Cluster{
		clustertest.Simple("alpha", 4),
		clustertest.Simple("beta", 2),
	}))
	jobs := job.NewPool(job.Options{HighPriorityWeight: 1}, p, zerolog.Nop())

	vm, err := factory.Get("alpha").Create(context.Background(), cluster.CreateRequest{
		Name:     "vm-1",
		User:     "alice",
		VMType:   "worker",
		Network:  "public",
		CPUArch:  "x86_64",
		Image:    "img",
		Memory:   1024,
		CPUCores: 1,
	})
	require.NoError(t, err)
	factory.Get("alpha").UpdateVM(vm, func(v *types.VM) {
		v.Status = types.VMStatusRunning
		v.Hostname = "vm-1.alpha.example.org"
	})

	jobs.UpdateJobs([]*types.Job{
		{ID: "1", User: "alice", VMType: "worker", Status: types.JobStatusIdle},
		{ID: "2", User: "bob", VMType: "big", Status: types.JobStatusIdle},
	})
	return &fixture{pool: p, jobs: jobs, factory: factory}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
