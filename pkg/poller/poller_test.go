package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/events"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, cfgs ...config.Cluster) (*pool.Pool, *clustertest.Factory) {
	t.Helper()
	factory := clustertest.NewFactory()
	p := pool.New(factory, nil, nil, pool.Options{BanMinTrack: 1}, zerolog.Nop())
	require.NoError(t, p.Setup(cfgs))
	return p, factory
}

func startVM(t *testing.T, f *clustertest.Fake, name string) *types.VM {
	t.Helper()
	vm, err := f.Create(context.Background(), cluster.CreateRequest{
		Name:     name,
		User:     "alice",
		VMType:   "worker",
		Network:  "public",
		CPUArch:  "x86_64",
		Image:    "img",
		Memory:   1024,
		CPUCores: 1,
	})
	require.NoError(t, err)
	return vm
}

func TestPollForgetsVanishedVMs(t *testing.T) {
	p, factory := newPool(t, clustertest.Simple("a", 2))
	fake := factory.Get("a")
	vm := startVM(t, fake, "vm-1")
	fake.Vanish(vm.ID)

	res := NewVMPoller(p, nil, Options{}, zerolog.Nop()).Poll(context.Background())
	assert.Equal(t, 1, res.Polled)
	assert.Equal(t, 1, res.Forgotten)
	assert.Zero(t, fake.NumVMs())
	assert.Equal(t, 2, fake.SlotsAvailable())
	assert.Zero(t, fake.Destroys, "no provider call for a VM that is already gone")
}

func TestPollRecordsBoots(t *testing.T) {
	tests := []struct {
		name     string
		state    types.VMStatus
		wantRate float64
	}{
		{"booted", types.VMStatusRunning, 0},
		{"failed", types.VMStatusError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, factory := newPool(t, clustertest.Simple("a", 2))
			fake := factory.Get("a")
			vm := startVM(t, fake, "vm-1")
			fake.SetState(vm.ID, tt.state)

			res := NewVMPoller(p, nil, Options{}, zerolog.Nop()).Poll(context.Background())
			assert.Equal(t, 1, res.Changed)
			rate, full := p.FailureRate("img", "a")
			require.True(t, full)
			assert.Equal(t, tt.wantRate, rate)
		})
	}
}

func TestPollIgnoresSteadyState(t *testing.T) {
	p, factory := newPool(t, clustertest.Simple("a", 2))
	fake := factory.Get("a")
	startVM(t, fake, "vm-1")

	res := NewVMPoller(p, nil, Options{}, zerolog.Nop()).Poll(context.Background())
	assert.Equal(t, 1, res.Polled)
	assert.Zero(t, res.Changed)
	_, tracked := p.FailureRate("img", "a")
	assert.False(t, tracked)
}

func TestPollDestroysVMsPastBootTimeout(t *testing.T) {
	cfg := clustertest.Simple("a", 2)
	cfg.BootTimeout = 10 * time.Minute
	p, factory := newPool(t, cfg)
	fake := factory.Get("a")
	startVM(t, fake, "vm-1")

	v := NewVMPoller(p, nil, Options{}, zerolog.Nop())
	res := v.Poll(context.Background())
	assert.Zero(t, res.Destroyed, "still within the boot timeout")

	v.now = func() time.Time { return time.Now().Add(time.Hour) }
	res = v.Poll(context.Background())
	assert.Equal(t, 1, res.Destroyed)
	assert.Equal(t, 1, fake.Destroys)
	assert.Zero(t, fake.NumVMs())
	assert.Equal(t, 2, fake.SlotsAvailable())

	rate, _ := p.FailureRate("img", "a")
	assert.Equal(t, 1.0, rate)
}

func TestPollDestroysAfterErrorThreshold(t *testing.T) {
	p, factory := newPool(t, clustertest.Simple("a", 2))
	fake := factory.Get("a")
	vm := startVM(t, fake, "vm-1")
	fake.FailPoll(errors.New("connection refused"))

	v := NewVMPoller(p, nil, Options{ErrorThreshold: 3}, zerolog.Nop())
	for i := 0; i < 2; i++ {
		res := v.Poll(context.Background())
		assert.Equal(t, 1, res.Errors)
	}
	assert.Equal(t, 2, vm.ErrorCount)
	assert.Equal(t, 1, fake.NumVMs())

	res := v.Poll(context.Background())
	assert.Equal(t, 1, res.Destroyed)
	assert.Zero(t, fake.NumVMs())
}

func TestPollResetsErrorCount(t *testing.T) {
	p, factory := newPool(t, clustertest.Simple("a", 2))
	fake := factory.Get("a")
	vm := startVM(t, fake, "vm-1")

	v := NewVMPoller(p, nil, Options{ErrorThreshold: 3}, zerolog.Nop())
	fake.FailPoll(errors.New("timeout"))
	v.Poll(context.Background())
	v.Poll(context.Background())
	fake.FailPoll(nil)
	v.Poll(context.Background())
	assert.Zero(t, vm.ErrorCount)
}

func TestPollBoundedWorkers(t *testing.T) {
	p, factory := newPool(t, clustertest.Simple("a", 20, 8192), clustertest.Simple("b", 20, 8192))
	for _, name := range []string{"a", "b"} {
		for i := 0; i < 6; i++ {
			startVM(t, factory.Get(name), fmt.Sprintf("%s-vm-%d", name, i))
		}
	}

	res := NewVMPoller(p, nil, Options{Workers: 3}, zerolog.Nop()).Poll(context.Background())
	assert.Equal(t, 12, res.Polled)
	assert.Equal(t, 6, factory.Get("a").Polls)
	assert.Equal(t, 6, factory.Get("b").Polls)
}

func TestPollPublishesStatusChanges(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	p, factory := newPool(t, clustertest.Simple("a", 2))
	fake := factory.Get("a")
	vm := startVM(t, fake, "vm-1")
	fake.SetState(vm.ID, types.VMStatusRunning)

	NewVMPoller(p, broker, Options{}, zerolog.Nop()).Poll(context.Background())

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventVMStatusChanged, ev.Type)
		assert.Equal(t, "vm-1", ev.Metadata["vm_name"])
		assert.Equal(t, "Running", ev.Metadata["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}

func TestVMPollerStartStop(t *testing.T) {
	p, factory := newPool(t, clustertest.Simple("a", 2))
	startVM(t, factory.Get("a"), "vm-1")

	v := NewVMPoller(p, nil, Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	v.Start()
	require.Eventually(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return factory.Get("a").Polls > 0
	}, 2*time.Second, 10*time.Millisecond)
	v.Stop()
	v.Stop()
}
