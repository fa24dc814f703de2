// Package clustertest provides an in-memory cluster driver for tests of the
// pool and the control loops.
package clustertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// Fake is a cluster whose provider is a map of instance states
type Fake struct {
	*cluster.Base

	mu         sync.Mutex
	instances  map[string]types.VMStatus
	nextID     int
	createErr  error
	destroyErr error
	pollErr    error

	Creates  int
	Destroys int
	Polls    int
}

// New creates a fake cluster from cfg
func New(cfg config.Cluster) *Fake {
	if cfg.CloudType == "" {
		cfg.CloudType = "fake"
	}
	return &Fake{
		Base:      cluster.NewBase(cfg),
		instances: make(map[string]types.VMStatus),
	}
}

// Simple returns a config with one memory pool and enough cores for tests
func Simple(name string, slots int, memory ...int) config.Cluster {
	if len(memory) == 0 {
		memory = []int{4096}
	}
	return config.Cluster{
		Name:      name,
		CloudType: "fake",
		Host:      name + ".example.org",
		VMSlots:   slots,
		CPUCores:  8,
		Storage:   1000,
		Memory:    memory,
		Networks:  []string{"public"},
		CPUArchs:  []string{"x86_64"},
	}
}

// FailCreate makes the next creates fail with err until cleared with nil
func (f *Fake) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// FailDestroy makes destroys fail with err until cleared with nil
func (f *Fake) FailDestroy(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyErr = err
}

// FailPoll makes polls fail with err until cleared with nil
func (f *Fake) FailPoll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr = err
}

// SetState changes what the provider reports for an instance
func (f *Fake) SetState(id string, status types.VMStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[id] = status
}

// Vanish makes the provider forget an instance
func (f *Fake) Vanish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
}

// Instances returns the number of instances the provider knows about
func (f *Fake) Instances() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// Create boots a fake instance
func (f *Fake) Create(ctx context.Context, req cluster.CreateRequest) (*types.VM, error) {
	f.mu.Lock()
	f.Creates++
	if f.createErr != nil {
		err := f.createErr
		f.mu.Unlock()
		return nil, cluster.NewCreateError(f.Name(), cluster.CodeOf(err), err)
	}
	f.nextID++
	id := fmt.Sprintf("%s-%d", f.Name(), f.nextID)
	f.instances[id] = types.VMStatusStarting
	f.mu.Unlock()

	vm := cluster.NewVM(f.Base, req, id, req.ImageFor(f.Base, nil), time.Now())
	if err := cluster.Adopt(ctx, f, vm, zerolog.Nop()); err != nil {
		return nil, err
	}
	return vm, nil
}

// Poll reports the fake provider state. Unknown instances are Destroyed.
func (f *Fake) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	f.mu.Lock()
	f.Polls++
	if f.pollErr != nil {
		err := f.pollErr
		f.mu.Unlock()
		return vm.Status, err
	}
	state, ok := f.instances[vm.ID]
	f.mu.Unlock()

	if !ok {
		state = types.VMStatusDestroyed
	}
	var status types.VMStatus
	f.UpdateVM(vm, func(v *types.VM) {
		v.SetStatus(state, time.Now())
		if !v.Override.Special() {
			v.Override = types.OverrideNone
		}
		status = v.Status
	})
	return status, nil
}

// Destroy removes the instance. Unknown instances count as destroyed.
func (f *Fake) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	f.mu.Lock()
	f.Destroys++
	if f.destroyErr != nil {
		err := f.destroyErr
		f.mu.Unlock()
		return err
	}
	delete(f.instances, vm.ID)
	f.mu.Unlock()

	cluster.Forget(f, vm, returnResources, zerolog.Nop())
	return nil
}

// Factory builds fakes for a registry and remembers them by name
type Factory struct {
	mu    sync.Mutex
	Built map[string]*Fake
}

// NewFactory creates an empty factory
func NewFactory() *Factory {
	return &Factory{Built: make(map[string]*Fake)}
}

// New implements the pool's cluster factory
func (ff *Factory) New(cfg config.Cluster) (cluster.Cluster, error) {
	f := New(cfg)
	ff.mu.Lock()
	ff.Built[cfg.Name] = f
	ff.mu.Unlock()
	return f, nil
}

// Get returns the most recent fake built for name
func (ff *Factory) Get(name string) *Fake {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.Built[name]
}
