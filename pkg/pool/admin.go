package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/events"
	"github.com/cuemby/cloudscheduler/pkg/types"
)

const adminShutdownReason = "shutdown request from admin client"

// DestroyResult is the outcome of one destroy issued by an admin call
type DestroyResult struct {
	VM  string
	ID  string
	Err error
}

// EnableCluster lets the scheduler place VMs on the cluster again
func (p *Pool) EnableCluster(name string) error {
	cl, err := p.Cluster(name)
	if err != nil {
		return err
	}
	cl.Accounting().SetEnabled(true)
	p.logger.Info().Str("cluster", cl.Name()).Msg("Cluster enabled")
	p.broker.Publish(events.ClusterEvent(events.EventClusterEnabled, cl.Name(), "enabled by admin"))
	return nil
}

// DisableCluster stops new VMs from being placed on the cluster. Running
// VMs are left alone.
func (p *Pool) DisableCluster(name string) error {
	cl, err := p.Cluster(name)
	if err != nil {
		return err
	}
	cl.Accounting().SetEnabled(false)
	p.logger.Info().Str("cluster", cl.Name()).Msg("Cluster disabled")
	p.broker.Publish(events.ClusterEvent(events.EventClusterDisabled, cl.Name(), "disabled by admin"))
	return nil
}

// destroyAll destroys vms concurrently, at most MaxDestroyThreads at a
// time, and waits for every result
func (p *Pool) destroyAll(ctx context.Context, cl cluster.Cluster, vms []*types.VM, reason string) []DestroyResult {
	results := make([]DestroyResult, len(vms))
	sem := make(chan struct{}, p.opts.MaxDestroyThreads)
	var wg sync.WaitGroup
	for i, vm := range vms {
		wg.Add(1)
		go func(i int, vm *types.VM) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			err := p.DestroyVM(ctx, cl, vm, true, reason)
			results[i] = DestroyResult{VM: vm.Name, ID: vm.ID, Err: err}
		}(i, vm)
	}
	wg.Wait()
	return results
}

// ShutdownClusterVMs destroys every VM on the cluster
func (p *Pool) ShutdownClusterVMs(ctx context.Context, name string) ([]DestroyResult, error) {
	cl, err := p.Cluster(name)
	if err != nil {
		return nil, err
	}
	return p.destroyAll(ctx, cl, cl.Accounting().VMs(), adminShutdownReason), nil
}

// ShutdownClusterVMCount destroys the first n VMs of the cluster. A count
// above the number of VMs destroys them all.
func (p *Pool) ShutdownClusterVMCount(ctx context.Context, name string, n int) ([]DestroyResult, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid VM count %d", n)
	}
	cl, err := p.Cluster(name)
	if err != nil {
		return nil, err
	}
	vms := cl.Accounting().VMs()
	if n < len(vms) {
		vms = vms[:n]
	}
	return p.destroyAll(ctx, cl, vms, adminShutdownReason), nil
}

// clusterVM finds a VM by name or id on the named cluster, falling back to
// a retired cluster of the same name. retired reports which one held it.
func (p *Pool) clusterVM(name, key string) (cl cluster.Cluster, vm *types.VM, retired bool, err error) {
	p.mu.RLock()
	active := findCluster(p.clusters, name)
	var retiredCl []cluster.Cluster
	for _, r := range p.retired {
		if strings.EqualFold(r.Name(), name) {
			retiredCl = append(retiredCl, r)
		}
	}
	p.mu.RUnlock()

	if active == nil && len(retiredCl) == 0 {
		return nil, nil, false, cluster.ErrClusterNotFound
	}
	if active != nil {
		if vm := active.Accounting().FindVM(key); vm != nil {
			return active, vm, false, nil
		}
	}
	for _, r := range retiredCl {
		if vm := r.Accounting().FindVM(key); vm != nil {
			return r, vm, true, nil
		}
	}
	return nil, nil, false, cluster.ErrVMNotFound
}

// ShutdownVM destroys one VM, looking in retired clusters too
func (p *Pool) ShutdownVM(ctx context.Context, clusterName, key string) error {
	cl, vm, retired, err := p.clusterVM(clusterName, key)
	if err != nil {
		return err
	}
	return p.DestroyVM(ctx, cl, vm, !retired, adminShutdownReason)
}

// RemoveVMNoShutdown forgets a VM without asking the provider to destroy
// it. Resources go back to an active cluster; retired clusters keep none.
func (p *Pool) RemoveVMNoShutdown(clusterName, key string) error {
	cl, vm, retired, err := p.clusterVM(clusterName, key)
	if err != nil {
		return err
	}
	if _, err := cl.Accounting().Release(vm, !retired); err != nil {
		return fmt.Errorf("failed to return resources of %s: %w", vm.Name, err)
	}
	p.logger.Info().Str("cluster", cl.Name()).Str("vm_name", vm.Name).Bool("retired", retired).Msg("Removed VM without shutdown")
	return nil
}

// RemoveAllVMsNoShutdown forgets every VM of the cluster without provider
// calls and returns how many were removed
func (p *Pool) RemoveAllVMsNoShutdown(name string) (int, error) {
	cl, err := p.Cluster(name)
	if err != nil {
		return 0, err
	}
	b := cl.Accounting()
	removed := 0
	for _, vm := range b.VMs() {
		ok, err := b.Release(vm, true)
		if err != nil {
			p.logger.Warn().Err(err).Str("vm_name", vm.Name).Msg("Accounting anomaly while removing VM")
		}
		if ok {
			removed++
		}
	}
	p.logger.Info().Str("cluster", cl.Name()).Int("vms", removed).Msg("Removed all VMs without shutdown")
	return removed, nil
}

func (p *Pool) forceRetire(cl cluster.Cluster, vm *types.VM) {
	var ev *events.Event
	cl.Accounting().UpdateVM(vm, func(v *types.VM) {
		v.ForceRetire = true
		v.Override = types.OverrideRetiring
		ev = events.VMEvent(events.EventVMRetiring, v, "force retired")
	})
	p.broker.Publish(ev)
}

// ForceRetireVM marks a VM for retirement. Cleanup destroys it once it has
// no job left.
func (p *Pool) ForceRetireVM(clusterName, key string) error {
	cl, vm, _, err := p.clusterVM(clusterName, key)
	if err != nil {
		return err
	}
	p.forceRetire(cl, vm)
	p.logger.Info().Str("cluster", cl.Name()).Str("vm_name", vm.Name).Msg("VM force retired")
	return nil
}

// ForceRetireClusterVMs retires the first n VMs of the cluster, or all of
// them when n is negative. It returns how many were marked.
func (p *Pool) ForceRetireClusterVMs(name string, n int) (int, error) {
	cl, err := p.Cluster(name)
	if err != nil {
		return 0, err
	}
	vms := cl.Accounting().VMs()
	if n >= 0 && n < len(vms) {
		vms = vms[:n]
	}
	for _, vm := range vms {
		p.forceRetire(cl, vm)
	}
	p.logger.Info().Str("cluster", cl.Name()).Int("vms", len(vms)).Msg("Force retired VMs")
	return len(vms), nil
}

// ResetOverrideState clears a VM's override and retirement mark
func (p *Pool) ResetOverrideState(clusterName, key string) error {
	cl, vm, _, err := p.clusterVM(clusterName, key)
	if err != nil {
		return err
	}
	cl.Accounting().UpdateVM(vm, func(v *types.VM) {
		v.Override = types.OverrideNone
		v.ForceRetire = false
	})
	return nil
}

// AdjustCloudAllocation changes the number of VM slots of a cluster. When
// the new allocation is below the VMs already running, the most recently
// added VMs are force retired; their slots are not handed out again until
// they are gone.
func (p *Pool) AdjustCloudAllocation(name string, slots int) error {
	if slots < 0 {
		return fmt.Errorf("invalid VM allocation %d", slots)
	}
	cl, err := p.Cluster(name)
	if err != nil {
		return err
	}
	b := cl.Accounting()
	if b.Capacity().MaxVMSlots == slots {
		return nil
	}
	excess := b.AdjustSlots(slots)

	vms := b.VMs()
	for i := len(vms) - 1; i >= 0 && i >= len(vms)-excess; i-- {
		p.forceRetire(cl, vms[i])
	}
	p.logger.Info().Str("cluster", cl.Name()).Int("slots", slots).Int("retiring", excess).Msg("Adjusted cloud allocation")
	return nil
}
