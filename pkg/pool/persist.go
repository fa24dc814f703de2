package pool

import (
	"context"
	"fmt"

	"github.com/cuemby/cloudscheduler/pkg/storage"
	"github.com/cuemby/cloudscheduler/pkg/types"
)

// Save writes a snapshot of the active clusters and their VMs. Without a
// store it does nothing.
func (p *Pool) Save(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := &storage.Snapshot{SavedAt: p.now()}
	for _, cl := range p.Clusters() {
		b := cl.Accounting()
		c := b.Capacity()
		snap.Clusters = append(snap.Clusters, &storage.ClusterRecord{
			Name:      cl.Name(),
			CloudType: cl.CloudType(),
			Host:      b.Host(),
			Enabled:   c.Enabled,
			VMSlots:   c.MaxVMSlots,
		})
		for _, vm := range b.VMSnapshots() {
			snap.VMs = append(snap.VMs, &storage.VMRecord{VM: vm})
		}
	}

	if err := p.store.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("failed to save pool snapshot: %w", err)
	}
	p.logger.Debug().Int("clusters", len(snap.Clusters)).Int("vms", len(snap.VMs)).Msg("Saved pool snapshot")
	return nil
}

// Restore reattaches the VMs of the last snapshot to the configured
// clusters and reapplies enable flags and slot allocations. VMs whose
// cluster is gone are dropped; VMs that no longer fit are destroyed without
// returning resources.
func (p *Pool) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	snap, err := p.store.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("failed to load pool snapshot: %w", err)
	}

	for _, rec := range snap.Clusters {
		cl, err := p.Cluster(rec.Name)
		if err != nil {
			continue
		}
		b := cl.Accounting()
		b.SetEnabled(rec.Enabled)
		if rec.VMSlots != b.Config().VMSlots {
			b.AdjustSlots(rec.VMSlots)
		}
	}

	restored, dropped := 0, 0
	for name, vms := range snap.VMsByCluster() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cl, err := p.Cluster(name)
		if err != nil {
			p.logger.Warn().Str("cluster", name).Int("vms", len(vms)).Msg("Cluster from snapshot is no longer configured, dropping its VMs")
			dropped += len(vms)
			continue
		}

		b := cl.Accounting()
		for _, vm := range vms {
			if b.FindVM(vm.Name) != nil {
				continue
			}
			vm.Mementry = -1
			if vm.Status == "" {
				vm.Status = types.VMStatusStarting
			}
			if err := b.Admit(vm); err != nil {
				p.logger.Warn().Err(err).Str("cluster", name).Str("vm_name", vm.Name).Msg("Restored VM no longer fits, destroying")
				p.destroyAsync(cl, vm, false, "restored VM no longer fits")
				dropped++
				continue
			}
			restored++
		}
	}

	p.logger.Info().Int("restored", restored).Int("dropped", dropped).Time("saved_at", snap.SavedAt).Msg("Restored pool snapshot")
	return nil
}
