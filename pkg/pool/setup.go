package pool

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/events"
	"github.com/cuemby/cloudscheduler/pkg/types"
)

// Setup brings the pool in line with cfgs. Clusters whose entry did not
// change are kept as they are. Updated clusters get a fresh driver and
// their VMs are checked out against the new capacity; VMs that no longer
// fit are destroyed. Removed clusters are retired and their VMs destroyed.
//
// Only one reload runs at a time. A call made while another is running is
// queued and run once the current one finishes; a later call replaces an
// earlier queued one.
func (p *Pool) Setup(cfgs []config.Cluster) error {
	if !p.setupMu.TryLock() {
		p.pendingMu.Lock()
		if !p.setupMu.TryLock() {
			p.pending = &cfgs
			p.pendingMu.Unlock()
			p.logger.Warn().Msg("Reload already in progress, queuing the request")
			return nil
		}
		p.pendingMu.Unlock()
	}

	var errs []error
	for {
		if err := p.setup(cfgs); err != nil {
			errs = append(errs, err)
		}

		p.pendingMu.Lock()
		if p.pending == nil {
			p.setupMu.Unlock()
			p.pendingMu.Unlock()
			return errors.Join(errs...)
		}
		cfgs = *p.pending
		p.pending = nil
		p.pendingMu.Unlock()
	}
}

type migration struct {
	from, to cluster.Cluster
}

func (p *Pool) setup(cfgs []config.Cluster) error {
	old := p.Clusters()
	byName := make(map[string]cluster.Cluster, len(old))
	for _, cl := range old {
		byName[cl.Name()] = cl
	}

	var (
		errs     []error
		next     = make([]cluster.Cluster, 0, len(cfgs))
		seen     = make(map[string]bool, len(cfgs))
		migrated []migration
		added    []string
	)
	for i := range cfgs {
		cfg := cfgs[i]
		seen[cfg.Name] = true

		prev, exists := byName[cfg.Name]
		if exists {
			prevCfg := prev.Accounting().Config()
			if prevCfg.Equal(&cfg) {
				next = append(next, prev)
				continue
			}
		}

		cl, err := p.builder.New(cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to build cluster %s: %w", cfg.Name, err))
			if exists {
				next = append(next, prev)
			}
			continue
		}
		next = append(next, cl)
		if exists {
			migrated = append(migrated, migration{from: prev, to: cl})
		} else {
			added = append(added, cfg.Name)
		}
	}

	var removed []cluster.Cluster
	for _, cl := range old {
		if !seen[cl.Name()] {
			removed = append(removed, cl)
		}
	}

	// Old objects stop taking VMs before anything moves
	for _, m := range migrated {
		m.from.Accounting().Seal()
	}
	for _, cl := range removed {
		cl.Accounting().Seal()
	}
	for _, m := range migrated {
		p.migrate(m.from, m.to)
	}

	p.mu.Lock()
	p.clusters = next
	p.retired = append(p.retired, removed...)
	p.mu.Unlock()

	for _, cl := range removed {
		p.logger.Info().Str("cluster", cl.Name()).Int("vms", cl.Accounting().NumVMs()).Msg("Removing cluster from available resources")
		for _, vm := range cl.Accounting().VMs() {
			p.destroyAsync(cl, vm, false, fmt.Sprintf("%s has been removed from the system", cl.Name()))
		}
	}

	p.logger.Info().
		Int("clusters", len(next)).
		Strs("added", added).
		Int("updated", len(migrated)).
		Int("removed", len(removed)).
		Msg("Cloud resources reloaded")
	p.broker.Publish(&events.Event{
		Type:    events.EventPoolReloaded,
		Message: fmt.Sprintf("%d clusters, %d added, %d updated, %d removed", len(next), len(added), len(migrated), len(removed)),
	})
	return errors.Join(errs...)
}

// migrate moves every VM from a replaced cluster object to its successor.
// VMs in Error go last so healthy VMs get the capacity first.
func (p *Pool) migrate(from, to cluster.Cluster) {
	vms := from.Accounting().VMs()
	sort.SliceStable(vms, func(i, j int) bool {
		ei, ej := vms[i].Status == types.VMStatusError, vms[j].Status == types.VMStatusError
		if ei != ej {
			return !ei
		}
		return vms[i].Name < vms[j].Name
	})

	dst := to.Accounting()
	for _, vm := range vms {
		if _, err := from.Accounting().Release(vm, false); err != nil {
			p.logger.Warn().Err(err).Str("vm_name", vm.Name).Msg("Accounting anomaly while moving VM")
		}

		dst.UpdateVM(vm, func(v *types.VM) { v.Mementry = -1 })
		if err := dst.Admit(vm); err != nil {
			reason := "unexpected error checking out resources"
			var nr *cluster.NoResourcesError
			if errors.As(err, &nr) {
				reason = fmt.Sprintf("not enough %s on %s", nr.Resource, to.Name())
			}
			p.logger.Warn().Str("cluster", to.Name()).Str("vm_name", vm.Name).Str("reason", reason).Msg("VM no longer fits after reload")
			p.destroyAsync(to, vm, false, reason)
		}
	}
}
