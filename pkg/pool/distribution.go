package pool

import (
	"fmt"

	"github.com/cuemby/cloudscheduler/pkg/types"
)

// Distribution weightings for VMTypeDistribution
const (
	WeightSlot   = "slot"
	WeightMemory = "memory"
	WeightMemCPU = "memcpu"
)

// VMCount returns the number of VMs on active clusters
func (p *Pool) VMCount() int {
	n := 0
	for _, cl := range p.Clusters() {
		n += cl.Accounting().NumVMs()
	}
	return n
}

// VMCountUser returns the number of VMs owned by user
func (p *Pool) VMCountUser(user string) int {
	n := 0
	for _, vm := range p.AllVMs() {
		if vm.User == user {
			n++
		}
	}
	return n
}

// VMTypesCount counts VMs per user and VM type key
func (p *Pool) VMTypesCount() map[string]int {
	counts := make(map[string]int)
	for _, vm := range p.AllVMs() {
		counts[vm.UserVMType]++
	}
	return counts
}

// VMTypesCountCPUSlots is VMTypesCount with job per core VMs counted once
// per core
func (p *Pool) VMTypesCountCPUSlots() map[string]int {
	counts := make(map[string]int)
	for _, vm := range p.AllVMs() {
		if vm.JobPerCore && vm.CPUCores > 0 {
			counts[vm.UserVMType] += vm.CPUCores
			continue
		}
		counts[vm.UserVMType]++
	}
	return counts
}

// SlotsTotal sums the VM slot allocation of every active cluster
func (p *Pool) SlotsTotal() int {
	n := 0
	for _, cl := range p.Clusters() {
		n += cl.Accounting().Capacity().MaxVMSlots
	}
	return n
}

// SlotsAvailable sums the free VM slots of every active cluster
func (p *Pool) SlotsAvailable() int {
	n := 0
	for _, cl := range p.Clusters() {
		n += cl.Accounting().SlotsAvailable()
	}
	return n
}

// VMTypeDistribution returns each user VM type's share of the running VMs,
// weighted by slot count, memory or memory times cores. The shares sum
// to 1; an empty pool yields an empty map.
func (p *Pool) VMTypeDistribution(weight string) (map[string]float64, error) {
	var measure func(vm *types.VM) float64
	switch weight {
	case WeightSlot, "":
		measure = func(*types.VM) float64 { return 1 }
	case WeightMemory:
		measure = func(vm *types.VM) float64 { return float64(vm.Memory) }
	case WeightMemCPU:
		// Summed per type before multiplying
		return p.memCPUDistribution(), nil
	default:
		return nil, fmt.Errorf("unknown distribution weight %q", weight)
	}

	totals := make(map[string]float64)
	var sum float64
	for _, vm := range p.AllVMs() {
		v := measure(vm)
		totals[vm.UserVMType] += v
		sum += v
	}
	return normalize(totals, sum), nil
}

func (p *Pool) memCPUDistribution() map[string]float64 {
	type usage struct{ mem, cores float64 }
	per := make(map[string]*usage)
	for _, vm := range p.AllVMs() {
		u, ok := per[vm.UserVMType]
		if !ok {
			u = &usage{}
			per[vm.UserVMType] = u
		}
		u.mem += float64(vm.Memory)
		u.cores += float64(vm.CPUCores)
	}

	totals := make(map[string]float64, len(per))
	var sum float64
	for t, u := range per {
		area := u.mem * u.cores
		totals[t] = area
		sum += area
	}
	return normalize(totals, sum)
}

func normalize(totals map[string]float64, sum float64) map[string]float64 {
	out := make(map[string]float64, len(totals))
	if sum == 0 {
		return out
	}
	for t, v := range totals {
		out[t] = v / sum
	}
	return out
}

func starting(vm *types.VM) bool {
	return vm.Status == types.VMStatusStarting
}

// NumStarting counts VMs still booting
func (p *Pool) NumStarting() int {
	n := 0
	for _, vm := range p.AllVMs() {
		if starting(vm) {
			n++
		}
	}
	return n
}

func (p *Pool) vmsWhere(match func(vm *types.VM) bool) []*types.VM {
	var out []*types.VM
	for _, vm := range p.AllVMs() {
		if match(vm) {
			out = append(out, vm)
		}
	}
	return out
}

// RetiringOfUserType lists VMs of the user type marked for retirement
func (p *Pool) RetiringOfUserType(uservmtype string) []*types.VM {
	return p.vmsWhere(func(vm *types.VM) bool {
		return vm.UserVMType == uservmtype && vm.Override == types.OverrideRetiring
	})
}

// StartingOfUserType lists VMs of the user type still booting
func (p *Pool) StartingOfUserType(uservmtype string) []*types.VM {
	return p.vmsWhere(func(vm *types.VM) bool {
		return vm.UserVMType == uservmtype && starting(vm)
	})
}

// ErrorOfUserType lists VMs of the user type in Error
func (p *Pool) ErrorOfUserType(uservmtype string) []*types.VM {
	return p.vmsWhere(func(vm *types.VM) bool {
		return vm.UserVMType == uservmtype && vm.Status == types.VMStatusError
	})
}

// UserVMs lists the VMs owned by user
func (p *Pool) UserVMs(user string) []*types.VM {
	return p.vmsWhere(func(vm *types.VM) bool { return vm.User == user })
}
