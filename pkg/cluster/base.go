package cluster

import (
	"sync"

	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
)

// Base holds the capacity counters and VM list every driver shares. Drivers
// embed *Base and add Create, Poll and Destroy.
//
// Two locks are used: vmsMu guards the VM list and mutation of VM records,
// resMu guards the counters. Checkout and Return are atomic under resMu.
// When both are needed vmsMu is taken first.
type Base struct {
	cfg config.Cluster

	vmsMu sync.Mutex
	vms   []*types.VM

	resMu         sync.Mutex
	enabled       bool
	vmSlots       int
	maxSlots      int
	storage       int
	memory        []int
	initialMemory []int
	totalCores    int
	maxCores      int
	netSlots      map[string]int
	maxNetSlots   map[string]int
}

// Capacity is a point in time copy of a cluster's counters
type Capacity struct {
	VMSlots       int            `json:"vm_slots"`
	MaxVMSlots    int            `json:"max_vm_slots"`
	Storage       int            `json:"storage"`
	MaxStorage    int            `json:"max_storage"`
	Memory        []int          `json:"memory"`
	MaxMemory     []int          `json:"max_memory"`
	TotalCPUCores int            `json:"total_cpu_cores"`
	NetSlots      map[string]int `json:"net_slots,omitempty"`
	Enabled       bool           `json:"enabled"`
}

// NewBase builds the accounting state for a configured cluster. All slices
// and maps are copied so clusters never share counters.
func NewBase(cfg config.Cluster) *Base {
	cfg.Memory = append([]int(nil), cfg.Memory...)
	cfg.Networks = append([]string(nil), cfg.Networks...)
	cfg.CPUArchs = append([]string(nil), cfg.CPUArchs...)

	totalCores := cfg.TotalCPUCores
	if totalCores <= 0 {
		totalCores = -1
	}

	return &Base{
		cfg:           cfg,
		enabled:       cfg.IsEnabled(),
		vmSlots:       cfg.VMSlots,
		maxSlots:      cfg.VMSlots,
		storage:       cfg.Storage,
		memory:        append([]int(nil), cfg.Memory...),
		initialMemory: append([]int(nil), cfg.Memory...),
		totalCores:    totalCores,
		maxCores:      totalCores,
	}
}

// Accounting returns the shared accounting state. It lets code holding a
// Cluster interface reach the counters.
func (b *Base) Accounting() *Base {
	return b
}

// Name returns the cluster's unique name
func (b *Base) Name() string {
	return b.cfg.Name
}

// CloudType returns the configured cloud type string
func (b *Base) CloudType() string {
	return b.cfg.CloudType
}

// Host returns the cluster's endpoint address
func (b *Base) Host() string {
	return b.cfg.Host
}

// Config returns the configuration the cluster was built from
func (b *Base) Config() config.Cluster {
	return b.cfg
}

// Priority of the cluster, lower is preferred
func (b *Base) Priority() int {
	return b.cfg.Priority
}

// Enabled reports whether the cluster accepts new VMs
func (b *Base) Enabled() bool {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	return b.enabled
}

// SetEnabled enables or disables scheduling on the cluster
func (b *Base) SetEnabled(enabled bool) {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	b.enabled = enabled
}

// SetNetworkSlots limits VMs per network. Networks absent from the map are
// unlimited.
func (b *Base) SetNetworkSlots(slots map[string]int) {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	b.netSlots = make(map[string]int, len(slots))
	b.maxNetSlots = make(map[string]int, len(slots))
	for k, v := range slots {
		b.netSlots[k] = v
		b.maxNetSlots[k] = v
	}
}

// HasNetwork reports whether the cluster serves the network. An empty
// request matches any cluster.
func (b *Base) HasNetwork(network string) bool {
	return network == "" || contains(b.cfg.Networks, network)
}

// HasCPUArch reports whether the cluster offers the architecture. An empty
// request matches any cluster.
func (b *Base) HasCPUArch(arch string) bool {
	return arch == "" || contains(b.cfg.CPUArchs, arch)
}

// FindMementry returns the index of the memory pool a request of mem would
// be drawn from: the first exact fit, else the first entry large enough,
// else -1.
func (b *Base) FindMementry(mem int) int {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	return findMementry(b.memory, mem)
}

func findMementry(pools []int, mem int) int {
	for i, m := range pools {
		if m == mem {
			return i
		}
	}
	for i, m := range pools {
		if m >= mem {
			return i
		}
	}
	return -1
}

// Fits reports whether a VM with the given requirements could be checked out
// now. It does not reserve anything.
func (b *Base) Fits(network, arch string, mem, cores, storage int) bool {
	if !b.HasNetwork(network) || !b.HasCPUArch(arch) {
		return false
	}
	if b.cfg.MaxVMMemory > 0 && mem > b.cfg.MaxVMMemory {
		return false
	}
	if b.cfg.MaxVMStorage > 0 && storage > b.cfg.MaxVMStorage {
		return false
	}
	if cores > b.cfg.CPUCores {
		return false
	}

	b.resMu.Lock()
	defer b.resMu.Unlock()

	if !b.enabled || b.vmSlots <= 0 || storage > b.storage {
		return false
	}
	if b.totalCores >= 0 && cores > b.totalCores {
		return false
	}
	if n, limited := b.netSlots[network]; limited && n <= 0 {
		return false
	}
	return findMementry(b.memory, mem) >= 0
}

// CouldFit ignores current usage and reports whether the configured
// capacity of the cluster could ever hold the VM.
func (b *Base) CouldFit(network, arch string, mem, cores, storage int) bool {
	if !b.HasNetwork(network) || !b.HasCPUArch(arch) {
		return false
	}
	if b.cfg.MaxVMMemory > 0 && mem > b.cfg.MaxVMMemory {
		return false
	}
	if b.cfg.MaxVMStorage > 0 && storage > b.cfg.MaxVMStorage {
		return false
	}
	if cores > b.cfg.CPUCores || storage > b.cfg.Storage || b.cfg.VMSlots <= 0 {
		return false
	}
	return findMementry(b.initialMemory, mem) >= 0
}

// Checkout reserves the VM's resources and records the memory pool it was
// drawn from in vm.Mementry. Nothing is changed when it fails.
func (b *Base) Checkout(vm *types.VM) error {
	b.resMu.Lock()
	defer b.resMu.Unlock()

	if b.vmSlots <= 0 {
		return &NoResourcesError{Cluster: b.cfg.Name, Resource: ResourceVMSlots}
	}
	if vm.Storage > b.storage {
		return &NoResourcesError{Cluster: b.cfg.Name, Resource: ResourceStorage}
	}
	idx := findMementry(b.memory, vm.Memory)
	if idx < 0 {
		return &NoResourcesError{Cluster: b.cfg.Name, Resource: ResourceMemory}
	}
	if b.totalCores >= 0 && vm.CPUCores > b.totalCores {
		return &NoResourcesError{Cluster: b.cfg.Name, Resource: ResourceCPUCores}
	}
	n, limited := b.netSlots[vm.Network]
	if limited && n <= 0 {
		return &NoResourcesError{Cluster: b.cfg.Name, Resource: ResourceNetSlots}
	}

	b.vmSlots--
	b.storage -= vm.Storage
	b.memory[idx] -= vm.Memory
	if b.totalCores >= 0 {
		b.totalCores -= vm.CPUCores
	}
	if limited {
		b.netSlots[vm.Network] = n - 1
	}
	vm.Mementry = idx
	return nil
}

// Return gives the VM's resources back. It refuses to push any counter
// above the configured capacity. If the VM's memory pool no longer exists
// the other counters are still returned and an AccountingError reports the
// memory.
func (b *Base) Return(vm *types.VM) error {
	b.resMu.Lock()
	defer b.resMu.Unlock()

	if b.vmSlots+1 > b.maxSlots {
		return &AccountingError{Cluster: b.cfg.Name, Resource: ResourceVMSlots, VM: vm.Name}
	}
	if b.storage+vm.Storage > b.cfg.Storage {
		return &AccountingError{Cluster: b.cfg.Name, Resource: ResourceStorage, VM: vm.Name}
	}
	validMem := vm.Mementry >= 0 && vm.Mementry < len(b.memory)
	if validMem && b.memory[vm.Mementry]+vm.Memory > b.initialMemory[vm.Mementry] {
		return &AccountingError{Cluster: b.cfg.Name, Resource: ResourceMemory, VM: vm.Name}
	}

	b.vmSlots++
	b.storage += vm.Storage
	if b.totalCores >= 0 {
		b.totalCores += vm.CPUCores
		if b.totalCores > b.maxCores {
			b.totalCores = b.maxCores
		}
	}
	if n, limited := b.netSlots[vm.Network]; limited && n < b.maxNetSlots[vm.Network] {
		b.netSlots[vm.Network] = n + 1
	}
	if !validMem {
		return &AccountingError{Cluster: b.cfg.Name, Resource: ResourceMemory, VM: vm.Name}
	}
	b.memory[vm.Mementry] += vm.Memory
	return nil
}

// AdjustSlots changes the cluster's VM slot allocation and returns how many
// checked out VMs exceed the new allocation. Free slots go negative until
// that many VMs have been returned.
func (b *Base) AdjustSlots(slots int) int {
	b.resMu.Lock()
	defer b.resMu.Unlock()

	inUse := b.maxSlots - b.vmSlots
	b.maxSlots = slots
	b.vmSlots = slots - inUse
	if b.vmSlots < 0 {
		return -b.vmSlots
	}
	return 0
}

// ExhaustNetwork records a provider's claim that network has no addresses
// left. Its remaining slots are taken out of the cluster's VM slots.
func (b *Base) ExhaustNetwork(network string) {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	if b.netSlots == nil {
		b.netSlots = make(map[string]int)
		b.maxNetSlots = make(map[string]int)
	}
	n, limited := b.netSlots[network]
	if !limited {
		b.maxNetSlots[network] = 0
	} else if n > 0 {
		b.vmSlots -= n
		b.maxSlots -= n
	}
	b.netSlots[network] = 0
}

// ShrinkMemory records a provider's claim that the pool a request of mem
// would use cannot hold it. The pool is lowered to just below mem.
func (b *Base) ShrinkMemory(mem int) {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	if idx := findMementry(b.memory, mem); idx >= 0 {
		b.memory[idx] = mem - 1
	}
}

// Seal stops the cluster from accepting checkouts. It is used on cluster
// objects replaced by a reload. It waits for any Admit in progress, so a
// VMs call after Seal returns sees every VM that was checked out.
func (b *Base) Seal() {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()
	b.resMu.Lock()
	defer b.resMu.Unlock()
	b.enabled = false
	b.maxSlots -= b.vmSlots
	b.vmSlots = 0
}

// SlotsAvailable returns the number of free VM slots
func (b *Base) SlotsAvailable() int {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	return b.vmSlots
}

// Capacity copies the counters under the resource lock
func (b *Base) Capacity() Capacity {
	b.resMu.Lock()
	defer b.resMu.Unlock()

	c := Capacity{
		VMSlots:       b.vmSlots,
		MaxVMSlots:    b.maxSlots,
		Storage:       b.storage,
		MaxStorage:    b.cfg.Storage,
		Memory:        append([]int(nil), b.memory...),
		MaxMemory:     append([]int(nil), b.initialMemory...),
		TotalCPUCores: b.totalCores,
		Enabled:       b.enabled,
	}
	if b.netSlots != nil {
		c.NetSlots = make(map[string]int, len(b.netSlots))
		for k, v := range b.netSlots {
			c.NetSlots[k] = v
		}
	}
	return c
}

// Admit checks out vm's resources and appends it to the list while holding
// the list lock. A VM is never checked out without being listed.
func (b *Base) Admit(vm *types.VM) error {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()
	if err := b.Checkout(vm); err != nil {
		return err
	}
	b.vms = append(b.vms, vm)
	return nil
}

// AddVM appends a checked out VM to the cluster's list
func (b *Base) AddVM(vm *types.VM) {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()
	b.vms = append(b.vms, vm)
}

// Release removes vm from the list and, if it was present and
// returnResources is set, returns its resources. Resources are returned at
// most once per VM however often Release is called. It reports whether the
// VM was removed.
func (b *Base) Release(vm *types.VM, returnResources bool) (bool, error) {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()

	idx := -1
	for i, v := range b.vms {
		if v == vm {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	b.vms = append(b.vms[:idx], b.vms[idx+1:]...)

	if returnResources {
		return true, b.Return(vm)
	}
	return true, nil
}

// VMs returns the cluster's current VM records. The slice is a copy; the
// records are shared and must be mutated through UpdateVM.
func (b *Base) VMs() []*types.VM {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()
	return append([]*types.VM(nil), b.vms...)
}

// VMSnapshots returns deep copies of the VM records
func (b *Base) VMSnapshots() []*types.VM {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()

	out := make([]*types.VM, len(b.vms))
	for i, vm := range b.vms {
		out[i] = vm.Clone()
	}
	return out
}

// FindVM looks a VM up by name or provider id
func (b *Base) FindVM(key string) *types.VM {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()
	for _, vm := range b.vms {
		if vm.Name == key || vm.ID == key {
			return vm
		}
	}
	return nil
}

// NumVMs returns the number of VMs on the cluster
func (b *Base) NumVMs() int {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()
	return len(b.vms)
}

// UpdateVM runs fn with the VM list lock held
func (b *Base) UpdateVM(vm *types.VM, fn func(*types.VM)) {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()
	fn(vm)
}

// ReadVM runs fn with the VM list lock held. fn must not mutate vm.
func (b *Base) ReadVM(vm *types.VM, fn func(*types.VM)) {
	b.vmsMu.Lock()
	defer b.vmsMu.Unlock()
	fn(vm)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
