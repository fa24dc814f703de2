package cluster

import (
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/types"
)

// Precheck refuses a create the cluster cannot take, before any provider
// call is made
func Precheck(b *Base, req CreateRequest) error {
	if !b.Enabled() {
		return NewCreateError(b.Name(), CreateFailed, &NoResourcesError{Cluster: b.Name(), Resource: ResourceVMSlots})
	}
	if b.FindMementry(req.Memory) < 0 {
		return NewCreateError(b.Name(), CreateFailed, &NoResourcesError{Cluster: b.Name(), Resource: ResourceMemory})
	}
	if b.SlotsAvailable() <= 0 {
		return NewCreateError(b.Name(), CreateFailed, &NoResourcesError{Cluster: b.Name(), Resource: ResourceVMSlots})
	}
	return nil
}

// Observe records a successful poll on vm with the VM lock held: the new
// status, ordinary overrides cleared, then update for the driver's own
// fields. update may be nil. It returns the status now on the VM.
func Observe(b *Base, vm *types.VM, status types.VMStatus, now time.Time, update func(*types.VM)) types.VMStatus {
	var out types.VMStatus
	b.UpdateVM(vm, func(v *types.VM) {
		v.SetStatus(status, now)
		v.ApplyOverride(types.OverrideNone)
		if update != nil {
			update(v)
		}
		out = v.Status
	})
	return out
}

// PollFailed records a poll that could not reach the provider. The VM keeps
// its status; o, when set, is shown in its place unless a special override
// is already there.
func PollFailed(b *Base, vm *types.VM, o types.Override, now time.Time) types.VMStatus {
	var out types.VMStatus
	b.UpdateVM(vm, func(v *types.VM) {
		v.LastPoll = now
		if o != types.OverrideNone {
			v.ApplyOverride(o)
		}
		out = v.Status
	})
	return out
}

// TransportOverride picks the override for a provider call that failed
// before an answer came back. Unrecognised failures get none.
func TransportOverride(err error) types.Override {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return types.OverrideConnectionRefused
	case strings.Contains(msg, "broken pipe"):
		return types.OverrideBrokenPipe
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "authfailure"):
		return types.OverrideNotAuthorized
	}
	return types.OverrideNone
}
