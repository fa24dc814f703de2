package cluster

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// Cluster is the contract every cloud driver satisfies. Name, CloudType and
// Accounting come from an embedded *Base.
type Cluster interface {
	Name() string
	CloudType() string
	Accounting() *Base

	// Create boots an instance and, on success, checks its resources out
	// and adds it to the cluster. Every failure is a *CreateError. If the
	// checkout fails after the provider call the instance is destroyed.
	Create(ctx context.Context, req CreateRequest) (*types.VM, error)

	// Poll refreshes vm from the provider and returns its status. A
	// non-nil error means the provider could not be asked; the status is
	// then unchanged.
	Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error)

	// Destroy terminates the instance. An instance the provider no longer
	// knows counts as destroyed. On success the VM is removed from the
	// cluster and, when returnResources is set, its resources are returned.
	// On error nothing is returned.
	Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error
}

// CreateRequest carries everything a driver needs to boot one VM
type CreateRequest struct {
	Name          string
	VMType        string
	User          string
	Network       string
	CPUArch       string
	Image         string
	Memory        int
	CPUCores      int
	Storage       int
	Customization string
	KeepAlive     time.Duration
	JobPerCore    bool
	ProxyFile     string
	MaxPrice      float64

	// ImageByCloud and InstanceType are keyed by cluster name or host
	ImageByCloud map[string]string
	InstanceType map[string]string
}

// ImageFor picks the image for cluster b: the request's per-cloud entry by
// name, then by host, then the configured default for the cluster, then the
// default keyed "default", and finally the plain Image field.
func (r *CreateRequest) ImageFor(b *Base, defaults map[string]string) string {
	if img := lookup(r.ImageByCloud, b.Name(), b.Host()); img != "" {
		return img
	}
	if img := lookup(defaults, b.Name(), b.Host()); img != "" {
		return img
	}
	if img := defaults["default"]; img != "" {
		return img
	}
	return r.Image
}

// InstanceTypeFor picks the instance type for cluster b the same way
// ImageFor picks images, falling back to fallback.
func (r *CreateRequest) InstanceTypeFor(b *Base, defaults map[string]string, fallback string) string {
	if it := lookup(r.InstanceType, b.Name(), b.Host()); it != "" {
		return it
	}
	if it := lookup(defaults, b.Name(), b.Host()); it != "" {
		return it
	}
	if it := defaults["default"]; it != "" {
		return it
	}
	return fallback
}

// lookup tries each key as given and then lowercased, since job maps are
// keyed by lowercased cluster names once aliases are resolved
func lookup(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			return v
		}
		if v, ok := m[strings.ToLower(k)]; ok && v != "" {
			return v
		}
	}
	return ""
}

// NewVM builds the record for an instance the provider just accepted. A
// request without a keep alive takes the cluster's vm_keep_alive.
func NewVM(b *Base, req CreateRequest, id, image string, now time.Time) *types.VM {
	keepAlive := req.KeepAlive
	if keepAlive == 0 {
		keepAlive = b.Config().KeepAlive
	}
	return &types.VM{
		Name:            req.Name,
		ID:              id,
		VMType:          req.VMType,
		User:            req.User,
		UserVMType:      req.User + ":" + req.VMType,
		ClusterName:     b.Name(),
		ClusterAddr:     b.Host(),
		ClusterPort:     b.Config().Port,
		CloudType:       b.CloudType(),
		Network:         req.Network,
		CPUArch:         req.CPUArch,
		Image:           image,
		Memory:          req.Memory,
		Mementry:        -1,
		CPUCores:        req.CPUCores,
		Storage:         req.Storage,
		Status:          types.VMStatusStarting,
		InitializeTime:  now,
		LastStateChange: now,
		KeepAlive:       keepAlive,
		JobPerCore:      req.JobPerCore,
		ProxyFile:       req.ProxyFile,
	}
}

// Adopt finishes a successful provider create: the VM's resources are
// checked out and the VM is added to the cluster. If the checkout fails the
// instance is destroyed without returning resources and a CreateError is
// returned.
func Adopt(ctx context.Context, cl Cluster, vm *types.VM, logger zerolog.Logger) error {
	b := cl.Accounting()
	if err := b.Admit(vm); err != nil {
		logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Resource checkout failed after create, destroying instance")
		if derr := cl.Destroy(ctx, vm, false, "failed resource checkout"); derr != nil {
			logger.Error().Err(derr).Str("vm_id", vm.ID).Msg("Failed to destroy instance after checkout failure")
		}
		return NewCreateError(b.Name(), CreateFailed, err)
	}
	return nil
}

// Forget removes a destroyed VM from its cluster. Accounting problems are
// logged rather than returned since the instance is already gone.
func Forget(cl Cluster, vm *types.VM, returnResources bool, logger zerolog.Logger) {
	removed, err := cl.Accounting().Release(vm, returnResources)
	if err != nil {
		logger.Warn().Err(err).Str("vm_name", vm.Name).Msg("Accounting anomaly while returning resources")
	}
	if !removed {
		logger.Debug().Str("vm_name", vm.Name).Msg("VM already removed from cluster")
	}
}
