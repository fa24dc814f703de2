package proxmox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	proxmoxapi "github.com/luthermonson/go-proxmox"
	"github.com/rs/zerolog"
)

// CloudTypes served by this driver
var CloudTypes = []string{"Proxmox"}

var states = cluster.StateTable{
	"running":   types.VMStatusRunning,
	"stopped":   types.VMStatusStopped,
	"paused":    types.VMStatusPaused,
	"suspended": types.VMStatusSuspended,
	"prelaunch": types.VMStatusStarting,
}

// Options are the driver keys of a cluster entry
type Options struct {
	Endpoint              string        `yaml:"endpoint"`
	TokenID               string        `yaml:"token_id"`
	Secret                string        `yaml:"secret"`
	InsecureSkipTLSVerify bool          `yaml:"insecure_skip_tls_verify"`
	Nodes                 []string      `yaml:"nodes"`
	VMIDLower             int           `yaml:"vmid_lower"`
	VMIDUpper             int           `yaml:"vmid_upper"`
	Storage               string        `yaml:"storage"`
	Bridge                string        `yaml:"bridge"`
	Tag                   string        `yaml:"tag"`
	Timeout               time.Duration `yaml:"timeout"`
}

// API is the part of the Proxmox VE API the driver uses
type API interface {
	// UsedVMIDs lists every VMID in the Proxmox cluster
	UsedVMIDs(ctx context.Context) ([]uint64, error)
	// Create defines the VM on node and starts it
	Create(ctx context.Context, node string, vmid int, options []proxmoxapi.VirtualMachineOption) error
	Status(ctx context.Context, node string, vmid int) (string, error)
	// Delete stops the VM if it runs and removes it
	Delete(ctx context.Context, node string, vmid int) error
}

// apiClient drives go-proxmox and waits on every task it starts
type apiClient struct {
	client  *proxmoxapi.Client
	timeout time.Duration
}

func (a *apiClient) waitSeconds() int {
	s := int(a.timeout / time.Second)
	if s <= 0 {
		s = 600
	}
	return s
}

func (a *apiClient) UsedVMIDs(ctx context.Context) ([]uint64, error) {
	cl, err := a.client.Cluster(ctx)
	if err != nil {
		return nil, err
	}
	res, err := cl.Resources(ctx, "vm")
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(res))
	for _, r := range res {
		ids = append(ids, r.VMID)
	}
	return ids, nil
}

func (a *apiClient) Create(ctx context.Context, nodeName string, vmid int, options []proxmoxapi.VirtualMachineOption) error {
	node, err := a.client.Node(ctx, nodeName)
	if err != nil {
		return err
	}
	task, err := node.NewVirtualMachine(ctx, vmid, options...)
	if err != nil {
		return err
	}
	if err := task.WaitFor(ctx, a.waitSeconds()); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	vm, err := node.VirtualMachine(ctx, vmid)
	if err != nil {
		return err
	}
	start, err := vm.Start(ctx)
	if err != nil {
		return err
	}
	return start.WaitFor(ctx, a.waitSeconds())
}

func (a *apiClient) Status(ctx context.Context, nodeName string, vmid int) (string, error) {
	node, err := a.client.Node(ctx, nodeName)
	if err != nil {
		return "", err
	}
	vm, err := node.VirtualMachine(ctx, vmid)
	if err != nil {
		return "", err
	}
	return vm.Status, nil
}

func (a *apiClient) Delete(ctx context.Context, nodeName string, vmid int) error {
	node, err := a.client.Node(ctx, nodeName)
	if err != nil {
		return err
	}
	vm, err := node.VirtualMachine(ctx, vmid)
	if err != nil {
		return err
	}
	if vm.Status != "stopped" {
		stop, err := vm.Stop(ctx)
		if err != nil {
			return err
		}
		if err := stop.WaitFor(ctx, a.waitSeconds()); err != nil {
			return fmt.Errorf("stop task: %w", err)
		}
	}
	del, err := vm.Delete(ctx)
	if err != nil {
		return err
	}
	return del.WaitFor(ctx, a.waitSeconds())
}

// Cluster is a Proxmox VE cluster. VM IDs are "node/vmid".
type Cluster struct {
	*cluster.Base

	opts   Options
	api    API
	env    cluster.Env
	logger zerolog.Logger
	now    func() time.Time

	// mu serialises VMID allocation with the create call that claims it
	mu   sync.Mutex
	next int
}

// New is the registry factory
func New(cfg config.Cluster, env cluster.Env) (cluster.Cluster, error) {
	var opts Options
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, err
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("proxmox option endpoint is required")
	}
	if opts.TokenID == "" || opts.Secret == "" {
		return nil, fmt.Errorf("proxmox options token_id and secret are required")
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("proxmox option nodes is required")
	}

	httpClient := &http.Client{}
	if opts.InsecureSkipTLSVerify {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	client := proxmoxapi.NewClient(
		opts.Endpoint,
		proxmoxapi.WithHTTPClient(httpClient),
		proxmoxapi.WithAPIToken(opts.TokenID, opts.Secret),
	)
	return NewWithAPI(cfg, opts, &apiClient{client: client, timeout: opts.Timeout}, env), nil
}

// NewWithAPI builds the driver around an existing API client
func NewWithAPI(cfg config.Cluster, opts Options, api API, env cluster.Env) *Cluster {
	if opts.VMIDLower <= 0 {
		opts.VMIDLower = 1000
	}
	if opts.VMIDUpper <= opts.VMIDLower {
		opts.VMIDUpper = opts.VMIDLower + 8999
	}
	if opts.Storage == "" {
		opts.Storage = "local-lvm"
	}
	if opts.Bridge == "" {
		opts.Bridge = "vmbr0"
	}
	if opts.Tag == "" {
		opts.Tag = "cloudscheduler"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Cluster{
		Base:   cluster.NewBase(cfg),
		opts:   opts,
		api:    api,
		env:    env,
		logger: env.Logger,
		now:    time.Now,
	}
}

// Create allocates the lowest free VMID in range, imports the image as the
// boot disk and starts the VM
func (c *Cluster) Create(ctx context.Context, req cluster.CreateRequest) (*types.VM, error) {
	if err := cluster.Precheck(c.Base, req); err != nil {
		return nil, err
	}
	image := req.ImageFor(c.Base, c.env.DefaultImage)
	if image == "" {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("no image for this cloud"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	c.mu.Lock()
	used, err := c.api.UsedVMIDs(callCtx)
	if err != nil {
		c.mu.Unlock()
		return nil, c.createError(err)
	}
	vmid, err := lowestFreeVMID(used, c.opts.VMIDLower, c.opts.VMIDUpper)
	if err != nil {
		c.mu.Unlock()
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
	}
	node := c.opts.Nodes[c.next%len(c.opts.Nodes)]
	c.next++
	err = c.api.Create(callCtx, node, vmid, vmOptions(req, image, c.opts))
	c.mu.Unlock()
	if err != nil {
		return nil, c.createError(err)
	}

	id := node + "/" + strconv.Itoa(vmid)
	vm := cluster.NewVM(c.Base, req, id, image, c.now())
	vm.Hostname = req.Name
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_name", vm.Name).Str("vm_id", id).Str("image", image).Msg("Proxmox VM started")
	return vm, nil
}

// vmOptions maps a request onto qemu create parameters
func vmOptions(req cluster.CreateRequest, image string, opts Options) []proxmoxapi.VirtualMachineOption {
	cores := req.CPUCores
	if cores <= 0 {
		cores = 1
	}
	storage := req.Storage
	if storage <= 0 {
		storage = 10
	}
	return []proxmoxapi.VirtualMachineOption{
		{Name: "name", Value: req.Name},
		{Name: "memory", Value: req.Memory},
		{Name: "cores", Value: cores},
		{Name: "scsihw", Value: "virtio-scsi-pci"},
		{Name: "scsi0", Value: fmt.Sprintf("%s:%d,import-from=%s", opts.Storage, storage, image)},
		{Name: "ide2", Value: opts.Storage + ":cloudinit"},
		{Name: "boot", Value: "order=scsi0"},
		{Name: "net0", Value: "virtio,bridge=" + opts.Bridge},
		{Name: "ipconfig0", Value: "ip=dhcp"},
		{Name: "serial0", Value: "socket"},
		{Name: "tags", Value: opts.Tag},
	}
}

// lowestFreeVMID returns the smallest ID in [lower, upper] not in used
func lowestFreeVMID(used []uint64, lower, upper int) (int, error) {
	taken := make(map[uint64]struct{}, len(used))
	for _, id := range used {
		taken[id] = struct{}{}
	}
	for id := lower; id <= upper; id++ {
		if _, ok := taken[uint64(id)]; !ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("no VMIDs available in range [%d,%d]", lower, upper)
}

func parseID(id string) (string, int, error) {
	node, num, ok := strings.Cut(id, "/")
	if !ok {
		return "", 0, fmt.Errorf("malformed proxmox vm id %q", id)
	}
	vmid, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, fmt.Errorf("malformed proxmox vm id %q: %w", id, err)
	}
	return node, vmid, nil
}

// Poll maps the qemu status
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })
	node, vmid, err := parseID(id)
	if err != nil {
		return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	st, err := c.api.Status(callCtx, node, vmid)
	if err != nil {
		if notFound(err) {
			return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
		}
		o := cluster.TransportOverride(err)
		if proxmoxapi.IsNotAuthorized(err) {
			o = types.OverrideNotAuthorized
		}
		return cluster.PollFailed(c.Base, vm, o, c.now()), fmt.Errorf("failed to poll: %w", err)
	}
	return cluster.Observe(c.Base, vm, states.Map(st, types.VMStatusStarting), c.now(), nil), nil
}

// Destroy stops and removes the VM. A VM Proxmox no longer knows counts
// as destroyed.
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	if node, vmid, err := parseID(id); err == nil {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
		if err := c.api.Delete(callCtx, node, vmid); err != nil && !notFound(err) {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
	}

	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("Proxmox VM deleted")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}

func (c *Cluster) createError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case proxmoxapi.IsNotAuthorized(err):
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	case strings.Contains(msg, "not enough"), strings.Contains(msg, "no space left"), strings.Contains(msg, "out of memory"):
		return cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
	}
	return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
}

// notFound recognises the API's missing-VM answers
func notFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}
