package gce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// CloudTypes served by this driver
var CloudTypes = []string{"GCE", "GoogleComputeEngine"}

// DefaultInstanceType is used when neither the job nor the configuration
// names a machine type
const DefaultInstanceType = "e2-small"

var states = cluster.StateTable{
	"PROVISIONING": types.VMStatusStarting,
	"STAGING":      types.VMStatusStarting,
	"RUNNING":      types.VMStatusRunning,
	"STOPPING":     types.VMStatusShutdown,
	"STOPPED":      types.VMStatusStopped,
	"TERMINATED":   types.VMStatusStopped,
	"SUSPENDING":   types.VMStatusSuspended,
	"SUSPENDED":    types.VMStatusSuspended,
	"REPAIRING":    types.VMStatusError,
}

// Options are the driver keys of a cluster entry
type Options struct {
	Project         string        `yaml:"project"`
	Zone            string        `yaml:"zone"`
	CredentialsFile string        `yaml:"credentials_file"`
	Network         string        `yaml:"network"`
	Subnetwork      string        `yaml:"subnetwork"`
	NoExternalIP    bool          `yaml:"no_external_ip"`
	ServiceAccount  string        `yaml:"service_account"`
	DiskSizeGB      int64         `yaml:"disk_size_gb"`
	InstanceType    string        `yaml:"instance_type"`
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
}

// InstancesClient is the part of the compute API the driver uses
type InstancesClient interface {
	Insert(ctx context.Context, project, zone string, inst *compute.Instance) error
	Get(ctx context.Context, project, zone, name string) (*compute.Instance, error)
	Delete(ctx context.Context, project, zone, name string) error
}

type instancesClient struct {
	svc *compute.InstancesService
}

func (c *instancesClient) Insert(ctx context.Context, project, zone string, inst *compute.Instance) error {
	op, err := c.svc.Insert(project, zone, inst).Context(ctx).Do()
	if err != nil {
		return err
	}
	return operationError(op)
}

func (c *instancesClient) Get(ctx context.Context, project, zone, name string) (*compute.Instance, error) {
	return c.svc.Get(project, zone, name).Context(ctx).Do()
}

func (c *instancesClient) Delete(ctx context.Context, project, zone, name string) error {
	op, err := c.svc.Delete(project, zone, name).Context(ctx).Do()
	if err != nil {
		return err
	}
	return operationError(op)
}

// operationError turns the errors of a finished operation into an error.
// Operations still running report nothing.
func operationError(op *compute.Operation) error {
	if op == nil || op.Error == nil || len(op.Error.Errors) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(op.Error.Errors))
	for _, e := range op.Error.Errors {
		msgs = append(msgs, e.Code+": "+e.Message)
	}
	return &googleapi.Error{Code: int(op.HttpErrorStatusCode), Message: strings.Join(msgs, "; ")}
}

// Cluster is one zone of a Google Compute Engine project
type Cluster struct {
	*cluster.Base

	opts      Options
	instances InstancesClient
	env       cluster.Env
	logger    zerolog.Logger
	now       func() time.Time
}

// New is the registry factory. Without a credentials file the application
// default credentials are used.
func New(cfg config.Cluster, env cluster.Env) (cluster.Cluster, error) {
	var opts Options
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, err
	}
	if opts.Project == "" || opts.Zone == "" {
		return nil, fmt.Errorf("project and zone are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	ctx := context.Background()
	var creds *google.Credentials
	var err error
	if opts.CredentialsFile != "" {
		data, rerr := os.ReadFile(opts.CredentialsFile)
		if rerr != nil {
			return nil, fmt.Errorf("failed to read credentials: %w", rerr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, compute.ComputeScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, compute.ComputeScope)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load google credentials: %w", err)
	}

	clientOpts := []option.ClientOption{
		option.WithCredentials(creds),
		option.WithScopes(compute.ComputeScope),
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := compute.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}
	return NewWithClient(cfg, opts, &instancesClient{svc: svc.Instances}, env), nil
}

// NewWithClient builds the driver around an existing client
func NewWithClient(cfg config.Cluster, opts Options, instances InstancesClient, env cluster.Env) *Cluster {
	if opts.Network == "" {
		opts.Network = "global/networks/default"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Cluster{
		Base:      cluster.NewBase(cfg),
		opts:      opts,
		instances: instances,
		env:       env,
		logger:    env.Logger,
		now:       time.Now,
	}
}

// Create inserts one instance. The insert operation is not waited on; the
// instance shows up as PROVISIONING on the next poll.
func (c *Cluster) Create(ctx context.Context, req cluster.CreateRequest) (*types.VM, error) {
	if err := cluster.Precheck(c.Base, req); err != nil {
		return nil, err
	}
	image := req.ImageFor(c.Base, c.env.DefaultImage)
	if image == "" {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("no image for this cloud"))
	}
	fallback := c.opts.InstanceType
	if fallback == "" {
		fallback = DefaultInstanceType
	}
	machineType := req.InstanceTypeFor(c.Base, c.env.DefaultInstanceType, fallback)
	name := strings.ToLower(req.Name)

	inst := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", c.opts.Zone, machineType),
		Labels: map[string]string{
			"cloudscheduler-user":   labelValue(req.User),
			"cloudscheduler-vmtype": labelValue(req.VMType),
		},
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: imagePath(image),
				DiskSizeGb:  c.opts.DiskSizeGB,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{c.networkInterface()},
	}
	if req.Customization != "" {
		inst.Metadata = &compute.Metadata{Items: []*compute.MetadataItems{{
			Key:   "user-data",
			Value: googleapi.String(req.Customization),
		}}}
	}
	if c.opts.ServiceAccount != "" {
		inst.ServiceAccounts = []*compute.ServiceAccount{{
			Email:  c.opts.ServiceAccount,
			Scopes: []string{compute.CloudPlatformScope},
		}}
	}
	if req.MaxPrice > 0 {
		inst.Scheduling = &compute.Scheduling{Preemptible: true, AutomaticRestart: googleapi.Bool(false), OnHostMaintenance: "TERMINATE"}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if err := c.instances.Insert(callCtx, c.opts.Project, c.opts.Zone, inst); err != nil {
		return nil, c.createError(err)
	}

	vm := cluster.NewVM(c.Base, req, name, image, c.now())
	vm.Hostname = name
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_name", vm.Name).Str("machine_type", machineType).Str("image", image).Msg("GCE instance inserted")
	return vm, nil
}

func (c *Cluster) networkInterface() *compute.NetworkInterface {
	ni := &compute.NetworkInterface{Network: c.opts.Network, Subnetwork: c.opts.Subnetwork}
	if !c.opts.NoExternalIP {
		ni.AccessConfigs = []*compute.AccessConfig{{Name: "External NAT", Type: "ONE_TO_ONE_NAT"}}
	}
	return ni
}

// imagePath accepts a bare image name from the project or any partial or
// full resource path
func imagePath(image string) string {
	if strings.Contains(image, "/") {
		return image
	}
	return "global/images/" + image
}

// labelValue keeps a value within the label character set
func labelValue(s string) string {
	s = strings.ToLower(s)
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return string(out)
}

// Poll reads the instance status and addresses
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	inst, err := c.instances.Get(callCtx, c.opts.Project, c.opts.Zone, id)
	if err != nil {
		if apiCode(err) == http.StatusNotFound {
			return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
		}
		o := cluster.TransportOverride(err)
		if code := apiCode(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
			o = types.OverrideNotAuthorized
		}
		return cluster.PollFailed(c.Base, vm, o, c.now()), fmt.Errorf("failed to poll: %w", err)
	}

	status := states.Map(inst.Status, types.VMStatusStarting)
	return cluster.Observe(c.Base, vm, status, c.now(), func(v *types.VM) {
		if len(inst.NetworkInterfaces) == 0 {
			return
		}
		ni := inst.NetworkInterfaces[0]
		v.IPAddress = ni.NetworkIP
		if len(ni.AccessConfigs) > 0 && ni.AccessConfigs[0].NatIP != "" {
			v.IPAddress = ni.AccessConfigs[0].NatIP
		}
	}), nil
}

// Destroy deletes the instance. A 404 counts as destroyed.
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if err := c.instances.Delete(callCtx, c.opts.Project, c.opts.Zone, id); err != nil && apiCode(err) != http.StatusNotFound {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}

	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("GCE instance deleted")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}

func (c *Cluster) createError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return cluster.NewCreateError(c.Name(), cluster.CreateFailed, &cluster.RateLimitError{Err: err, EarliestRetry: c.now().Add(30 * time.Second)})
		case "quotaExceeded", "ZONE_RESOURCE_POOL_EXHAUSTED":
			return cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
		}
	}
	switch gerr.Code {
	case http.StatusTooManyRequests:
		return cluster.NewCreateError(c.Name(), cluster.CreateFailed, &cluster.RateLimitError{Err: err, EarliestRetry: c.now().Add(30 * time.Second)})
	case http.StatusUnauthorized, http.StatusForbidden:
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	}
	return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
}

func apiCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}
