package azure

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// CloudTypes served by this driver
var CloudTypes = []string{"Azure"}

// DefaultInstanceType is used when neither the job nor the configuration
// names a VM size
const DefaultInstanceType = "Standard_B1s"

// Power states come from the instance view as "PowerState/<state>",
// provisioning states as "ProvisioningState/<state>".
var states = cluster.StateTable{
	"PowerState/starting":         types.VMStatusStarting,
	"PowerState/running":          types.VMStatusRunning,
	"PowerState/stopping":         types.VMStatusShutdown,
	"PowerState/stopped":          types.VMStatusStopped,
	"PowerState/deallocating":     types.VMStatusShutdown,
	"PowerState/deallocated":      types.VMStatusStopped,
	"ProvisioningState/creating":  types.VMStatusStarting,
	"ProvisioningState/updating":  types.VMStatusStarting,
	"ProvisioningState/succeeded": types.VMStatusStarting,
	"ProvisioningState/failed":    types.VMStatusError,
	"ProvisioningState/deleting":  types.VMStatusShutdown,
}

// Options are the driver keys of a cluster entry
type Options struct {
	SubscriptionID       string        `yaml:"subscription_id"`
	TenantID             string        `yaml:"tenant_id"`
	ClientID             string        `yaml:"client_id"`
	ClientSecret         string        `yaml:"client_secret"`
	CloudEnvironment     string        `yaml:"cloud_environment"`
	ResourceGroup        string        `yaml:"resource_group"`
	ImageResourceGroup   string        `yaml:"image_resource_group"`
	Location             string        `yaml:"location"`
	Network              string        `yaml:"network"`
	NetworkResourceGroup string        `yaml:"network_resource_group"`
	Subnet               string        `yaml:"subnet"`
	AdminUsername        string        `yaml:"admin_username"`
	SSHPublicKey         string        `yaml:"ssh_public_key"`
	InstanceType         string        `yaml:"instance_type"`
	Timeout              time.Duration `yaml:"timeout"`
}

// VMClient is the part of compute.VirtualMachinesClient the driver uses.
// Long running operations are waited on before returning.
type VMClient interface {
	CreateOrUpdate(ctx context.Context, group, name string, params compute.VirtualMachine) (compute.VirtualMachine, error)
	InstanceView(ctx context.Context, group, name string) (compute.VirtualMachineInstanceView, error)
	Delete(ctx context.Context, group, name string) error
}

// NICClient is the part of network.InterfacesClient the driver uses
type NICClient interface {
	CreateOrUpdate(ctx context.Context, group, name string, params network.Interface) (network.Interface, error)
	Delete(ctx context.Context, group, name string) error
}

type vmClient struct {
	inner compute.VirtualMachinesClient
}

func (c *vmClient) CreateOrUpdate(ctx context.Context, group, name string, params compute.VirtualMachine) (compute.VirtualMachine, error) {
	future, err := c.inner.CreateOrUpdate(ctx, group, name, params)
	if err != nil {
		return compute.VirtualMachine{}, err
	}
	if err := future.WaitForCompletionRef(ctx, c.inner.Client); err != nil {
		return compute.VirtualMachine{}, err
	}
	return future.Result(c.inner)
}

func (c *vmClient) InstanceView(ctx context.Context, group, name string) (compute.VirtualMachineInstanceView, error) {
	return c.inner.InstanceView(ctx, group, name)
}

func (c *vmClient) Delete(ctx context.Context, group, name string) error {
	future, err := c.inner.Delete(ctx, group, name)
	if err != nil {
		return err
	}
	return future.WaitForCompletionRef(ctx, c.inner.Client)
}

type nicClient struct {
	inner network.InterfacesClient
}

func (c *nicClient) CreateOrUpdate(ctx context.Context, group, name string, params network.Interface) (network.Interface, error) {
	future, err := c.inner.CreateOrUpdate(ctx, group, name, params)
	if err != nil {
		return network.Interface{}, err
	}
	if err := future.WaitForCompletionRef(ctx, c.inner.Client); err != nil {
		return network.Interface{}, err
	}
	return future.Result(c.inner)
}

func (c *nicClient) Delete(ctx context.Context, group, name string) error {
	future, err := c.inner.Delete(ctx, group, name)
	if err != nil {
		return err
	}
	return future.WaitForCompletionRef(ctx, c.inner.Client)
}

// Cluster is an Azure resource group
type Cluster struct {
	*cluster.Base

	opts   Options
	vms    VMClient
	nics   NICClient
	env    cluster.Env
	logger zerolog.Logger
	now    func() time.Time
}

// New is the registry factory
func New(cfg config.Cluster, env cluster.Env) (cluster.Cluster, error) {
	var opts Options
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, err
	}
	if opts.SubscriptionID == "" || opts.ResourceGroup == "" || opts.Location == "" {
		return nil, fmt.Errorf("subscription_id, resource_group and location are required")
	}
	if opts.CloudEnvironment == "" {
		opts.CloudEnvironment = azure.PublicCloud.Name
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}

	azureEnv, err := azure.EnvironmentFromName(opts.CloudEnvironment)
	if err != nil {
		return nil, err
	}
	authorizer, err := auth.ClientCredentialsConfig{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		TenantID:     opts.TenantID,
		Resource:     azureEnv.ResourceManagerEndpoint,
		AADEndpoint:  azureEnv.ActiveDirectoryEndpoint,
	}.Authorizer()
	if err != nil {
		return nil, fmt.Errorf("failed to build azure authorizer: %w", err)
	}

	vms := compute.NewVirtualMachinesClientWithBaseURI(azureEnv.ResourceManagerEndpoint, opts.SubscriptionID)
	vms.Authorizer = authorizer
	vms.PollingDuration = opts.Timeout
	nics := network.NewInterfacesClientWithBaseURI(azureEnv.ResourceManagerEndpoint, opts.SubscriptionID)
	nics.Authorizer = authorizer
	nics.PollingDuration = opts.Timeout

	return NewWithClients(cfg, opts, &vmClient{vms}, &nicClient{nics}, env), nil
}

// NewWithClients builds the driver around existing clients
func NewWithClients(cfg config.Cluster, opts Options, vms VMClient, nics NICClient, env cluster.Env) *Cluster {
	if opts.ImageResourceGroup == "" {
		opts.ImageResourceGroup = opts.ResourceGroup
	}
	if opts.NetworkResourceGroup == "" {
		opts.NetworkResourceGroup = opts.ResourceGroup
	}
	if opts.AdminUsername == "" {
		opts.AdminUsername = "cloudscheduler"
	}
	return &Cluster{
		Base:   cluster.NewBase(cfg),
		opts:   opts,
		vms:    vms,
		nics:   nics,
		env:    env,
		logger: env.Logger,
		now:    time.Now,
	}
}

// Create builds a NIC and then the VM on it. The NIC is removed again if
// the VM cannot be created.
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
	size := req.InstanceTypeFor(c.Base, c.env.DefaultInstanceType, fallback)

	tags := map[string]*string{
		"cloudscheduler-user":   to.StringPtr(req.User),
		"cloudscheduler-vmtype": to.StringPtr(req.VMType),
		"created-at":            to.StringPtr(c.now().Format(time.RFC3339)),
	}

	nicName := req.Name + "-nic"
	nic, err := c.nics.CreateOrUpdate(ctx, c.opts.ResourceGroup, nicName, network.Interface{
		Location: to.StringPtr(c.opts.Location),
		Tags:     tags,
		InterfacePropertiesFormat: &network.InterfacePropertiesFormat{
			IPConfigurations: &[]network.InterfaceIPConfiguration{{
				Name: to.StringPtr("ip1"),
				InterfaceIPConfigurationPropertiesFormat: &network.InterfaceIPConfigurationPropertiesFormat{
					Subnet:                    &network.Subnet{ID: to.StringPtr(c.subnetID())},
					PrivateIPAllocationMethod: network.Dynamic,
				},
			}},
		},
	})
	if err != nil {
		return nil, c.createError(err)
	}

	params := compute.VirtualMachine{
		Location: to.StringPtr(c.opts.Location),
		Tags:     tags,
		VirtualMachineProperties: &compute.VirtualMachineProperties{
			HardwareProfile: &compute.HardwareProfile{VMSize: compute.VirtualMachineSizeTypes(size)},
			StorageProfile:  c.storageProfile(req.Name, image),
			NetworkProfile: &compute.NetworkProfile{
				NetworkInterfaces: &[]compute.NetworkInterfaceReference{{
					ID: nic.ID,
					NetworkInterfaceReferenceProperties: &compute.NetworkInterfaceReferenceProperties{
						Primary: to.BoolPtr(true),
					},
				}},
			},
			OsProfile: c.osProfile(req),
		},
	}
	if req.MaxPrice > 0 {
		params.VirtualMachineProperties.Priority = compute.Spot
		params.VirtualMachineProperties.EvictionPolicy = compute.Delete
		params.VirtualMachineProperties.BillingProfile = &compute.BillingProfile{MaxPrice: to.Float64Ptr(req.MaxPrice)}
	}

	if _, err := c.vms.CreateOrUpdate(ctx, c.opts.ResourceGroup, req.Name, params); err != nil {
		if derr := c.nics.Delete(ctx, c.opts.ResourceGroup, nicName); derr != nil {
			c.logger.Warn().Err(derr).Str("nic", nicName).Msg("Failed to clean up NIC after failed create")
		}
		return nil, c.createError(err)
	}

	vm := cluster.NewVM(c.Base, req, req.Name, image, c.now())
	vm.Hostname = req.Name
	vm.IPAddress = privateIP(nic)
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_name", vm.Name).Str("size", size).Str("image", image).Msg("Azure VM created")
	return vm, nil
}

func (c *Cluster) subnetID() string {
	if strings.HasPrefix(c.opts.Subnet, "/subscriptions/") {
		return c.opts.Subnet
	}
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/virtualnetworks/%s/subnets/%s",
		c.opts.SubscriptionID, c.opts.NetworkResourceGroup, c.opts.Network, c.opts.Subnet)
}

// storageProfile accepts a full resource ID, a marketplace URN
// (publisher:offer:sku:version) or the name of a managed image in the image
// resource group
func (c *Cluster) storageProfile(name, image string) *compute.StorageProfile {
	ref := &compute.ImageReference{}
	switch parts := strings.Split(image, ":"); {
	case strings.HasPrefix(image, "/subscriptions/"):
		ref.ID = to.StringPtr(image)
	case len(parts) == 4:
		ref.Publisher = to.StringPtr(parts[0])
		ref.Offer = to.StringPtr(parts[1])
		ref.Sku = to.StringPtr(parts[2])
		ref.Version = to.StringPtr(parts[3])
	default:
		ref.ID = to.StringPtr(fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/images/%s",
			c.opts.SubscriptionID, c.opts.ImageResourceGroup, image))
	}
	return &compute.StorageProfile{
		ImageReference: ref,
		OsDisk: &compute.OSDisk{
			OsType:       compute.Linux,
			Name:         to.StringPtr(name + "-os"),
			CreateOption: compute.DiskCreateOptionTypesFromImage,
		},
	}
}

func (c *Cluster) osProfile(req cluster.CreateRequest) *compute.OSProfile {
	p := &compute.OSProfile{
		ComputerName:  to.StringPtr(req.Name),
		AdminUsername: to.StringPtr(c.opts.AdminUsername),
	}
	if req.Customization != "" {
		p.CustomData = to.StringPtr(base64.StdEncoding.EncodeToString([]byte(req.Customization)))
	}
	if c.opts.SSHPublicKey != "" {
		p.LinuxConfiguration = &compute.LinuxConfiguration{
			DisablePasswordAuthentication: to.BoolPtr(true),
			SSH: &compute.SSHConfiguration{
				PublicKeys: &[]compute.SSHPublicKey{{
					Path:    to.StringPtr("/home/" + c.opts.AdminUsername + "/.ssh/authorized_keys"),
					KeyData: to.StringPtr(c.opts.SSHPublicKey),
				}},
			},
		}
	}
	return p
}

func privateIP(nic network.Interface) string {
	props := nic.InterfacePropertiesFormat
	if props == nil || props.IPConfigurations == nil || len(*props.IPConfigurations) == 0 {
		return ""
	}
	ipProps := (*props.IPConfigurations)[0].InterfaceIPConfigurationPropertiesFormat
	if ipProps == nil {
		return ""
	}
	return to.String(ipProps.PrivateIPAddress)
}

// Poll reads the instance view. The power state wins over the provisioning
// state when both are present.
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	view, err := c.vms.InstanceView(ctx, c.opts.ResourceGroup, id)
	if err != nil {
		if notFound(err) {
			return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
		}
		return cluster.PollFailed(c.Base, vm, c.pollOverride(err), c.now()), fmt.Errorf("failed to poll: %w", err)
	}
	return cluster.Observe(c.Base, vm, viewStatus(view), c.now(), nil), nil
}

func viewStatus(view compute.VirtualMachineInstanceView) types.VMStatus {
	if view.Statuses == nil {
		return types.VMStatusStarting
	}
	var power, provisioning string
	for _, s := range *view.Statuses {
		code := to.String(s.Code)
		switch {
		case strings.HasPrefix(code, "PowerState/"):
			power = code
		case strings.HasPrefix(code, "ProvisioningState/"):
			provisioning = code
		}
	}
	if provisioning == "ProvisioningState/failed" {
		return types.VMStatusError
	}
	if power != "" {
		return states.Map(power, types.VMStatusStarting)
	}
	return states.Map(provisioning, types.VMStatusStarting)
}

// Destroy deletes the VM and then its NIC. A VM Azure no longer knows
// counts as destroyed.
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	if err := c.vms.Delete(ctx, c.opts.ResourceGroup, id); err != nil && !notFound(err) {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	if err := c.nics.Delete(ctx, c.opts.ResourceGroup, id+"-nic"); err != nil && !notFound(err) {
		c.logger.Warn().Err(err).Str("vm_id", id).Msg("Failed to delete NIC")
	}

	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("Azure VM destroyed")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}

func (c *Cluster) pollOverride(err error) types.Override {
	if status := statusCode(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
		return types.OverrideNotAuthorized
	}
	return cluster.TransportOverride(err)
}

var quotaRe = regexp.MustCompile(`(?i:exceed|quota|limit)`)

// createError classifies an ARM failure. Throttling carries Retry-After,
// quota problems are a shortage.
func (c *Cluster) createError(err error) error {
	switch status := statusCode(err); {
	case status == http.StatusTooManyRequests:
		return cluster.NewCreateError(c.Name(), cluster.CreateFailed, &cluster.RateLimitError{Err: err, EarliestRetry: c.retryAfter(err)})
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	}
	var rq *azure.RequestError
	if errors.As(err, &rq) && rq.ServiceError != nil {
		if quotaRe.MatchString(rq.ServiceError.Code) || quotaRe.MatchString(rq.ServiceError.Message) {
			return cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
		}
	}
	return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
}

func (c *Cluster) retryAfter(err error) time.Time {
	var de autorest.DetailedError
	if errors.As(err, &de) && de.Response != nil {
		if ra := de.Response.Header.Get("Retry-After"); ra != "" {
			if t, perr := http.ParseTime(ra); perr == nil {
				return t
			}
			if secs, perr := strconv.Atoi(ra); perr == nil {
				return c.now().Add(time.Duration(secs) * time.Second)
			}
		}
	}
	return c.now().Add(20 * time.Second)
}

func statusCode(err error) int {
	var de autorest.DetailedError
	if !errors.As(err, &de) {
		return 0
	}
	if code, ok := de.StatusCode.(int); ok {
		return code
	}
	if de.Response != nil {
		return de.Response.StatusCode
	}
	return 0
}

func notFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}
