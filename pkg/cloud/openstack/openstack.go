package openstack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/images"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
)

// CloudTypes served by this driver. "OpenStack" itself is the EC2
// compatible variant.
var CloudTypes = []string{"OpenStackNative"}

// DefaultInstanceType is used when neither the job nor the configuration
// names a flavor
const DefaultInstanceType = "m1.small"

const cacheSize = 256

var states = cluster.StateTable{
	"BUILD":             types.VMStatusStarting,
	"REBUILD":           types.VMStatusStarting,
	"REBOOT":            types.VMStatusStarting,
	"HARD_REBOOT":       types.VMStatusStarting,
	"ACTIVE":            types.VMStatusRunning,
	"SHUTOFF":           types.VMStatusShutdown,
	"SUSPENDED":         types.VMStatusSuspended,
	"PAUSED":            types.VMStatusPaused,
	"ERROR":             types.VMStatusError,
	"DELETED":           types.VMStatusDestroyed,
	"SOFT_DELETED":      types.VMStatusDestroyed,
	"SHELVED":           types.VMStatusStopped,
	"SHELVED_OFFLOADED": types.VMStatusStopped,
}

// Options are the driver keys of a cluster entry
type Options struct {
	AuthURL        string        `yaml:"auth_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TenantName     string        `yaml:"tenant_name"`
	DomainName     string        `yaml:"domain_name"`
	Region         string        `yaml:"region"`
	KeyName        string        `yaml:"key_name"`
	SecurityGroups []string      `yaml:"security_groups"`
	Networks       []string      `yaml:"networks"`
	PlacementZone  string        `yaml:"placement_zone"`
	VMDomainName   string        `yaml:"vm_domain_name"`
	InstanceType   string        `yaml:"instance_type"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Compute is the part of the nova API the driver uses
type Compute interface {
	CreateServer(ctx context.Context, opts servers.CreateOptsBuilder) (*servers.Server, error)
	GetServer(ctx context.Context, id string) (*servers.Server, error)
	DeleteServer(ctx context.Context, id string) error
	FlavorID(ctx context.Context, name string) (string, error)
	ImageID(ctx context.Context, name string) (string, error)
}

// novaClient calls compute v2 through gophercloud. gophercloud v1 calls do
// not take a context; the provider client's timeout bounds them instead.
type novaClient struct {
	client *gophercloud.ServiceClient
}

func (n *novaClient) CreateServer(_ context.Context, opts servers.CreateOptsBuilder) (*servers.Server, error) {
	return servers.Create(n.client, opts).Extract()
}

func (n *novaClient) GetServer(_ context.Context, id string) (*servers.Server, error) {
	return servers.Get(n.client, id).Extract()
}

func (n *novaClient) DeleteServer(_ context.Context, id string) error {
	return servers.Delete(n.client, id).ExtractErr()
}

func (n *novaClient) FlavorID(_ context.Context, name string) (string, error) {
	pages, err := flavors.ListDetail(n.client, flavors.ListOpts{}).AllPages()
	if err != nil {
		return "", err
	}
	list, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, 1)
	for _, f := range list {
		if f.Name == name || f.ID == name {
			ids = append(ids, f.ID)
		}
	}
	return uniqueID("flavor", name, ids)
}

func (n *novaClient) ImageID(_ context.Context, name string) (string, error) {
	pages, err := images.ListDetail(n.client, images.ListOpts{Name: name}).AllPages()
	if err != nil {
		return "", err
	}
	list, err := images.ExtractImages(pages)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, 1)
	for _, img := range list {
		if img.Name == name {
			ids = append(ids, img.ID)
		}
	}
	return uniqueID("image", name, ids)
}

// uniqueID resolves a name that must match exactly one resource
func uniqueID(kind, name string, ids []string) (string, error) {
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("no %s named %q", kind, name)
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("%d %ss named %q", len(ids), kind, name)
}

// Cluster is one OpenStack project reached through keystone
type Cluster struct {
	*cluster.Base

	opts    Options
	nova    Compute
	flavors *lru.Cache
	images  *lru.Cache
	env     cluster.Env
	logger  zerolog.Logger
	now     func() time.Time
}

// New is the registry factory
func New(cfg config.Cluster, env cluster.Env) (cluster.Cluster, error) {
	var opts Options
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, err
	}
	if opts.AuthURL == "" {
		opts.AuthURL = cfg.Host
	}
	if opts.AuthURL == "" || opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("auth_url, username and password are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	provider, err := openstack.NewClient(opts.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create openstack client: %w", err)
	}
	provider.HTTPClient = http.Client{Timeout: opts.Timeout}
	err = openstack.Authenticate(provider, gophercloud.AuthOptions{
		IdentityEndpoint: opts.AuthURL,
		Username:         opts.Username,
		Password:         opts.Password,
		TenantName:       opts.TenantName,
		DomainName:       opts.DomainName,
		AllowReauth:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with keystone: %w", err)
	}
	client, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: opts.Region})
	if err != nil {
		return nil, fmt.Errorf("failed to find compute endpoint: %w", err)
	}
	c, err := NewWithClient(cfg, opts, &novaClient{client: client}, env)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewWithClient builds the driver around an existing client
func NewWithClient(cfg config.Cluster, opts Options, nova Compute, env cluster.Env) (*Cluster, error) {
	flavorCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	imageCache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if len(opts.SecurityGroups) == 0 {
		opts.SecurityGroups = []string{"default"}
	}
	return &Cluster{
		Base:    cluster.NewBase(cfg),
		opts:    opts,
		nova:    nova,
		flavors: flavorCache,
		images:  imageCache,
		env:     env,
		logger:  env.Logger,
		now:     time.Now,
	}, nil
}

// resolve looks a name up through cache, asking lookup on a miss. Failed
// lookups are not cached.
func resolve(ctx context.Context, cache *lru.Cache, name string, lookup func(context.Context, string) (string, error)) (string, error) {
	if id, ok := cache.Get(name); ok {
		return id.(string), nil
	}
	id, err := lookup(ctx, name)
	if err != nil {
		return "", err
	}
	cache.Add(name, id)
	return id, nil
}

// Create boots a server. Image and flavor are given by name and resolved to
// IDs.
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
	flavor := req.InstanceTypeFor(c.Base, c.env.DefaultInstanceType, fallback)

	imageID, err := resolve(ctx, c.images, image, c.nova.ImageID)
	if err != nil {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, fmt.Errorf("image %s: %w", image, err))
	}
	flavorID, err := resolve(ctx, c.flavors, flavor, c.nova.FlavorID)
	if err != nil {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, fmt.Errorf("flavor %s: %w", flavor, err))
	}

	createOpts := servers.CreateOpts{
		Name:             req.Name,
		ImageRef:         imageID,
		FlavorRef:        flavorID,
		SecurityGroups:   c.opts.SecurityGroups,
		AvailabilityZone: c.opts.PlacementZone,
		Metadata: map[string]string{
			"cloudscheduler-user":   req.User,
			"cloudscheduler-vmtype": req.VMType,
		},
	}
	if req.Customization != "" {
		createOpts.UserData = []byte(req.Customization)
	}
	if len(c.opts.Networks) > 0 {
		networks := make([]servers.Network, 0, len(c.opts.Networks))
		for _, n := range c.opts.Networks {
			networks = append(networks, servers.Network{UUID: n})
		}
		createOpts.Networks = networks
	}
	var builder servers.CreateOptsBuilder = createOpts
	if c.opts.KeyName != "" {
		builder = keypairs.CreateOptsExt{CreateOptsBuilder: createOpts, KeyName: c.opts.KeyName}
	}

	server, err := c.nova.CreateServer(ctx, builder)
	if err != nil {
		return nil, c.createError(err)
	}

	vm := cluster.NewVM(c.Base, req, server.ID, image, c.now())
	vm.Hostname = req.Name + c.opts.VMDomainName
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_name", vm.Name).Str("vm_id", server.ID).Str("flavor", flavor).Str("image", image).Msg("Server created")
	return vm, nil
}

// Poll reads the server status and picks the floating address if there is
// one
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	server, err := c.nova.GetServer(ctx, id)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
		}
		o := cluster.TransportOverride(err)
		if code := statusOf(err); code == http.StatusUnauthorized || code == http.StatusForbidden {
			o = types.OverrideNotAuthorized
		}
		return cluster.PollFailed(c.Base, vm, o, c.now()), fmt.Errorf("failed to poll: %w", err)
	}

	status := states.Map(server.Status, types.VMStatusStarting)
	return cluster.Observe(c.Base, vm, status, c.now(), func(v *types.VM) {
		if ip := serverAddress(server); ip != "" {
			v.IPAddress = ip
		}
	}), nil
}

// serverAddress returns the first floating IPv4 address, else the first
// fixed one
func serverAddress(s *servers.Server) string {
	if s.AccessIPv4 != "" {
		return s.AccessIPv4
	}
	var fixed string
	for _, raw := range s.Addresses {
		list, ok := raw.([]interface{})
		if !ok {
			continue
		}
		for _, entry := range list {
			addr, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := addr["addr"].(string)
			if version, ok := addr["version"].(float64); ok && version != 4 {
				continue
			}
			if kind, _ := addr["OS-EXT-IPS:type"].(string); kind == "floating" {
				return ip
			}
			if fixed == "" {
				fixed = ip
			}
		}
	}
	return fixed
}

// Destroy deletes the server. A server nova no longer knows counts as
// destroyed.
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	if err := c.nova.DeleteServer(ctx, id); err != nil && statusOf(err) != http.StatusNotFound {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("Server deleted")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}

func (c *Cluster) createError(err error) error {
	switch statusOf(err) {
	case http.StatusTooManyRequests:
		return cluster.NewCreateError(c.Name(), cluster.CreateFailed, &cluster.RateLimitError{Err: err, EarliestRetry: c.now().Add(30 * time.Second)})
	case http.StatusRequestEntityTooLarge:
		// nova answers quota overruns with 413 on older releases and 403 on
		// newer ones
		return cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
	case http.StatusForbidden:
		if quotaMessage(err) {
			return cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
		}
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	case http.StatusUnauthorized:
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	}
	return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
}

func quotaMessage(err error) bool {
	var uerr gophercloud.ErrUnexpectedResponseCode
	if errors.As(err, &uerr) {
		return strings.Contains(strings.ToLower(string(uerr.Body)), "quota")
	}
	return strings.Contains(strings.ToLower(err.Error()), "quota")
}

// statusOf digs the HTTP status out of a gophercloud error
func statusOf(err error) int {
	var e404 gophercloud.ErrDefault404
	var e401 gophercloud.ErrDefault401
	var e403 gophercloud.ErrDefault403
	var e429 gophercloud.ErrDefault429
	var uerr gophercloud.ErrUnexpectedResponseCode
	switch {
	case errors.As(err, &e404):
		return http.StatusNotFound
	case errors.As(err, &e401):
		return http.StatusUnauthorized
	case errors.As(err, &e403):
		return http.StatusForbidden
	case errors.As(err, &e429):
		return http.StatusTooManyRequests
	case errors.As(err, &uerr):
		return uerr.Actual
	}
	return 0
}
