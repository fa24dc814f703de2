package ibm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// CloudTypes served by this driver
var CloudTypes = []string{"IBMCloud"}

// DefaultEndpoint is the SmartCloud Enterprise REST root
const DefaultEndpoint = "https://www-147.ibm.com/computecloud/enterprise/api/rest/20100331"

// instanceTypes maps the short size names jobs use onto provider sizes
var instanceTypes = map[string]string{
	"brz32": "BRZ32.1/2048/60*175", "bronze32": "BRZ32.1/2048/60*175",
	"brz64": "BRZ64.2/4096/60*500*350", "bronze64": "BRZ64.2/4096/60*500*350",
	"cop32": "COP32.1/2048/60", "copper32": "COP32.1/2048/60",
	"cop64": "COP64.2/4096/60", "copper64": "COP64.2/4096/60",
	"slv32": "SLV32.2/4096/60*350", "silver32": "SLV32.2/4096/60*350",
	"slv64": "SLV64.4/8192/60*500*500", "silver64": "SLV64.4/8192/60*500*500",
	"gld32": "GLD32.4/4096/60*350", "gold32": "GLD32.4/4096/60*350",
	"gld64": "GLD64.8/16384/60*500*500", "gold64": "GLD64.8/16384/60*500*500",
	"plt64": "PLT64.16/16384/60*500*500*500*500", "platinum64": "PLT64.16/16384/60*500*500*500*500",
}

var locations = map[string]string{
	"raleigh":   "41",
	"ehningen":  "61",
	"boulder2":  "81",
	"boulder1":  "82",
	"markham":   "101",
	"makuhari":  "121",
	"singapore": "141",
}

// Instance status codes
const (
	statusNew             = 0
	statusProvisioning    = 1
	statusFailed          = 2
	statusRemoved         = 3
	statusRejected        = 4
	statusActive          = 5
	statusUnknown         = 6
	statusDeprovisioning  = 7
	statusRestarting      = 8
	statusStarting        = 9
	statusStopping        = 10
	statusStopped         = 11
	statusDeprovisionPend = 12
	statusRestartPending  = 13
	statusAttaching       = 14
	statusDetaching       = 15
)

// pending codes are shared by startup and shutdown
func pending(code int) bool {
	switch code {
	case statusNew, statusProvisioning, statusStarting, statusStopping,
		statusDeprovisioning, statusDeprovisionPend, statusRestartPending,
		statusAttaching, statusDetaching:
		return true
	}
	return false
}

func statusOf(code int) types.VMStatus {
	switch {
	case code == statusActive, code == statusRestarting:
		return types.VMStatusRunning
	case pending(code):
		return types.VMStatusStarting
	case code == statusRemoved, code == statusStopped:
		return types.VMStatusShutdown
	}
	return types.VMStatusError
}

// Options are the driver keys of a cluster entry
type Options struct {
	Endpoint     string        `yaml:"endpoint"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Location     string        `yaml:"location"`
	KeyName      string        `yaml:"key_name"`
	InstanceType string        `yaml:"instance_type"`
	Timeout      time.Duration `yaml:"timeout"`
}

type instance struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    int    `json:"status"`
	PrimaryIP struct {
		IP       string `json:"ip"`
		Hostname string `json:"hostname"`
	} `json:"primaryIP"`
}

// apiError is a non 2xx answer
type apiError struct {
	Code int
	Body string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ibm api: %d %s", e.Code, e.Body)
}

func statusCode(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return 0
}

// Cluster drives IBM SmartCloud Enterprise over its REST API
type Cluster struct {
	*cluster.Base

	opts   Options
	http   *http.Client
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
	if opts.Username == "" || opts.Password == "" {
		return nil, fmt.Errorf("cluster %s: username and password are required", cfg.Name)
	}
	return NewWithClient(cfg, opts, nil, env), nil
}

// NewWithClient builds the driver on hc, or on a client with the configured
// timeout when hc is nil
func NewWithClient(cfg config.Cluster, opts Options, hc *http.Client, env cluster.Env) *Cluster {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Cluster{
		Base:   cluster.NewBase(cfg),
		opts:   opts,
		http:   hc,
		env:    env,
		logger: env.Logger,
		now:    time.Now,
	}
}

func (c *Cluster) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.Endpoint+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.opts.Username, c.opts.Password)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Create starts one instance of the image at the configured location
func (c *Cluster) Create(ctx context.Context, req cluster.CreateRequest) (*types.VM, error) {
	if err := cluster.Precheck(c.Base, req); err != nil {
		return nil, err
	}
	image := req.ImageFor(c.Base, c.env.DefaultImage)
	if image == "" {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("no image for this cloud"))
	}
	size, ok := instanceTypes[strings.ToLower(req.InstanceTypeFor(c.Base, c.env.DefaultInstanceType, c.opts.InstanceType))]
	if !ok {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("not a valid instance type"))
	}
	location, ok := locations[strings.ToLower(c.opts.Location)]
	if !ok {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, fmt.Errorf("%q is not a valid location", c.opts.Location))
	}

	form := url.Values{
		"name":         {req.Name},
		"imageID":      {image},
		"instanceType": {size},
		"location":     {location},
	}
	if c.opts.KeyName != "" {
		form.Set("publicKey", c.opts.KeyName)
	}
	var created struct {
		Instances []instance `json:"instances"`
	}
	if err := c.do(ctx, http.MethodPost, "/instances", form, &created); err != nil {
		return nil, c.createError(err)
	}
	if len(created.Instances) == 0 || created.Instances[0].ID == "" {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("no instance in create response"))
	}

	inst := created.Instances[0]
	vm := cluster.NewVM(c.Base, req, inst.ID, image, c.now())
	vm.IPAddress = inst.PrimaryIP.IP
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_id", vm.ID).Str("vm_name", vm.Name).Str("instance_type", size).Msg("IBM instance created")
	return vm, nil
}

func (c *Cluster) createError(err error) error {
	switch code := statusCode(err); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	case code == http.StatusTooManyRequests:
		return cluster.NewCreateError(c.Name(), cluster.CreateFailed,
			&cluster.RateLimitError{Err: err, EarliestRetry: c.now().Add(30 * time.Second)})
	case code == http.StatusPreconditionFailed, strings.Contains(strings.ToLower(err.Error()), "quota"):
		return cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
	}
	return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
}

// Poll reads the instance. A pending answer for a running VM means it is
// on its way down and shows as Stopping.
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	var inst instance
	err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(id), nil, &inst)
	switch {
	case statusCode(err) == http.StatusNotFound:
		return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
	case err != nil:
		return cluster.PollFailed(c.Base, vm, cluster.TransportOverride(err), c.now()), fmt.Errorf("failed to poll: %w", err)
	}

	status := statusOf(inst.Status)
	stopping := false
	c.ReadVM(vm, func(v *types.VM) {
		if v.Status == types.VMStatusRunning && pending(inst.Status) {
			status, stopping = types.VMStatusRunning, true
		}
	})
	return cluster.Observe(c.Base, vm, status, c.now(), func(v *types.VM) {
		if v.IPAddress == "" {
			v.IPAddress = inst.PrimaryIP.IP
		}
		if stopping {
			v.ApplyOverride(types.OverrideStopping)
		}
	}), nil
}

// Destroy deletes the instance; an instance the API no longer knows is
// already gone
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	err := c.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(id), nil, nil)
	if err != nil && statusCode(err) != http.StatusNotFound {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}
	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("IBM instance destroyed")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}
