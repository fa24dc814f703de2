package nimbus

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// CloudTypes served by this driver
var CloudTypes = []string{"Nimbus"}

// Options are the driver keys of a cluster entry
type Options struct {
	WorkspacePath       string        `yaml:"workspace_path"`
	Lifetime            time.Duration `yaml:"vm_lifetime"`
	ImageAttachDevice   string        `yaml:"image_attach_device"`
	ScratchAttachDevice string        `yaml:"scratch_attach_device"`
	TempLeaseStorage    bool          `yaml:"temp_lease_storage"`
	CustomizationPath   string        `yaml:"customization_path"`
	AdjustShortage      bool          `yaml:"adjust_insufficient_resources"`
	ShutdownWait        time.Duration `yaml:"shutdown_wait"`
	WorkDir             string        `yaml:"work_dir"`
	Hypervisor          string        `yaml:"-"`
}

// Cluster drives a Nimbus workspace service through the workspace command
// line client. Every call writes its XML documents to a scratch directory
// that is removed afterwards.
type Cluster struct {
	*cluster.Base

	opts   Options
	exec   cluster.Executor
	port   int
	env    cluster.Env
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
}

// New is the registry factory
func New(cfg config.Cluster, env cluster.Env) (cluster.Cluster, error) {
	var opts Options
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, err
	}
	var exec cluster.Executor = env.Runner
	if env.Runner == nil {
		exec = cluster.NewRunner(3 * time.Minute)
	}
	return NewWithExecutor(cfg, opts, exec, env), nil
}

// NewWithExecutor builds the driver around an existing command executor
func NewWithExecutor(cfg config.Cluster, opts Options, exec cluster.Executor, env cluster.Env) *Cluster {
	if opts.WorkspacePath == "" {
		opts.WorkspacePath = "workspace"
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = 7 * 24 * time.Hour
	}
	if opts.ShutdownWait <= 0 {
		opts.ShutdownWait = 8 * time.Second
	}
	if opts.ImageAttachDevice == "" {
		opts.ImageAttachDevice = "sda"
	}
	if opts.ScratchAttachDevice == "" {
		opts.ScratchAttachDevice = "sdb"
	}
	if opts.CustomizationPath == "" {
		opts.CustomizationPath = "/var/lib/cloud/seed/nocloud-net/user-data"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	opts.Hypervisor = cfg.Hypervisor
	if opts.Hypervisor == "" {
		opts.Hypervisor = "Xen"
	}
	port := cfg.Port
	if port == 0 {
		port = 8443
	}
	return &Cluster{
		Base:   cluster.NewBase(cfg),
		opts:   opts,
		exec:   exec,
		port:   port,
		env:    env,
		logger: env.Logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Cluster) serviceURL(service string) string {
	return fmt.Sprintf("https://%s:%d/wsrf/services/%s", c.Host(), c.port, service)
}

// Create deploys one workspace and returns immediately; the workspace is
// Unpropagated until the service has staged the image
func (c *Cluster) Create(ctx context.Context, req cluster.CreateRequest) (*types.VM, error) {
	if err := cluster.Precheck(c.Base, req); err != nil {
		return nil, err
	}
	image := req.ImageFor(c.Base, c.env.DefaultImage)
	if image == "" {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("no image for this cloud"))
	}
	network := req.Network
	if network == "" {
		if nets := c.Config().Networks; len(nets) > 0 {
			network = nets[0]
		}
	}
	arch := "x86"
	if archs := c.Config().CPUArchs; len(archs) > 0 {
		arch = archs[0]
	}

	var proxy, cached string
	if req.ProxyFile != "" {
		data, err := os.ReadFile(req.ProxyFile)
		if err != nil {
			return nil, cluster.NewCreateError(c.Name(), cluster.CreateCredential, fmt.Errorf("read proxy: %w", err))
		}
		proxy = string(data)
		cached = filepath.Join(c.opts.WorkDir, req.Name+".proxy")
		if err := os.WriteFile(cached, data, 0o600); err != nil {
			return nil, cluster.NewCreateError(c.Name(), cluster.CreateCredential, fmt.Errorf("cache proxy: %w", err))
		}
	}

	dir, err := os.MkdirTemp(c.opts.WorkDir, "nimbus-create-")
	if err != nil {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	}
	defer os.RemoveAll(dir)

	argv, err := c.createCommand(dir, req, image, network, arch, proxy)
	if err != nil {
		removeFile(cached)
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	}
	env := map[string]string{}
	if cached != "" {
		env["X509_USER_PROXY"] = cached
	}

	res, err := c.exec.Run(ctx, argv, env)
	if err != nil {
		removeFile(cached)
		c.logger.Warn().Err(err).Str("vm_name", req.Name).Str("output", strings.TrimSpace(res.Output())).Msg("Workspace create failed")
		return nil, c.createError(req, network, res.Stderr+res.Stdout, err)
	}

	out, err := parseCreate(res.Stdout)
	if err != nil {
		removeFile(cached)
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	}

	vm := cluster.NewVM(c.Base, req, out.id, image, c.now())
	vm.Network = network
	vm.Hostname = out.hostname
	vm.IPAddress = out.ip
	vm.ProxyFile = cached
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_id", vm.ID).Str("vm_name", vm.Name).Str("image", image).Msg("Workspace deployed")
	return vm, nil
}

func (c *Cluster) createCommand(dir string, req cluster.CreateRequest, image, network, arch, proxy string) ([]string, error) {
	blank := req.Storage > 0 && !c.opts.TempLeaseStorage
	meta, err := metadataDocument(req.Name, network, arch, image, blank, c.opts)
	if err != nil {
		return nil, err
	}
	storageGB := req.Storage
	if c.opts.TempLeaseStorage {
		storageGB = 0
	}
	deploy, err := deploymentDocument(c.opts.Lifetime, req.Memory, req.CPUCores, storageGB)
	if err != nil {
		return nil, err
	}

	files := map[string][]byte{"metadata.xml": meta, "request.xml": deploy}
	argv := []string{
		c.opts.WorkspacePath,
		"-z", "none",
		"--poll-delay", "200",
		"--deploy",
		"--file", filepath.Join(dir, "vm.epr"),
		"--metadata", filepath.Join(dir, "metadata.xml"),
		"--request", filepath.Join(dir, "request.xml"),
		"-s", c.serviceURL("WorkspaceFactoryService"),
		"--nosubscriptions",
	}

	// The credential is only handed over for images fetched over https
	if u, err := url.Parse(image); err != nil || u.Scheme != "https" {
		proxy = ""
	}
	if req.Customization != "" || proxy != "" {
		opt, err := optionalDocument(req.Customization, c.opts.CustomizationPath, proxy)
		if err != nil {
			return nil, err
		}
		files["optional.xml"] = opt
		argv = append(argv, "--optional", filepath.Join(dir, "optional.xml"))
	}

	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return nil, err
		}
	}
	return argv, nil
}

func (c *Cluster) createError(req cluster.CreateRequest, network, output string, err error) error {
	err = fmt.Errorf("%w: %s", err, strings.TrimSpace(output))
	switch parseCreateError(output) {
	case failNoProxy, failExpiredProxy:
		return cluster.NewCreateError(c.Name(), cluster.CreateCredential, err)
	case failNoNetworkSlots:
		if c.opts.AdjustShortage {
			c.ExhaustNetwork(network)
			c.logger.Warn().Str("network", network).Msg("Service reports no free addresses, network slots cleared")
		}
		return cluster.NewCreateError(c.Name(), cluster.CreateShortage, err)
	case failNoMemory:
		if c.opts.AdjustShortage {
			c.ShrinkMemory(req.Memory)
			c.logger.Warn().Int("memory", req.Memory).Msg("Service reports insufficient memory, memory pool lowered")
		}
		return cluster.NewCreateError(c.Name(), cluster.CreateShortage, err)
	case failMaxWorkspaces, failNotAuthorized:
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	}
	return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
}

// eprCommand writes the EPR of vm to a scratch directory and returns the
// workspace command for action. The caller removes the directory.
func (c *Cluster) eprCommand(id, action string) ([]string, string, error) {
	data, err := eprDocument(id, c.Host(), c.port)
	if err != nil {
		return nil, "", err
	}
	dir, err := os.MkdirTemp(c.opts.WorkDir, "nimbus-epr-")
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, "vm.epr")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}
	return []string{c.opts.WorkspacePath, "-e", path, action}, dir, nil
}

// Poll runs an rpquery on the workspace
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id string
	var env map[string]string
	c.ReadVM(vm, func(v *types.VM) {
		id = v.ID
		env = v.Env()
	})

	argv, dir, err := c.eprCommand(id, "--rpquery")
	if err != nil {
		return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
	}
	defer os.RemoveAll(dir)

	res, runErr := c.exec.Run(ctx, argv, env)
	r := parsePoll(res.Output())
	switch {
	case r.gone:
		return cluster.Observe(c.Base, vm, types.VMStatusDestroyed, c.now(), nil), nil
	case r.known:
		return cluster.Observe(c.Base, vm, r.status, c.now(), func(v *types.VM) {
			if r.override != types.OverrideNone {
				v.ApplyOverride(r.override)
			}
		}), nil
	case r.override != types.OverrideNone:
		c.logger.Warn().Str("vm_id", id).Str("override", string(r.override)).Msg("Workspace poll refused")
		return cluster.PollFailed(c.Base, vm, r.override, c.now()), fmt.Errorf("failed to poll workspace %s: %s", id, r.override)
	case runErr != nil:
		return cluster.PollFailed(c.Base, vm, cluster.TransportOverride(runErr), c.now()), fmt.Errorf("failed to poll: %w", runErr)
	}
	return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
}

// Destroy shuts a running workspace down, gives it ShutdownWait to stop and
// destroys it. A workspace the service no longer knows counts as
// destroyed.
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id, proxy string
	var status types.VMStatus
	var env map[string]string
	c.ReadVM(vm, func(v *types.VM) {
		id, proxy, status, env = v.ID, v.ProxyFile, v.Status, v.Env()
	})

	if status == types.VMStatusRunning && c.opts.ShutdownWait > 0 {
		if argv, dir, err := c.eprCommand(id, "--shutdown"); err == nil {
			if _, err := c.exec.Run(ctx, argv, env); err != nil {
				c.logger.Debug().Err(err).Str("vm_id", id).Msg("Workspace shutdown failed, destroying directly")
			} else {
				c.sleep(ctx, c.opts.ShutdownWait)
			}
			os.RemoveAll(dir)
		}
	}

	argv, dir, err := c.eprCommand(id, "--destroy")
	if err == nil {
		defer os.RemoveAll(dir)
		res, runErr := c.exec.Run(ctx, argv, env)
		if runErr != nil && !parsePoll(res.Output()).gone {
			c.UpdateVM(vm, func(v *types.VM) { v.SetStatus(types.VMStatusError, c.now()) })
			return fmt.Errorf("failed to destroy workspace %s: %w: %s", id, runErr, strings.TrimSpace(res.Output()))
		}
	}

	removeFile(proxy)
	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("Workspace destroyed")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}

func removeFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
