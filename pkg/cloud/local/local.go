package local

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	libvirt "github.com/digitalocean/go-libvirt"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// CloudTypes served by this driver
var CloudTypes = []string{"Local", "LocalHost"}

// DefaultSocket is where libvirtd listens on most distributions
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// Default command templates. {base}, {disk}, {iso} and {dir} are replaced
// per VM.
const (
	DefaultDiskCommand = "qemu-img create -f qcow2 -F qcow2 -b {base} {disk}"
	DefaultSeedCommand = "genisoimage -output {iso} -volid cidata -joliet -rock {dir}/user-data {dir}/meta-data"
)

var states = map[libvirt.DomainState]types.VMStatus{
	libvirt.DomainNostate:     types.VMStatusError,
	libvirt.DomainRunning:     types.VMStatusRunning,
	libvirt.DomainBlocked:     types.VMStatusError,
	libvirt.DomainPaused:      types.VMStatusPaused,
	libvirt.DomainShutdown:    types.VMStatusShutdown,
	libvirt.DomainShutoff:     types.VMStatusStopped,
	libvirt.DomainCrashed:     types.VMStatusError,
	libvirt.DomainPmsuspended: types.VMStatusSuspended,
}

// Options are the driver keys of a cluster entry
type Options struct {
	Socket      string        `yaml:"socket"`
	ImageDir    string        `yaml:"image_dir"`
	InstanceDir string        `yaml:"instance_dir"`
	Network     string        `yaml:"network"`
	DiskCommand string        `yaml:"disk_command"`
	SeedCommand string        `yaml:"seed_command"`
	Emulator    string        `yaml:"emulator"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cluster runs VMs on the local libvirt daemon. Every VM gets a qcow2
// overlay on its base image and a cloud-init seed ISO in its own instance
// directory.
type Cluster struct {
	*cluster.Base

	opts   Options
	hv     Hypervisor
	runner *cluster.Runner
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
	if opts.Socket == "" {
		opts.Socket = DefaultSocket
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return NewWithHypervisor(cfg, opts, &socketHypervisor{socket: opts.Socket, timeout: opts.Timeout}, env), nil
}

// NewWithHypervisor builds the driver around an existing hypervisor
// connection
func NewWithHypervisor(cfg config.Cluster, opts Options, hv Hypervisor, env cluster.Env) *Cluster {
	if opts.ImageDir == "" {
		opts.ImageDir = "/var/lib/cloudscheduler/images"
	}
	if opts.InstanceDir == "" {
		opts.InstanceDir = "/var/lib/cloudscheduler/instances"
	}
	if opts.Network == "" {
		opts.Network = "default"
	}
	if opts.DiskCommand == "" {
		opts.DiskCommand = DefaultDiskCommand
	}
	if opts.SeedCommand == "" {
		opts.SeedCommand = DefaultSeedCommand
	}
	if opts.Emulator == "" {
		opts.Emulator = "/usr/bin/qemu-system-x86_64"
	}
	runner := env.Runner
	if runner == nil {
		runner = cluster.NewRunner(2 * time.Minute)
	}
	return &Cluster{
		Base:   cluster.NewBase(cfg),
		opts:   opts,
		hv:     hv,
		runner: runner,
		env:    env,
		logger: env.Logger,
		now:    time.Now,
	}
}

// Create prepares the instance directory and boots the domain
func (c *Cluster) Create(ctx context.Context, req cluster.CreateRequest) (*types.VM, error) {
	if err := cluster.Precheck(c.Base, req); err != nil {
		return nil, err
	}
	image := req.ImageFor(c.Base, c.env.DefaultImage)
	if image == "" {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("no image for this cloud"))
	}
	base := image
	if !filepath.IsAbs(base) {
		base = filepath.Join(c.opts.ImageDir, image)
	}
	if _, err := os.Stat(base); err != nil {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, fmt.Errorf("image %s: %w", image, err))
	}

	dir := filepath.Join(c.opts.InstanceDir, req.Name)
	if err := c.prepare(ctx, dir, base, req); err != nil {
		os.RemoveAll(dir)
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	}

	desc, err := domainXML(req, c.opts, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	}
	if err := c.hv.Start(ctx, desc); err != nil {
		os.RemoveAll(dir)
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	}

	vm := cluster.NewVM(c.Base, req, req.Name, image, c.now())
	vm.Hostname = req.Name
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_name", vm.Name).Str("image", image).Str("dir", dir).Msg("Local domain started")
	return vm, nil
}

// prepare writes the cloud-init files and runs the overlay and seed
// commands
func (c *Cluster) prepare(ctx context.Context, dir, base string, req cluster.CreateRequest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	meta, err := yaml.Marshal(map[string]string{
		"instance-id":    req.Name,
		"local-hostname": req.Name,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta-data"), meta, 0o644); err != nil {
		return err
	}
	userData := req.Customization
	if userData == "" {
		userData = "#cloud-config\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "user-data"), []byte(userData), 0o600); err != nil {
		return err
	}

	vars := map[string]string{
		"base": base,
		"disk": filepath.Join(dir, "disk.qcow2"),
		"iso":  filepath.Join(dir, "seed.iso"),
		"dir":  dir,
	}
	for _, tmpl := range []string{c.opts.DiskCommand, c.opts.SeedCommand} {
		argv, err := cluster.ExpandCommand(tmpl, vars)
		if err != nil {
			return err
		}
		if res, err := c.runner.Run(ctx, argv, nil); err != nil {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(res.Output()))
		}
	}
	return nil
}

// Poll maps the domain state
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	state, err := c.hv.State(ctx, id)
	if err != nil {
		if errors.Is(err, ErrDomainNotFound) {
			return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
		}
		return cluster.PollFailed(c.Base, vm, cluster.TransportOverride(err), c.now()), fmt.Errorf("failed to poll: %w", err)
	}
	status, ok := states[state]
	if !ok {
		status = types.VMStatusError
	}
	return cluster.Observe(c.Base, vm, status, c.now(), nil), nil
}

// Destroy removes the domain and its instance directory
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	if err := c.hv.Remove(ctx, id); err != nil && !errors.Is(err, ErrDomainNotFound) {
		return fmt.Errorf("failed to remove domain %s: %w", id, err)
	}
	if err := os.RemoveAll(filepath.Join(c.opts.InstanceDir, id)); err != nil {
		c.logger.Warn().Err(err).Str("vm_id", id).Msg("Failed to remove instance directory")
	}
	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("Local domain removed")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}

type domain struct {
	XMLName xml.Name      `xml:"domain"`
	Type    string        `xml:"type,attr"`
	Name    string        `xml:"name"`
	Memory  domainMemory  `xml:"memory"`
	VCPU    int           `xml:"vcpu"`
	OS      domainOS      `xml:"os"`
	Devices domainDevices `xml:"devices"`
}

type domainMemory struct {
	Unit  string `xml:"unit,attr"`
	Value int    `xml:",chardata"`
}

type domainOS struct {
	Type domainOSType `xml:"type"`
}

type domainOSType struct {
	Arch  string `xml:"arch,attr,omitempty"`
	Value string `xml:",chardata"`
}

type domainDevices struct {
	Emulator   string            `xml:"emulator"`
	Disks      []domainDisk      `xml:"disk"`
	Interfaces []domainInterface `xml:"interface"`
	Serial     domainSerial      `xml:"serial"`
}

type domainDisk struct {
	Type     string       `xml:"type,attr"`
	Device   string       `xml:"device,attr"`
	Driver   domainDriver `xml:"driver"`
	Source   domainSource `xml:"source"`
	Target   domainTarget `xml:"target"`
	ReadOnly *struct{}    `xml:"readonly"`
}

type domainDriver struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type domainSource struct {
	File    string `xml:"file,attr,omitempty"`
	Network string `xml:"network,attr,omitempty"`
	Path    string `xml:"path,attr,omitempty"`
}

type domainTarget struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type domainInterface struct {
	Type   string       `xml:"type,attr"`
	Source domainSource `xml:"source"`
	Model  domainModel  `xml:"model"`
}

type domainModel struct {
	Type string `xml:"type,attr"`
}

type domainSerial struct {
	Type   string       `xml:"type,attr"`
	Source domainSource `xml:"source"`
}

// domainXML renders the libvirt definition for one VM
func domainXML(req cluster.CreateRequest, opts Options, dir string) (string, error) {
	arch := req.CPUArch
	if arch == "" || arch == "x86" {
		arch = "x86_64"
	}
	cores := req.CPUCores
	if cores <= 0 {
		cores = 1
	}
	d := domain{
		Type:   "kvm",
		Name:   req.Name,
		Memory: domainMemory{Unit: "MiB", Value: req.Memory},
		VCPU:   cores,
		OS:     domainOS{Type: domainOSType{Arch: arch, Value: "hvm"}},
		Devices: domainDevices{
			Emulator: opts.Emulator,
			Disks: []domainDisk{
				{
					Type:   "file",
					Device: "disk",
					Driver: domainDriver{Name: "qemu", Type: "qcow2"},
					Source: domainSource{File: filepath.Join(dir, "disk.qcow2")},
					Target: domainTarget{Dev: "vda", Bus: "virtio"},
				},
				{
					Type:     "file",
					Device:   "cdrom",
					Driver:   domainDriver{Name: "qemu", Type: "raw"},
					Source:   domainSource{File: filepath.Join(dir, "seed.iso")},
					Target:   domainTarget{Dev: "hdc", Bus: "ide"},
					ReadOnly: &struct{}{},
				},
			},
			Interfaces: []domainInterface{{
				Type:   "network",
				Source: domainSource{Network: opts.Network},
				Model:  domainModel{Type: "virtio"},
			}},
			Serial: domainSerial{Type: "file", Source: domainSource{Path: filepath.Join(dir, "boot-log")}},
		},
	}
	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
