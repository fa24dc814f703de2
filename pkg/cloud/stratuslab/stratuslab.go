package stratuslab

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
)

// CloudTypes served by this driver
var CloudTypes = []string{"StratusLab"}

// Default command templates for the StratusLab client tools
const (
	DefaultRunCommand      = "stratus-run-instance --quiet --cpu {cores} --ram {memory} {image}"
	DefaultDescribeCommand = "stratus-describe-instance {id}"
	DefaultShutdownCommand = "stratus-shutdown-instance {id}"
	DefaultKillCommand     = "stratus-kill-instance {id}"
	DefaultUserDataArgs    = "--context-file {contextfile}"
)

var states = cluster.StateTable{
	"INIT":      types.VMStatusStarting,
	"BOOT":      types.VMStatusStarting,
	"PROLOG":    types.VMStatusStarting,
	"PENDING":   types.VMStatusStarting,
	"HOLD":      types.VMStatusStarting,
	"RUNNING":   types.VMStatusRunning,
	"ACTIVE":    types.VMStatusRunning,
	"STOPPED":   types.VMStatusRunning,
	"SUSPENDED": types.VMStatusRunning,
	"DONE":      types.VMStatusShutdown,
	"EPILOG":    types.VMStatusShutdown,
	"FAILED":    types.VMStatusError,
	"FAILURE":   types.VMStatusError,
	"UNKNOWN":   types.VMStatusError,
}

// Options are the driver keys of a cluster entry
type Options struct {
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Endpoint        string        `yaml:"endpoint"`
	RunCommand      string        `yaml:"run_command"`
	DescribeCommand string        `yaml:"describe_command"`
	ShutdownCommand string        `yaml:"shutdown_command"`
	KillCommand     string        `yaml:"kill_command"`
	UserDataArgs    string        `yaml:"user_data_args"`
	KillAfter       time.Duration `yaml:"kill_after"`
	KillRetries     int           `yaml:"kill_retries"`
	WorkDir         string        `yaml:"work_dir"`
}

var (
	reRunOutput = regexp.MustCompile(`^\s*(\d+)\s*(?:,\s*(\d{1,3}(?:\.\d{1,3}){3}))?`)
	reGone      = regexp.MustCompile(`(?i)(does not exist|not found|unknown vm)`)
)

// Cluster drives an OpenNebula based StratusLab site through the stratus
// client tools
type Cluster struct {
	*cluster.Base

	opts   Options
	exec   cluster.Executor
	env    cluster.Env
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
	after  func(d time.Duration, fn func())
}

// New is the registry factory
func New(cfg config.Cluster, env cluster.Env) (cluster.Cluster, error) {
	var opts Options
	if err := config.DecodeOptions(cfg, &opts); err != nil {
		return nil, err
	}
	if opts.KillAfter <= 0 {
		opts.KillAfter = 90 * time.Second
	}
	if opts.KillRetries <= 0 {
		opts.KillRetries = 3
	}
	var exec cluster.Executor = env.Runner
	if env.Runner == nil {
		exec = cluster.NewRunner(3 * time.Minute)
	}
	return NewWithExecutor(cfg, opts, exec, env), nil
}

// NewWithExecutor builds the driver around an existing command executor.
// A zero KillAfter disables the delayed kill after a shutdown.
func NewWithExecutor(cfg config.Cluster, opts Options, exec cluster.Executor, env cluster.Env) *Cluster {
	if opts.RunCommand == "" {
		opts.RunCommand = DefaultRunCommand
	}
	if opts.DescribeCommand == "" {
		opts.DescribeCommand = DefaultDescribeCommand
	}
	if opts.ShutdownCommand == "" {
		opts.ShutdownCommand = DefaultShutdownCommand
	}
	if opts.KillCommand == "" {
		opts.KillCommand = DefaultKillCommand
	}
	if opts.UserDataArgs == "" {
		opts.UserDataArgs = DefaultUserDataArgs
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Cluster{
		Base:   cluster.NewBase(cfg),
		opts:   opts,
		exec:   exec,
		env:    env,
		logger: env.Logger,
		now:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
		after: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// credentials are handed to the client tools through their environment
func (c *Cluster) credentials(extra map[string]string) map[string]string {
	env := map[string]string{}
	for k, v := range extra {
		env[k] = v
	}
	if c.opts.Username != "" {
		env["STRATUSLAB_USERNAME"] = c.opts.Username
	}
	if c.opts.Password != "" {
		env["STRATUSLAB_PASSWORD"] = c.opts.Password
	}
	if c.opts.Endpoint != "" {
		env["STRATUSLAB_ENDPOINT"] = c.opts.Endpoint
	}
	return env
}

func (c *Cluster) run(ctx context.Context, template string, vars map[string]string, env map[string]string) (cluster.Result, error) {
	argv, err := cluster.ExpandCommand(template, vars)
	if err != nil {
		return cluster.Result{}, err
	}
	return c.exec.Run(ctx, argv, c.credentials(env))
}

// Create runs one instance of the marketplace image
func (c *Cluster) Create(ctx context.Context, req cluster.CreateRequest) (*types.VM, error) {
	if err := cluster.Precheck(c.Base, req); err != nil {
		return nil, err
	}
	image := req.ImageFor(c.Base, c.env.DefaultImage)
	if image == "" {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, errors.New("no marketplace image for this cloud"))
	}
	cores := req.CPUCores
	if cores <= 0 {
		cores = 1
	}

	argv, err := cluster.ExpandCommand(c.opts.RunCommand, map[string]string{
		"cores":  strconv.Itoa(cores),
		"memory": strconv.Itoa(req.Memory),
		"image":  image,
		"name":   req.Name,
	})
	if err != nil {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
	}
	if req.Customization != "" {
		dir, err := os.MkdirTemp(c.opts.WorkDir, "stratuslab-")
		if err != nil {
			return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
		}
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "context")
		data := "EC2_USER_DATA=" + base64.StdEncoding.EncodeToString([]byte(req.Customization)) + "\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
		}
		extra, err := cluster.ExpandCommand(c.opts.UserDataArgs, map[string]string{"contextfile": path})
		if err != nil {
			return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
		}
		// options go before the trailing image argument
		last := argv[len(argv)-1]
		argv = append(append(argv[:len(argv)-1:len(argv)-1], extra...), last)
	}

	res, err := c.exec.Run(ctx, argv, c.credentials(nil))
	if err != nil {
		return nil, c.createError(fmt.Errorf("%w: %s", err, strings.TrimSpace(res.Output())))
	}
	m := reRunOutput.FindStringSubmatch(res.Stdout)
	if m == nil {
		return nil, cluster.NewCreateError(c.Name(), cluster.CreateFailed, fmt.Errorf("no instance id in %q", strings.TrimSpace(res.Stdout)))
	}

	vm := cluster.NewVM(c.Base, req, m[1], image, c.now())
	vm.IPAddress = m[2]
	if err := cluster.Adopt(ctx, c, vm, c.logger); err != nil {
		return nil, err
	}
	c.logger.Info().Str("vm_id", vm.ID).Str("vm_name", vm.Name).Str("image", image).Msg("StratusLab instance started")
	return vm, nil
}

func (c *Cluster) createError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "not authorized"):
		return cluster.NewCreateError(c.Name(), cluster.CreateRefused, err)
	case strings.Contains(msg, "quota"):
		return cluster.NewCreateError(c.Name(), cluster.CreateShortage, &cluster.QuotaError{Err: err})
	}
	return cluster.NewCreateError(c.Name(), cluster.CreateFailed, err)
}

// parseDescribe finds the state column of id in describe output:
//
//	id  state     vcpu memory    cpu% host/ip          name
//	42  Running   1    0         0    10.0.0.12        one-42
func parseDescribe(output, id string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == id {
			return fields[1], true
		}
	}
	return "", false
}

// Poll describes the instance
func (c *Cluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })

	res, err := c.run(ctx, c.opts.DescribeCommand, map[string]string{"id": id}, nil)
	if err != nil {
		if reGone.MatchString(res.Output()) {
			return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
		}
		return cluster.PollFailed(c.Base, vm, cluster.TransportOverride(fmt.Errorf("%w: %s", err, res.Output())), c.now()),
			fmt.Errorf("failed to poll: %w", err)
	}
	state, ok := parseDescribe(res.Stdout, id)
	if !ok {
		return cluster.Observe(c.Base, vm, types.VMStatusError, c.now(), nil), nil
	}
	return cluster.Observe(c.Base, vm, states.Map(strings.ToUpper(state), types.VMStatusError), c.now(), nil), nil
}

// Destroy asks the instance to shut down and kills it KillAfter later. If
// the shutdown is refused the instance is killed right away, with retries.
func (c *Cluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	var id string
	c.ReadVM(vm, func(v *types.VM) { id = v.ID })
	vars := map[string]string{"id": id}

	if _, err := c.run(ctx, c.opts.ShutdownCommand, vars, nil); err == nil {
		if c.opts.KillAfter > 0 {
			c.after(c.opts.KillAfter, func() {
				killCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := c.run(killCtx, c.opts.KillCommand, vars, nil); err != nil {
					c.logger.Debug().Err(err).Str("vm_id", id).Msg("Delayed kill failed")
				}
			})
		}
	} else if err := c.kill(ctx, vars); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", id, err)
	}

	c.logger.Info().Str("vm_id", id).Str("reason", reason).Msg("StratusLab instance destroyed")
	cluster.Forget(c, vm, returnResources, c.logger)
	return nil
}

func (c *Cluster) kill(ctx context.Context, vars map[string]string) error {
	var err error
	for attempt := 0; attempt <= c.opts.KillRetries; attempt++ {
		if attempt > 0 {
			c.sleep(ctx, 5*time.Second)
		}
		var res cluster.Result
		res, err = c.run(ctx, c.opts.KillCommand, vars, nil)
		if err == nil || reGone.MatchString(res.Output()) {
			return nil
		}
		c.logger.Debug().Err(err).Str("vm_id", vars["id"]).Int("attempt", attempt+1).Msg("Kill failed")
	}
	return err
}
