package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/api"
	"github.com/cuemby/cloudscheduler/pkg/cleanup"
	"github.com/cuemby/cloudscheduler/pkg/cloud"
	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/events"
	"github.com/cuemby/cloudscheduler/pkg/health"
	"github.com/cuemby/cloudscheduler/pkg/job"
	"github.com/cuemby/cloudscheduler/pkg/log"
	"github.com/cuemby/cloudscheduler/pkg/metrics"
	"github.com/cuemby/cloudscheduler/pkg/poller"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/cuemby/cloudscheduler/pkg/scheduler"
	"github.com/cuemby/cloudscheduler/pkg/storage"
	"github.com/spf13/cobra"
)

const (
	saveInterval   = time.Minute
	reloadDebounce = 2 * time.Second
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler daemon",
		Long: `Run the scheduler daemon in the foreground.

The daemon reads the global configuration and the cloud resource file,
restores the VMs recorded at the last shutdown and starts the scheduler,
the pollers and the cleanup loop. Changes to the resource, ban and alias
files are picked up without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
	cmd.Flags().StringP("config", "c", "/etc/cloudscheduler/cloud_scheduler.yaml", "Global configuration file")
	return cmd
}

// daemon holds every running component
type daemon struct {
	cfg    *config.Config
	broker *events.Broker
	store  *storage.BoltStore
	pool   *pool.Pool
	jobs   *job.Pool

	forwarder *events.Forwarder
	watcher   *config.Watcher
	collector *metrics.Collector
	sched     *scheduler.Scheduler
	vmPoller  *poller.VMPoller
	jobPoller *poller.JobPoller
	cleaner   *cleanup.Cleaner
	probes    *health.Monitor
	admin     *api.Server
	info      *api.InfoServer

	started  bool
	stopSave chan struct{}
}

func setupLogging(cfg config.LoggingConfig) (io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		f, err := log.OpenFile(cfg.File)
		if err != nil {
			return nil, err
		}
		out, closer = f, f
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Level),
		JSONOutput: cfg.JSON,
		Output:     out,
	})
	return closer, nil
}

func runDaemon(cfg *config.Config) error {
	closer, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	logger := log.WithComponent("daemon")
	metrics.SetVersion(Version)

	if err := config.LoadEnv(cfg.EnvFile); err != nil {
		return err
	}

	d := &daemon{cfg: cfg, stopSave: make(chan struct{})}
	if err := d.start(); err != nil {
		d.stop()
		return err
	}
	logger.Info().Str("version", Version).Msg("Cloud Scheduler running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	d.stop()
	logger.Info().Msg("Shutdown complete")
	return nil
}

func (d *daemon) start() error {
	cfg := d.cfg

	d.broker = events.NewBroker()
	d.broker.Start()
	if cfg.Events.AMQPURL != "" {
		fwd, err := events.DialForwarder(cfg.Events.AMQPURL, cfg.Events.Exchange, d.broker, log.WithComponent("events"))
		if err != nil {
			return err
		}
		d.forwarder = fwd
		d.forwarder.Start()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return err
	}
	d.store = store
	metrics.RegisterComponent("storage", true, "")

	registry := cloud.NewRegistry(cluster.Env{
		Logger:              log.WithComponent("cluster"),
		Runner:              cluster.NewRunner(cfg.CLITimeout),
		DefaultImage:        cfg.DefaultVMAMI,
		DefaultInstanceType: cfg.DefaultInstanceType,
	})
	d.pool = pool.New(registry, store, d.broker, pool.OptionsFromConfig(cfg), log.WithComponent("pool"))
	if err := d.loadPool(); err != nil {
		metrics.RegisterComponent("pool", false, err.Error())
		return err
	}
	metrics.RegisterComponent("pool", true, "")

	d.jobs = job.NewPool(job.OptionsFromConfig(cfg), d.pool, log.WithComponent("jobs"))

	if err := d.watch(); err != nil {
		return err
	}

	d.sched = scheduler.NewScheduler(d.pool, d.jobs, d.broker, scheduler.OptionsFromConfig(cfg), log.WithComponent("scheduler"))
	d.vmPoller = poller.NewVMPoller(d.pool, d.broker, poller.OptionsFromConfig(cfg), log.WithComponent("vm-poller"))
	d.cleaner = cleanup.NewCleaner(d.pool, d.jobs, d.broker, cleanup.OptionsFromConfig(cfg), log.WithComponent("cleanup"))
	d.collector = metrics.NewCollector(d.pool, d.jobs, cfg.CollectorInterval)
	if cfg.EndpointCheckInterval > 0 {
		d.probes = health.NewMonitor(d.pool, health.Config{
			Interval: cfg.EndpointCheckInterval,
			Timeout:  cfg.CLITimeout,
		}, log.WithComponent("probes"))
	}

	if cfg.JobSource.Command != "" {
		source, err := job.NewCommandSource(cfg.JobSource, job.DefaultRequirements)
		if err != nil {
			return err
		}
		d.jobPoller = poller.NewJobPoller(source, d.jobs, cfg.JobPollInterval, cfg.JobSource.Timeout, log.WithComponent("job-poller"))
	} else {
		logger := log.WithComponent("daemon")
		logger.Warn().Msg("No job_source command configured, no jobs will be scheduled")
	}

	d.admin = api.NewServer(api.NewAdmin(d.pool, d.jobs, api.AdminOptions{
		AliasFile:     cfg.TargetAliasFile,
		UserLimitFile: cfg.UserLimitFile,
	}, log.WithComponent("admin")), log.WithComponent("api"))
	if err := d.admin.Start(cfg.AdminServer.Addr, cfg.AdminServer.Socket); err != nil {
		metrics.RegisterComponent("api", false, err.Error())
		d.admin = nil
		return err
	}
	metrics.RegisterComponent("api", true, "")

	if cfg.InfoServer.Addr != "" {
		d.info = api.NewInfoServer(d.pool, d.jobs, log.WithComponent("info"))
		if err := d.info.Start(cfg.InfoServer.Addr); err != nil {
			d.info = nil
			return err
		}
	}

	d.collector.Start()
	if d.jobPoller != nil {
		d.jobPoller.Start()
	}
	d.vmPoller.Start()
	d.sched.Start()
	d.cleaner.Start()
	if d.probes != nil {
		d.probes.Start()
	}
	go d.saveLoop()
	d.started = true
	return nil
}

// loadPool sets the clusters up, restores the last snapshot and reads the
// ban, alias and user limit files
func (d *daemon) loadPool() error {
	clusters, err := config.LoadClusters(d.cfg.ResourceFile)
	if err != nil {
		return err
	}
	if err := d.pool.Setup(clusters); err != nil {
		return err
	}
	if err := d.pool.Restore(context.Background()); err != nil {
		return err
	}
	if err := d.pool.LoadBans(); err != nil {
		return err
	}
	if d.cfg.TargetAliasFile != "" {
		if err := d.pool.LoadTargetAliases(d.cfg.TargetAliasFile); err != nil {
			return err
		}
	}
	if d.cfg.UserLimitFile != "" {
		if err := d.pool.LoadUserLimits(d.cfg.UserLimitFile); err != nil {
			return err
		}
	}
	return nil
}

// watch reloads the pool when one of its files changes
func (d *daemon) watch() error {
	logger := log.WithComponent("watcher")
	w, err := config.NewWatcher(logger, reloadDebounce)
	if err != nil {
		return err
	}
	d.watcher = w

	reload := func(what string, fn func() error) func() {
		return func() {
			if err := fn(); err != nil {
				logger.Error().Err(err).Str("file", what).Msg("Reload failed")
				return
			}
			logger.Info().Str("file", what).Msg("Reloaded")
		}
	}
	watches := []struct {
		path string
		fn   func() error
	}{
		{d.cfg.ResourceFile, func() error {
			clusters, err := config.LoadClusters(d.cfg.ResourceFile)
			if err != nil {
				return err
			}
			return d.pool.Setup(clusters)
		}},
		{d.cfg.BanFile, d.pool.LoadBans},
		{d.cfg.TargetAliasFile, func() error { return d.pool.LoadTargetAliases(d.cfg.TargetAliasFile) }},
		{d.cfg.UserLimitFile, func() error { return d.pool.LoadUserLimits(d.cfg.UserLimitFile) }},
	}
	for _, wt := range watches {
		if err := w.Watch(wt.path, reload(wt.path, wt.fn)); err != nil {
			return err
		}
	}
	w.Start()
	return nil
}

func (d *daemon) saveLoop() {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.pool.Save(context.Background()); err != nil {
				logger := log.WithComponent("daemon")
				logger.Warn().Err(err).Msg("Failed to save pool snapshot")
			}
		case <-d.stopSave:
			return
		}
	}
}

// stop shuts down whatever start got to, in reverse order
func (d *daemon) stop() {
	logger := log.WithComponent("daemon")

	if d.admin != nil {
		d.admin.Stop()
	}
	if d.info != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.info.Shutdown(ctx)
		cancel()
	}
	if d.started {
		close(d.stopSave)
		if d.probes != nil {
			d.probes.Stop()
		}
		d.cleaner.Stop()
		d.sched.Stop()
		d.vmPoller.Stop()
		d.collector.Stop()
		if d.jobPoller != nil {
			d.jobPoller.Stop()
		}
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.pool != nil {
		d.pool.Wait()
		if err := d.pool.SaveBans(); err != nil {
			logger.Warn().Err(err).Msg("Failed to save bans")
		}
		if err := d.pool.Save(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to save pool snapshot")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
	if d.forwarder != nil {
		d.forwarder.Stop()
	}
	if d.broker != nil {
		d.broker.Stop()
	}
}
