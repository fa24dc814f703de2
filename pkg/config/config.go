package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scheduling algorithms
const (
	AlgorithmFirstFit    = "ff"
	AlgorithmBalancedFit = "bf"
)

// Config is the scheduler's global configuration file
type Config struct {
	Logging LoggingConfig `yaml:"logging"`

	// ResourceFile lists the clouds; EnvFile holds credentials referenced
	// from it as ${VAR}.
	ResourceFile string `yaml:"cloud_resource_config"`
	EnvFile      string `yaml:"env_file"`
	DataDir      string `yaml:"data_dir"`

	SchedulerInterval   time.Duration `yaml:"scheduler_interval"`
	VMPollInterval      time.Duration `yaml:"vm_poller_interval"`
	JobPollInterval     time.Duration `yaml:"job_poller_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	CollectorInterval   time.Duration `yaml:"metrics_interval"`
	SchedulingAlgorithm string        `yaml:"scheduling_algorithm"`

	// EndpointCheckInterval probes each cloud's API endpoint. Zero
	// disables the probes.
	EndpointCheckInterval time.Duration `yaml:"endpoint_check_interval"`

	PollingErrorThreshold int           `yaml:"polling_error_threshold"`
	PollWorkers           int           `yaml:"poll_workers"`
	MaxStartingVM         int           `yaml:"max_starting_vm"`
	MaxDestroyThreads     int           `yaml:"max_destroy_threads"`
	HighPriorityJobWeight float64       `yaml:"high_priority_job_weight"`
	HighPriorityJobs      bool          `yaml:"high_priority_job_support"`
	JobBanTimeout         time.Duration `yaml:"job_ban_timeout"`

	BanFailrateThreshold float64       `yaml:"ban_failrate_threshold"`
	BanMinTrack          int           `yaml:"ban_min_track"`
	BanTTL               time.Duration `yaml:"ban_ttl"`
	BanFile              string        `yaml:"ban_file"`
	TargetAliasFile      string        `yaml:"target_cloud_alias_file"`
	UserLimitFile        string        `yaml:"user_limit_file"`

	VMLifetime      time.Duration `yaml:"vm_lifetime"`
	VMIdleThreshold time.Duration `yaml:"vm_idle_threshold"`
	MaxKeepAlive    time.Duration `yaml:"max_keepalive"`
	CLITimeout      time.Duration `yaml:"cli_timeout"`

	DefaultVMAMI        map[string]string `yaml:"default_vmami"`
	DefaultInstanceType map[string]string `yaml:"default_instance_type"`

	JobSource   JobSourceConfig   `yaml:"job_source"`
	InfoServer  InfoServerConfig  `yaml:"info_server"`
	AdminServer AdminServerConfig `yaml:"admin_server"`
	Events      EventsConfig      `yaml:"events"`
}

// LoggingConfig configures pkg/log
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// JobSourceConfig configures the command that lists queued jobs
type JobSourceConfig struct {
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// InfoServerConfig configures the read-only HTTP surface
type InfoServerConfig struct {
	Addr string `yaml:"addr"`
}

// AdminServerConfig configures the gRPC admin surface. Socket serves
// read-only calls only.
type AdminServerConfig struct {
	Addr   string `yaml:"addr"`
	Socket string `yaml:"socket"`
}

// EventsConfig configures the optional AMQP event forwarder
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// Default returns the configuration used for any key a file leaves out
func Default() *Config {
	return &Config{
		Logging:               LoggingConfig{Level: "info"},
		ResourceFile:          "/etc/cloudscheduler/cloud_resources.yaml",
		DataDir:               "/var/lib/cloudscheduler",
		SchedulerInterval:     5 * time.Second,
		VMPollInterval:        5 * time.Second,
		JobPollInterval:       5 * time.Second,
		CleanupInterval:       5 * time.Second,
		CollectorInterval:     15 * time.Second,
		SchedulingAlgorithm:   AlgorithmFirstFit,
		PollingErrorThreshold: 10,
		PollWorkers:           8,
		MaxStartingVM:         -1,
		MaxDestroyThreads:     10,
		HighPriorityJobWeight: 1,
		JobBanTimeout:         4 * time.Hour,
		BanFailrateThreshold:  1.0,
		BanMinTrack:           10,
		BanFile:               "/var/lib/cloudscheduler/banned_job_resource.json",
		MaxKeepAlive:          8 * time.Hour,
		CLITimeout:            180 * time.Second,
		JobSource:             JobSourceConfig{Timeout: 60 * time.Second},
		InfoServer:            InfoServerConfig{Addr: "127.0.0.1:8111"},
		AdminServer:           AdminServerConfig{Addr: "127.0.0.1:8112", Socket: "/var/run/cloudscheduler.sock"},
		Events:                EventsConfig{Exchange: "cloudscheduler.events"},
	}
}

// Load reads the global configuration file on top of Default
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the control loops cannot run with
func (c *Config) Validate() error {
	switch c.SchedulingAlgorithm {
	case AlgorithmFirstFit, AlgorithmBalancedFit:
	default:
		return fmt.Errorf("unknown scheduling_algorithm %q", c.SchedulingAlgorithm)
	}
	if c.BanFailrateThreshold <= 0 || c.BanFailrateThreshold > 1 {
		return fmt.Errorf("ban_failrate_threshold must be in (0, 1], got %v", c.BanFailrateThreshold)
	}
	if c.BanMinTrack < 1 {
		return fmt.Errorf("ban_min_track must be positive")
	}
	for name, d := range map[string]time.Duration{
		"scheduler_interval":  c.SchedulerInterval,
		"vm_poller_interval":  c.VMPollInterval,
		"job_poller_interval": c.JobPollInterval,
		"cleanup_interval":    c.CleanupInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.PollWorkers < 1 {
		c.PollWorkers = 1
	}
	if c.HighPriorityJobWeight <= 0 {
		return fmt.Errorf("high_priority_job_weight must be positive")
	}
	if c.MaxDestroyThreads < 1 {
		c.MaxDestroyThreads = 1
	}
	return nil
}
