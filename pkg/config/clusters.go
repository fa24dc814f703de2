package config

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cluster is one cloud entry of the resource file
type Cluster struct {
	Name      string `yaml:"name"`
	CloudType string `yaml:"cloud_type"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`

	VMSlots       int   `yaml:"vm_slots"`
	CPUCores      int   `yaml:"cpu_cores"`
	TotalCPUCores int   `yaml:"total_cpu_cores"`
	Storage       int   `yaml:"storage"`
	Memory        []int `yaml:"memory"`
	MaxVMMemory   int   `yaml:"max_vm_mem"`
	MaxVMStorage  int   `yaml:"max_vm_storage"`

	CPUArchs []string `yaml:"cpu_archs"`
	Networks []string `yaml:"networks"`

	Enabled     *bool         `yaml:"enabled"`
	Priority    int           `yaml:"priority"`
	KeepAlive   time.Duration `yaml:"vm_keep_alive"`
	BootTimeout time.Duration `yaml:"boot_timeout"`
	Hypervisor  string        `yaml:"hypervisor"`

	// Options carries the driver specific keys. Each driver decodes it into
	// its own struct with DecodeOptions.
	Options map[string]interface{} `yaml:"options"`
}

// IsEnabled defaults to true when the key is absent
func (c *Cluster) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Equal reports whether two entries describe the same cloud with the same
// capacity and options.
func (c *Cluster) Equal(o *Cluster) bool {
	return reflect.DeepEqual(c, o)
}

// Validate checks the fields every driver relies on
func (c *Cluster) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("cluster entry without a name")
	}
	if c.CloudType == "" {
		return fmt.Errorf("cluster %s: cloud_type is required", c.Name)
	}
	if c.VMSlots < 0 || c.Storage < 0 || c.CPUCores < 0 {
		return fmt.Errorf("cluster %s: capacities must not be negative", c.Name)
	}
	if len(c.Memory) == 0 {
		return fmt.Errorf("cluster %s: memory must list at least one pool", c.Name)
	}
	for _, m := range c.Memory {
		if m < 0 {
			return fmt.Errorf("cluster %s: memory pools must not be negative", c.Name)
		}
	}
	return nil
}

// ResourceFile is the document holding the cluster list
type ResourceFile struct {
	Clusters []Cluster `yaml:"clusters"`
}

// LoadClusters reads the resource file. ${VAR} references are expanded from
// the environment first so credentials can live in the env file.
func LoadClusters(path string) ([]Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cloud resource config: %w", err)
	}
	return ParseClusters(data)
}

// ParseClusters decodes a resource document
func ParseClusters(data []byte) ([]Cluster, error) {
	expanded := os.ExpandEnv(string(data))

	var rf ResourceFile
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("failed to parse cloud resource config: %w", err)
	}

	seen := make(map[string]bool, len(rf.Clusters))
	for i := range rf.Clusters {
		c := &rf.Clusters[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate cluster name %s", c.Name)
		}
		seen[c.Name] = true
	}
	return rf.Clusters, nil
}

// DecodeOptions converts the generic options map into a driver's typed
// options struct, rejecting unknown keys.
func DecodeOptions(c Cluster, out interface{}) error {
	if c.Options == nil {
		return nil
	}
	encoded, err := yaml.Marshal(c.Options)
	if err != nil {
		return fmt.Errorf("marshal %s options: %w", c.Name, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(encoded))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s options: %w", c.Name, err)
	}
	return nil
}
