package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/job"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// ClusterView is the listing form of a cluster
type ClusterView struct {
	Name           string   `json:"name"`
	CloudType      string   `json:"cloud_type"`
	Host           string   `json:"host"`
	Enabled        bool     `json:"enabled"`
	Priority       int      `json:"priority"`
	Retired        bool     `json:"retired,omitempty"`
	VMs            int      `json:"vms"`
	SlotsAvailable int      `json:"slots_available"`
	SlotsTotal     int      `json:"slots_total"`
	Memory         []int    `json:"memory"`
	MaxMemory      []int    `json:"max_memory"`
	Storage        int      `json:"storage"`
	MaxStorage     int      `json:"max_storage"`
	Networks       []string `json:"networks,omitempty"`
	CPUArchs       []string `json:"cpu_archs,omitempty"`

	VMList []VMView `json:"vm_list,omitempty"`
}

// VMView is the listing form of a VM
type VMView struct {
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	Cluster    string    `json:"cluster"`
	User       string    `json:"user"`
	VMType     string    `json:"vmtype"`
	Status     string    `json:"status"`
	Override   string    `json:"override,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	IPAddress  string    `json:"ipaddress,omitempty"`
	Image      string    `json:"image"`
	Memory     int       `json:"memory"`
	CPUCores   int       `json:"cpucores"`
	Storage    int       `json:"storage"`
	ErrorCount int       `json:"errorcount"`
	Created    time.Time `json:"created"`
	JobPerCore bool      `json:"job_per_core,omitempty"`
	Retire     bool      `json:"force_retire,omitempty"`
}

// Share compares the desired and actual share of one user VM type
type Share struct {
	Desired float64 `json:"desired"`
	Actual  float64 `json:"actual"`
	Diff    float64 `json:"diff"`
}

// Distribution is keyed by user:vmtype
type Distribution struct {
	Weight string           `json:"weight"`
	Types  map[string]Share `json:"types"`
}

// NewClusterView summarizes cl. withVMs adds every VM record.
func NewClusterView(cl cluster.Cluster, retired, withVMs bool) ClusterView {
	b := cl.Accounting()
	c := b.Capacity()
	cfg := b.Config()
	v := ClusterView{
		Name:           cl.Name(),
		CloudType:      cl.CloudType(),
		Host:           b.Host(),
		Enabled:        c.Enabled,
		Priority:       b.Priority(),
		Retired:        retired,
		VMs:            b.NumVMs(),
		SlotsAvailable: c.VMSlots,
		SlotsTotal:     c.MaxVMSlots,
		Memory:         c.Memory,
		MaxMemory:      c.MaxMemory,
		Storage:        c.Storage,
		MaxStorage:     c.MaxStorage,
		Networks:       cfg.Networks,
		CPUArchs:       cfg.CPUArchs,
	}
	if withVMs {
		for _, vm := range b.VMSnapshots() {
			v.VMList = append(v.VMList, NewVMView(vm))
		}
	}
	return v
}

// NewVMView converts a VM record. vm must not be shared with a driver.
func NewVMView(vm *types.VM) VMView {
	return VMView{
		Name:       vm.Name,
		ID:         vm.ID,
		Cluster:    vm.ClusterName,
		User:       vm.User,
		VMType:     vm.VMType,
		Status:     string(vm.Status),
		Override:   string(vm.Override),
		Hostname:   vm.Hostname,
		IPAddress:  vm.IPAddress,
		Image:      vm.Image,
		Memory:     vm.Memory,
		CPUCores:   vm.CPUCores,
		Storage:    vm.Storage,
		ErrorCount: vm.ErrorCount,
		Created:    vm.InitializeTime,
		JobPerCore: vm.JobPerCore,
		Retire:     vm.ForceRetire,
	}
}

// ListClusters returns the active clusters followed by retired ones
func ListClusters(p *pool.Pool) []ClusterView {
	var out []ClusterView
	for _, cl := range p.Clusters() {
		out = append(out, NewClusterView(cl, false, false))
	}
	for _, cl := range p.Retired() {
		out = append(out, NewClusterView(cl, true, false))
	}
	return out
}

// ListVMs returns every VM, or those of one cluster when name is set
func ListVMs(p *pool.Pool, name string) ([]VMView, error) {
	var out []VMView
	if name != "" {
		cl, err := p.Cluster(name)
		if err != nil {
			return nil, err
		}
		for _, vm := range cl.Accounting().VMSnapshots() {
			out = append(out, NewVMView(vm))
		}
		return out, nil
	}
	for _, vm := range p.AllVMs() {
		out = append(out, NewVMView(vm))
	}
	return out, nil
}

// Compare builds the desired against actual distribution
func Compare(p *pool.Pool, jobs *job.Pool, weight string) (Distribution, error) {
	if weight == "" {
		weight = pool.WeightSlot
	}
	actual, err := p.VMTypeDistribution(weight)
	if err != nil {
		return Distribution{}, err
	}
	desired := jobs.UserTypeDistribution()

	d := Distribution{Weight: weight, Types: map[string]Share{}}
	for k, v := range desired {
		s := d.Types[k]
		s.Desired = v
		d.Types[k] = s
	}
	for k, v := range actual {
		s := d.Types[k]
		s.Actual = v
		d.Types[k] = s
	}
	for k, s := range d.Types {
		s.Diff = s.Desired - s.Actual
		d.Types[k] = s
	}
	return d, nil
}

// SortedKeys returns the distribution keys in order
func (d Distribution) SortedKeys() []string {
	keys := make([]string, 0, len(d.Types))
	for k := range d.Types {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toStruct converts a JSON encodable value into a protobuf Struct
func toStruct(v interface{}) (*structpb.Struct, error) {
	m := map[string]interface{}{}
	if err := roundTrip(v, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// toList converts a JSON encodable slice into a protobuf ListValue
func toList(v interface{}) (*structpb.ListValue, error) {
	var l []interface{}
	if err := roundTrip(v, &l); err != nil {
		return nil, err
	}
	return structpb.NewList(l)
}

// FromStruct decodes a Struct produced by the admin service into out
func FromStruct(s *structpb.Struct, out interface{}) error {
	return roundTrip(s.AsMap(), out)
}

// FromList decodes a ListValue produced by the admin service into out
func FromList(l *structpb.ListValue, out interface{}) error {
	return roundTrip(l.AsSlice(), out)
}

func roundTrip(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}
