package storage

import (
	"errors"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/types"
)

// SchemaVersion is the record format written by this build. Databases at
// version 1 hold one blob per cluster and need cloudscheduler-migrate.
const SchemaVersion = 2

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrSchemaVersion is returned when the database was written by a
	// different record format
	ErrSchemaVersion = errors.New("unsupported schema version")
)

// Store defines the interface for the resource pool snapshot
type Store interface {
	// Snapshot
	SaveSnapshot(snap *Snapshot) error
	LoadSnapshot() (*Snapshot, error)

	// VMs
	ListVMs() ([]*VMRecord, error)
	GetVM(name string) (*VMRecord, error)
	PutVM(vm *types.VM) error
	DeleteVM(name string) error

	// Utility
	Close() error
}

// ClusterRecord is the persisted part of a cluster's state. Capacity is
// rebuilt from configuration; only operator decisions are kept.
type ClusterRecord struct {
	SchemaVersion int    `json:"schema_version"`
	Name          string `json:"name"`
	CloudType     string `json:"cloud_type"`
	Host          string `json:"host"`
	Enabled       bool   `json:"enabled"`
	VMSlots       int    `json:"vm_slots"`
}

// VMRecord is one persisted VM
type VMRecord struct {
	SchemaVersion int       `json:"schema_version"`
	VM            *types.VM `json:"vm"`
}

// Snapshot is the full pool state at one point in time
type Snapshot struct {
	SavedAt  time.Time        `json:"saved_at"`
	Clusters []*ClusterRecord `json:"clusters"`
	VMs      []*VMRecord      `json:"vms"`
}

// VMsByCluster groups the snapshot's VMs by cluster name
func (s *Snapshot) VMsByCluster() map[string][]*types.VM {
	out := make(map[string][]*types.VM)
	for _, rec := range s.VMs {
		if rec.VM == nil {
			continue
		}
		out[rec.VM.ClusterName] = append(out[rec.VM.ClusterName], rec.VM)
	}
	return out
}

// Cluster returns the record for name, or nil
func (s *Snapshot) Cluster(name string) *ClusterRecord {
	for _, c := range s.Clusters {
		if c.Name == name {
			return c
		}
	}
	return nil
}
