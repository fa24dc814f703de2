/*
Package storage persists the resource pool snapshot used for restart
recovery.

The snapshot is kept in a BoltDB (bbolt) file, <data_dir>/cloudscheduler.db,
as versioned JSON records:

	┌──────────────── cloudscheduler.db ────────────────┐
	│                                                   │
	│  clusters   name → ClusterRecord                  │
	│             {schema_version, enabled, vm_slots}   │
	│                                                   │
	│  vms        vm name → VMRecord                    │
	│             {schema_version, vm}                  │
	│                                                   │
	│  meta       schema_version, saved_at              │
	│                                                   │
	│  resources  (schema 1 only, read by migrate)      │
	└───────────────────────────────────────────────────┘

SaveSnapshot replaces the clusters and vms buckets in a single read-write
transaction, so a crash mid-save leaves the previous snapshot intact.
LoadSnapshot refuses records whose schema_version it does not know; a
database still holding the schema 1 resources bucket has to be upgraded
with cloudscheduler-migrate first.

Cluster capacity is never persisted. On restore the pool rebuilds clusters
from the resource configuration and checks every restored VM out again, so
the accounting invariants hold exactly as they did before the restart.

# Usage

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.LoadSnapshot()
*/
package storage
