package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/storage"
	"github.com/cuemby/cloudscheduler/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/cloudscheduler", "Cloud scheduler data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/cloudscheduler.db.backup)")
)

// legacyCluster is the schema 1 record: one blob per cluster with its VMs
// embedded
type legacyCluster struct {
	Name      string      `json:"name"`
	CloudType string      `json:"cloud_type"`
	Host      string      `json:"host"`
	Enabled   *bool       `json:"enabled"`
	VMSlots   int         `json:"vm_slots"`
	VMs       []*types.VM `json:"vms"`
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Cloud Scheduler Database Migration Tool - schema 1 → 2")
	log.Println("=======================================================")

	dbPath := filepath.Join(*dataDir, storage.DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	snap, err := readLegacy(dbPath)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if snap == nil {
		log.Println("✓ No 'resources' bucket found - database is already using schema 2")
		return
	}

	log.Printf("Found %d clusters and %d vms to migrate", len(snap.Clusters), len(snap.VMs))
	if *dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Println("1. Write one record per cluster to 'clusters'")
		log.Printf("2. Write %d vm records to 'vms'", len(snap.VMs))
		log.Println("3. Stamp meta schema_version = 2")
		log.Println("4. Preserve 'resources' bucket for rollback")
		log.Println("\nDry run completed. No changes made.")
		return
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	if err := store.SaveSnapshot(snap); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("\n✓ Migration completed successfully!")
	log.Println("Old 'resources' bucket has been preserved for rollback if needed.")
	log.Println("After verifying the migration, you can manually delete it using:")
	log.Printf("  bolt db rm %s resources", dbPath)
}

// readLegacy converts the schema 1 resources bucket into a snapshot. It
// returns nil when there is nothing to migrate.
func readLegacy(dbPath string) (*storage.Snapshot, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true, Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var snap *storage.Snapshot
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(storage.BucketLegacyResources)
		if b == nil {
			return nil
		}
		snap = &storage.Snapshot{SavedAt: time.Now()}
		return b.ForEach(func(k, v []byte) error {
			c, err := convert(k, v)
			if err != nil {
				log.Printf("⚠ Warning: Skipping invalid record for key %s: %v", k, err)
				return nil
			}
			snap.Clusters = append(snap.Clusters, c.record)
			snap.VMs = append(snap.VMs, c.vms...)
			return nil
		})
	})
	return snap, err
}

type converted struct {
	record *storage.ClusterRecord
	vms    []*storage.VMRecord
}

func convert(key, value []byte) (*converted, error) {
	var lc legacyCluster
	if err := json.Unmarshal(value, &lc); err != nil {
		return nil, err
	}
	if lc.Name == "" {
		lc.Name = string(key)
	}

	out := &converted{
		record: &storage.ClusterRecord{
			Name:      lc.Name,
			CloudType: lc.CloudType,
			Host:      lc.Host,
			Enabled:   lc.Enabled == nil || *lc.Enabled,
			VMSlots:   lc.VMSlots,
		},
	}
	for _, vm := range lc.VMs {
		if vm == nil || vm.Name == "" {
			continue
		}
		vm.ClusterName = lc.Name
		out.vms = append(out.vms, &storage.VMRecord{VM: vm})
	}
	return out, nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
