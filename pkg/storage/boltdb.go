package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DBFile is the database file name inside the data directory
const DBFile = "cloudscheduler.db"

var (
	// Bucket names
	bucketClusters = []byte("clusters")
	bucketVMs      = []byte("vms")
	bucketMeta     = []byte("meta")

	// BucketLegacyResources held one JSON blob per cluster, with its VMs
	// embedded, in schema version 1
	BucketLegacyResources = []byte("resources")

	keySchemaVersion = []byte("schema_version")
	keySavedAt       = []byte("saved_at")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return Open(filepath.Join(dataDir, DBFile))
}

// Open opens or creates the database at path
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketClusters, bucketVMs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tools
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// SaveSnapshot replaces every cluster and VM record in one transaction
func (s *BoltStore) SaveSnapshot(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketClusters, bucketVMs} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("failed to clear bucket %s: %w", name, err)
			}
		}
		cb, err := tx.CreateBucket(bucketClusters)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketClusters, err)
		}
		vb, err := tx.CreateBucket(bucketVMs)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketVMs, err)
		}

		for _, c := range snap.Clusters {
			c.SchemaVersion = SchemaVersion
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := cb.Put([]byte(c.Name), data); err != nil {
				return fmt.Errorf("failed to save cluster %s: %w", c.Name, err)
			}
		}
		for _, rec := range snap.VMs {
			if err := putVM(vb, rec.VM); err != nil {
				return err
			}
		}

		return writeMeta(tx.Bucket(bucketMeta), snap.SavedAt)
	})
}

// LoadSnapshot reads the last saved snapshot. A fresh database yields an
// empty snapshot.
func (s *BoltStore) LoadSnapshot() (*Snapshot, error) {
	snap := &Snapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := checkVersion(tx); err != nil {
			return err
		}
		if raw := tx.Bucket(bucketMeta).Get(keySavedAt); raw != nil {
			if t, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
				snap.SavedAt = t
			}
		}

		err := tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var c ClusterRecord
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("failed to decode cluster %s: %w", k, err)
			}
			if c.SchemaVersion != SchemaVersion {
				return fmt.Errorf("cluster %s: %w %d", k, ErrSchemaVersion, c.SchemaVersion)
			}
			snap.Clusters = append(snap.Clusters, &c)
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
			rec, err := decodeVM(k, v)
			if err != nil {
				return err
			}
			snap.VMs = append(snap.VMs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListVMs returns every persisted VM
func (s *BoltStore) ListVMs() ([]*VMRecord, error) {
	var recs []*VMRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
			rec, err := decodeVM(k, v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// GetVM returns the persisted VM with the given name
func (s *BoltStore) GetVM(name string) (*VMRecord, error) {
	var rec *VMRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVMs).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("vm %s: %w", name, ErrNotFound)
		}
		var err error
		rec, err = decodeVM([]byte(name), data)
		return err
	})
	return rec, err
}

// PutVM writes a single VM record (upsert)
func (s *BoltStore) PutVM(vm *types.VM) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putVM(tx.Bucket(bucketVMs), vm)
	})
}

// DeleteVM removes a single VM record
func (s *BoltStore) DeleteVM(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).Delete([]byte(name))
	})
}

func putVM(b *bolt.Bucket, vm *types.VM) error {
	if vm == nil {
		return nil
	}
	data, err := json.Marshal(&VMRecord{SchemaVersion: SchemaVersion, VM: vm})
	if err != nil {
		return err
	}
	if err := b.Put([]byte(vm.Name), data); err != nil {
		return fmt.Errorf("failed to save vm %s: %w", vm.Name, err)
	}
	return nil
}

func decodeVM(k, v []byte) (*VMRecord, error) {
	var rec VMRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode vm %s: %w", k, err)
	}
	if rec.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("vm %s: %w %d", k, ErrSchemaVersion, rec.SchemaVersion)
	}
	if rec.VM == nil {
		return nil, fmt.Errorf("vm %s: empty record", k)
	}
	return &rec, nil
}

func writeMeta(b *bolt.Bucket, savedAt time.Time) error {
	if err := b.Put(keySchemaVersion, []byte(strconv.Itoa(SchemaVersion))); err != nil {
		return fmt.Errorf("failed to write schema version: %w", err)
	}
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	return b.Put(keySavedAt, []byte(savedAt.UTC().Format(time.RFC3339Nano)))
}

func checkVersion(tx *bolt.Tx) error {
	if tx.Bucket(BucketLegacyResources) != nil && tx.Bucket(bucketMeta).Get(keySchemaVersion) == nil {
		return fmt.Errorf("%w 1: run cloudscheduler-migrate", ErrSchemaVersion)
	}
	raw := tx.Bucket(bucketMeta).Get(keySchemaVersion)
	if raw == nil {
		return nil
	}
	v, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	if v != SchemaVersion {
		return fmt.Errorf("%w %d", ErrSchemaVersion, v)
	}
	return nil
}
