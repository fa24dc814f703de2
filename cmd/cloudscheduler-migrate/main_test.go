package main

import (
	"path/filepath"
	"testing"

	"github.com/cuemby/cloudscheduler/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestConvert(t *testing.T) {
	c, err := convert([]byte("alpha"), []byte(`{"cloud_type":"nimbus","enabled":false,"vm_slots":4,"vms":[{"name":"vm-1","id":"12"},{"id":"nameless"}]}`))
	require.NoError(t, err)

	assert.Equal(t, "alpha", c.record.Name)
	assert.False(t, c.record.Enabled)
	assert.Equal(t, 4, c.record.VMSlots)
	require.Len(t, c.vms, 1)
	assert.Equal(t, "alpha", c.vms[0].VM.ClusterName)
	assert.Equal(t, "12", c.vms[0].VM.ID)
}

func TestMigrateLegacyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), storage.DBFile)
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket(storage.BucketLegacyResources)
		if err != nil {
			return err
		}
		return b.Put([]byte("alpha"), []byte(`{"name":"alpha","vm_slots":2,"vms":[{"name":"vm-1"},{"name":"vm-2"}]}`))
	}))
	require.NoError(t, db.Close())

	snap, err := readLegacy(path)
	require.NoError(t, err)
	require.NotNil(t, snap)

	store, err := storage.Open(path)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.SaveSnapshot(snap))

	loaded, err := store.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, loaded.VMs, 2)
	assert.True(t, loaded.Cluster("alpha").Enabled)
}
