package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSnapshot() *Snapshot {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Snapshot{
		SavedAt: now,
		Clusters: []*ClusterRecord{
			{Name: "alpha", CloudType: "amazonec2", Enabled: true, VMSlots: 10},
			{Name: "beta", CloudType: "nimbus", Enabled: false, VMSlots: 4},
		},
		VMs: []*VMRecord{
			{VM: &types.VM{Name: "vm-1", ID: "i-1", ClusterName: "alpha", Memory: 1024, Mementry: 0, Status: types.VMStatusRunning, StartupTime: now}},
			{VM: &types.VM{Name: "vm-2", ID: "i-2", ClusterName: "alpha", Memory: 2048, Mementry: 1, Status: types.VMStatusStarting}},
			{VM: &types.VM{Name: "vm-3", ID: "ws-3", ClusterName: "beta", Override: types.OverrideRetiring}},
		},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSnapshot(testSnapshot()))

	snap, err := s.LoadSnapshot()
	require.NoError(t, err)

	assert.True(t, snap.SavedAt.Equal(testSnapshot().SavedAt))
	require.Len(t, snap.Clusters, 2)
	assert.False(t, snap.Cluster("beta").Enabled)
	assert.Equal(t, 10, snap.Cluster("alpha").VMSlots)
	assert.Nil(t, snap.Cluster("gamma"))

	byCluster := snap.VMsByCluster()
	require.Len(t, byCluster["alpha"], 2)
	require.Len(t, byCluster["beta"], 1)
	assert.Equal(t, types.OverrideRetiring, byCluster["beta"][0].Override)

	vm, err := s.GetVM("vm-2")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, vm.SchemaVersion)
	assert.Equal(t, 1, vm.VM.Mementry)
}

func TestSaveSnapshotReplaces(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveSnapshot(testSnapshot()))

	smaller := &Snapshot{
		Clusters: []*ClusterRecord{{Name: "alpha", Enabled: true}},
		VMs:      []*VMRecord{{VM: &types.VM{Name: "vm-9", ClusterName: "alpha"}}},
	}
	require.NoError(t, s.SaveSnapshot(smaller))

	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Clusters, 1)
	require.Len(t, snap.VMs, 1)
	assert.Equal(t, "vm-9", snap.VMs[0].VM.Name)

	_, err = s.GetVM("vm-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSnapshotEmpty(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.Clusters)
	assert.Empty(t, snap.VMs)
}

func TestPutDeleteVM(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutVM(&types.VM{Name: "vm-1", ClusterName: "alpha"}))
	require.NoError(t, s.PutVM(&types.VM{Name: "vm-2", ClusterName: "alpha"}))

	recs, err := s.ListVMs()
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, s.DeleteVM("vm-1"))
	recs, err = s.ListVMs()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "vm-2", recs[0].VM.Name)
}

func TestLoadSnapshotRejectsUnknownVersion(t *testing.T) {
	s := newTestStore(t)
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, _ := json.Marshal(&VMRecord{SchemaVersion: 7, VM: &types.VM{Name: "vm-1"}})
		return tx.Bucket(bucketVMs).Put([]byte("vm-1"), data)
	})
	require.NoError(t, err)

	_, err = s.LoadSnapshot()
	assert.ErrorIs(t, err, ErrSchemaVersion)
}

func TestLoadSnapshotRequiresMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), DBFile)
	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucket(BucketLegacyResources)
		if err != nil {
			return err
		}
		return b.Put([]byte("alpha"), []byte(`{"name":"alpha","vms":[]}`))
	}))
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.LoadSnapshot()
	assert.ErrorIs(t, err, ErrSchemaVersion)
	assert.ErrorContains(t, err, "cloudscheduler-migrate")
}
