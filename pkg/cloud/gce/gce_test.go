package gce

import (
	"context"
	"net/http"
	"testing"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

type fakeInstances struct {
	inserted  *compute.Instance
	status    string
	insertErr error
	getErr    error
	deleteErr error
	deleted   []string
}

func (f *fakeInstances) Insert(ctx context.Context, project, zone string, inst *compute.Instance) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = inst
	return nil
}

func (f *fakeInstances) Get(ctx context.Context, project, zone, name string) (*compute.Instance, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &compute.Instance{
		Name:   name,
		Status: f.status,
		NetworkInterfaces: []*compute.NetworkInterface{{
			NetworkIP:     "10.128.0.5",
			AccessConfigs: []*compute.AccessConfig{{NatIP: "34.1.2.3"}},
		}},
	}, nil
}

func (f *fakeInstances) Delete(ctx context.Context, project, zone, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func newTestCluster() (*Cluster, *fakeInstances) {
	cfg := clustertest.Simple("gce", 2)
	cfg.CloudType = "GCE"
	fake := &fakeInstances{status: "PROVISIONING"}
	c := NewWithClient(cfg, Options{Project: "proj", Zone: "us-central1-a"}, fake, cluster.Env{Logger: zerolog.Nop()})
	return c, fake
}

func request1() cluster.CreateRequest {
	return cluster.CreateRequest{
		Name:          "VM-1",
		User:          "Alice@Example",
		VMType:        "worker",
		Network:       "public",
		Memory:        1024,
		CPUCores:      1,
		Storage:       10,
		Customization: "#cloud-config\n",
		ImageByCloud:  map[string]string{"gce": "worker-image"},
		InstanceType:  map[string]string{"gce": "n2-standard-2"},
	}
}

func TestCreate(t *testing.T) {
	c, fake := newTestCluster()

	vm, err := c.Create(context.Background(), request1())
	require.NoError(t, err)
	assert.Equal(t, "vm-1", vm.ID)
	require.NotNil(t, fake.inserted)
	assert.Equal(t, "zones/us-central1-a/machineTypes/n2-standard-2", fake.inserted.MachineType)
	assert.Equal(t, "global/images/worker-image", fake.inserted.Disks[0].InitializeParams.SourceImage)
	assert.Equal(t, "alice_example", fake.inserted.Labels["cloudscheduler-user"])
	assert.Equal(t, "user-data", fake.inserted.Metadata.Items[0].Key)
	assert.Len(t, fake.inserted.NetworkInterfaces[0].AccessConfigs, 1)
	assert.Nil(t, fake.inserted.Scheduling)
	assert.Equal(t, 1, c.SlotsAvailable())
}

func TestCreatePreemptible(t *testing.T) {
	c, fake := newTestCluster()
	req := request1()
	req.MaxPrice = 0.1

	_, err := c.Create(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, fake.inserted.Scheduling)
	assert.True(t, fake.inserted.Scheduling.Preemptible)
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want cluster.CreateCode
	}{
		{"quota", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, cluster.CreateShortage},
		{"forbidden", &googleapi.Error{Code: 403}, cluster.CreateRefused},
		{"bad image", &googleapi.Error{Code: 400}, cluster.CreateFailed},
		{"rate limited", &googleapi.Error{Code: 429}, cluster.CreateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fake := newTestCluster()
			fake.insertErr = tt.err

			_, err := c.Create(context.Background(), request1())
			require.Error(t, err)
			assert.Equal(t, tt.want, cluster.CodeOf(err))
			assert.Equal(t, 2, c.SlotsAvailable())
		})
	}
}

func TestPoll(t *testing.T) {
	c, fake := newTestCluster()
	vm, err := c.Create(context.Background(), request1())
	require.NoError(t, err)

	status, err := c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusStarting, status)

	fake.status = "RUNNING"
	status, err = c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusRunning, status)
	assert.Equal(t, "34.1.2.3", vm.IPAddress)

	fake.getErr = &googleapi.Error{Code: http.StatusUnauthorized}
	status, err = c.Poll(context.Background(), vm)
	require.Error(t, err)
	assert.Equal(t, types.VMStatusRunning, status)
	assert.Equal(t, types.OverrideNotAuthorized, vm.Override)

	fake.getErr = &googleapi.Error{Code: http.StatusNotFound}
	status, err = c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, status)
}

func TestDestroy(t *testing.T) {
	c, fake := newTestCluster()
	vm, err := c.Create(context.Background(), request1())
	require.NoError(t, err)

	fake.deleteErr = &googleapi.Error{Code: http.StatusInternalServerError}
	require.Error(t, c.Destroy(context.Background(), vm, true, "test"))
	assert.Equal(t, 1, c.NumVMs())

	fake.deleteErr = &googleapi.Error{Code: http.StatusNotFound}
	require.NoError(t, c.Destroy(context.Background(), vm, true, "gone"))
	assert.Zero(t, c.NumVMs())
	assert.Equal(t, 2, c.SlotsAvailable())
}

func TestOperationError(t *testing.T) {
	assert.NoError(t, operationError(&compute.Operation{Status: "RUNNING"}))

	err := operationError(&compute.Operation{
		HttpErrorStatusCode: 403,
		Error: &compute.OperationError{Errors: []*compute.OperationErrorErrors{{
			Code: "QUOTA_EXCEEDED", Message: "Quota 'CPUS' exceeded",
		}}},
	})
	require.Error(t, err)
	assert.Equal(t, 403, apiCode(err))
}
