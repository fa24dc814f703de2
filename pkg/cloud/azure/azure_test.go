package azure

import (
	"context"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/services/compute/mgmt/2019-07-01/compute"
	"github.com/Azure/azure-sdk-for-go/services/network/mgmt/2018-06-01/network"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/cluster/clustertest"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVMs struct {
	created   map[string]compute.VirtualMachine
	codes     []string
	createErr error
	viewErr   error
	deleteErr error
	deleted   []string
}

func (f *fakeVMs) CreateOrUpdate(ctx context.Context, group, name string, params compute.VirtualMachine) (compute.VirtualMachine, error) {
	if f.createErr != nil {
		return compute.VirtualMachine{}, f.createErr
	}
	if f.created == nil {
		f.created = map[string]compute.VirtualMachine{}
	}
	params.Name = to.StringPtr(name)
	f.created[name] = params
	return params, nil
}

func (f *fakeVMs) InstanceView(ctx context.Context, group, name string) (compute.VirtualMachineInstanceView, error) {
	if f.viewErr != nil {
		return compute.VirtualMachineInstanceView{}, f.viewErr
	}
	statuses := make([]compute.InstanceViewStatus, 0, len(f.codes))
	for _, code := range f.codes {
		statuses = append(statuses, compute.InstanceViewStatus{Code: to.StringPtr(code)})
	}
	return compute.VirtualMachineInstanceView{Statuses: &statuses}, nil
}

func (f *fakeVMs) Delete(ctx context.Context, group, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeNICs struct {
	created []string
	deleted []string
}

func (f *fakeNICs) CreateOrUpdate(ctx context.Context, group, name string, params network.Interface) (network.Interface, error) {
	f.created = append(f.created, name)
	ipconf := (*params.IPConfigurations)[0]
	ipconf.PrivateIPAddress = to.StringPtr("10.1.0.7")
	params.ID = to.StringPtr("/nics/" + name)
	params.IPConfigurations = &[]network.InterfaceIPConfiguration{ipconf}
	return params, nil
}

func (f *fakeNICs) Delete(ctx context.Context, group, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func newTestCluster() (*Cluster, *fakeVMs, *fakeNICs) {
	cfg := clustertest.Simple("az", 2)
	cfg.CloudType = "Azure"
	vms, nics := &fakeVMs{}, &fakeNICs{}
	c := NewWithClients(cfg, Options{
		SubscriptionID: "sub",
		ResourceGroup:  "rg",
		Location:       "westeurope",
		Network:        "vnet",
		Subnet:         "default",
	}, vms, nics, cluster.Env{Logger: zerolog.Nop()})
	return c, vms, nics
}

func detailed(status int) error {
	return autorest.DetailedError{
		Original:   &azure.RequestError{ServiceError: &azure.ServiceError{Code: "Failed", Message: "failed"}},
		StatusCode: status,
		Response:   &http.Response{StatusCode: status, Header: http.Header{}},
	}
}

func request1(image string) cluster.CreateRequest {
	return cluster.CreateRequest{
		Name:          "vm-1",
		User:          "alice",
		VMType:        "worker",
		Network:       "public",
		Memory:        1024,
		CPUCores:      1,
		Storage:       10,
		Customization: "#cloud-config\n",
		ImageByCloud:  map[string]string{"az": image},
	}
}

func TestCreate(t *testing.T) {
	c, vms, nics := newTestCluster()

	vm, err := c.Create(context.Background(), request1("Canonical:UbuntuServer:18.04-LTS:latest"))
	require.NoError(t, err)
	assert.Equal(t, "vm-1", vm.ID)
	assert.Equal(t, "10.1.0.7", vm.IPAddress)
	assert.Equal(t, []string{"vm-1-nic"}, nics.created)

	params := vms.created["vm-1"]
	ref := params.StorageProfile.ImageReference
	assert.Equal(t, "Canonical", to.String(ref.Publisher))
	assert.Equal(t, "18.04-LTS", to.String(ref.Sku))
	assert.Equal(t, compute.VirtualMachineSizeTypes(DefaultInstanceType), params.HardwareProfile.VMSize)
	assert.NotNil(t, params.OsProfile.CustomData)
	assert.Equal(t, 1, c.SlotsAvailable())
}

func TestStorageProfile(t *testing.T) {
	c, _, _ := newTestCluster()
	tests := []struct {
		image string
		want  string
	}{
		{"/subscriptions/sub/images/custom", "/subscriptions/sub/images/custom"},
		{"worker-image", "/subscriptions/sub/resourceGroups/rg/providers/Microsoft.Compute/images/worker-image"},
	}
	for _, tt := range tests {
		t.Run(tt.image, func(t *testing.T) {
			p := c.storageProfile("vm", tt.image)
			assert.Equal(t, tt.want, to.String(p.ImageReference.ID))
		})
	}
}

func TestCreateFailureRemovesNIC(t *testing.T) {
	c, vms, nics := newTestCluster()
	vms.createErr = detailed(http.StatusBadRequest)

	_, err := c.Create(context.Background(), request1("img"))
	require.Error(t, err)
	assert.Equal(t, cluster.CreateFailed, cluster.CodeOf(err))
	assert.Equal(t, []string{"vm-1-nic"}, nics.deleted)
	assert.Equal(t, 2, c.SlotsAvailable())
}

func TestCreateErrorClassification(t *testing.T) {
	c, _, _ := newTestCluster()

	quota := autorest.DetailedError{
		Original:   &azure.RequestError{ServiceError: &azure.ServiceError{Code: "OperationNotAllowed", Message: "Operation results in exceeding quota limits of Core"}},
		StatusCode: http.StatusConflict,
	}
	assert.Equal(t, cluster.CreateShortage, cluster.CodeOf(c.createError(quota)))
	assert.Equal(t, cluster.CreateRefused, cluster.CodeOf(c.createError(detailed(http.StatusForbidden))))

	throttled := detailed(http.StatusTooManyRequests)
	throttled.(autorest.DetailedError).Response.Header.Set("Retry-After", "45")
	err := c.createError(throttled)
	assert.True(t, cluster.NewThrottle().Check(err, zerolog.Nop(), "Create"))
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name  string
		codes []string
		want  types.VMStatus
	}{
		{"creating", []string{"ProvisioningState/creating"}, types.VMStatusStarting},
		{"running", []string{"ProvisioningState/succeeded", "PowerState/running"}, types.VMStatusRunning},
		{"deallocated", []string{"ProvisioningState/succeeded", "PowerState/deallocated"}, types.VMStatusStopped},
		{"failed", []string{"ProvisioningState/failed", "PowerState/running"}, types.VMStatusError},
		{"no statuses", nil, types.VMStatusStarting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, vms, _ := newTestCluster()
			vm, err := c.Create(context.Background(), request1("img"))
			require.NoError(t, err)

			vms.codes = tt.codes
			status, err := c.Poll(context.Background(), vm)
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestPollErrors(t *testing.T) {
	c, vms, _ := newTestCluster()
	vm, err := c.Create(context.Background(), request1("img"))
	require.NoError(t, err)

	vms.viewErr = detailed(http.StatusUnauthorized)
	status, err := c.Poll(context.Background(), vm)
	require.Error(t, err)
	assert.Equal(t, types.VMStatusStarting, status)
	assert.Equal(t, types.OverrideNotAuthorized, vm.Override)

	vms.viewErr = detailed(http.StatusNotFound)
	status, err = c.Poll(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, status)
}

func TestDestroy(t *testing.T) {
	c, vms, nics := newTestCluster()
	vm, err := c.Create(context.Background(), request1("img"))
	require.NoError(t, err)

	vms.deleteErr = detailed(http.StatusInternalServerError)
	require.Error(t, c.Destroy(context.Background(), vm, true, "test"))
	assert.Equal(t, 1, c.NumVMs())

	vms.deleteErr = detailed(http.StatusNotFound)
	require.NoError(t, c.Destroy(context.Background(), vm, true, "gone"))
	assert.Equal(t, []string{"vm-1-nic"}, nics.deleted)
	assert.Zero(t, c.NumVMs())
	assert.Equal(t, 2, c.SlotsAvailable())
}
