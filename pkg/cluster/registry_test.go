package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCluster struct {
	*Base
	destroyed []bool
}

func (s *stubCluster) Create(ctx context.Context, req CreateRequest) (*types.VM, error) {
	vm := NewVM(s.Base, req, "id-"+req.Name, req.Image, time.Now())
	if err := Adopt(ctx, s, vm, zerolog.Nop()); err != nil {
		return nil, err
	}
	return vm, nil
}

func (s *stubCluster) Poll(ctx context.Context, vm *types.VM) (types.VMStatus, error) {
	return vm.Status, nil
}

func (s *stubCluster) Destroy(ctx context.Context, vm *types.VM, returnResources bool, reason string) error {
	s.destroyed = append(s.destroyed, returnResources)
	Forget(s, vm, returnResources, zerolog.Nop())
	return nil
}

func newStub(cfg config.Cluster, env Env) (Cluster, error) {
	return &stubCluster{Base: NewBase(cfg)}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(Env{Logger: zerolog.Nop()})
	reg.Register(newStub, "AmazonEC2", "eucalyptus")

	assert.Equal(t, []string{"amazonec2", "eucalyptus"}, reg.CloudTypes())

	cfg := testConfig()
	cfg.CloudType = "amazonEC2"
	cl, err := reg.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "alpha", cl.Name())

	cfg.CloudType = "unknown"
	_, err = reg.New(cfg)
	assert.ErrorContains(t, err, "unsupported cloud_type")
}

func TestAdoptDestroysOnCheckoutFailure(t *testing.T) {
	cl := &stubCluster{Base: NewBase(testConfig())}

	_, err := cl.Create(context.Background(), CreateRequest{Name: "huge", Memory: 100000})
	require.Error(t, err)
	assert.Equal(t, CreateFailed, CodeOf(err))
	assert.True(t, IsNoResources(err))
	assert.Equal(t, []bool{false}, cl.destroyed)
	assert.Equal(t, 0, cl.NumVMs())
	assert.Equal(t, 3, cl.SlotsAvailable())
}

func TestAdoptAddsVM(t *testing.T) {
	cl := &stubCluster{Base: NewBase(testConfig())}

	vm, err := cl.Create(context.Background(), CreateRequest{Name: "vm1", User: "alice", VMType: "default", Memory: 512, Storage: 1})
	require.NoError(t, err)
	assert.Equal(t, "alice:default", vm.UserVMType)
	assert.Equal(t, "alpha", vm.ClusterName)
	assert.Equal(t, 0, vm.Mementry)
	assert.Equal(t, 1, cl.NumVMs())
	assert.Equal(t, 2, cl.SlotsAvailable())
}

func TestImageFor(t *testing.T) {
	b := NewBase(testConfig())
	tests := []struct {
		name     string
		req      CreateRequest
		defaults map[string]string
		want     string
	}{
		{"by name", CreateRequest{Image: "plain", ImageByCloud: map[string]string{"alpha": "ami-1"}}, nil, "ami-1"},
		{"by host", CreateRequest{Image: "plain", ImageByCloud: map[string]string{"alpha.example.org": "ami-2"}}, nil, "ami-2"},
		{"cluster default", CreateRequest{Image: "plain"}, map[string]string{"alpha": "ami-3", "default": "ami-4"}, "ami-3"},
		{"global default", CreateRequest{Image: "plain"}, map[string]string{"default": "ami-4"}, "ami-4"},
		{"plain", CreateRequest{Image: "plain"}, nil, "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.ImageFor(b, tt.defaults))
		})
	}
}

func TestInstanceTypeFor(t *testing.T) {
	b := NewBase(testConfig())
	req := CreateRequest{InstanceType: map[string]string{"alpha": "m5.large"}}
	assert.Equal(t, "m5.large", req.InstanceTypeFor(b, nil, "m1.small"))
	assert.Equal(t, "m1.small", (&CreateRequest{}).InstanceTypeFor(b, nil, "m1.small"))
}

func TestStateTable(t *testing.T) {
	table := StateTable{"running": types.VMStatusRunning, "pending": types.VMStatusStarting}
	assert.Equal(t, types.VMStatusRunning, table.Map("running", types.VMStatusError))
	assert.Equal(t, types.VMStatusRunning, table.Map("RUNNING", types.VMStatusError))
	assert.Equal(t, types.VMStatusError, table.Map("melted", types.VMStatusError))
}
