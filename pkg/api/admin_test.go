package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type adminFixture struct {
	*fixture
	full     *grpc.ClientConn
	readOnly *grpc.ClientConn
}

func dial(t *testing.T, lis *bufconn.Listener) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newAdminFixture(t *testing.T, opts AdminOptions) *adminFixture {
	t.Helper()
	f := newFixture(t)
	srv := NewServer(NewAdmin(f.pool, f.jobs, opts, testLogger()), testLogger())

	full := bufconn.Listen(1 << 20)
	ro := bufconn.Listen(1 << 20)
	srv.Serve(full)
	srv.ServeReadOnly(ro)
	t.Cleanup(srv.Stop)

	return &adminFixture{fixture: f, full: dial(t, full), readOnly: dial(t, ro)}
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, in, out proto.Message) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Invoke(ctx, FullMethod(method), in, out)
}

func vmTarget(t *testing.T, clusterName, vm string) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(map[string]interface{}{"cluster": clusterName, "vm": vm})
	require.NoError(t, err)
	return s
}

func TestAdminListClusters(t *testing.T) {
	f := newAdminFixture(t, AdminOptions{})

	out := &structpb.ListValue{}
	require.NoError(t, invoke(t, f.full, MethodListClusters, &emptypb.Empty{}, out))

	var clusters []ClusterView
	require.NoError(t, FromList(out, &clusters))
	require.Len(t, clusters, 2)
	assert.Equal(t, "alpha", clusters[0].Name)
	assert.Equal(t, 1, clusters[0].VMs)
}

func TestAdminGetCluster(t *testing.T) {
	f := newAdminFixture(t, AdminOptions{})

	out := &structpb.Struct{}
	require.NoError(t, invoke(t, f.full, MethodGetCluster, wrapperspb.String("alpha"), out))
	var c ClusterView
	require.NoError(t, FromStruct(out, &c))
	assert.Equal(t, "alpha", c.Name)
	require.Len(t, c.VMList, 1)
	assert.Equal(t, "vm-1", c.VMList[0].Name)

	err := invoke(t, f.full, MethodGetCluster, wrapperspb.String("gamma"), &structpb.Struct{})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestAdminEnableDisable(t *testing.T) {
	f := newAdminFixture(t, AdminOptions{})
	alpha := f.factory.Get("alpha")

	require.NoError(t, invoke(t, f.full, MethodDisableCluster, wrapperspb.String("alpha"), &emptypb.Empty{}))
	assert.False(t, alpha.Enabled())

	require.NoError(t, invoke(t, f.full, MethodEnableCluster, wrapperspb.String("alpha"), &emptypb.Empty{}))
	assert.True(t, alpha.Enabled())

	err := invoke(t, f.full, MethodDisableCluster, wrapperspb.String("gamma"), &emptypb.Empty{})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestAdminVMOperations(t *testing.T) {
	tests := []struct {
		name   string
		method string
		vm     string
		code   codes.Code
		check  func(t *testing.T, f *adminFixture)
	}{
		{
			name:   "force retire",
			method: MethodForceRetireVM,
			vm:     "vm-1",
			code:   codes.OK,
			check: func(t *testing.T, f *adminFixture) {
				vm := f.factory.Get("alpha").FindVM("vm-1")
				require.NotNil(t, vm)
				assert.True(t, vm.ForceRetire)
				assert.Equal(t, types.OverrideRetiring, vm.Override)
			},
		},
		{
			name:   "shutdown",
			method: MethodShutdownVM,
			vm:     "vm-1",
			code:   codes.OK,
			check: func(t *testing.T, f *adminFixture) {
				assert.Nil(t, f.factory.Get("alpha").FindVM("vm-1"))
				assert.Equal(t, 4, f.factory.Get("alpha").SlotsAvailable())
			},
		},
		{
			name:   "reset override",
			method: MethodResetOverride,
			vm:     "vm-1",
			code:   codes.OK,
			check: func(t *testing.T, f *adminFixture) {
				vm := f.factory.Get("alpha").FindVM("vm-1")
				require.NotNil(t, vm)
				assert.Equal(t, types.OverrideNone, vm.Override)
			},
		},
		{name: "unknown vm", method: MethodShutdownVM, vm: "vm-9", code: codes.NotFound},
		{name: "missing vm", method: MethodForceRetireVM, vm: "", code: codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdminFixture(t, AdminOptions{})
			if tt.method == MethodResetOverride {
				require.NoError(t, f.pool.ForceRetireVM("alpha", "vm-1"))
			}
			err := invoke(t, f.full, tt.method, vmTarget(t, "alpha", tt.vm), &emptypb.Empty{})
			assert.Equal(t, tt.code, status.Code(err))
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestAdminShutdownCluster(t *testing.T) {
	f := newAdminFixture(t, AdminOptions{})

	req, err := structpb.NewStruct(map[string]interface{}{"cluster": "alpha"})
	require.NoError(t, err)
	out := &structpb.Struct{}
	require.NoError(t, invoke(t, f.full, MethodShutdownCluster, req, out))

	var res ShutdownResult
	require.NoError(t, FromStruct(out, &res))
	assert.Equal(t, []string{"vm-1"}, res.Destroyed)
	assert.Empty(t, res.Failed)
	assert.Zero(t, f.factory.Get("alpha").NumVMs())
}

func TestAdminJobCountsAndDistribution(t *testing.T) {
	f := newAdminFixture(t, AdminOptions{})

	out := &structpb.Struct{}
	require.NoError(t, invoke(t, f.full, MethodGetJobCounts, &emptypb.Empty{}, out))
	var counts map[string]int
	require.NoError(t, FromStruct(out, &counts))
	assert.Equal(t, 2, counts["Idle"])

	out = &structpb.Struct{}
	require.NoError(t, invoke(t, f.full, MethodGetDistribution, wrapperspb.String("memory"), out))
	var d Distribution
	require.NoError(t, FromStruct(out, &d))
	assert.Equal(t, "memory", d.Weight)
	assert.InDelta(t, 1.0, d.Types["alice:worker"].Actual, 1e-9)

	err := invoke(t, f.full, MethodGetDistribution, wrapperspb.String("bogus"), &structpb.Struct{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdminReloads(t *testing.T) {
	f := newAdminFixture(t, AdminOptions{})

	n := &wrapperspb.Int64Value{}
	require.NoError(t, invoke(t, f.full, MethodReloadBans, &emptypb.Empty{}, n))
	assert.Zero(t, n.GetValue())

	err := invoke(t, f.full, MethodReloadAliases, &emptypb.Empty{}, &emptypb.Empty{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "no alias file configured")

	err = invoke(t, f.full, MethodReloadUserLimits, &emptypb.Empty{}, &emptypb.Empty{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "no user limit file configured")
}

func TestAdminReadOnlySocket(t *testing.T) {
	f := newAdminFixture(t, AdminOptions{})

	tests := []struct {
		method string
		in     proto.Message
		out    proto.Message
		code   codes.Code
	}{
		{MethodListClusters, &emptypb.Empty{}, &structpb.ListValue{}, codes.OK},
		{MethodListVMs, &structpb.Struct{}, &structpb.ListValue{}, codes.OK},
		{MethodGetCluster, wrapperspb.String("alpha"), &structpb.Struct{}, codes.OK},
		{MethodGetJobCounts, &emptypb.Empty{}, &structpb.Struct{}, codes.OK},
		{MethodDisableCluster, wrapperspb.String("alpha"), &emptypb.Empty{}, codes.PermissionDenied},
		{MethodShutdownVM, vmTarget(t, "alpha", "vm-1"), &emptypb.Empty{}, codes.PermissionDenied},
		{MethodReloadBans, &emptypb.Empty{}, &wrapperspb.Int64Value{}, codes.PermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			err := invoke(t, f.readOnly, tt.method, tt.in, tt.out)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
	assert.NotNil(t, f.factory.Get("alpha").FindVM("vm-1"), "mutations were refused")
	assert.True(t, f.factory.Get("alpha").Enabled())
}

func TestAdminHealth(t *testing.T) {
	f := newAdminFixture(t, AdminOptions{})

	for _, conn := range []*grpc.ClientConn{f.full, f.readOnly} {
		resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
			&healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	}
}

func TestIsReadOnlyMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{FullMethod(MethodListVMs), true},
		{FullMethod(MethodGetDistribution), true},
		{FullMethod(MethodEnableCluster), false},
		{FullMethod(MethodResetOverride), false},
		{"/grpc.health.v1.Health/Check", true},
		{"ListVMs", false},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, isReadOnlyMethod(tt.method))
		})
	}
}
