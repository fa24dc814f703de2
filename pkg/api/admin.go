package api

import (
	"context"
	"errors"

	"github.com/cuemby/cloudscheduler/pkg/cluster"
	"github.com/cuemby/cloudscheduler/pkg/job"
	"github.com/cuemby/cloudscheduler/pkg/pool"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the full gRPC name of the admin service
const ServiceName = "cloudscheduler.Admin"

// Method names of the admin service
const (
	MethodListClusters     = "ListClusters"
	MethodListVMs          = "ListVMs"
	MethodGetCluster       = "GetCluster"
	MethodEnableCluster    = "EnableCluster"
	MethodDisableCluster   = "DisableCluster"
	MethodShutdownCluster  = "ShutdownCluster"
	MethodForceRetireVM    = "ForceRetireVM"
	MethodShutdownVM       = "ShutdownVM"
	MethodResetOverride    = "ResetOverride"
	MethodReloadBans       = "ReloadBans"
	MethodReloadAliases    = "ReloadAliases"
	MethodReloadUserLimits = "ReloadUserLimits"
	MethodGetJobCounts     = "GetJobCounts"
	MethodGetDistribution  = "GetDistribution"
)

// FullMethod returns the path a client invokes for method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// AdminServer is the admin service. Arguments and results are protobuf
// well known types; structured values are JSON objects in a Struct.
type AdminServer interface {
	ListClusters(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ListVMs(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	GetCluster(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	EnableCluster(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	DisableCluster(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ShutdownCluster(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForceRetireVM(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ShutdownVM(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ResetOverride(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ReloadBans(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	ReloadAliases(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ReloadUserLimits(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	GetJobCounts(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetDistribution(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// unary adapts a typed AdminServer method to a grpc.MethodDesc
func unary[Req any, Resp any](name string, call func(AdminServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(AdminServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the admin service to grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodListClusters, AdminServer.ListClusters),
		unary(MethodListVMs, AdminServer.ListVMs),
		unary(MethodGetCluster, AdminServer.GetCluster),
		unary(MethodEnableCluster, AdminServer.EnableCluster),
		unary(MethodDisableCluster, AdminServer.DisableCluster),
		unary(MethodShutdownCluster, AdminServer.ShutdownCluster),
		unary(MethodForceRetireVM, AdminServer.ForceRetireVM),
		unary(MethodShutdownVM, AdminServer.ShutdownVM),
		unary(MethodResetOverride, AdminServer.ResetOverride),
		unary(MethodReloadBans, AdminServer.ReloadBans),
		unary(MethodReloadAliases, AdminServer.ReloadAliases),
		unary(MethodReloadUserLimits, AdminServer.ReloadUserLimits),
		unary(MethodGetJobCounts, AdminServer.GetJobCounts),
		unary(MethodGetDistribution, AdminServer.GetDistribution),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cloudscheduler/admin",
}

// AdminOptions points the reload calls at their files
type AdminOptions struct {
	AliasFile     string
	UserLimitFile string
}

// Admin implements AdminServer over the pools
type Admin struct {
	pool   *pool.Pool
	jobs   *job.Pool
	opts   AdminOptions
	logger zerolog.Logger
}

// NewAdmin creates the admin service
func NewAdmin(p *pool.Pool, jobs *job.Pool, opts AdminOptions, logger zerolog.Logger) *Admin {
	return &Admin{pool: p, jobs: jobs, opts: opts, logger: logger}
}

// toStatus maps pool errors onto gRPC codes
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cluster.ErrClusterNotFound), errors.Is(err, cluster.ErrVMNotFound):
		return status.Error(codes.NotFound, err.Error())
	case cluster.IsNoResources(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// target reads the cluster and vm fields of a request
func target(req *structpb.Struct) (clusterName, vm string, err error) {
	f := req.GetFields()
	clusterName = f["cluster"].GetStringValue()
	vm = f["vm"].GetStringValue()
	if clusterName == "" || vm == "" {
		return "", "", status.Error(codes.InvalidArgument, "cluster and vm are required")
	}
	return clusterName, vm, nil
}

func (a *Admin) ListClusters(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	return toList(ListClusters(a.pool))
}

func (a *Admin) ListVMs(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	vms, err := ListVMs(a.pool, req.GetFields()["cluster"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if vms == nil {
		vms = []VMView{}
	}
	return toList(vms)
}

func (a *Admin) GetCluster(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	cl, err := a.pool.Cluster(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(NewClusterView(cl, false, true))
}

func (a *Admin) EnableCluster(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := a.pool.EnableCluster(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (a *Admin) DisableCluster(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := a.pool.DisableCluster(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ShutdownResult reports the destroys issued by ShutdownCluster
type ShutdownResult struct {
	Destroyed []string          `json:"destroyed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// ShutdownCluster destroys count VMs of a cluster, or all of them when
// count is absent or negative
func (a *Admin) ShutdownCluster(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	name := f["cluster"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "cluster is required")
	}

	var (
		results []pool.DestroyResult
		err     error
	)
	if c, ok := f["count"]; ok && c.GetNumberValue() >= 0 {
		results, err = a.pool.ShutdownClusterVMCount(ctx, name, int(c.GetNumberValue()))
	} else {
		results, err = a.pool.ShutdownClusterVMs(ctx, name)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	out := ShutdownResult{Destroyed: []string{}}
	for _, r := range results {
		if r.Err != nil {
			if out.Failed == nil {
				out.Failed = map[string]string{}
			}
			out.Failed[r.VM] = r.Err.Error()
			continue
		}
		out.Destroyed = append(out.Destroyed, r.VM)
	}
	a.logger.Info().Str("cluster", name).Int("destroyed", len(out.Destroyed)).Int("failed", len(out.Failed)).Msg("Cluster shutdown requested")
	return toStruct(out)
}

func (a *Admin) ForceRetireVM(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	cl, vm, err := target(req)
	if err != nil {
		return nil, err
	}
	if err := a.pool.ForceRetireVM(cl, vm); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (a *Admin) ShutdownVM(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	cl, vm, err := target(req)
	if err != nil {
		return nil, err
	}
	if err := a.pool.ShutdownVM(ctx, cl, vm); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (a *Admin) ResetOverride(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	cl, vm, err := target(req)
	if err != nil {
		return nil, err
	}
	if err := a.pool.ResetOverrideState(cl, vm); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ReloadBans rereads the ban file and returns the number of bans
func (a *Admin) ReloadBans(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	if err := a.pool.LoadBans(); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(int64(a.pool.BanCount())), nil
}

func (a *Admin) ReloadAliases(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if a.opts.AliasFile == "" {
		return nil, status.Error(codes.FailedPrecondition, "no target cloud alias file configured")
	}
	if err := a.pool.LoadTargetAliases(a.opts.AliasFile); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (a *Admin) ReloadUserLimits(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if a.opts.UserLimitFile == "" {
		return nil, status.Error(codes.FailedPrecondition, "no user limit file configured")
	}
	if err := a.pool.LoadUserLimits(a.opts.UserLimitFile); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (a *Admin) GetJobCounts(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(a.jobs.CountsByState())
}

// GetDistribution compares desired and actual shares. The value picks the
// weight: slot (default), memory or memcpu.
func (a *Admin) GetDistribution(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	d, err := Compare(a.pool, a.jobs, req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return toStruct(d)
}
