package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/cloudscheduler/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultTimeout bounds every call unless SetTimeout says otherwise
const DefaultTimeout = 10 * time.Second

// Client wraps the admin gRPC connection for CLI usage
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects to the admin service. addr is host:port for the full
// service or unix:///path for the read-only socket.
func NewClient(addr string) (*Client, error) {
	target := addr
	if strings.HasPrefix(addr, "/") {
		target = "unix://" + addr
	}
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewClientWithConn(conn), nil
}

// NewClientWithConn wraps an existing connection
func NewClientWithConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, timeout: DefaultTimeout}
}

// SetTimeout changes the per call timeout
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(method string, in, out proto.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.conn.Invoke(ctx, api.FullMethod(method), in, out)
}

func vmRequest(clusterName, vm string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"cluster": clusterName, "vm": vm})
}

// ListClusters lists active and retired clusters
func (c *Client) ListClusters() ([]api.ClusterView, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(api.MethodListClusters, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var clusters []api.ClusterView
	if err := api.FromList(out, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// GetCluster returns a cluster with its VMs
func (c *Client) GetCluster(name string) (*api.ClusterView, error) {
	out := &structpb.Struct{}
	if err := c.invoke(api.MethodGetCluster, wrapperspb.String(name), out); err != nil {
		return nil, err
	}
	var view api.ClusterView
	if err := api.FromStruct(out, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListVMs lists the VMs of a cluster, or all VMs when clusterName is empty
func (c *Client) ListVMs(clusterName string) ([]api.VMView, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if clusterName != "" {
		req.Fields["cluster"] = structpb.NewStringValue(clusterName)
	}
	out := &structpb.ListValue{}
	if err := c.invoke(api.MethodListVMs, req, out); err != nil {
		return nil, err
	}
	var vms []api.VMView
	if err := api.FromList(out, &vms); err != nil {
		return nil, err
	}
	return vms, nil
}

// EnableCluster lets the scheduler use the cluster again
func (c *Client) EnableCluster(name string) error {
	return c.invoke(api.MethodEnableCluster, wrapperspb.String(name), &emptypb.Empty{})
}

// DisableCluster stops new VMs from being placed on the cluster
func (c *Client) DisableCluster(name string) error {
	return c.invoke(api.MethodDisableCluster, wrapperspb.String(name), &emptypb.Empty{})
}

// ShutdownCluster destroys count VMs of the cluster, or all of them when
// count is negative
func (c *Client) ShutdownCluster(name string, count int) (*api.ShutdownResult, error) {
	fields := map[string]interface{}{"cluster": name}
	if count >= 0 {
		fields["count"] = count
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.invoke(api.MethodShutdownCluster, req, out); err != nil {
		return nil, err
	}
	var res api.ShutdownResult
	if err := api.FromStruct(out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ForceRetireVM marks a VM for retirement
func (c *Client) ForceRetireVM(clusterName, vm string) error {
	req, err := vmRequest(clusterName, vm)
	if err != nil {
		return err
	}
	return c.invoke(api.MethodForceRetireVM, req, &emptypb.Empty{})
}

// ShutdownVM destroys a VM
func (c *Client) ShutdownVM(clusterName, vm string) error {
	req, err := vmRequest(clusterName, vm)
	if err != nil {
		return err
	}
	return c.invoke(api.MethodShutdownVM, req, &emptypb.Empty{})
}

// ResetOverride clears a VM's override status
func (c *Client) ResetOverride(clusterName, vm string) error {
	req, err := vmRequest(clusterName, vm)
	if err != nil {
		return err
	}
	return c.invoke(api.MethodResetOverride, req, &emptypb.Empty{})
}

// ReloadBans rereads the ban file and returns the number of bans
func (c *Client) ReloadBans() (int, error) {
	out := &wrapperspb.Int64Value{}
	if err := c.invoke(api.MethodReloadBans, &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}

// ReloadAliases rereads the target cloud alias file
func (c *Client) ReloadAliases() error {
	return c.invoke(api.MethodReloadAliases, &emptypb.Empty{}, &emptypb.Empty{})
}

// ReloadUserLimits rereads the user limit file
func (c *Client) ReloadUserLimits() error {
	return c.invoke(api.MethodReloadUserLimits, &emptypb.Empty{}, &emptypb.Empty{})
}

// GetJobCounts returns the number of jobs per state
func (c *Client) GetJobCounts() (map[string]int, error) {
	out := &structpb.Struct{}
	if err := c.invoke(api.MethodGetJobCounts, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	counts := map[string]int{}
	if err := api.FromStruct(out, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// GetDistribution compares desired and actual VM type shares
func (c *Client) GetDistribution(weight string) (*api.Distribution, error) {
	out := &structpb.Struct{}
	if err := c.invoke(api.MethodGetDistribution, wrapperspb.String(weight), out); err != nil {
		return nil, err
	}
	var d api.Distribution
	if err := api.FromStruct(out, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
