/*
Package api exposes the scheduler to operators.

# Admin service

The gRPC service cloudscheduler.Admin is declared by hand in ServiceDesc.
Its messages are protobuf well known types: names travel as StringValue,
cluster and VM pairs as a Struct with "cluster" and "vm" fields, and
results as Struct or ListValue holding the JSON form of the views in this
package (ClusterView, VMView, Distribution). FromStruct and FromList turn
them back into views.

	ListClusters     Empty        -> ListValue of ClusterView
	ListVMs          {cluster}    -> ListValue of VMView
	GetCluster       name         -> ClusterView with VMs
	EnableCluster    name         -> Empty
	DisableCluster   name         -> Empty
	ShutdownCluster  {cluster, count} -> ShutdownResult
	ForceRetireVM    {cluster, vm} -> Empty
	ShutdownVM       {cluster, vm} -> Empty
	ResetOverride    {cluster, vm} -> Empty
	ReloadBans       Empty        -> Int64Value ban count
	ReloadAliases    Empty        -> Empty
	ReloadUserLimits Empty        -> Empty
	GetJobCounts     Empty        -> jobs per state
	GetDistribution  weight       -> Distribution

Server listens on a TCP address with the whole service and on a unix
socket where ReadOnlyInterceptor lets only List and Get calls through.
Both carry the grpc.health.v1 service and count requests in the
cloudscheduler_api_* metrics. Unknown clusters and VMs map to
codes.NotFound.

# Info server

InfoServer serves the same views over HTTP, JSON by default and as
aligned text with ?format=text:

	GET /health               component health, degraded when a cloud is unreachable
	GET /ready                readiness of the critical components
	GET /live                 liveness
	GET /metrics              Prometheus metrics
	GET /clusters             every cluster
	GET /clusters/{name}      one cluster and its VMs
	GET /vms[?cluster=name]   VMs
	GET /jobs                 jobs per state
	GET /distribution[?weight=slot|memory|memcpu]
*/
package api
