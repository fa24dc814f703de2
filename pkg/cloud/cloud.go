// Package cloud wires every provider driver into a cluster registry.
package cloud

import (
	"github.com/cuemby/cloudscheduler/pkg/cloud/azure"
	"github.com/cuemby/cloudscheduler/pkg/cloud/ec2"
	"github.com/cuemby/cloudscheduler/pkg/cloud/gce"
	"github.com/cuemby/cloudscheduler/pkg/cloud/ibm"
	"github.com/cuemby/cloudscheduler/pkg/cloud/local"
	"github.com/cuemby/cloudscheduler/pkg/cloud/nimbus"
	"github.com/cuemby/cloudscheduler/pkg/cloud/openstack"
	"github.com/cuemby/cloudscheduler/pkg/cloud/proxmox"
	"github.com/cuemby/cloudscheduler/pkg/cloud/stratuslab"
	"github.com/cuemby/cloudscheduler/pkg/cluster"
)

// Register adds all drivers to r
func Register(r *cluster.Registry) {
	r.Register(ec2.New, ec2.CloudTypes...)
	r.Register(azure.New, azure.CloudTypes...)
	r.Register(gce.New, gce.CloudTypes...)
	r.Register(openstack.New, openstack.CloudTypes...)
	r.Register(local.New, local.CloudTypes...)
	r.Register(proxmox.New, proxmox.CloudTypes...)
	r.Register(nimbus.New, nimbus.CloudTypes...)
	r.Register(stratuslab.New, stratuslab.CloudTypes...)
	r.Register(ibm.New, ibm.CloudTypes...)
}

// NewRegistry returns a registry with every driver registered
func NewRegistry(env cluster.Env) *cluster.Registry {
	r := cluster.NewRegistry(env)
	Register(r)
	return r
}
