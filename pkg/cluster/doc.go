/*
Package cluster defines the contract between the scheduler and the cloud
drivers, and the resource accounting every driver shares.

# Architecture

A driver embeds *Base and implements Create, Poll and Destroy against its
provider. Base owns the capacity counters and the list of VMs on the
cluster:

	┌──────────────────────────── Cluster ────────────────────────────┐
	│                                                                 │
	│   driver (ec2, nimbus, openstack, ...)     *Base                │
	│   ┌──────────────────────────┐     ┌─────────────────────────┐  │
	│   │ Create ──► provider call │────►│ Checkout   vm_slots     │  │
	│   │ Poll   ──► state table   │     │ Return     storage      │  │
	│   │ Destroy──► provider call │────►│ Release    memory[i]    │  │
	│   └──────────────────────────┘     │            cpu_cores    │  │
	│                                    │            net_slots    │  │
	│                                    │ vms []*types.VM         │  │
	│                                    └─────────────────────────┘  │
	└─────────────────────────────────────────────────────────────────┘

For every cluster, at all times:

	available + sum(checked out by live VMs) == configured capacity

Checkout either reserves everything a VM needs or changes nothing. Return
refuses to push a counter above its configured value and reports an
AccountingError instead. Release removes a VM from the list and returns its
resources at most once, so a destroy racing a cleanup cannot double count.

# Errors

Create failures are *CreateError values carrying a CreateCode:

	CreateFailed      generic provider failure, counts against the image
	CreateCredential  missing or expired user credential
	CreateShortage    provider has less capacity than configured
	CreateRefused     quota exceeded or user not authorized

Drivers report throttling with RateLimitError or QuotaError; a Throttle
turns those into a suspension window for the cluster.

# Command line drivers

Providers driven through CLI tools (Nimbus, StratusLab) use a Runner, which
applies a wall clock timeout and escalates SIGTERM to SIGKILL.

# Registry

A Registry maps cloud_type strings to driver factories:

	reg := cluster.NewRegistry(cluster.Env{Logger: logger, Runner: runner})
	reg.Register(ec2.New, "amazonec2", "eucalyptus", "openstack")
	cl, err := reg.New(cfg)
*/
package cluster
