/*
Package types defines the records shared by every other package: the VM
record a cluster driver keeps for each instance it launched, and the Job
requirement record read from the batch system.

# VM lifecycle

A VM moves through a small canonical state set regardless of which cloud
runs it:

	Starting ──▶ Running ──▶ Retiring ──▶ Shutdown / Destroyed
	    │           │           │
	    └───────────┴───────────┴──▶ Error

Drivers translate provider states into VMStatus values using a per-driver
table. Destroyed is terminal: the VM is removed from its cluster.

Override is a second axis. Credential problems (NoProxy, ExpiredProxy,
NotAuthorized), transport problems (ConnectionRefused, BrokenPipe) and
administrative marks (Retiring, TempBanned) are shown in place of the
status but never replace it. Special overrides are kept across polls until
cleared on purpose:

	vm.ApplyOverride(types.OverrideConnectionRefused) // replaced next poll
	vm.Override = types.OverrideRetiring              // sticks

# Jobs

Job is read-only to the scheduler apart from the bookkeeping fields at the
end of the struct (Scheduled, Banned, BanTime, FailedBoot, RunningVM).
UserVMType joins user and VM type and keys per-user accounting.
*/
package types
